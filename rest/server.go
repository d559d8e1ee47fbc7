/*
server.go - chi router: data path, status, CQS, log streaming

PURPOSE:
  Implements spec.md §6's REST projection (Hypermedia dialect) and
  stream HTTP exposure over whatever DataField set and CQS handlers a
  schema registers, plus the follower-405 rule and
  SwitchHTTPEndpointsTo503s(). Router/middleware choices are grounded on
  AntoineToussaint-timeoff/api/server.go (chi + go-chi/cors, Logger +
  Recoverer + RequestID).

SEE ALSO:
  - handlers.go: DataField implementations mounted here
  - storage/replication.go: IsMaster() drives the follower-405 rule
  - persister: Iterate backs the log endpoint
*/
package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/storage-engine/persister"
)

// MasterChecker reports whether the storage behind this server currently
// accepts writes (used for the follower-405 rule).
type MasterChecker func() bool

// Command is called directly by its handler; the server opens no
// transaction around it. Its error becomes a 400 cqrs_user_error unless
// it is a *fieldError.
type Command func(ctx context.Context, body []byte) (any, error)

// Query is called directly by its handler; the server opens no
// transaction around it.
type Query func(ctx context.Context, body []byte) (any, error)

// Server is the REST projection over one storage's declared containers.
type Server struct {
	prefix    string
	fields    map[string]DataField
	commands  map[string]Command
	queries   map[string]Query
	isMaster  MasterChecker
	p         persister.Persister
	suspended atomic.Bool
}

// NewServer builds an empty Server; register fields/commands/queries
// with RegisterField/RegisterCommand/RegisterQuery before calling Router.
func NewServer(prefix string, isMaster MasterChecker, p persister.Persister) *Server {
	return &Server{
		prefix:   prefix,
		fields:   make(map[string]DataField),
		commands: make(map[string]Command),
		queries:  make(map[string]Query),
		isMaster: isMaster,
		p:        p,
	}
}

func (s *Server) RegisterField(f DataField)          { s.fields[f.Name()] = f }
func (s *Server) RegisterCommand(name string, c Command) { s.commands[name] = c }
func (s *Server) RegisterQuery(name string, q Query)     { s.queries[name] = q }

// SwitchHTTPEndpointsTo503s flips every data endpoint to 503, matching
// spec.md §6. There is no way back short of restarting the process -
// this mirrors the source's one-way "going down" switch.
func (s *Server) SwitchHTTPEndpointsTo503s() {
	s.suspended.Store(true)
}

// Router builds the chi.Mux serving this Server under its prefix.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "If-Unmodified-Since", "X-Current-If-Unmodified-Since"},
	}))

	r.Route(s.prefix, func(r chi.Router) {
		r.Get("/", s.handleIndex)
		r.Get("/status", s.handleStatus)
		r.Get("/log", s.handleLog)
		r.Get("/schema.json", s.handleSchema)

		r.Route("/data/{field}", func(r chi.Router) {
			r.Get("/", s.handleList(""))
			r.Get("/*", s.handleGetOrList)
			r.Post("/", s.mutating(s.handleCreate))
			r.Put("/*", s.mutating(s.handlePut))
			r.Patch("/*", s.mutating(s.handlePatch))
			r.Delete("/*", s.mutating(s.handleDelete))
		})

		r.Post("/command/{name}", s.mutating(s.handleCommand))
		r.Get("/query/{name}", s.handleQuery)
		r.Post("/query/{name}", s.handleQuery)
	})
	return r
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if s.suspended.Load() {
		writeServiceUnavailable(w)
		return
	}
	urls := make(map[string]string, len(s.fields))
	for name := range s.fields {
		urls[name] = s.prefix + "/data/" + name
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"up": true, "fields": urls})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"up": !s.suspended.Load()})
}

// fieldDescriptor is one entry in the schema.json export.
type fieldDescriptor struct {
	Name     string `json:"name"`
	IsMatrix bool   `json:"is_matrix"`
}

// handleSchema serves the storage's declared-container registry as JSON,
// per spec.md §6.2's stream HTTP exposure. Unlike the original's
// per-language (.h) header export, this repository only emits the JSON
// form - generating C headers from a Go service has no idiomatic target
// in this dependency family, so that half of the endpoint is dropped.
func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	fields := make([]fieldDescriptor, 0, len(s.fields))
	for name, f := range s.fields {
		fields = append(fields, fieldDescriptor{Name: name, IsMatrix: f.IsMatrix()})
	}
	writeJSON(w, map[string]any{"fields": fields})
}

// handleLog streams the persister's raw records verbatim from ?i=<from>
// with an optional ?n=<count> cap, per spec.md §6.
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	from := uint64(0)
	if v := r.URL.Query().Get("i"); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			from = parsed
		}
	}
	limit := -1
	if v := r.URL.Query().Get("n"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	count := 0
	err := s.p.Iterate(r.Context(), from, func(rec persister.Record) (bool, error) {
		if limit >= 0 && count >= limit {
			return false, nil
		}
		line, err := json.Marshal(map[string]any{"index": rec.Index, "us": rec.US})
		if err != nil {
			return false, err
		}
		if _, err := w.Write(append(line, '\t')); err != nil {
			return false, err
		}
		if _, err := w.Write(rec.Payload); err != nil {
			return false, err
		}
		if _, err := w.Write([]byte{'\n'}); err != nil {
			return false, err
		}
		count++
		return true, nil
	})
	if err != nil {
		writeError(w, ErrResourceNotFound, err.Error(), nil)
	}
}

// mutating rejects with 405 on a follower storage and with 503 once
// suspended, before invoking next.
func (s *Server) mutating(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.suspended.Load() {
			writeServiceUnavailable(w)
			return
		}
		if !s.isMaster() {
			writeError(w, ErrMethodNotAllowed, "write transactions are not allowed on a follower", nil)
			return
		}
		next(w, r)
	}
}

func (s *Server) field(w http.ResponseWriter, r *http.Request) (DataField, bool) {
	name := chi.URLParam(r, "field")
	f, ok := s.fields[name]
	if !ok {
		writeError(w, ErrResourceNotFound, "no such field", map[string]any{"field": name})
		return nil, false
	}
	return f, true
}

// splitTail splits the wildcard remainder of /data/{field}/* on "/",
// dropping empty segments (a bare trailing slash yields none).
func splitTail(r *http.Request) []string {
	tail := chi.URLParam(r, "*")
	if tail == "" {
		return nil
	}
	var parts []string
	start := 0
	for i := 0; i <= len(tail); i++ {
		if i == len(tail) || tail[i] == '/' {
			if i > start {
				parts = append(parts, tail[start:i])
			}
			start = i + 1
		}
	}
	return parts
}

func (s *Server) handleGetOrList(w http.ResponseWriter, r *http.Request) {
	if s.suspended.Load() {
		writeServiceUnavailable(w)
		return
	}
	f, ok := s.field(w, r)
	if !ok {
		return
	}
	parts := splitTail(r)

	if f.IsMatrix() && len(parts) >= 1 {
		if parts[0] == "row" || parts[0] == "col" {
			rest := parts[1:]
			recs, err := f.List(parts[0], rest...)
			if err != nil {
				writeFieldErr(w, err)
				return
			}
			writeRecords(w, recs)
			return
		}
	}
	if len(parts) == 0 {
		recs, err := f.List("")
		if err != nil {
			writeFieldErr(w, err)
			return
		}
		writeRecords(w, recs)
		return
	}
	rec, found, err := f.Get(parts...)
	if err != nil {
		writeFieldErr(w, err)
		return
	}
	if !found {
		writeError(w, ErrResourceNotFound, "no resource at that key", nil)
		return
	}
	writeRecord(w, rec)
}

func (s *Server) handleList(axis string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.suspended.Load() {
			writeServiceUnavailable(w)
			return
		}
		f, ok := s.field(w, r)
		if !ok {
			return
		}
		recs, err := f.List(axis)
		if err != nil {
			writeFieldErr(w, err)
			return
		}
		writeRecords(w, recs)
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	f, ok := s.field(w, r)
	if !ok {
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, ErrParseJSON, err.Error(), nil)
		return
	}
	rec, err := f.Create(body)
	if err != nil {
		writeFieldErr(w, err)
		return
	}
	writeRecord(w, rec)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	f, ok := s.field(w, r)
	if !ok {
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, ErrParseJSON, err.Error(), nil)
		return
	}
	ius := precondition(r)
	rec, err := f.Put(body, ius, splitTail(r)...)
	if err != nil {
		writeFieldErr(w, err)
		return
	}
	writeRecord(w, rec)
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	f, ok := s.field(w, r)
	if !ok {
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, ErrParseJSON, err.Error(), nil)
		return
	}
	ius := precondition(r)
	rec, err := f.Patch(body, ius, splitTail(r)...)
	if err != nil {
		writeFieldErr(w, err)
		return
	}
	writeRecord(w, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	f, ok := s.field(w, r)
	if !ok {
		return
	}
	ius := precondition(r)
	us, err := f.Delete(ius, splitTail(r)...)
	if err != nil {
		writeFieldErr(w, err)
		return
	}
	w.Header().Set("X-Current-Last-Modified", strconv.FormatInt(us, 10))
	w.Header().Set("Last-Modified", imfFixed(us))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cmd, ok := s.commands[name]
	if !ok {
		writeError(w, ErrResourceNotFound, "no such command", map[string]any{"name": name})
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, ErrParseJSON, err.Error(), nil)
		return
	}
	result, err := cmd(r.Context(), body)
	if err != nil {
		writeUserErr(w, err)
		return
	}
	writeJSON(w, result)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if s.suspended.Load() {
		writeServiceUnavailable(w)
		return
	}
	name := chi.URLParam(r, "name")
	q, ok := s.queries[name]
	if !ok {
		writeError(w, ErrResourceNotFound, "no such query", map[string]any{"name": name})
		return
	}
	body, _ := readBody(r)
	result, err := q(r.Context(), body)
	if err != nil {
		writeUserErr(w, err)
		return
	}
	writeJSON(w, result)
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	buf := make([]byte, 0, 1024)
	tmp := make([]byte, 1024)
	for {
		n, err := r.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}

// precondition resolves X-Current-If-Unmodified-Since (µs, takes
// precedence) or the standard If-Unmodified-Since (RFC 1123 date).
func precondition(r *http.Request) int64 {
	if v := r.Header.Get("X-Current-If-Unmodified-Since"); v != "" {
		if us, err := strconv.ParseInt(v, 10, 64); err == nil {
			return us
		}
	}
	if v := r.Header.Get("If-Unmodified-Since"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			return t.UnixMicro()
		}
	}
	return 0
}

func writeRecord(w http.ResponseWriter, rec Record) {
	w.Header().Set("X-Current-Last-Modified", strconv.FormatInt(rec.LastModified, 10))
	w.Header().Set("Last-Modified", imfFixed(rec.LastModified))
	writeJSON(w, rec.Data)
}

func writeRecords(w http.ResponseWriter, recs []Record) {
	data := make([]any, len(recs))
	for i, r := range recs {
		data[i] = r.Data
	}
	writeJSON(w, data)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeFieldErr(w http.ResponseWriter, err error) {
	if fe, ok := err.(*fieldError); ok {
		writeError(w, fe.name, fe.message, fe.details)
		return
	}
	writeError(w, ErrResourceNotFound, err.Error(), nil)
}

func writeUserErr(w http.ResponseWriter, err error) {
	if fe, ok := err.(*fieldError); ok {
		writeError(w, fe.name, fe.message, fe.details)
		return
	}
	writeError(w, ErrCQRSUserError, err.Error(), nil)
}
