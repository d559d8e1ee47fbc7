/*
handlers.go - Generic DataField implementations over Dictionary/Matrix

PURPOSE:
  Each of NewDictionaryField/NewMatrixField closes over a concrete
  *storage.Dictionary[K,V] / *storage.Matrix[R,C,V] and the engine that
  owns it, and returns a DataField the router can drive without ever
  naming K/R/C/V - that type erasure is exactly what lets server.go
  mount an arbitrary number of heterogeneous fields under one
  `map[string]DataField`.

SEE ALSO:
  - dto.go: the DataField contract
  - server.go: mounts one route tree per registered DataField
  - demo/schema.go: the concrete K/V/R/C instantiated here
*/
package rest

import (
	"encoding/json"
	"fmt"

	"github.com/warp/storage-engine/storage"
)

// KeyCodec converts a dictionary key to/from its URL string form.
type KeyCodec[K comparable] struct {
	Parse  func(string) (K, error)
	Format func(K) string
}

type dictionaryField[K comparable, V storage.Keyed[K]] struct {
	name   string
	engine *storage.Engine
	dict   *storage.Dictionary[K, V]
	codec  KeyCodec[K]
}

// NewDictionaryField builds a DataField backed by a Dictionary.
func NewDictionaryField[K comparable, V storage.Keyed[K]](name string, engine *storage.Engine, dict *storage.Dictionary[K, V], codec KeyCodec[K]) DataField {
	return &dictionaryField[K, V]{name: name, engine: engine, dict: dict, codec: codec}
}

func (f *dictionaryField[K, V]) Name() string   { return f.name }
func (f *dictionaryField[K, V]) IsMatrix() bool { return false }

func (f *dictionaryField[K, V]) Get(keyParts ...string) (Record, bool, error) {
	k, err := f.parseKey(keyParts)
	if err != nil {
		return Record{}, false, err
	}
	r := storage.ReadOnlyTransaction(f.engine, func(h *storage.ReadOnlyHandle) (lookup, error) {
		v, ok := f.dict.Get(k)
		if !ok {
			return lookup{}, nil
		}
		us, _ := f.dict.LastModified(k)
		return lookup{rec: Record{Data: v, LastModified: us}, found: true}, nil
	})
	if r.Err != nil {
		return Record{}, false, r.Err
	}
	return r.Value.rec, r.Value.found, nil
}

func (f *dictionaryField[K, V]) List(_ string, _ ...string) ([]Record, error) {
	r := storage.ReadOnlyTransaction(f.engine, func(h *storage.ReadOnlyHandle) ([]Record, error) {
		var out []Record
		f.dict.Each(func(k K, v V) bool {
			us, _ := f.dict.LastModified(k)
			out = append(out, Record{Data: v, LastModified: us})
			return true
		})
		return out, nil
	})
	return r.Value, r.Err
}

func (f *dictionaryField[K, V]) Create(body []byte) (Record, error) {
	var v V
	if err := json.Unmarshal(body, &v); err != nil {
		return Record{}, newParseJSONError(err)
	}
	if setter, ok := any(&v).(keySetter[K]); ok {
		if initer, ok := any(&v).(storage.KeyInitializer[K]); ok {
			setter.SetKey(initer.InitializeOwnKey())
		}
	}
	r := storage.ReadWriteTransaction(f.engine, func(h *storage.ReadWriteHandle) (storage.Outcome[Record], error) {
		k := v.Key()
		if f.dict.Has(k) {
			return storage.Rollback[Record](), newResourceAlreadyExists(f.codec.Format(k))
		}
		f.dict.Add(v)
		us, _ := f.dict.LastModified(k)
		return storage.Commit(Record{Data: v, LastModified: us}), nil
	})
	if r.Err != nil {
		return Record{}, r.Err
	}
	return r.Value, nil
}

func (f *dictionaryField[K, V]) Put(body []byte, ifUnmodifiedSince int64, keyParts ...string) (Record, error) {
	k, err := f.parseKey(keyParts)
	if err != nil {
		return Record{}, err
	}
	var v V
	if err := json.Unmarshal(body, &v); err != nil {
		return Record{}, newParseJSONError(err)
	}
	if v.Key() != k {
		return Record{}, newInvalidKey(fmt.Sprintf("body key %v does not match URL key %v", v.Key(), k))
	}
	r := storage.ReadWriteTransaction(f.engine, func(h *storage.ReadWriteHandle) (storage.Outcome[Record], error) {
		if err := checkPrecondition(f.dict, k, ifUnmodifiedSince); err != nil {
			return storage.Rollback[Record](), err
		}
		f.dict.Add(v)
		us, _ := f.dict.LastModified(k)
		return storage.Commit(Record{Data: v, LastModified: us}), nil
	})
	if r.Err != nil {
		return Record{}, r.Err
	}
	return r.Value, nil
}

func (f *dictionaryField[K, V]) Patch(body []byte, ifUnmodifiedSince int64, keyParts ...string) (Record, error) {
	k, err := f.parseKey(keyParts)
	if err != nil {
		return Record{}, err
	}
	r := storage.ReadWriteTransaction(f.engine, func(h *storage.ReadWriteHandle) (storage.Outcome[Record], error) {
		existing, ok := f.dict.Get(k)
		if !ok {
			return storage.Rollback[Record](), newResourceNotFound(f.codec.Format(k))
		}
		if err := checkPrecondition(f.dict, k, ifUnmodifiedSince); err != nil {
			return storage.Rollback[Record](), err
		}
		merged, err := mergeJSON(existing, body)
		if err != nil {
			return storage.Rollback[Record](), err
		}
		if merged.Key() != k {
			return storage.Rollback[Record](), newInvalidKey("patch body may not change the key")
		}
		f.dict.Add(merged)
		us, _ := f.dict.LastModified(k)
		return storage.Commit(Record{Data: merged, LastModified: us}), nil
	})
	if r.Err != nil {
		return Record{}, r.Err
	}
	return r.Value, nil
}

func (f *dictionaryField[K, V]) Delete(ifUnmodifiedSince int64, keyParts ...string) (int64, error) {
	k, err := f.parseKey(keyParts)
	if err != nil {
		return 0, err
	}
	r := storage.ReadWriteTransaction(f.engine, func(h *storage.ReadWriteHandle) (storage.Outcome[int64], error) {
		if !f.dict.Has(k) {
			return storage.Rollback[int64](), newResourceNotFound(f.codec.Format(k))
		}
		if err := checkPrecondition(f.dict, k, ifUnmodifiedSince); err != nil {
			return storage.Rollback[int64](), err
		}
		f.dict.Erase(k)
		us, _ := f.dict.LastModified(k)
		return storage.Commit(us), nil
	})
	return r.Value, r.Err
}

func (f *dictionaryField[K, V]) parseKey(parts []string) (K, error) {
	var zero K
	if len(parts) != 1 || parts[0] == "" {
		return zero, newRequiredKeyIsMissing(f.name)
	}
	k, err := f.codec.Parse(parts[0])
	if err != nil {
		return zero, newInvalidKey(err.Error())
	}
	return k, nil
}

// --- Matrix field --------------------------------------------------------

type matrixField[R comparable, C comparable, V storage.RowColKeyed[R, C]] struct {
	name      string
	engine    *storage.Engine
	matrix    *storage.Matrix[R, C, V]
	rowCodec  KeyCodec[R]
	colCodec  KeyCodec[C]
}

// NewMatrixField builds a DataField backed by a Matrix.
func NewMatrixField[R comparable, C comparable, V storage.RowColKeyed[R, C]](name string, engine *storage.Engine, matrix *storage.Matrix[R, C, V], rowCodec KeyCodec[R], colCodec KeyCodec[C]) DataField {
	return &matrixField[R, C, V]{name: name, engine: engine, matrix: matrix, rowCodec: rowCodec, colCodec: colCodec}
}

func (f *matrixField[R, C, V]) Name() string   { return f.name }
func (f *matrixField[R, C, V]) IsMatrix() bool { return true }

func (f *matrixField[R, C, V]) Get(keyParts ...string) (Record, bool, error) {
	if len(keyParts) != 2 {
		return Record{}, false, newRequiredKeyIsMissing(f.name)
	}
	r, c, err := f.parseCell(keyParts)
	if err != nil {
		return Record{}, false, err
	}
	res := storage.ReadOnlyTransaction(f.engine, func(h *storage.ReadOnlyHandle) (lookup, error) {
		v, ok := f.matrix.Get(r, c)
		if !ok {
			return lookup{}, nil
		}
		us, _ := f.matrix.LastModified(r, c)
		return lookup{rec: Record{Data: v, LastModified: us}, found: true}, nil
	})
	return res.Value.rec, res.Value.found, res.Err
}

// List serves the bare data path (axis == "", every cell) and the
// .row/<row> and .col/<col> projections.
func (f *matrixField[R, C, V]) List(axis string, keyParts ...string) ([]Record, error) {
	r := storage.ReadOnlyTransaction(f.engine, func(h *storage.ReadOnlyHandle) ([]Record, error) {
		var out []Record
		switch axis {
		case "":
			f.matrix.Each(func(_ R, _ C, v V) bool {
				us, _ := f.matrix.LastModified(v.Row(), v.Col())
				out = append(out, Record{Data: v, LastModified: us})
				return true
			})
		case "row":
			if len(keyParts) != 1 {
				return nil, newRequiredKeyIsMissing(f.name + ".row")
			}
			row, err := f.rowCodec.Parse(keyParts[0])
			if err != nil {
				return nil, newInvalidKey(err.Error())
			}
			for _, v := range f.matrix.Row(row) {
				us, _ := f.matrix.LastModified(v.Row(), v.Col())
				out = append(out, Record{Data: v, LastModified: us})
			}
		case "col":
			if len(keyParts) != 1 {
				return nil, newRequiredKeyIsMissing(f.name + ".col")
			}
			col, err := f.colCodec.Parse(keyParts[0])
			if err != nil {
				return nil, newInvalidKey(err.Error())
			}
			for _, v := range f.matrix.Col(col) {
				us, _ := f.matrix.LastModified(v.Row(), v.Col())
				out = append(out, Record{Data: v, LastModified: us})
			}
		}
		return out, nil
	})
	return r.Value, r.Err
}

func (f *matrixField[R, C, V]) Create(body []byte) (Record, error) {
	var v V
	if err := json.Unmarshal(body, &v); err != nil {
		return Record{}, newParseJSONError(err)
	}
	r := storage.ReadWriteTransaction(f.engine, func(h *storage.ReadWriteHandle) (storage.Outcome[Record], error) {
		if f.matrix.Has(v.Row(), v.Col()) {
			return storage.Rollback[Record](), newResourceAlreadyExists(fmt.Sprintf("%v/%v", v.Row(), v.Col()))
		}
		f.matrix.Add(v)
		us, _ := f.matrix.LastModified(v.Row(), v.Col())
		return storage.Commit(Record{Data: v, LastModified: us}), nil
	})
	if r.Err != nil {
		return Record{}, r.Err
	}
	return r.Value, nil
}

func (f *matrixField[R, C, V]) Put(body []byte, ifUnmodifiedSince int64, keyParts ...string) (Record, error) {
	r, c, err := f.parseCell(keyParts)
	if err != nil {
		return Record{}, err
	}
	var v V
	if err := json.Unmarshal(body, &v); err != nil {
		return Record{}, newParseJSONError(err)
	}
	if v.Row() != r || v.Col() != c {
		return Record{}, newInvalidKey("body row/col does not match URL")
	}
	res := storage.ReadWriteTransaction(f.engine, func(h *storage.ReadWriteHandle) (storage.Outcome[Record], error) {
		if err := checkMatrixPrecondition(f.matrix, r, c, ifUnmodifiedSince); err != nil {
			return storage.Rollback[Record](), err
		}
		f.matrix.Add(v)
		us, _ := f.matrix.LastModified(r, c)
		return storage.Commit(Record{Data: v, LastModified: us}), nil
	})
	if res.Err != nil {
		return Record{}, res.Err
	}
	return res.Value, nil
}

func (f *matrixField[R, C, V]) Patch(body []byte, ifUnmodifiedSince int64, keyParts ...string) (Record, error) {
	r, c, err := f.parseCell(keyParts)
	if err != nil {
		return Record{}, err
	}
	res := storage.ReadWriteTransaction(f.engine, func(h *storage.ReadWriteHandle) (storage.Outcome[Record], error) {
		existing, ok := f.matrix.Get(r, c)
		if !ok {
			return storage.Rollback[Record](), newResourceNotFound(fmt.Sprintf("%v/%v", r, c))
		}
		if err := checkMatrixPrecondition(f.matrix, r, c, ifUnmodifiedSince); err != nil {
			return storage.Rollback[Record](), err
		}
		merged, err := mergeJSON(existing, body)
		if err != nil {
			return storage.Rollback[Record](), err
		}
		if merged.Row() != r || merged.Col() != c {
			return storage.Rollback[Record](), newInvalidKey("patch body may not change row/col")
		}
		f.matrix.Add(merged)
		us, _ := f.matrix.LastModified(r, c)
		return storage.Commit(Record{Data: merged, LastModified: us}), nil
	})
	if res.Err != nil {
		return Record{}, res.Err
	}
	return res.Value, nil
}

func (f *matrixField[R, C, V]) Delete(ifUnmodifiedSince int64, keyParts ...string) (int64, error) {
	r, c, err := f.parseCell(keyParts)
	if err != nil {
		return 0, err
	}
	res := storage.ReadWriteTransaction(f.engine, func(h *storage.ReadWriteHandle) (storage.Outcome[int64], error) {
		if !f.matrix.Has(r, c) {
			return storage.Rollback[int64](), newResourceNotFound(fmt.Sprintf("%v/%v", r, c))
		}
		if err := checkMatrixPrecondition(f.matrix, r, c, ifUnmodifiedSince); err != nil {
			return storage.Rollback[int64](), err
		}
		f.matrix.Erase(r, c)
		us, _ := f.matrix.LastModified(r, c)
		return storage.Commit(us), nil
	})
	return res.Value, res.Err
}

func (f *matrixField[R, C, V]) parseCell(parts []string) (R, C, error) {
	var zr R
	var zc C
	if len(parts) != 2 {
		return zr, zc, newRequiredKeyIsMissing(f.name)
	}
	r, err := f.rowCodec.Parse(parts[0])
	if err != nil {
		return zr, zc, newInvalidKey(err.Error())
	}
	c, err := f.colCodec.Parse(parts[1])
	if err != nil {
		return zr, zc, newInvalidKey(err.Error())
	}
	return r, c, nil
}

// --- shared helpers --------------------------------------------------------

// keySetter is implemented by entry types whose key isn't derivable from
// other fields, so the generic POST handler can write back the key
// InitializeOwnKey minted (see demo.Account.SetKey).
type keySetter[K comparable] interface {
	SetKey(K)
}

// lookup carries a Get result plus its found flag through
// ReadOnlyTransaction's single-return-value signature without relying on
// a zero-value/nil check (Record.Data may legitimately hold a
// non-pointer zero-value struct).
type lookup struct {
	rec   Record
	found bool
}

func mergeJSON[V any](existing V, patchBody []byte) (V, error) {
	raw, err := json.Marshal(existing)
	if err != nil {
		return existing, fmt.Errorf("rest: marshal existing value: %w", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return existing, fmt.Errorf("rest: decompose existing value: %w", err)
	}
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(patchBody, &patch); err != nil {
		return existing, newParseJSONError(err)
	}
	for k, v := range patch {
		m[k] = v
	}
	merged, err := json.Marshal(m)
	if err != nil {
		return existing, fmt.Errorf("rest: remarshal patched value: %w", err)
	}
	var out V
	if err := json.Unmarshal(merged, &out); err != nil {
		return existing, newParseJSONError(err)
	}
	return out, nil
}

func checkPrecondition[K comparable](d interface {
	LastModified(K) (int64, bool)
}, k K, ifUnmodifiedSince int64) error {
	if ifUnmodifiedSince == 0 {
		return nil
	}
	us, ok := d.LastModified(k)
	if ok && us > ifUnmodifiedSince {
		return newResourceWasModified(ifUnmodifiedSince, us)
	}
	return nil
}

func checkMatrixPrecondition[R, C comparable](m interface {
	LastModified(R, C) (int64, bool)
}, r R, c C, ifUnmodifiedSince int64) error {
	if ifUnmodifiedSince == 0 {
		return nil
	}
	us, ok := m.LastModified(r, c)
	if ok && us > ifUnmodifiedSince {
		return newResourceWasModified(ifUnmodifiedSince, us)
	}
	return nil
}

// fieldError carries a well-known ErrorName through the transaction
// boundary so the HTTP layer can translate it without string matching.
type fieldError struct {
	name    ErrorName
	message string
	details map[string]any
}

func (e *fieldError) Error() string { return e.message }

func newInvalidKey(msg string) error            { return &fieldError{name: ErrInvalidKey, message: msg} }
func newResourceNotFound(key string) error {
	return &fieldError{name: ErrResourceNotFound, message: fmt.Sprintf("no resource at key %q", key), details: map[string]any{"key": key}}
}
func newResourceAlreadyExists(key string) error {
	return &fieldError{name: ErrResourceAlreadyExists, message: fmt.Sprintf("resource already exists at key %q", key), details: map[string]any{"key": key}}
}
func newResourceWasModified(requestedUS, actualUS int64) error {
	return &fieldError{
		name:    ErrResourceWasModified,
		message: "resource was modified since the given precondition",
		details: map[string]any{"if_unmodified_since": requestedUS, "last_modified_us": actualUS},
	}
}
func newParseJSONError(err error) error { return &fieldError{name: ErrParseJSON, message: err.Error()} }
func newRequiredKeyIsMissing(field string) error {
	return &fieldError{name: ErrRequiredKeyIsMissing, message: fmt.Sprintf("field %q requires a key", field)}
}
