/*
dto.go - Wire shapes and the field-agnostic data-path contract

PURPOSE:
  DataField is the interface server.go mounts one per declared
  container under <prefix>/data/<field>; NewDictionaryField and
  NewMatrixField in handlers.go build concrete implementations against a
  storage.Dictionary / storage.Matrix without the server needing to know
  K, C, R, V.

SEE ALSO:
  - handlers.go: DataField implementations + conditional-header plumbing
  - server.go: router wiring
*/
package rest

import (
	"net/http"
	"time"
)

// Record is what a DataField hands back on a successful GET/POST/PUT/PATCH.
type Record struct {
	Data         any   `json:"data"`
	LastModified int64 `json:"-"` // microseconds; surfaced via response headers, not the body
}

// DataField is the field-agnostic surface server.go drives for the
// spec.md §6 data path. Key/Cell parsing is field-specific, so paths are
// passed as raw strings taken straight from the URL.
type DataField interface {
	Name() string

	// IsMatrix reports whether this field needs the row/col routing
	// (/<row>/<col>, .row/<row>, .col/<col>) instead of dictionary
	// routing (/<key>).
	IsMatrix() bool

	Get(keyParts ...string) (Record, bool, error)

	// List serves the bare data path when axis is "", or the
	// .row/.col projections (matrices only) when axis is "row"/"col"
	// and keyParts supplies the row/col value to filter on.
	List(axis string, keyParts ...string) ([]Record, error)
	Create(body []byte) (Record, error)
	Put(body []byte, ifUnmodifiedSince int64, keyParts ...string) (Record, error)
	Patch(body []byte, ifUnmodifiedSince int64, keyParts ...string) (Record, error)
	Delete(ifUnmodifiedSince int64, keyParts ...string) (int64, error)
}

// imfFixed formats us (microseconds) as an HTTP-date (RFC 7231 IMF-fixdate).
func imfFixed(us int64) string {
	return time.UnixMicro(us).UTC().Format(http.TimeFormat)
}
