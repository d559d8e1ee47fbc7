/*
Package persister defines the durable-append contract shared by every
storage backend (in-memory, file, Redis Streams) and ships the in-memory
implementation used by tests and by ephemeral storages.

PURPOSE:
  Implements the "UNDERLYING_PERSISTER" half of spec.md §5's stream
  abstraction: something that can durably append an ordered Record and
  later replay them in order. The transaction engine (storage package)
  never talks to a Persister directly - it talks to a Publisher
  (storage.Publisher), which stream.Stream implements by wrapping one of
  these.

GROUNDED ON:
  - AntoineToussaint-timeoff store/sqlite: append-only enforcement,
    constructor-returns-(impl, error) shape, doc-header format.
  - original_source/Storage/persister/sherlock.h: idxts_t (index +
    microsecond timestamp) pairing and "DataAuthority: Own vs External"
    terminology, carried into storage.Publisher.IsMaster().

SEE ALSO:
  - persister/file: crash-safe line-delimited JSON backend
  - persister/redis: Redis Streams backend
  - stream/stream.go: the engine-side caller of Append/Iterate (rest/server.go's
    log endpoint and cmd/server's replay command also read via Iterate)
*/
package persister

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by implementations that support point lookups
// when no record exists at the requested index.
var ErrNotFound = errors.New("persister: record not found")

// Record is one durably appended entry: an index assigned by the
// persister, the microsecond timestamp of the transaction it carries,
// and its already-serialized payload (storage.MarshalTransaction output).
type Record struct {
	Index   uint64
	US      int64
	Payload []byte
}

// Persister is the durable append-only log contract every backend
// implements. Index assignment is the persister's responsibility and
// must be strictly increasing and gap-free from 0.
type Persister interface {
	// Append durably writes payload and returns the index it was
	// assigned. Implementations must not return until the write is
	// durable (fsync'd file, acknowledged Redis XADD, etc.).
	Append(ctx context.Context, us int64, payload []byte) (index uint64, err error)

	// Size reports the number of records currently appended.
	Size(ctx context.Context) (uint64, error)

	// Iterate calls fn once per record in index order, starting at
	// fromIndex (inclusive). Iteration stops early if fn returns false
	// or an error.
	Iterate(ctx context.Context, fromIndex uint64, fn func(Record) (bool, error)) error

	// Close releases any resources (file handles, connections) held by
	// the persister.
	Close() error
}

// Memory is an in-process, non-durable Persister - the default for
// tests and for storages that never need to survive a restart
// (spec.md §5's "no persister" configuration).
type Memory struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemory constructs an empty in-memory persister.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(_ context.Context, us int64, payload []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := uint64(len(m.records))
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.records = append(m.records, Record{Index: idx, US: us, Payload: cp})
	return idx, nil
}

func (m *Memory) Size(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.records)), nil
}

func (m *Memory) Iterate(_ context.Context, fromIndex uint64, fn func(Record) (bool, error)) error {
	m.mu.RLock()
	records := make([]Record, len(m.records))
	copy(records, m.records)
	m.mu.RUnlock()

	for _, r := range records {
		if r.Index < fromIndex {
			continue
		}
		more, err := fn(r)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func (m *Memory) Close() error { return nil }
