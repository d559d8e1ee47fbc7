/*
mutation.go - Tagged mutation variants emitted by containers

PURPOSE:
  Every container write that changes a key produces one typed, reversible
  Mutation for it (spec.md §3: "<Container>Updated{us, data}" or
  "<Container>Deleted{us, key}"); a Matrix Add also produces one Deleted
  per evicted cell, and an Erase of an absent key produces none. The
  Mutation interface is the closed-enough union the journal,
  persister codec, and REST schema export all operate over; concrete
  shapes are generic per container so the compiler still sees real field
  types, not interface{} soup, anywhere user code touches them.

REPLACES (spec.md §9):
  "Deep variadic template metaprogramming (... mutation-variant
  synthesis)" becomes: each container constructor instantiates one of the
  generic mutation structs below against its own K/V; the storage-wide
  "Mutation" union is just the Mutation interface, and the TypeID
  discriminator (typeid.go) stands in for the per-language reflection
  table the source generated at compile time.

SEE ALSO:
  - container.go: producers of these mutations
  - journal.go: collects them into commit_log
  - codec.go: serializes them to the spec.md §6 wire format
*/
package storage

// Kind distinguishes an Updated mutation (insert-or-replace) from a
// Deleted mutation (removal).
type Kind string

const (
	KindUpdated Kind = "Updated"
	KindDeleted Kind = "Deleted"
)

// Mutation is the storage-wide tagged union of every container's
// Updated/Deleted variants. Concrete types are produced by container.go
// and never constructed directly by user code.
type Mutation interface {
	// ContainerName identifies which declared container produced this
	// mutation (matches the name passed to NewDictionary/NewMatrix/NewVector).
	ContainerName() string

	// MutationName is the container name with its first letter
	// upper-cased, plus "Updated" or "Deleted", e.g. "AccountsUpdated" -
	// used verbatim as the JSON object's variant key (spec.md §6).
	MutationName() string

	Kind() Kind
	Timestamp() int64
	TypeID() TypeID

	// payload returns the value that should be serialized as "data" (for
	// Updated) or "key" (for Deleted).
	payload() any
}

// --- Dictionary / Vector mutations (single key) -----------------------

// DictUpdated is emitted by Dictionary.Add and Vector.Append.
type DictUpdated[K comparable, V any] struct {
	Container string
	US        int64
	Data      V
	typeID    TypeID
}

func (m DictUpdated[K, V]) ContainerName() string { return m.Container }
func (m DictUpdated[K, V]) MutationName() string   { return mutationName(m.Container, "Updated") }
func (m DictUpdated[K, V]) Kind() Kind             { return KindUpdated }
func (m DictUpdated[K, V]) Timestamp() int64       { return m.US }
func (m DictUpdated[K, V]) TypeID() TypeID         { return m.typeID }
func (m DictUpdated[K, V]) payload() any           { return m.Data }

// DictDeleted is emitted by Dictionary.Erase and Vector.Erase.
type DictDeleted[K comparable] struct {
	Container string
	US        int64
	Key       K
	typeID    TypeID
}

func (m DictDeleted[K]) ContainerName() string { return m.Container }
func (m DictDeleted[K]) MutationName() string  { return mutationName(m.Container, "Deleted") }
func (m DictDeleted[K]) Kind() Kind            { return KindDeleted }
func (m DictDeleted[K]) Timestamp() int64      { return m.US }
func (m DictDeleted[K]) TypeID() TypeID        { return m.typeID }
func (m DictDeleted[K]) payload() any          { return m.Key }

// --- Matrix mutations (row+col key) ------------------------------------

// MatrixUpdated is emitted by Matrix.Add.
type MatrixUpdated[R comparable, C comparable, V any] struct {
	Container string
	US        int64
	Data      V
	typeID    TypeID
}

func (m MatrixUpdated[R, C, V]) ContainerName() string { return m.Container }
func (m MatrixUpdated[R, C, V]) MutationName() string  { return mutationName(m.Container, "Updated") }
func (m MatrixUpdated[R, C, V]) Kind() Kind            { return KindUpdated }
func (m MatrixUpdated[R, C, V]) Timestamp() int64      { return m.US }
func (m MatrixUpdated[R, C, V]) TypeID() TypeID        { return m.typeID }
func (m MatrixUpdated[R, C, V]) payload() any          { return m.Data }

// MatrixCellKey is the "key" payload of a MatrixDeleted mutation.
type MatrixCellKey[R comparable, C comparable] struct {
	Row R `json:"row"`
	Col C `json:"col"`
}

// MatrixDeleted is emitted by Matrix.Erase and by bijection evictions.
type MatrixDeleted[R comparable, C comparable] struct {
	Container string
	US        int64
	Cell      MatrixCellKey[R, C]
	typeID    TypeID
}

func (m MatrixDeleted[R, C]) ContainerName() string { return m.Container }
func (m MatrixDeleted[R, C]) MutationName() string  { return mutationName(m.Container, "Deleted") }
func (m MatrixDeleted[R, C]) Kind() Kind            { return KindDeleted }
func (m MatrixDeleted[R, C]) Timestamp() int64      { return m.US }
func (m MatrixDeleted[R, C]) TypeID() TypeID        { return m.typeID }
func (m MatrixDeleted[R, C]) payload() any          { return m.Cell }

// mutationName derives the spec.md §6 variant key ("<Container><suffix>",
// e.g. "UsersUpdated") from the declaring container's schema name.
func mutationName(container, suffix string) string {
	if container == "" {
		return suffix
	}
	r := []rune(container)
	r[0] = toUpperRune(r[0])
	return string(r) + suffix
}

func toUpperRune(r rune) rune {
	if r >= 'a' && r <= 'z' {
		return r - ('a' - 'A')
	}
	return r
}
