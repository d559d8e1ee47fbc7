/*
entry.go - Entry accessor contracts

PURPOSE:
  spec.md §3 says an Entry "carries its own key via designated accessor(s)
  - key(), or row()+col()". This file is the Go expression of that: generic
  constraints that a user's entry type must satisfy to live in a Dictionary/
  Vector (Keyed[K]) or a Matrix (RowColKeyed[R, C]). Schema build time -
  i.e. the call to NewDictionary[K, V]/NewMatrix[R, C, V] - is where the
  compiler checks the entry type reflects the right shape, replacing the
  source's variadic template field enumeration with ordinary Go generics.

SEE ALSO:
  - container.go: Dictionary/Matrix/Vector built against these constraints
  - demo/schema.go: concrete entry types used by the bundled example schema
*/
package storage

// Keyed is implemented by entries stored in a Dictionary or a Vector.
type Keyed[K comparable] interface {
	Key() K
}

// RowColKeyed is implemented by entries stored in a Matrix.
type RowColKeyed[R comparable, C comparable] interface {
	Row() R
	Col() C
}

// KeyInitializer is implemented by entry types that can generate their own
// key on first insertion - required by the REST projection's POST verb
// (spec.md §6: "POST (create; requires InitializeOwnKey on entry)").
type KeyInitializer[K comparable] interface {
	Keyed[K]
	InitializeOwnKey() K
}
