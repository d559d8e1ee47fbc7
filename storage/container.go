/*
container.go - Typed containers: Dictionary, Matrix, Vector

PURPOSE:
  Implements spec.md §4.1's uniform container contract - Add, Erase,
  Get/Has/Size/Empty, per-key LastModified, ordered/unordered iteration -
  over three shapes:

    Dictionary[K, V]      - single-key map, ordered or unordered.
    Matrix[R, C, V]       - two-key map with optional row/col uniqueness
                             (M2M, O2M, M2O, O2O per spec.md §4.1),
                             ordered or unordered on either axis.
    Vector[V]             - index-addressed sequence (spec.md §9
                             supplement: participates fully in the
                             journal, tombstoned on Erase, no compaction).

Every mutating method requires a bound read-write journal (panics with
ErrMutationOutsideTransaction otherwise); every read requires at least a
read-only binding (panics with ErrReadOutsideTransaction otherwise) -
this is the container-layer half of spec.md §4.1 "Failure semantics".

MATRIX BIJECTION (spec.md invariant 8):
  uniqueRow enforces "at most one cell per row" (M2O); uniqueCol enforces
  "at most one cell per column" (O2M); both together is O2O; neither is
  M2M. Add() evicts conflicting cells - emitting a Deleted mutation at a
  strictly earlier synthesized "us" - before inserting/emitting the new
  Updated.

SEE ALSO:
  - journal.go: record()/recordSilent() is how every mutation below reaches
    the commit/rollback logs
  - mutation.go: the concrete Mutation variants constructed here
*/
package storage

import (
	"fmt"
	"sort"
)

// =============================================================================
// DICTIONARY
// =============================================================================

// Dictionary is a single-key typed container (spec.md §4.1).
type Dictionary[K comparable, V Keyed[K]] struct {
	name    string
	ordered bool
	less    func(a, b K) bool

	data         map[K]V
	order        []K
	lastModified map[K]int64

	active bool
	j      *journal
}

// NewDictionary declares a Dictionary container. less is required when
// ordered is true (it defines iteration order) and ignored otherwise.
func NewDictionary[K comparable, V Keyed[K]](name string, ordered bool, less func(a, b K) bool) *Dictionary[K, V] {
	return &Dictionary[K, V]{
		name:         name,
		ordered:      ordered,
		less:         less,
		data:         make(map[K]V),
		lastModified: make(map[K]int64),
	}
}

func (d *Dictionary[K, V]) Name() string { return d.name }

func (d *Dictionary[K, V]) bindReadWrite(j *journal) { d.active = true; d.j = j }
func (d *Dictionary[K, V]) bindReadOnly()            { d.active = true; d.j = nil }
func (d *Dictionary[K, V]) unbind()                  { d.active = false; d.j = nil }

func (d *Dictionary[K, V]) requireActive() {
	if !d.active {
		panic(ErrReadOutsideTransaction)
	}
}

func (d *Dictionary[K, V]) requireJournal() *journal {
	if d.j == nil {
		panic(ErrMutationOutsideTransaction)
	}
	return d.j
}

// Add inserts or replaces the entry keyed by e.Key(), emitting Updated.
func (d *Dictionary[K, V]) Add(e V) {
	j := d.requireJournal()
	k := e.Key()
	prevVal, existed := d.data[k]
	prevLM, hadLM := d.lastModified[k]

	us := j.nextUS()
	d.data[k] = e
	if !existed {
		d.insertOrder(k)
	}
	d.lastModified[k] = us

	mut := DictUpdated[K, V]{Container: d.name, US: us, Data: e, typeID: TypeIDFor[V]()}
	j.record(mut, func() {
		if existed {
			d.data[k] = prevVal
		} else {
			delete(d.data, k)
			d.removeOrder(k)
		}
		if hadLM {
			d.lastModified[k] = prevLM
		} else {
			delete(d.lastModified, k)
		}
	})
}

// Erase removes the entry at k if present, emitting Deleted only when a
// removal actually occurred. Last-modified is recorded either way
// (spec.md invariant 5), with a silent (unpersisted) inverse when there
// was nothing to delete, so invariant 7 (no empty transactions) still
// holds for a no-op Erase.
func (d *Dictionary[K, V]) Erase(k K) bool {
	j := d.requireJournal()
	prevVal, existed := d.data[k]
	prevLM, hadLM := d.lastModified[k]
	us := j.nextUS()
	d.lastModified[k] = us

	restoreLM := func() {
		if hadLM {
			d.lastModified[k] = prevLM
		} else {
			delete(d.lastModified, k)
		}
	}

	if !existed {
		j.recordSilent(restoreLM)
		return false
	}

	delete(d.data, k)
	d.removeOrder(k)
	mut := DictDeleted[K]{Container: d.name, US: us, Key: k, typeID: TypeIDFor[K]()}
	j.record(mut, func() {
		d.data[k] = prevVal
		d.insertOrder(k)
		restoreLM()
	})
	return true
}

func (d *Dictionary[K, V]) Get(k K) (V, bool) {
	d.requireActive()
	v, ok := d.data[k]
	return v, ok
}

func (d *Dictionary[K, V]) Has(k K) bool {
	d.requireActive()
	_, ok := d.data[k]
	return ok
}

func (d *Dictionary[K, V]) Size() int {
	d.requireActive()
	return len(d.data)
}

func (d *Dictionary[K, V]) Empty() bool {
	return d.Size() == 0
}

// LastModified returns the "us" of the most recent Add/Erase on k, even
// if k was subsequently erased (spec.md invariant 5).
func (d *Dictionary[K, V]) LastModified(k K) (int64, bool) {
	d.requireActive()
	us, ok := d.lastModified[k]
	return us, ok
}

// Keys returns all keys in iteration order (sorted for an ordered
// Dictionary, map-stable-within-a-transaction otherwise).
func (d *Dictionary[K, V]) Keys() []K {
	d.requireActive()
	out := make([]K, len(d.order))
	copy(out, d.order)
	return out
}

// Each iterates entries in the container's declared order.
func (d *Dictionary[K, V]) Each(fn func(k K, v V) bool) {
	d.requireActive()
	for _, k := range d.order {
		if !fn(k, d.data[k]) {
			return
		}
	}
}

func (d *Dictionary[K, V]) containerName() string { return d.name }

// applyMutation replays a DictUpdated/DictDeleted mutation directly into
// this Dictionary's maps, bypassing the journal (see boundContainer).
func (d *Dictionary[K, V]) applyMutation(m Mutation) error {
	switch mm := m.(type) {
	case DictUpdated[K, V]:
		k := mm.Data.Key()
		if _, existed := d.data[k]; !existed {
			d.insertOrder(k)
		}
		d.data[k] = mm.Data
		d.lastModified[k] = mm.US
		return nil
	case DictDeleted[K]:
		if _, existed := d.data[mm.Key]; existed {
			delete(d.data, mm.Key)
			d.removeOrder(mm.Key)
		}
		d.lastModified[mm.Key] = mm.US
		return nil
	default:
		return fmt.Errorf("storage: dictionary %q cannot apply mutation of type %T", d.name, m)
	}
}

func (d *Dictionary[K, V]) insertOrder(k K) {
	if d.ordered {
		i := sort.Search(len(d.order), func(i int) bool { return !d.less(d.order[i], k) })
		d.order = append(d.order, k)
		copy(d.order[i+1:], d.order[i:])
		d.order[i] = k
		return
	}
	d.order = append(d.order, k)
}

func (d *Dictionary[K, V]) removeOrder(k K) {
	for i, ek := range d.order {
		if ek == k {
			d.order = append(d.order[:i], d.order[i+1:]...)
			return
		}
	}
}

// =============================================================================
// VECTOR
// =============================================================================

// Vector is an index-addressed sequence (spec.md §4.1, minor; journaling
// behavior resolved in SPEC_FULL.md §5.1). Erase tombstones an index
// without compacting - later indices keep their identity, preserving
// O(1) access and a trivial inverse.
type Vector[V any] struct {
	name string

	data         map[int]V
	nextIndex    int
	lastModified map[int]int64

	active bool
	j      *journal
}

func NewVector[V any](name string) *Vector[V] {
	return &Vector[V]{
		name:         name,
		data:         make(map[int]V),
		lastModified: make(map[int]int64),
	}
}

func (v *Vector[V]) Name() string { return v.name }

func (v *Vector[V]) bindReadWrite(j *journal) { v.active = true; v.j = j }
func (v *Vector[V]) bindReadOnly()            { v.active = true; v.j = nil }
func (v *Vector[V]) unbind()                  { v.active = false; v.j = nil }

func (v *Vector[V]) requireActive() {
	if !v.active {
		panic(ErrReadOutsideTransaction)
	}
}

func (v *Vector[V]) requireJournal() *journal {
	if v.j == nil {
		panic(ErrMutationOutsideTransaction)
	}
	return v.j
}

// Append adds e at the next unused index and returns that index.
func (v *Vector[V]) Append(e V) int {
	j := v.requireJournal()
	idx := v.nextIndex
	v.nextIndex++
	us := j.nextUS()
	v.data[idx] = e
	v.lastModified[idx] = us

	mut := DictUpdated[int, V]{Container: v.name, US: us, Data: e, typeID: TypeIDFor[V]()}
	j.record(mut, func() {
		delete(v.data, idx)
		delete(v.lastModified, idx)
		v.nextIndex--
	})
	return idx
}

// Erase tombstones the entry at idx if present.
func (v *Vector[V]) Erase(idx int) bool {
	j := v.requireJournal()
	prevVal, existed := v.data[idx]
	prevLM, hadLM := v.lastModified[idx]
	us := j.nextUS()
	v.lastModified[idx] = us

	restoreLM := func() {
		if hadLM {
			v.lastModified[idx] = prevLM
		} else {
			delete(v.lastModified, idx)
		}
	}
	if !existed {
		j.recordSilent(restoreLM)
		return false
	}
	delete(v.data, idx)
	mut := DictDeleted[int]{Container: v.name, US: us, Key: idx, typeID: TypeIDFor[int]()}
	j.record(mut, func() {
		v.data[idx] = prevVal
		restoreLM()
	})
	return true
}

func (v *Vector[V]) containerName() string { return v.name }

// applyMutation replays a DictUpdated[int,V]/DictDeleted[int] mutation
// directly into this Vector, bypassing the journal (see boundContainer).
func (v *Vector[V]) applyMutation(m Mutation) error {
	switch mm := m.(type) {
	case DictUpdated[int, V]:
		v.data[v.nextIndex] = mm.Data
		v.lastModified[v.nextIndex] = mm.US
		v.nextIndex++
		return nil
	case DictDeleted[int]:
		delete(v.data, mm.Key)
		v.lastModified[mm.Key] = mm.US
		return nil
	default:
		return fmt.Errorf("storage: vector %q cannot apply mutation of type %T", v.name, m)
	}
}

func (v *Vector[V]) Get(idx int) (V, bool) {
	v.requireActive()
	e, ok := v.data[idx]
	return e, ok
}

func (v *Vector[V]) Size() int {
	v.requireActive()
	return len(v.data)
}

func (v *Vector[V]) LastModified(idx int) (int64, bool) {
	v.requireActive()
	us, ok := v.lastModified[idx]
	return us, ok
}

// =============================================================================
// MATRIX
// =============================================================================

type cellKey[R comparable, C comparable] struct {
	Row R
	Col C
}

// Matrix is a two-key typed container (spec.md §4.1). uniqueRow/uniqueCol
// select the M2M/O2M/M2O/O2O variant; rowLess/colLess (non-nil) select
// ordered iteration on that axis.
type Matrix[R comparable, C comparable, V RowColKeyed[R, C]] struct {
	name      string
	uniqueRow bool
	uniqueCol bool
	rowLess   func(a, b R) bool
	colLess   func(a, b C) bool

	cells        map[cellKey[R, C]]V
	rowIndex     map[R]map[C]bool
	colIndex     map[C]map[R]bool
	rowUnique    map[R]C
	colUnique    map[C]R
	lastModified map[cellKey[R, C]]int64

	active bool
	j      *journal
}

// NewMatrix declares a Matrix container with the given uniqueness axes.
func NewMatrix[R comparable, C comparable, V RowColKeyed[R, C]](name string, uniqueRow, uniqueCol bool, rowLess func(a, b R) bool, colLess func(a, b C) bool) *Matrix[R, C, V] {
	return &Matrix[R, C, V]{
		name:         name,
		uniqueRow:    uniqueRow,
		uniqueCol:    uniqueCol,
		rowLess:      rowLess,
		colLess:      colLess,
		cells:        make(map[cellKey[R, C]]V),
		rowIndex:     make(map[R]map[C]bool),
		colIndex:     make(map[C]map[R]bool),
		rowUnique:    make(map[R]C),
		colUnique:    make(map[C]R),
		lastModified: make(map[cellKey[R, C]]int64),
	}
}

func (m *Matrix[R, C, V]) Name() string { return m.name }

func (m *Matrix[R, C, V]) bindReadWrite(j *journal) { m.active = true; m.j = j }
func (m *Matrix[R, C, V]) bindReadOnly()            { m.active = true; m.j = nil }
func (m *Matrix[R, C, V]) unbind()                  { m.active = false; m.j = nil }

func (m *Matrix[R, C, V]) requireActive() {
	if !m.active {
		panic(ErrReadOutsideTransaction)
	}
}

func (m *Matrix[R, C, V]) requireJournal() *journal {
	if m.j == nil {
		panic(ErrMutationOutsideTransaction)
	}
	return m.j
}

// Add inserts or replaces the cell at (e.Row(), e.Col()), first evicting
// any conflicting cells implied by the declared uniqueness axes
// (spec.md invariant 8).
func (m *Matrix[R, C, V]) Add(e V) {
	j := m.requireJournal()
	r, c := e.Row(), e.Col()
	key := cellKey[R, C]{Row: r, Col: c}

	var toEvict []cellKey[R, C]
	if m.uniqueCol {
		if existingR, ok := m.colUnique[c]; ok && existingR != r {
			toEvict = append(toEvict, cellKey[R, C]{Row: existingR, Col: c})
		}
	}
	if m.uniqueRow {
		if existingC, ok := m.rowUnique[r]; ok && existingC != c {
			ek := cellKey[R, C]{Row: r, Col: existingC}
			if !containsCell(toEvict, ek) {
				toEvict = append(toEvict, ek)
			}
		}
	}
	for _, ek := range toEvict {
		m.evictCell(j, ek)
	}

	prevVal, existed := m.cells[key]
	prevLM, hadLM := m.lastModified[key]
	us := j.nextUS()
	m.cells[key] = e
	if !existed {
		m.indexInsert(r, c)
	}
	m.lastModified[key] = us

	var prevRowUnique C
	var hadRowUnique bool
	if m.uniqueRow {
		prevRowUnique, hadRowUnique = func() (C, bool) {
			if existed {
				return c, true // row's unique col was already c before this Add if it existed
			}
			return prevRowUniqueLookup(m, r)
		}()
	}
	var prevColUnique R
	var hadColUnique bool
	if m.uniqueCol {
		prevColUnique, hadColUnique = func() (R, bool) {
			if existed {
				return r, true
			}
			return prevColUniqueLookup(m, c)
		}()
	}
	if m.uniqueRow {
		m.rowUnique[r] = c
	}
	if m.uniqueCol {
		m.colUnique[c] = r
	}

	mut := MatrixUpdated[R, C, V]{Container: m.name, US: us, Data: e, typeID: TypeIDFor[V]()}
	j.record(mut, func() {
		if existed {
			m.cells[key] = prevVal
		} else {
			delete(m.cells, key)
			m.indexRemove(r, c)
		}
		if hadLM {
			m.lastModified[key] = prevLM
		} else {
			delete(m.lastModified, key)
		}
		if m.uniqueRow {
			if hadRowUnique {
				m.rowUnique[r] = prevRowUnique
			} else {
				delete(m.rowUnique, r)
			}
		}
		if m.uniqueCol {
			if hadColUnique {
				m.colUnique[c] = prevColUnique
			} else {
				delete(m.colUnique, c)
			}
		}
	})
}

// prevRowUniqueLookup/prevColUniqueLookup capture pre-Add state for a
// brand-new row/column (no prior occupant): used only to decide whether
// the inverse should delete the rowUnique/colUnique entry entirely.
func prevRowUniqueLookup[R comparable, C comparable, V RowColKeyed[R, C]](m *Matrix[R, C, V], r R) (C, bool) {
	c, ok := m.rowUnique[r]
	return c, ok
}

func prevColUniqueLookup[R comparable, C comparable, V RowColKeyed[R, C]](m *Matrix[R, C, V], c C) (R, bool) {
	r, ok := m.colUnique[c]
	return r, ok
}

// evictCell removes a conflicting cell ahead of the new Add's Updated,
// emitting Deleted at a strictly earlier synthesized "us".
func (m *Matrix[R, C, V]) evictCell(j *journal, ek cellKey[R, C]) {
	prevVal, existed := m.cells[ek]
	if !existed {
		return
	}
	prevLM, hadLM := m.lastModified[ek]
	us := j.nextUS()
	delete(m.cells, ek)
	m.indexRemove(ek.Row, ek.Col)
	if m.uniqueRow {
		delete(m.rowUnique, ek.Row)
	}
	if m.uniqueCol {
		delete(m.colUnique, ek.Col)
	}
	m.lastModified[ek] = us

	mut := MatrixDeleted[R, C]{Container: m.name, US: us, Cell: MatrixCellKey[R, C]{Row: ek.Row, Col: ek.Col}, typeID: TypeIDFor[MatrixCellKey[R, C]]()}
	j.record(mut, func() {
		m.cells[ek] = prevVal
		m.indexInsert(ek.Row, ek.Col)
		if m.uniqueRow {
			m.rowUnique[ek.Row] = ek.Col
		}
		if m.uniqueCol {
			m.colUnique[ek.Col] = ek.Row
		}
		if hadLM {
			m.lastModified[ek] = prevLM
		} else {
			delete(m.lastModified, ek)
		}
	})
}

// Erase removes the cell at (r, c) if present.
func (m *Matrix[R, C, V]) Erase(r R, c C) bool {
	j := m.requireJournal()
	key := cellKey[R, C]{Row: r, Col: c}
	prevVal, existed := m.cells[key]
	prevLM, hadLM := m.lastModified[key]
	us := j.nextUS()
	m.lastModified[key] = us

	restoreLM := func() {
		if hadLM {
			m.lastModified[key] = prevLM
		} else {
			delete(m.lastModified, key)
		}
	}
	if !existed {
		j.recordSilent(restoreLM)
		return false
	}

	delete(m.cells, key)
	m.indexRemove(r, c)
	if m.uniqueRow {
		delete(m.rowUnique, r)
	}
	if m.uniqueCol {
		delete(m.colUnique, c)
	}

	mut := MatrixDeleted[R, C]{Container: m.name, US: us, Cell: MatrixCellKey[R, C]{Row: r, Col: c}, typeID: TypeIDFor[MatrixCellKey[R, C]]()}
	j.record(mut, func() {
		m.cells[key] = prevVal
		m.indexInsert(r, c)
		if m.uniqueRow {
			m.rowUnique[r] = c
		}
		if m.uniqueCol {
			m.colUnique[c] = r
		}
		restoreLM()
	})
	return true
}

// EraseRow removes every cell sharing row r, emitting one Deleted per cell.
func (m *Matrix[R, C, V]) EraseRow(r R) int {
	m.requireJournal()
	cols := make([]C, 0, len(m.rowIndex[r]))
	for c := range m.rowIndex[r] {
		cols = append(cols, c)
	}
	for _, c := range cols {
		m.Erase(r, c)
	}
	return len(cols)
}

// EraseCol removes every cell sharing column c, emitting one Deleted per cell.
func (m *Matrix[R, C, V]) EraseCol(c C) int {
	m.requireJournal()
	rows := make([]R, 0, len(m.colIndex[c]))
	for r := range m.colIndex[c] {
		rows = append(rows, r)
	}
	for _, r := range rows {
		m.Erase(r, c)
	}
	return len(rows)
}

func (m *Matrix[R, C, V]) containerName() string { return m.name }

// applyMutation replays a MatrixUpdated/MatrixDeleted mutation directly
// into this Matrix, bypassing the journal (see boundContainer).
// Bijection evictions were already recorded as their own MatrixDeleted
// mutations ahead of the triggering Updated, so this needs no eviction
// logic of its own - only literal replay, in order.
func (m *Matrix[R, C, V]) applyMutation(mut Mutation) error {
	switch mm := mut.(type) {
	case MatrixUpdated[R, C, V]:
		r, c := mm.Data.Row(), mm.Data.Col()
		key := cellKey[R, C]{Row: r, Col: c}
		if _, existed := m.cells[key]; !existed {
			m.indexInsert(r, c)
		}
		m.cells[key] = mm.Data
		if m.uniqueRow {
			m.rowUnique[r] = c
		}
		if m.uniqueCol {
			m.colUnique[c] = r
		}
		m.lastModified[key] = mm.US
		return nil
	case MatrixDeleted[R, C]:
		key := cellKey[R, C]{Row: mm.Cell.Row, Col: mm.Cell.Col}
		if _, existed := m.cells[key]; existed {
			delete(m.cells, key)
			m.indexRemove(mm.Cell.Row, mm.Cell.Col)
		}
		if m.uniqueRow {
			delete(m.rowUnique, mm.Cell.Row)
		}
		if m.uniqueCol {
			delete(m.colUnique, mm.Cell.Col)
		}
		m.lastModified[key] = mm.US
		return nil
	default:
		return fmt.Errorf("storage: matrix %q cannot apply mutation of type %T", m.name, mut)
	}
}

func (m *Matrix[R, C, V]) Get(r R, c C) (V, bool) {
	m.requireActive()
	v, ok := m.cells[cellKey[R, C]{Row: r, Col: c}]
	return v, ok
}

func (m *Matrix[R, C, V]) Has(r R, c C) bool {
	_, ok := m.Get(r, c)
	return ok
}

func (m *Matrix[R, C, V]) Size() int {
	m.requireActive()
	return len(m.cells)
}

func (m *Matrix[R, C, V]) RowSize(r R) int {
	m.requireActive()
	return len(m.rowIndex[r])
}

func (m *Matrix[R, C, V]) ColSize(c C) int {
	m.requireActive()
	return len(m.colIndex[c])
}

func (m *Matrix[R, C, V]) LastModified(r R, c C) (int64, bool) {
	m.requireActive()
	us, ok := m.lastModified[cellKey[R, C]{Row: r, Col: c}]
	return us, ok
}

// Row returns every entry sharing row r, in column order if ordered.
func (m *Matrix[R, C, V]) Row(r R) []V {
	m.requireActive()
	cols := make([]C, 0, len(m.rowIndex[r]))
	for c := range m.rowIndex[r] {
		cols = append(cols, c)
	}
	if m.colLess != nil {
		sort.Slice(cols, func(i, j int) bool { return m.colLess(cols[i], cols[j]) })
	}
	out := make([]V, 0, len(cols))
	for _, c := range cols {
		out = append(out, m.cells[cellKey[R, C]{Row: r, Col: c}])
	}
	return out
}

// Col returns every entry sharing column c, in row order if ordered.
func (m *Matrix[R, C, V]) Col(c C) []V {
	m.requireActive()
	rows := make([]R, 0, len(m.colIndex[c]))
	for r := range m.colIndex[c] {
		rows = append(rows, r)
	}
	if m.rowLess != nil {
		sort.Slice(rows, func(i, j int) bool { return m.rowLess(rows[i], rows[j]) })
	}
	out := make([]V, 0, len(rows))
	for _, r := range rows {
		out = append(out, m.cells[cellKey[R, C]{Row: r, Col: c}])
	}
	return out
}

// Each iterates every cell; order across rows/cols is unspecified beyond
// being stable within one transaction, matching spec.md §4.1.
func (m *Matrix[R, C, V]) Each(fn func(r R, c C, v V) bool) {
	m.requireActive()
	for key, v := range m.cells {
		if !fn(key.Row, key.Col, v) {
			return
		}
	}
}

func (m *Matrix[R, C, V]) indexInsert(r R, c C) {
	if m.rowIndex[r] == nil {
		m.rowIndex[r] = make(map[C]bool)
	}
	m.rowIndex[r][c] = true
	if m.colIndex[c] == nil {
		m.colIndex[c] = make(map[R]bool)
	}
	m.colIndex[c][r] = true
}

func (m *Matrix[R, C, V]) indexRemove(r R, c C) {
	delete(m.rowIndex[r], c)
	if len(m.rowIndex[r]) == 0 {
		delete(m.rowIndex, r)
	}
	delete(m.colIndex[c], r)
	if len(m.colIndex[c]) == 0 {
		delete(m.colIndex, c)
	}
}

func containsCell[R comparable, C comparable](cells []cellKey[R, C], target cellKey[R, C]) bool {
	for _, c := range cells {
		if c == target {
			return true
		}
	}
	return false
}
