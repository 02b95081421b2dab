package list

// Elem is one node of a List. The retrieval pack's own list package ships
// list.go but not the file defining Elem/NewElem that list.go's Front/Back/
// PushFront/PushBack signatures already assume — authored fresh in the same
// shape those call sites imply (an exported Value field, an unexported back
// reference to its owning list for the belongs-to-this-list panics).
type Elem[V any] struct {
	Value V

	list       *List[V]
	prev, next *Elem[V]
}

// NewElem wraps v in a freestanding Elem, not yet attached to any List.
func NewElem[V any](v V) *Elem[V] {
	return &Elem[V]{Value: v}
}

// Next returns the element following e, or nil if e is the last element.
func (e *Elem[V]) Next() *Elem[V] {
	return e.next
}

// Prev returns the element preceding e, or nil if e is the first element.
func (e *Elem[V]) Prev() *Elem[V] {
	return e.prev
}
