package protocol

// queue holds what the engine expects the card to answer next. It is persisted inside the
// sealed session state, so its elements are exported for encoding.
type queue[T any] struct {
	Elements []T `cbor:"1,keyasint,omitempty"`
}

func (q *queue[T]) enqueue(element T) {
	q.Elements = append(q.Elements, element)
}

func (q *queue[T]) dequeue() (T, bool) {
	var zero T
	if len(q.Elements) == 0 {
		return zero, false
	}
	element := q.Elements[0]
	q.Elements = q.Elements[1:]
	return element, true
}

func (q *queue[T]) peek() (T, bool) {
	var zero T
	if len(q.Elements) == 0 {
		return zero, false
	}
	return q.Elements[0], true
}

func (q *queue[T]) clear() {
	q.Elements = nil
}
