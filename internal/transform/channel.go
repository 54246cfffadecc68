// Package transform provides the single-observer emission primitive shared
// by every pipeline stage. A stage accepts one input per Push and hands zero
// or more outputs to its observer synchronously, in emission order.
package transform

// Observer receives records emitted by a stage. Returning an error aborts
// the stage's current Push and the error is propagated to its caller.
type Observer[T any] func(T) error

// Channel holds at most one registered observer.
type Channel[T any] struct {
	observer Observer[T]
}

// OnData registers fn as the observer. A later call replaces the earlier
// observer.
func (c *Channel[T]) OnData(fn Observer[T]) {
	c.observer = fn
}

// Emit delivers v to the observer before returning. Without an observer
// the record is discarded.
func (c *Channel[T]) Emit(v T) error {
	if c.observer == nil {
		return nil
	}
	return c.observer(v)
}

// Reset drops the registered observer so the stage can be reused.
func (c *Channel[T]) Reset() {
	c.observer = nil
}

// Collect returns an observer that appends every record to dst.
func Collect[T any](dst *[]T) Observer[T] {
	return func(v T) error {
		*dst = append(*dst, v)
		return nil
	}
}
