package syncer

import "context"

// Op is the result handle of one optimistic mutation. TempID is set for
// creates; Key identifies the record for mutations of existing records.
type Op[T any] struct {
	TempID string
	Key    string

	done   chan struct{}
	record T
	err    error
}

func newOp[T any](tempID, key string) *Op[T] {
	return &Op[T]{TempID: tempID, Key: key, done: make(chan struct{})}
}

func failedOp[T any](tempID, key string, err error) *Op[T] {
	op := newOp[T](tempID, key)
	var zero T
	op.finish(zero, err)
	return op
}

// Resolved returns an Op that is already done, for operations that need no
// request.
func Resolved[T any](key string, record T, err error) *Op[T] {
	op := newOp[T]("", key)
	op.finish(record, err)
	return op
}

func (o *Op[T]) finish(record T, err error) {
	o.record = record
	o.err = err
	close(o.done)
}

func (o *Op[T]) Done() <-chan struct{} {
	return o.done
}

// Result returns the outcome once Done is closed.
func (o *Op[T]) Result() (T, error) {
	select {
	case <-o.done:
		return o.record, o.err
	default:
		var zero T
		return zero, ErrPending
	}
}

func (o *Op[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-o.done:
		return o.record, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
