package syncer

import (
	"context"
	"errors"
)

// CreateFunc performs the remote create for an optimistic record. The
// clientTempId travels with the request so the server can echo it back.
type CreateFunc[T any] func(ctx context.Context, tempID string) (T, error)

type MutateFunc[T any] func(ctx context.Context) (T, error)

// Submit applies draft optimistically, marks it sent and runs create in the
// background. Success reconciles by clientTempId; failure leaves the record
// visible with StatusError. Nothing is retried automatically.
func (e *Engine[T]) Submit(ctx context.Context, draft T, create CreateFunc[T]) *Op[T] {
	tempID := e.ApplyOptimistic(draft)
	if tempID == "" {
		return failedOp[T]("", "", ErrDisposed)
	}
	e.markSent(tempID)
	op := newOp[T](tempID, "")
	go e.runCreate(ctx, op, create)
	return op
}

// markSent moves a pending create to StatusSent once its request is issued.
func (e *Engine[T]) markSent(tempID string) {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	idx := e.pendingIndexLocked(tempID)
	if idx < 0 || e.items[idx].SyncStatus() != StatusPending {
		e.mu.Unlock()
		return
	}
	e.replaceAtLocked(idx, e.items[idx].WithStatus(StatusSent), ChangeReplaced)
	e.publishLocked()
}

// Resubmit retries a create that previously failed, reusing its
// clientTempId.
func (e *Engine[T]) Resubmit(ctx context.Context, tempID string, create CreateFunc[T]) *Op[T] {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return failedOp[T](tempID, "", ErrDisposed)
	}
	idx := -1
	for i, item := range e.items {
		if item.Key() == "" && item.TempKey() == tempID && item.SyncStatus() == StatusError {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return failedOp[T](tempID, "", ErrNotFound)
	}
	e.replaceAtLocked(idx, e.items[idx].WithStatus(StatusPending), ChangeReplaced)
	e.publishLocked()
	e.markSent(tempID)

	op := newOp[T](tempID, "")
	go e.runCreate(ctx, op, create)
	return op
}

func (e *Engine[T]) runCreate(ctx context.Context, op *Op[T], create CreateFunc[T]) {
	rec, err := create(ctx, op.TempID)
	if err != nil {
		e.failPending(op.TempID)
		var zero T
		op.finish(zero, &RequestError{Op: "create", Key: op.TempID, Err: err})
		e.logger.Warn().Err(err).Str("client_temp_id", op.TempID).Msg("create rejected")
		return
	}
	// A reconciliation conflict has already been applied as a new item.
	if err := e.Reconcile(op.TempID, rec); errors.Is(err, ErrDisposed) {
		var zero T
		op.finish(zero, ErrDisposed)
		return
	}
	op.finish(rec.WithTempKey(op.TempID).WithStatus(StatusConfirmed), nil)
}

func (e *Engine[T]) failPending(tempID string) {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	idx := e.pendingIndexLocked(tempID)
	if idx < 0 {
		e.mu.Unlock()
		return
	}
	e.replaceAtLocked(idx, e.items[idx].WithStatus(StatusError), ChangeReplaced)
	e.publishLocked()
}

// Mutate applies apply to the record identified by key (server id or
// clientTempId) and runs request in the background. Success stores the
// returned record; failure restores the previous record with StatusError.
// A pushed event for the record that lands while the request is in flight
// wins over both: the response is not stored, and a failure only flags the
// pushed record with StatusError.
func (e *Engine[T]) Mutate(ctx context.Context, op string, key string, apply func(T) T, request MutateFunc[T]) *Op[T] {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return failedOp[T]("", key, ErrDisposed)
	}
	idx := e.keyIndexLocked(key)
	if idx < 0 {
		e.mu.Unlock()
		return failedOp[T]("", key, ErrNotFound)
	}
	prev := e.items[idx]
	next := apply(prev).WithStatus(StatusPending)
	e.items[idx] = next
	since := e.remoteSeq
	e.inflight++
	e.notifyLocked(Change[T]{Kind: ChangeReplaced, Before: prev, After: next})
	e.publishLocked()

	handle := newOp[T](prev.TempKey(), key)
	go func() {
		rec, err := request(ctx)
		if err != nil {
			e.restore(key, prev.WithStatus(StatusError), since)
			var zero T
			handle.finish(zero, &RequestError{Op: op, Key: key, Err: err})
			e.logger.Warn().Err(err).Str("op", op).Str("key", key).Msg("mutation rejected")
			return
		}
		if !e.store(key, rec, since) {
			var zero T
			handle.finish(zero, ErrDisposed)
			return
		}
		handle.finish(rec, nil)
	}()
	return handle
}

// Remove deletes the record optimistically. A rejected delete puts the
// record back with StatusError.
func (e *Engine[T]) Remove(ctx context.Context, key string, request func(ctx context.Context) error) *Op[T] {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return failedOp[T]("", key, ErrDisposed)
	}
	idx := e.keyIndexLocked(key)
	if idx < 0 {
		e.mu.Unlock()
		return failedOp[T]("", key, ErrNotFound)
	}
	prev := e.items[idx]
	e.items = append(e.items[:idx], e.items[idx+1:]...)
	since := e.remoteSeq
	e.inflight++
	if e.deleted != nil && prev.Key() != "" {
		e.deleted[prev.Key()] = struct{}{}
	}
	e.notifyLocked(Change[T]{Kind: ChangeRemoved, Before: prev})
	e.publishLocked()

	handle := newOp[T](prev.TempKey(), key)
	go func() {
		if err := request(ctx); err != nil {
			e.reinsert(prev.WithStatus(StatusError), idx, since)
			var zero T
			handle.finish(zero, &RequestError{Op: "delete", Key: key, Err: err})
			e.logger.Warn().Err(err).Str("key", key).Msg("delete rejected")
			return
		}
		e.settle()
		if e.Disposed() {
			var zero T
			handle.finish(zero, ErrDisposed)
			return
		}
		handle.finish(prev, nil)
	}()
	return handle
}

func (e *Engine[T]) settle() {
	e.mu.Lock()
	e.inflight--
	e.mu.Unlock()
}

func (e *Engine[T]) restore(key string, rec T, since uint64) {
	e.mu.Lock()
	e.inflight--
	if e.disposed {
		e.mu.Unlock()
		return
	}
	idx := e.keyIndexLocked(key)
	if idx < 0 {
		e.mu.Unlock()
		return
	}
	prev := e.items[idx]
	if e.replacedSinceLocked(prev.Key(), since) {
		rec = prev.WithStatus(StatusError)
	}
	e.items[idx] = rec
	e.notifyLocked(Change[T]{Kind: ChangeReplaced, Before: prev, After: rec})
	e.publishLocked()
}

func (e *Engine[T]) store(key string, rec T, since uint64) bool {
	e.mu.Lock()
	e.inflight--
	if e.disposed {
		e.mu.Unlock()
		return false
	}
	idx := e.keyIndexLocked(firstNonEmpty(rec.Key(), key))
	if idx < 0 {
		idx = e.keyIndexLocked(key)
	}
	if idx < 0 {
		// Deleted by a remote event while the request was in flight.
		e.mu.Unlock()
		return true
	}
	if e.replacedSinceLocked(e.items[idx].Key(), since) {
		e.mu.Unlock()
		return true
	}
	if rec.TempKey() == "" && e.items[idx].TempKey() != "" {
		rec = rec.WithTempKey(e.items[idx].TempKey())
	}
	e.replaceAtLocked(idx, rec.WithStatus(StatusConfirmed), ChangeReplaced)
	e.publishLocked()
	return true
}

func (e *Engine[T]) reinsert(rec T, at int, since uint64) {
	e.mu.Lock()
	e.inflight--
	if e.disposed {
		e.mu.Unlock()
		return
	}
	if id := rec.Key(); id != "" && (e.indexLocked(id) >= 0 || e.replacedSinceLocked(id, since)) {
		e.mu.Unlock()
		return
	}
	if e.less != nil {
		e.insertLocked(rec)
	} else {
		if at > len(e.items) {
			at = len(e.items)
		}
		e.items = append(e.items, rec)
		copy(e.items[at+1:], e.items[at:])
		e.items[at] = rec
	}
	e.notifyLocked(Change[T]{Kind: ChangeInserted, After: rec})
	e.publishLocked()
}

// MutateAll rewrites every held record with apply before request runs in the
// background. A failed request puts back the records as they were, except
// those a pushed event replaced in the meantime. The channel receives nil,
// a *RequestError or ErrDisposed.
func (e *Engine[T]) MutateAll(ctx context.Context, op string, apply func(T) T, request func(ctx context.Context) error) <-chan error {
	done := make(chan error, 1)
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		done <- ErrDisposed
		return done
	}
	prev := e.cloneItemsLocked()
	for i, item := range e.items {
		e.items[i] = apply(item)
	}
	since := e.remoteSeq
	e.inflight++
	e.notifyLocked(Change[T]{Kind: ChangeReset, Items: e.cloneItemsLocked()})
	e.publishLocked()

	go func() {
		err := request(ctx)
		if err != nil {
			e.restoreAll(prev, since)
			e.logger.Warn().Err(err).Str("op", op).Msg("bulk mutation rejected")
			done <- &RequestError{Op: op, Key: e.name, Err: err}
			return
		}
		e.settle()
		if e.Disposed() {
			done <- ErrDisposed
			return
		}
		done <- nil
	}()
	return done
}

func (e *Engine[T]) restoreAll(prev []T, since uint64) {
	e.mu.Lock()
	e.inflight--
	if e.disposed {
		e.mu.Unlock()
		return
	}
	for _, old := range prev {
		idx := e.keyIndexLocked(firstNonEmpty(old.Key(), old.TempKey()))
		if idx < 0 || e.replacedSinceLocked(e.items[idx].Key(), since) {
			continue
		}
		e.items[idx] = old
	}
	e.notifyLocked(Change[T]{Kind: ChangeReset, Items: e.cloneItemsLocked()})
	e.publishLocked()
}
