package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaysync/internal/transport"
)

const DefaultPageSize = 30

type Options[T any] struct {
	Name     string
	Fetcher  Fetcher[T]
	PageSize int
	// Less orders the collection. Nil means newest first by arrival: new
	// records are prepended and fetched pages keep the server's order.
	Less   func(a, b T) bool
	Logger *zerolog.Logger
	// Observe sees every change while the collection lock is held. It must
	// not call back into the engine.
	Observe   func(Change[T])
	NewTempID func() string
	// Accept filters decoded envelope payloads. Nil accepts everything.
	Accept func(T) bool
}

// Engine keeps one ordered, id-deduplicated collection in sync with
// paginated history and live events, and mediates optimistic writes.
type Engine[T Entity[T]] struct {
	name      string
	fetcher   Fetcher[T]
	pageSize  int
	less      func(a, b T) bool
	logger    zerolog.Logger
	observe   func(Change[T])
	newTempID func() string
	accept    func(T) bool

	mu       sync.Mutex
	items    []T
	page     int
	hasMore  bool
	fetching bool
	touched  map[string]struct{}
	deleted  map[string]struct{}
	version  uint64
	nextSub  uint64
	subs     map[uint64]func(Snapshot[T])
	disposed bool
	// remoteAt holds, per id, the remoteSeq of the last pushed event for it.
	// Mutations compare it with the value they started at to tell whether a
	// later event replaced their record while the request was in flight.
	remoteSeq uint64
	remoteAt  map[string]uint64
	inflight  int

	emitMu    sync.Mutex
	delivered uint64
}

func New[T Entity[T]](opts Options[T]) (*Engine[T], error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.NewTempID == nil {
		opts.NewTempID = uuid.NewString
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "stream"
	}
	return &Engine[T]{
		name:      name,
		fetcher:   opts.Fetcher,
		pageSize:  opts.PageSize,
		less:      opts.Less,
		logger:    logger.With().Str("component", "syncer").Str("stream", name).Logger(),
		observe:   opts.Observe,
		newTempID: opts.NewTempID,
		accept:    opts.Accept,
		hasMore:   true,
		subs:      map[uint64]func(Snapshot[T]){},
		remoteAt:  map[string]uint64{},
	}, nil
}

// FetchPage loads one page of history. Page 1 replaces the collection and
// later pages append. A second call while one is outstanding returns
// ErrFetchInProgress without touching the collection.
func (e *Engine[T]) FetchPage(ctx context.Context, page int) error {
	if page < 1 {
		return fmt.Errorf("page must be >= 1, got %d", page)
	}
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	if e.fetching {
		e.mu.Unlock()
		return ErrFetchInProgress
	}
	e.fetching = true
	e.touched = map[string]struct{}{}
	e.deleted = map[string]struct{}{}
	e.publishLocked()

	result, err := e.fetcher.FetchPage(ctx, page, e.pageSize)

	e.mu.Lock()
	e.fetching = false
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	if err != nil {
		e.touched, e.deleted = nil, nil
		e.publishLocked()
		e.logger.Warn().Err(err).Int("page", page).Msg("fetch page failed")
		return fmt.Errorf("fetch page %d: %w", page, err)
	}
	e.mergePageLocked(page, result.Items)
	e.page = page
	e.hasMore = page < result.TotalPages
	e.touched, e.deleted = nil, nil
	e.notifyLocked(Change[T]{Kind: ChangeReset, Items: e.cloneItemsLocked()})
	e.publishLocked()
	return nil
}

// LoadMore fetches the page after the last one loaded.
func (e *Engine[T]) LoadMore(ctx context.Context) error {
	e.mu.Lock()
	next := e.page + 1
	more := e.hasMore
	e.mu.Unlock()
	if !more {
		return nil
	}
	return e.FetchPage(ctx, next)
}

func (e *Engine[T]) mergePageLocked(page int, items []T) {
	seen := make(map[string]struct{}, len(items))
	incoming := make([]T, 0, len(items))
	for _, item := range items {
		id := item.Key()
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		if _, gone := e.deleted[id]; gone {
			continue
		}
		if _, live := e.touched[id]; live {
			if idx := e.indexLocked(id); idx >= 0 {
				item = e.items[idx]
			}
		}
		if item.SyncStatus() == "" {
			item = item.WithStatus(StatusConfirmed)
		}
		seen[id] = struct{}{}
		incoming = append(incoming, item)
	}

	if page == 1 {
		kept := make([]T, 0)
		for _, cur := range e.items {
			id := cur.Key()
			if id == "" {
				kept = append(kept, cur)
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			if _, live := e.touched[id]; live {
				kept = append(kept, cur)
			}
		}
		e.items = append(kept, incoming...)
		e.pruneRemoteLocked()
	} else {
		for _, item := range incoming {
			if e.indexLocked(item.Key()) >= 0 {
				continue
			}
			e.items = append(e.items, item)
		}
	}
	e.sortLocked()
}

// ApplyOptimistic inserts draft as a pending record and returns its fresh
// clientTempId before any network work starts. It returns "" once disposed.
func (e *Engine[T]) ApplyOptimistic(draft T) string {
	tempID := e.newTempID()
	rec := draft.WithTempKey(tempID).WithStatus(StatusPending)

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ""
	}
	e.insertLocked(rec)
	e.notifyLocked(Change[T]{Kind: ChangeInserted, After: rec})
	e.publishLocked()
	return tempID
}

// Reconcile replaces the pending record carrying tempID with the
// authoritative one. Without a pending match the record is applied as a new
// item and a *ConflictError is returned.
func (e *Engine[T]) Reconcile(tempID string, authoritative T) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	rec := authoritative.WithTempKey(tempID).WithStatus(StatusConfirmed)
	idx := e.pendingIndexLocked(tempID)
	if idx < 0 {
		change := e.applyNewLocked(rec)
		if change.Kind == ChangeNone || change.Kind == ChangeDuplicate {
			e.mu.Unlock()
		} else {
			e.publishLocked()
		}
		e.logger.Debug().Str("client_temp_id", tempID).Str("id", rec.Key()).Msg("reconcile without pending record")
		return &ConflictError{TempID: tempID}
	}
	e.replaceAtLocked(idx, rec, ChangeReconciled)
	e.publishLocked()
	return nil
}

// ApplyRemote applies one pushed event. Later events for the same id always
// overwrite earlier ones.
func (e *Engine[T]) ApplyRemote(kind EventKind, rec T) Change[T] {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return Change[T]{}
	}
	var change Change[T]
	switch kind {
	case EventNew:
		change = e.applyNewLocked(rec)
	case EventUpdate:
		change = e.applyUpdateLocked(rec)
	case EventDelete:
		change = e.applyDeleteLocked(rec.Key())
	default:
		e.mu.Unlock()
		return change
	}
	if change.Kind == ChangeNone || change.Kind == ChangeDuplicate {
		e.mu.Unlock()
		return change
	}
	e.publishLocked()
	return change
}

// HandleEnvelope decodes and applies new_item, update_item, delete_item and
// notification envelopes; a notification is a new item. Payloads rejected by
// Options.Accept are dropped. It reports false for any other type.
func (e *Engine[T]) HandleEnvelope(env transport.Envelope) (Change[T], bool) {
	kind := EventKind(env.Type)
	switch env.Type {
	case transport.TypeNewItem, transport.TypeUpdateItem, transport.TypeDeleteItem:
	case transport.TypeNotification:
		kind = EventNew
	default:
		return Change[T]{}, false
	}
	var rec T
	if err := json.Unmarshal(env.Payload, &rec); err != nil {
		e.logger.Warn().Err(err).Str("type", string(env.Type)).Msg("decode envelope payload")
		return Change[T]{}, true
	}
	if e.accept != nil && !e.accept(rec) {
		return Change[T]{}, true
	}
	return e.ApplyRemote(kind, rec), true
}

func (e *Engine[T]) applyNewLocked(rec T) Change[T] {
	id := rec.Key()
	if id == "" {
		return Change[T]{}
	}
	if idx := e.indexLocked(id); idx >= 0 {
		return Change[T]{Kind: ChangeDuplicate, Before: e.items[idx]}
	}
	rec = confirmedStatus(rec)
	e.stampRemoteLocked(id)
	if tempID := rec.TempKey(); tempID != "" {
		if idx := e.pendingIndexLocked(tempID); idx >= 0 {
			e.markTouchedLocked(id)
			return e.replaceAtLocked(idx, rec, ChangeReconciled)
		}
	}
	e.insertLocked(rec)
	e.markTouchedLocked(id)
	change := Change[T]{Kind: ChangeInserted, After: rec}
	e.notifyLocked(change)
	return change
}

func (e *Engine[T]) applyUpdateLocked(rec T) Change[T] {
	id := rec.Key()
	idx := e.indexLocked(id)
	if id == "" || idx < 0 {
		return Change[T]{}
	}
	prev := e.items[idx]
	if rec.TempKey() == "" && prev.TempKey() != "" {
		rec = rec.WithTempKey(prev.TempKey())
	}
	rec = confirmedStatus(rec)
	e.items[idx] = rec
	e.markTouchedLocked(id)
	e.stampRemoteLocked(id)
	change := Change[T]{Kind: ChangeReplaced, Before: prev, After: rec}
	e.notifyLocked(change)
	return change
}

func (e *Engine[T]) applyDeleteLocked(id string) Change[T] {
	if id == "" {
		return Change[T]{}
	}
	if e.deleted != nil {
		e.deleted[id] = struct{}{}
	}
	e.stampRemoteLocked(id)
	idx := e.indexLocked(id)
	if idx < 0 {
		return Change[T]{}
	}
	prev := e.items[idx]
	e.items = append(e.items[:idx], e.items[idx+1:]...)
	change := Change[T]{Kind: ChangeRemoved, Before: prev}
	e.notifyLocked(change)
	return change
}

// replaceAtLocked swaps the record at idx, dropping any other record that
// already holds the same id, then restores ordering.
func (e *Engine[T]) replaceAtLocked(idx int, rec T, kind ChangeKind) Change[T] {
	prev := e.items[idx]
	if id := rec.Key(); id != "" {
		if other := e.indexLocked(id); other >= 0 && other != idx {
			e.items = append(e.items[:other], e.items[other+1:]...)
			if other < idx {
				idx--
			}
		}
	}
	e.items[idx] = rec
	e.sortLocked()
	change := Change[T]{Kind: kind, Before: prev, After: rec}
	e.notifyLocked(change)
	return change
}

func (e *Engine[T]) insertLocked(rec T) {
	if e.less == nil {
		e.items = append([]T{rec}, e.items...)
		return
	}
	pos := sort.Search(len(e.items), func(i int) bool {
		return e.less(rec, e.items[i])
	})
	e.items = append(e.items, rec)
	copy(e.items[pos+1:], e.items[pos:])
	e.items[pos] = rec
}

func (e *Engine[T]) sortLocked() {
	if e.less == nil {
		return
	}
	sort.SliceStable(e.items, func(i, j int) bool {
		return e.less(e.items[i], e.items[j])
	})
}

// confirmedStatus normalizes the request state of a record received from
// the server.
func confirmedStatus[T Entity[T]](rec T) T {
	switch rec.SyncStatus() {
	case "", StatusPending, StatusSent:
		return rec.WithStatus(StatusConfirmed)
	}
	return rec
}

func (e *Engine[T]) stampRemoteLocked(id string) {
	e.remoteSeq++
	e.remoteAt[id] = e.remoteSeq
}

// replacedSinceLocked reports whether a pushed event for id arrived after
// the engine was at remote sequence since.
func (e *Engine[T]) replacedSinceLocked(id string, since uint64) bool {
	return id != "" && e.remoteAt[id] > since
}

// pruneRemoteLocked forgets stamps of ids no longer held, unless a mutation
// still in flight may need them.
func (e *Engine[T]) pruneRemoteLocked() {
	if e.inflight > 0 {
		return
	}
	held := make(map[string]struct{}, len(e.items))
	for _, item := range e.items {
		held[item.Key()] = struct{}{}
	}
	for id := range e.remoteAt {
		if _, ok := held[id]; !ok {
			delete(e.remoteAt, id)
		}
	}
}

func (e *Engine[T]) markTouchedLocked(id string) {
	if e.touched != nil {
		e.touched[id] = struct{}{}
	}
}

func (e *Engine[T]) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i, item := range e.items {
		if item.Key() == id {
			return i
		}
	}
	return -1
}

// keyIndexLocked finds a record by server id, falling back to clientTempId.
func (e *Engine[T]) keyIndexLocked(key string) int {
	if idx := e.indexLocked(key); idx >= 0 {
		return idx
	}
	if key == "" {
		return -1
	}
	for i, item := range e.items {
		if item.Key() == "" && item.TempKey() == key {
			return i
		}
	}
	return -1
}

func (e *Engine[T]) pendingIndexLocked(tempID string) int {
	if tempID == "" {
		return -1
	}
	for i, item := range e.items {
		if item.TempKey() != tempID || item.Key() != "" {
			continue
		}
		if st := item.SyncStatus(); st == StatusPending || st == StatusSent {
			return i
		}
	}
	return -1
}

func (e *Engine[T]) notifyLocked(change Change[T]) {
	if e.observe != nil {
		e.observe(change)
	}
}

func (e *Engine[T]) cloneItemsLocked() []T {
	out := make([]T, len(e.items))
	copy(out, e.items)
	return out
}

func (e *Engine[T]) commitLocked() (Snapshot[T], []func(Snapshot[T])) {
	e.version++
	snap := e.snapshotLocked()
	if len(e.subs) == 0 {
		return snap, nil
	}
	ids := make([]uint64, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	subs := make([]func(Snapshot[T]), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, e.subs[id])
	}
	return snap, subs
}

func (e *Engine[T]) snapshotLocked() Snapshot[T] {
	return Snapshot[T]{
		Items:   e.cloneItemsLocked(),
		Page:    e.page,
		HasMore: e.hasMore,
		Loading: e.fetching,
		Version: e.version,
	}
}

// publishLocked commits a new version, releases mu and delivers the
// snapshot. Deliveries are serialized and a snapshot older than one already
// delivered is dropped, so subscribers only ever see increasing versions.
func (e *Engine[T]) publishLocked() {
	snap, subs := e.commitLocked()
	e.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	if snap.Version <= e.delivered {
		return
	}
	e.delivered = snap.Version
	for _, fn := range subs {
		fn(snap)
	}
}

func (e *Engine[T]) Snapshot() Snapshot[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Subscribe calls fn with every new snapshot until the returned func runs.
// fn may read from the engine but must not mutate it synchronously.
func (e *Engine[T]) Subscribe(fn func(Snapshot[T])) func() {
	if fn == nil {
		return func() {}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return func() {}
	}
	e.nextSub++
	id := e.nextSub
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// Lookup returns the record with server id id.
func (e *Engine[T]) Lookup(id string) (T, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if idx := e.indexLocked(id); idx >= 0 {
		return e.items[idx], true
	}
	var zero T
	return zero, false
}

// LookupKey finds a record by server id or by clientTempId.
func (e *Engine[T]) LookupKey(key string) (T, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if idx := e.keyIndexLocked(key); idx >= 0 {
		return e.items[idx], true
	}
	var zero T
	return zero, false
}

// Discard drops a local record by id or clientTempId. It is the explicit
// cleanup for records left in StatusError.
func (e *Engine[T]) Discard(key string) bool {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return false
	}
	idx := e.keyIndexLocked(key)
	if idx < 0 {
		e.mu.Unlock()
		return false
	}
	prev := e.items[idx]
	e.items = append(e.items[:idx], e.items[idx+1:]...)
	e.notifyLocked(Change[T]{Kind: ChangeRemoved, Before: prev})
	e.publishLocked()
	return true
}

func (e *Engine[T]) Disposed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disposed
}

// Dispose detaches subscribers. Results of requests still in flight are
// discarded when they arrive.
func (e *Engine[T]) Dispose() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disposed = true
	e.subs = map[uint64]func(Snapshot[T]){}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
