package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaysync/internal/clock"
	"github.com/agentworkforce/relaysync/internal/syncer"
	"github.com/agentworkforce/relaysync/internal/transport"
)

const (
	DefaultDebounceWindow         = 100 * time.Millisecond
	DefaultMinAutoRefreshInterval = 10 * time.Second
)

// ErrSuperseded is delivered to a Refresh call that a later call replaced
// before its debounce window elapsed.
var ErrSuperseded = errors.New("refresh superseded by a later call")

// API is the request/response side of the feed. The identity is implied by
// the credentials the implementation carries.
type API interface {
	ListNotifications(ctx context.Context, page, limit int) (syncer.Page[Notification], error)
	MarkRead(ctx context.Context, id string) (Notification, error)
	MarkAllRead(ctx context.Context) error
}

type Options struct {
	IdentityID             string
	API                    API
	Transport              syncer.Transport
	Clock                  clock.Clock
	Logger                 *zerolog.Logger
	PageSize               int
	DebounceWindow         time.Duration
	MinAutoRefreshInterval time.Duration
}

// Snapshot pairs the collection with the unread count at emission time.
type Snapshot struct {
	syncer.Snapshot[Notification]
	Unread int
}

type pendingRefresh struct {
	timer clock.Timer
	done  chan error
}

// Feed synchronizes the notification stream of one identity.
type Feed struct {
	identityID  string
	api         API
	transport   syncer.Transport
	clock       clock.Clock
	logger      zerolog.Logger
	debounce    time.Duration
	minInterval time.Duration
	engine      *syncer.Engine[Notification]
	unsubscribe func()

	mu         sync.Mutex
	unread     int
	refreshSeq uint64
	pending    map[uint64]pendingRefresh
	lastFetch  time.Time
	disposed   bool
}

func NewFeed(opts Options) (*Feed, error) {
	identityID := strings.TrimSpace(opts.IdentityID)
	if identityID == "" {
		return nil, fmt.Errorf("identity id is required")
	}
	if opts.API == nil {
		return nil, fmt.Errorf("api is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = DefaultDebounceWindow
	}
	if opts.MinAutoRefreshInterval <= 0 {
		opts.MinAutoRefreshInterval = DefaultMinAutoRefreshInterval
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("component", "notify").Str("identity_id", identityID).Logger()

	f := &Feed{
		identityID:  identityID,
		api:         opts.API,
		transport:   opts.Transport,
		clock:       clock.OrReal(opts.Clock),
		logger:      logger,
		debounce:    opts.DebounceWindow,
		minInterval: opts.MinAutoRefreshInterval,
		pending:     map[uint64]pendingRefresh{},
	}
	engine, err := syncer.New[Notification](syncer.Options[Notification]{
		Name: "notify:" + identityID,
		Fetcher: syncer.FetchFunc[Notification](func(ctx context.Context, page, limit int) (syncer.Page[Notification], error) {
			return f.api.ListNotifications(ctx, page, limit)
		}),
		PageSize: opts.PageSize,
		Logger:   &logger,
		Observe:  f.observe,
		Accept: func(n Notification) bool {
			return n.IdentityID == "" || n.IdentityID == identityID
		},
	})
	if err != nil {
		return nil, err
	}
	f.engine = engine
	f.unsubscribe = opts.Transport.Subscribe(identityID, f.handle)
	return f, nil
}

// observe keeps the unread count in step with every collection change. It
// runs under the engine lock and must not call back into the engine.
func (f *Feed) observe(c syncer.Change[Notification]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch c.Kind {
	case syncer.ChangeInserted:
		if !c.After.Read {
			f.unread++
		}
	case syncer.ChangeReplaced, syncer.ChangeReconciled:
		switch {
		case c.Before.Read && !c.After.Read:
			f.unread++
		case !c.Before.Read && c.After.Read:
			f.unread--
		}
	case syncer.ChangeRemoved:
		if !c.Before.Read {
			f.unread--
		}
	case syncer.ChangeReset:
		f.unread = countUnread(c.Items)
	}
	if f.unread < 0 {
		f.unread = 0
	}
}

func (f *Feed) handle(env transport.Envelope) {
	f.engine.HandleEnvelope(env)
}

func (f *Feed) UnreadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread
}

func (f *Feed) FetchPage(ctx context.Context, page int) error {
	if err := f.engine.FetchPage(ctx, page); err != nil {
		return err
	}
	if page == 1 {
		f.mu.Lock()
		f.lastFetch = f.clock.Now()
		f.mu.Unlock()
	}
	return nil
}

func (f *Feed) LoadMore(ctx context.Context) error {
	return f.engine.LoadMore(ctx)
}

// MarkAsRead marks one notification read optimistically. A rejected request
// reverts the flag and leaves the record in StatusError.
func (f *Feed) MarkAsRead(ctx context.Context, id string) (*syncer.Op[Notification], error) {
	n, ok := f.engine.Lookup(id)
	if !ok {
		return nil, syncer.ErrNotFound
	}
	if n.Read {
		return syncer.Resolved(id, n, nil), nil
	}
	apply := func(n Notification) Notification {
		n.Read = true
		return n
	}
	request := func(ctx context.Context) (Notification, error) {
		return f.api.MarkRead(ctx, id)
	}
	return f.engine.Mutate(ctx, "mark_read", id, apply, request), nil
}

// MarkAllAsRead marks every held notification read and zeroes the unread
// count before the request is issued. On failure the previous records are
// put back. The returned channel receives the request outcome.
func (f *Feed) MarkAllAsRead(ctx context.Context) <-chan error {
	markRead := func(n Notification) Notification {
		n.Read = true
		return n
	}
	return f.engine.MutateAll(ctx, "mark_all_read", markRead, f.api.MarkAllRead)
}

// Refresh refetches page 1 once the debounce window passes without another
// Refresh call. Every call gets exactly one result: nil or the fetch error
// for the latest call, ErrSuperseded for the calls it replaced.
func (f *Feed) Refresh(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disposed {
		done <- syncer.ErrDisposed
		return done
	}
	f.refreshSeq++
	seq := f.refreshSeq
	timer := f.clock.AfterFunc(f.debounce, func() {
		f.fireRefresh(ctx, seq)
	})
	f.pending[seq] = pendingRefresh{timer: timer, done: done}
	return done
}

func (f *Feed) fireRefresh(ctx context.Context, seq uint64) {
	f.mu.Lock()
	p, ok := f.pending[seq]
	if !ok {
		f.mu.Unlock()
		return
	}
	delete(f.pending, seq)
	latest := seq == f.refreshSeq
	f.mu.Unlock()

	if !latest {
		p.done <- ErrSuperseded
		return
	}
	go func() {
		p.done <- f.FetchPage(ctx, 1)
	}()
}

// AutoRefresh refetches page 1 unless the last successful fetch happened
// within the minimum interval. It reports whether a fetch was issued.
func (f *Feed) AutoRefresh(ctx context.Context, force bool) (bool, error) {
	f.mu.Lock()
	last := f.lastFetch
	disposed := f.disposed
	f.mu.Unlock()
	if disposed {
		return false, syncer.ErrDisposed
	}
	if !force && !last.IsZero() && f.clock.Now().Sub(last) < f.minInterval {
		return false, nil
	}
	return true, f.FetchPage(ctx, 1)
}

func (f *Feed) Lookup(id string) (Notification, bool) {
	return f.engine.Lookup(id)
}

// Snapshot counts Unread from the same committed items it returns, so the
// two never disagree.
func (f *Feed) Snapshot() Snapshot {
	snap := f.engine.Snapshot()
	return Snapshot{Snapshot: snap, Unread: countUnread(snap.Items)}
}

func (f *Feed) Subscribe(fn func(Snapshot)) func() {
	if fn == nil {
		return func() {}
	}
	return f.engine.Subscribe(func(s syncer.Snapshot[Notification]) {
		fn(Snapshot{Snapshot: s, Unread: countUnread(s.Items)})
	})
}

func (f *Feed) Connection() transport.Connection {
	return f.transport.Connection()
}

// Dispose detaches the feed from its transport and resolves pending Refresh
// calls with ErrDisposed.
func (f *Feed) Dispose() {
	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return
	}
	f.disposed = true
	pending := f.pending
	f.pending = map[uint64]pendingRefresh{}
	f.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.done <- syncer.ErrDisposed
	}
	f.unsubscribe()
	f.engine.Dispose()
}
