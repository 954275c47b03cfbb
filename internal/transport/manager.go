package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaysync/internal/clock"
)

var ErrDisposed = errors.New("transport disposed")

type Handler func(Envelope)

type Options struct {
	// Name labels logs and metrics, e.g. "chat" or "notifications".
	Name           string
	Dialer         Dialer
	Clock          clock.Clock
	Logger         *zerolog.Logger
	Metrics        *Metrics
	Validator      *EnvelopeValidator
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// Jitter spreads each backoff delay by +/- the given ratio (0.0-1.0).
	Jitter float64
	Rand   func() float64
}

type subscription struct {
	scope   string
	handler Handler
}

// Manager owns one physical connection to one endpoint and runs the
// connect/backoff state machine for it.
type Manager struct {
	name           string
	dialer         Dialer
	clock          clock.Clock
	logger         zerolog.Logger
	metrics        *Metrics
	validator      *EnvelopeValidator
	baseDelay      time.Duration
	maxDelay       time.Duration
	maxAttempts    int
	connectTimeout time.Duration
	writeTimeout   time.Duration
	jitter         float64
	rand           func() float64

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conn     Connection
	target   Target
	live     Conn
	gen      uint64
	timer    clock.Timer
	nextID   uint64
	handlers map[uint64]subscription
	watchers map[uint64]func(Connection)
	disposed bool
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "default"
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		name:           name,
		dialer:         opts.Dialer,
		clock:          clock.OrReal(opts.Clock),
		logger:         logger.With().Str("component", "transport").Str("endpoint", name).Logger(),
		metrics:        opts.Metrics,
		validator:      opts.Validator,
		baseDelay:      opts.BaseDelay,
		maxDelay:       opts.MaxDelay,
		maxAttempts:    opts.MaxAttempts,
		connectTimeout: opts.ConnectTimeout,
		writeTimeout:   opts.WriteTimeout,
		jitter:         clampJitterRatio(opts.Jitter),
		rand:           opts.Rand,
		ctx:            ctx,
		cancel:         cancel,
		handlers:       map[uint64]subscription{},
		watchers:       map[uint64]func(Connection){},
	}
	m.metrics.setState(name, StateDisconnected)
	return m, nil
}

func (m *Manager) Name() string {
	return m.name
}

func (m *Manager) Connection() Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// Connect opens the connection and blocks until the first handshake
// resolves. A failed handshake leaves the manager Reconnecting with the
// retry timer armed; the failure is reported in the returned Connection.
// Calling Connect while a connection is live or being retried is a no-op.
func (m *Manager) Connect(ctx context.Context, endpoint, credentials string, scope map[string]string) Connection {
	m.mu.Lock()
	if m.disposed {
		conn := m.conn
		conn.LastError = ErrDisposed
		m.mu.Unlock()
		return conn
	}
	switch m.conn.State {
	case StateConnecting, StateConnected, StateReconnecting:
		conn := m.conn
		m.mu.Unlock()
		m.logger.Debug().Str("state", conn.State.String()).Msg("connect ignored, connection already active")
		return conn
	}
	m.target = Target{
		Endpoint:    strings.TrimSpace(endpoint),
		Credentials: strings.TrimSpace(credentials),
		Scope:       copyScope(scope),
	}
	m.conn.Attempts = 0
	m.conn.LastError = nil
	gen, snap := m.beginDialLocked()
	m.mu.Unlock()

	m.emit(snap)
	m.dial(ctx, gen)
	return m.Connection()
}

// Reconnect restarts dialing immediately with the attempt counter reset. It
// is the manual way out of Failed, and also forces a fresh handshake when
// the connection is live (for example after a credential rotation).
func (m *Manager) Reconnect(ctx context.Context) Connection {
	m.mu.Lock()
	if m.disposed || m.target.Endpoint == "" {
		conn := m.conn
		m.mu.Unlock()
		return conn
	}
	m.stopTimerLocked()
	old := m.live
	m.live = nil
	m.conn.Attempts = 0
	gen, snap := m.beginDialLocked()
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	m.logger.Info().Msg("manual reconnect")
	m.emit(snap)
	m.dial(ctx, gen)
	return m.Connection()
}

// UpdateCredentials replaces the bearer credential used by the next dial.
func (m *Manager) UpdateCredentials(credentials string) {
	m.mu.Lock()
	m.target.Credentials = strings.TrimSpace(credentials)
	m.mu.Unlock()
}

// Disconnect tears the connection down to Disconnected. Handlers stay
// registered; a later Connect starts a fresh state machine.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked()
	m.gen++
	old := m.live
	m.live = nil
	m.conn = Connection{State: StateDisconnected}
	m.metrics.setState(m.name, StateDisconnected)
	snap := m.conn
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	m.emit(snap)
}

// Dispose closes the connection, cancels any pending reconnect and detaches
// every handler and watcher. The manager cannot be reused.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	m.stopTimerLocked()
	m.gen++
	old := m.live
	m.live = nil
	m.conn.State = StateDisconnected
	m.handlers = map[uint64]subscription{}
	m.watchers = map[uint64]func(Connection){}
	m.metrics.setState(m.name, StateDisconnected)
	m.mu.Unlock()

	m.cancel()
	if old != nil {
		_ = old.Close()
	}
	m.logger.Debug().Msg("transport disposed")
}

// Send writes env only while Connected. Otherwise it does nothing and
// returns false; callers read Connection() to learn why.
func (m *Manager) Send(ctx context.Context, env Envelope) bool {
	m.mu.Lock()
	if m.disposed || m.conn.State != StateConnected || m.live == nil {
		state := m.conn.State
		m.mu.Unlock()
		m.metrics.discard(m.name, "not_connected")
		m.logger.Debug().Str("type", string(env.Type)).Str("state", state.String()).Msg("send skipped")
		return false
	}
	conn := m.live
	m.mu.Unlock()

	data, err := json.Marshal(env)
	if err != nil {
		m.logger.Warn().Err(err).Str("type", string(env.Type)).Msg("encode envelope")
		return false
	}
	writeCtx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, data); err != nil {
		m.metrics.discard(m.name, "write_failed")
		m.logger.Debug().Err(err).Str("type", string(env.Type)).Msg("send failed")
		return false
	}
	m.metrics.sentEnvelope(m.name, env.Type)
	return true
}

// Subscribe registers h for envelopes whose scope equals scope. Envelopes
// without a scope reach every handler, and an empty scope subscribes to
// everything.
func (m *Manager) Subscribe(scope string, h Handler) func() {
	if h == nil {
		return func() {}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return func() {}
	}
	m.nextID++
	id := m.nextID
	m.handlers[id] = subscription{scope: strings.TrimSpace(scope), handler: h}
	return func() {
		m.mu.Lock()
		delete(m.handlers, id)
		m.mu.Unlock()
	}
}

// Watch reports every state transition to fn.
func (m *Manager) Watch(fn func(Connection)) func() {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return func() {}
	}
	m.nextID++
	id := m.nextID
	m.watchers[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
}

func (m *Manager) beginDialLocked() (uint64, Connection) {
	m.gen++
	m.conn.State = StateConnecting
	m.metrics.setState(m.name, StateConnecting)
	return m.gen, m.conn
}

func (m *Manager) dial(ctx context.Context, gen uint64) {
	m.mu.Lock()
	target := m.target
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	conn, err := m.dialer.Dial(dialCtx, target)
	cancel()

	m.mu.Lock()
	if m.disposed || gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		snap := m.failLocked(err)
		m.mu.Unlock()
		m.emit(snap)
		return
	}
	m.live = conn
	m.conn = Connection{State: StateConnected}
	m.metrics.setState(m.name, StateConnected)
	m.metrics.connected(m.name)
	snap := m.conn
	m.mu.Unlock()

	m.logger.Info().Msg("connected")
	m.emit(snap)
	go m.readLoop(conn, gen)
}

func (m *Manager) failLocked(err error) Connection {
	m.conn.LastError = err
	m.conn.Attempts++
	m.metrics.failed(m.name)
	if m.conn.Attempts >= m.maxAttempts {
		m.conn.State = StateFailed
		m.metrics.setState(m.name, StateFailed)
		m.logger.Warn().Err(err).Int("attempts", m.conn.Attempts).Msg("connect failed, giving up")
		return m.conn
	}
	m.conn.State = StateReconnecting
	m.metrics.setState(m.name, StateReconnecting)
	delay := m.scheduleLocked()
	m.logger.Warn().Err(err).Int("attempts", m.conn.Attempts).Dur("retry_in", delay).Msg("connect failed")
	return m.conn
}

func (m *Manager) scheduleLocked() time.Duration {
	delay := BackoffDelay(m.conn.Attempts, m.baseDelay, m.maxDelay)
	if m.jitter > 0 {
		delay = jitteredDelay(delay, m.jitter, m.rand())
	}
	gen := m.gen
	m.timer = m.clock.AfterFunc(delay, func() { m.retry(gen) })
	return delay
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if m.disposed || gen != m.gen || m.conn.State != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	next, snap := m.beginDialLocked()
	m.mu.Unlock()

	m.emit(snap)
	m.dial(m.ctx, next)
}

func (m *Manager) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.Read(m.ctx)
		if err != nil {
			m.dropped(conn, gen, err)
			return
		}
		env, err := ParseEnvelope(data, m.validator)
		if err != nil {
			m.metrics.discard(m.name, "invalid")
			m.logger.Warn().Err(err).Msg("discarding inbound frame")
			continue
		}
		m.metrics.receivedEnvelope(m.name, env.Type)
		m.dispatch(gen, env)
	}
}

func (m *Manager) dispatch(gen uint64, env Envelope) {
	m.mu.Lock()
	if m.disposed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	ids := make([]uint64, 0, len(m.handlers))
	for id, sub := range m.handlers {
		if sub.scope == "" || env.Scope == "" || sub.scope == env.Scope {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	slices.Sort(ids)
	for _, id := range ids {
		m.mu.Lock()
		sub, ok := m.handlers[id]
		live := !m.disposed && gen == m.gen
		m.mu.Unlock()
		if !ok || !live {
			continue
		}
		sub.handler(env)
	}
}

func (m *Manager) dropped(conn Conn, gen uint64, err error) {
	_ = conn.Close()
	m.mu.Lock()
	if m.disposed || gen != m.gen || m.live != conn {
		m.mu.Unlock()
		return
	}
	m.live = nil
	m.conn.LastError = err
	m.conn.State = StateReconnecting
	// The drop counts as the first failed attempt, so backoff restarts at the
	// same first delay a failed connect waits.
	m.conn.Attempts = 1
	m.metrics.setState(m.name, StateReconnecting)
	m.metrics.dropped(m.name)
	delay := m.scheduleLocked()
	snap := m.conn
	m.mu.Unlock()

	m.logger.Warn().Err(err).Dur("retry_in", delay).Msg("connection dropped")
	m.emit(snap)
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) emit(conn Connection) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	watchers := make([]func(Connection), 0, len(m.watchers))
	ids := make([]uint64, 0, len(m.watchers))
	for id := range m.watchers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		watchers = append(watchers, m.watchers[id])
	}
	m.mu.Unlock()
	for _, fn := range watchers {
		fn(conn)
	}
}

func copyScope(scope map[string]string) map[string]string {
	if len(scope) == 0 {
		return nil
	}
	out := make(map[string]string, len(scope))
	for key, value := range scope {
		out[key] = value
	}
	return out
}
