package session

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Manager is the authoritative store of sessions. All methods are safe for concurrent use.
// Unknown session IDs are reported through boolean results, never errors, because lookups
// routinely race with disconnects and sweeps.
type Manager struct {
	timeout       time.Duration
	sweepInterval time.Duration
	maxPerClient  int
	autoSync      bool
	now           func() time.Time
	logger        *slog.Logger
	meterProvider metric.MeterProvider
	metrics       instruments

	// mu guards both indices; they are always updated together.
	mu       sync.Mutex
	sessions map[string]*Session
	byClient map[string]map[string]struct{}

	// emitMu is taken before mu is released, so listeners see events in mutation order.
	emitMu sync.Mutex

	listenersMu  sync.Mutex
	listeners    map[uint64]Listener
	nextListener uint64

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// ErrInvalidSnapshot is returned by ImportSession for data that does not describe a session.
var ErrInvalidSnapshot = errors.New("invalid session snapshot")

const (
	defaultTimeout       = 30 * time.Minute
	defaultSweepInterval = time.Minute
	defaultMaxPerClient  = 5
)

// NewManager creates a Manager. Call Start to run the expiry sweep and Close to release it.
func NewManager(options ...Option) *Manager {
	m := &Manager{
		timeout:       defaultTimeout,
		sweepInterval: defaultSweepInterval,
		maxPerClient:  defaultMaxPerClient,
		autoSync:      true,
		now:           time.Now,
		logger:        slog.Default(),
		meterProvider: otel.GetMeterProvider(),
		sessions:      make(map[string]*Session),
		byClient:      make(map[string]map[string]struct{}),
		listeners:     make(map[uint64]Listener),
		done:          make(chan struct{}),
	}
	for _, opt := range options {
		opt(m)
	}

	ins, err := newInstruments(m.meterProvider)
	if err != nil {
		m.logger.Error("failed to create session instruments", slog.String("err", err.Error()))
		ins, _ = newInstruments(noop.NewMeterProvider())
	}
	m.metrics = ins

	return m
}

// WithTimeout sets the idle duration after which a session expires.
func WithTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

// WithSweepInterval sets how often Start scans for expired sessions.
func WithSweepInterval(interval time.Duration) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.sweepInterval = interval
		}
	}
}

// WithMaxSessionsPerClient caps the sessions a single client may hold. Values below one
// disable the cap.
func WithMaxSessionsPerClient(limit int) Option {
	return func(m *Manager) {
		m.maxPerClient = limit
	}
}

// WithAutoSync controls whether browser state changes are announced to listeners.
func WithAutoSync(enabled bool) Option {
	return func(m *Manager) {
		m.autoSync = enabled
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger.With(
			slog.String("package", "browser-mcp"),
			slog.String("component", "session"),
		)
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider used for session metrics.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(m *Manager) {
		m.meterProvider = provider
	}
}

// Timeout returns the configured idle timeout.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// CreateSession creates an active session for clientID. When the client already holds the
// maximum number of sessions, its least recently active sessions are destroyed first, so
// creation always succeeds.
func (m *Manager) CreateSession(clientID string, metadata map[string]any) Session {
	now := m.now()

	m.mu.Lock()
	var events []Event
	if m.maxPerClient > 0 {
		for len(m.byClient[clientID]) >= m.maxPerClient {
			oldest := m.leastRecentLocked(clientID)
			m.logger.Info("evicting session",
				slog.String("sessionID", oldest.ID),
				slog.String("clientID", clientID))
			events = append(events, m.removeLocked(oldest, ReasonEvicted, now))
		}
	}

	sess := &Session{
		ID:             uuid.NewString(),
		ClientID:       clientID,
		State:          StateActive,
		CreatedAt:      now,
		LastActivityAt: now,
		Metadata:       maps.Clone(metadata),
	}
	m.insertLocked(sess)
	snapshot := sess.clone()
	events = append(events, m.event(EventCreated, sess, now))
	m.emitAndUnlock(events)

	m.metrics.recordCreated()
	m.logger.Debug("session created", slog.String("sessionID", sess.ID), slog.String("clientID", clientID))

	return snapshot
}

// GetSession returns a copy of the session. It does not count as activity.
func (m *Manager) GetSession(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return sess.clone(), true
}

// List returns copies of the sessions held by clientID, oldest first.
func (m *Manager) List(clientID string) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := make([]Session, 0, len(m.byClient[clientID]))
	for id := range m.byClient[clientID] {
		list = append(list, m.sessions[id].clone())
	}
	slices.SortFunc(list, func(a, b Session) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return list
}

// Touch records activity on the session and makes it active again.
func (m *Manager) Touch(id string) bool {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return false
	}
	m.touchLocked(sess, now)
	return true
}

// UpdateBrowserState merges partial into the session's browser state. Top-level keys in
// partial replace the stored values whole; nested values are not merged.
func (m *Manager) UpdateBrowserState(id string, partial map[string]json.RawMessage) bool {
	return m.changeBrowserState(id, EventBrowserStateChanged, func(sess *Session) {
		if sess.BrowserState == nil {
			sess.BrowserState = make(map[string]json.RawMessage, len(partial))
		}
		for k, v := range partial {
			sess.BrowserState[k] = append(json.RawMessage(nil), v...)
		}
	})
}

// SyncState replaces the session's browser state with full.
func (m *Manager) SyncState(id string, full map[string]json.RawMessage) bool {
	return m.changeBrowserState(id, EventStateSynced, func(sess *Session) {
		sess.BrowserState = make(map[string]json.RawMessage, len(full))
		for k, v := range full {
			sess.BrowserState[k] = append(json.RawMessage(nil), v...)
		}
	})
}

func (m *Manager) changeBrowserState(id string, typ EventType, apply func(*Session)) bool {
	now := m.now()

	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	apply(sess)
	m.touchLocked(sess, now)

	var events []Event
	if m.autoSync {
		events = append(events, m.event(typ, sess, now))
	}
	m.emitAndUnlock(events)
	return true
}

// Reconnect revives a paused or disconnected session. A session idle for longer than the
// timeout is expired and destroyed instead, and Reconnect reports it as not found.
func (m *Manager) Reconnect(id string) (Session, bool) {
	now := m.now()

	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return Session{}, false
	}

	if m.idleLocked(sess, now) {
		events := m.expireLocked(sess, now)
		m.emitAndUnlock(events)
		m.logger.Info("reconnect to expired session", slog.String("sessionID", id))
		return Session{}, false
	}

	m.touchLocked(sess, now)
	snapshot := sess.clone()
	m.emitAndUnlock([]Event{m.event(EventReconnected, sess, now)})

	return snapshot, true
}

// PauseSession marks the session paused, keeping it for a later reconnect.
func (m *Manager) PauseSession(id string) bool {
	return m.setState(id, StatePaused, EventPaused)
}

// DisconnectSession marks the session disconnected, keeping it for a later reconnect.
func (m *Manager) DisconnectSession(id string) bool {
	return m.setState(id, StateDisconnected, EventDisconnected)
}

func (m *Manager) setState(id string, state State, typ EventType) bool {
	now := m.now()

	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	sess.State = state
	m.emitAndUnlock([]Event{m.event(typ, sess, now)})
	return true
}

// DestroySession removes the session. It reports false when the session is unknown, which
// makes repeated calls harmless.
func (m *Manager) DestroySession(id string) bool {
	now := m.now()

	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	ev := m.removeLocked(sess, ReasonExplicit, now)
	m.emitAndUnlock([]Event{ev})

	m.logger.Debug("session destroyed", slog.String("sessionID", id))
	return true
}

// ExportSession serializes the session for handoff to another process.
func (m *Manager) ExportSession(id string) ([]byte, bool) {
	sess, ok := m.GetSession(id)
	if !ok {
		return nil, false
	}

	bs, err := json.Marshal(sess)
	if err != nil {
		m.logger.Error("failed to export session", slog.String("sessionID", id), slog.String("err", err.Error()))
		return nil, false
	}
	return bs, true
}

// ImportSession restores a session produced by ExportSession. When a session with the same ID
// already exists it is returned unchanged. The per-client cap applies to imports too.
func (m *Manager) ImportSession(data []byte) (Session, error) {
	var in Session
	if err := json.Unmarshal(data, &in); err != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	if in.ID == "" || in.ClientID == "" {
		return Session{}, fmt.Errorf("%w: missing session or client id", ErrInvalidSnapshot)
	}

	now := m.now()

	m.mu.Lock()
	if existing, ok := m.sessions[in.ID]; ok {
		snapshot := existing.clone()
		m.mu.Unlock()
		return snapshot, nil
	}

	var events []Event
	if m.maxPerClient > 0 {
		for len(m.byClient[in.ClientID]) >= m.maxPerClient {
			events = append(events, m.removeLocked(m.leastRecentLocked(in.ClientID), ReasonEvicted, now))
		}
	}

	sess := in.clone()
	switch sess.State {
	case StateActive, StatePaused, StateDisconnected:
	default:
		sess.State = StateActive
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActivityAt.Before(sess.CreatedAt) {
		sess.LastActivityAt = sess.CreatedAt
	}
	m.insertLocked(&sess)
	snapshot := sess.clone()
	events = append(events, m.event(EventImported, &sess, now))
	m.emitAndUnlock(events)

	m.metrics.recordCreated()
	return snapshot, nil
}

// Subscribe registers l for every lifecycle event and returns a function that removes it.
func (m *Manager) Subscribe(l Listener) func() {
	m.listenersMu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = l
	m.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.listenersMu.Lock()
			delete(m.listeners, id)
			m.listenersMu.Unlock()
		})
	}
}

// Stats returns session counts by state and the number of distinct clients.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{Total: len(m.sessions), Clients: len(m.byClient)}
	for _, sess := range m.sessions {
		switch sess.State {
		case StateActive:
			stats.Active++
		case StatePaused:
			stats.Paused++
		case StateDisconnected:
			stats.Disconnected++
		case StateExpired:
		}
	}
	return stats
}

// Start runs the expiry sweep every sweep interval until ctx is done or Close is called.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Info("expired idle sessions", slog.Int("count", n))
			}
		}
	}
}

// Sweep expires every session idle for longer than the timeout and returns how many it
// removed. Each removed session emits EventExpired followed by EventDestroyed.
func (m *Manager) Sweep() int {
	now := m.now()

	m.mu.Lock()
	var idle []*Session
	for _, sess := range m.sessions {
		if m.idleLocked(sess, now) {
			idle = append(idle, sess)
		}
	}
	// Deterministic event order for sessions expiring in the same tick.
	slices.SortFunc(idle, func(a, b *Session) int {
		return cmp.Or(a.LastActivityAt.Compare(b.LastActivityAt), cmp.Compare(a.ID, b.ID))
	})

	var events []Event
	for _, sess := range idle {
		events = append(events, m.expireLocked(sess, now)...)
	}
	m.emitAndUnlock(events)

	return len(idle)
}

// Close stops the sweep loop, destroys every remaining session and drops all listeners.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)

		now := m.now()
		m.mu.Lock()
		var events []Event
		for _, sess := range m.sessions {
			events = append(events, m.removeLocked(sess, ReasonShutdown, now))
		}
		m.emitAndUnlock(events)

		m.listenersMu.Lock()
		clear(m.listeners)
		m.listenersMu.Unlock()
	})
}

func (m *Manager) idleLocked(sess *Session, now time.Time) bool {
	return now.Sub(sess.LastActivityAt) > m.timeout
}

func (m *Manager) touchLocked(sess *Session, now time.Time) {
	if now.After(sess.LastActivityAt) {
		sess.LastActivityAt = now
	}
	sess.State = StateActive
}

func (m *Manager) expireLocked(sess *Session, now time.Time) []Event {
	sess.State = StateExpired
	expired := m.event(EventExpired, sess, now)
	return []Event{expired, m.removeLocked(sess, ReasonExpired, now)}
}

func (m *Manager) leastRecentLocked(clientID string) *Session {
	var oldest *Session
	for id := range m.byClient[clientID] {
		sess := m.sessions[id]
		if oldest == nil ||
			sess.LastActivityAt.Before(oldest.LastActivityAt) ||
			(sess.LastActivityAt.Equal(oldest.LastActivityAt) && sess.CreatedAt.Before(oldest.CreatedAt)) {
			oldest = sess
		}
	}
	return oldest
}

func (m *Manager) insertLocked(sess *Session) {
	m.sessions[sess.ID] = sess
	ids, ok := m.byClient[sess.ClientID]
	if !ok {
		ids = make(map[string]struct{})
		m.byClient[sess.ClientID] = ids
	}
	ids[sess.ID] = struct{}{}
}

func (m *Manager) removeLocked(sess *Session, reason DestroyReason, now time.Time) Event {
	delete(m.sessions, sess.ID)
	if ids, ok := m.byClient[sess.ClientID]; ok {
		delete(ids, sess.ID)
		if len(ids) == 0 {
			delete(m.byClient, sess.ClientID)
		}
	}
	m.metrics.recordDestroyed(reason)

	ev := m.event(EventDestroyed, sess, now)
	ev.Reason = reason
	return ev
}

func (m *Manager) event(typ EventType, sess *Session, now time.Time) Event {
	return Event{
		Type:      typ,
		SessionID: sess.ID,
		ClientID:  sess.ClientID,
		Session:   sess.clone(),
		At:        now,
	}
}

// emitAndUnlock releases mu and delivers events while holding emitMu.
func (m *Manager) emitAndUnlock(events []Event) {
	if len(events) == 0 {
		m.mu.Unlock()
		return
	}

	m.emitMu.Lock()
	m.mu.Unlock()
	defer m.emitMu.Unlock()

	m.listenersMu.Lock()
	listeners := make([]Listener, 0, len(m.listeners))
	ids := make([]uint64, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		listeners = append(listeners, m.listeners[id])
	}
	m.listenersMu.Unlock()

	for _, ev := range events {
		for _, l := range listeners {
			m.notify(l, ev)
		}
	}
}

func (m *Manager) notify(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("session listener panicked",
				slog.String("event", string(ev.Type)),
				slog.String("sessionID", ev.SessionID),
				slog.Any("panic", r))
		}
	}()
	l(ev)
}
