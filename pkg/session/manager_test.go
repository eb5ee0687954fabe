package session_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/browser-mcp/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []session.Event
}

func (r *recorder) listen(ev session.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []session.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]session.EventType, 0, len(r.events))
	for _, ev := range r.events {
		types = append(types, ev.Type)
	}
	return types
}

func (r *recorder) count(typ session.EventType) int {
	n := 0
	for _, t := range r.types() {
		if t == typ {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, clock *fakeClock, options ...session.Option) *session.Manager {
	t.Helper()
	opts := append([]session.Option{session.WithClock(clock.Now)}, options...)
	m := session.NewManager(opts...)
	t.Cleanup(m.Close)
	return m
}

func TestCreateSession(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	rec := &recorder{}
	m.Subscribe(rec.listen)

	sess := m.CreateSession("c1", map[string]any{"userAgent": "test"})

	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "c1", sess.ClientID)
	assert.Equal(t, session.StateActive, sess.State)
	assert.Equal(t, clock.Now(), sess.CreatedAt)
	assert.Equal(t, sess.CreatedAt, sess.LastActivityAt)
	assert.Equal(t, "test", sess.Metadata["userAgent"])
	assert.Equal(t, []session.EventType{session.EventCreated}, rec.types())

	got, ok := m.GetSession(sess.ID)
	require.True(t, ok)
	assert.Equal(t, sess.ID, got.ID)
}

func TestCreateSessionEvictsLeastRecentlyActive(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock, session.WithMaxSessionsPerClient(2))
	rec := &recorder{}
	m.Subscribe(rec.listen)

	first := m.CreateSession("c1", nil)
	clock.Advance(time.Second)
	second := m.CreateSession("c1", nil)
	clock.Advance(time.Second)

	// The first session is the oldest created but the most recently used.
	require.True(t, m.Touch(first.ID))
	clock.Advance(time.Second)

	third := m.CreateSession("c1", nil)

	_, ok := m.GetSession(second.ID)
	assert.False(t, ok, "least recently active session should be evicted")
	_, ok = m.GetSession(first.ID)
	assert.True(t, ok)
	_, ok = m.GetSession(third.ID)
	assert.True(t, ok)
	assert.Len(t, m.List("c1"), 2)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var destroyed []session.Event
	for _, ev := range rec.events {
		if ev.Type == session.EventDestroyed {
			destroyed = append(destroyed, ev)
		}
	}
	require.Len(t, destroyed, 1)
	assert.Equal(t, second.ID, destroyed[0].SessionID)
	assert.Equal(t, session.ReasonEvicted, destroyed[0].Reason)
}

func TestCreateSessionCapIsPerClient(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock, session.WithMaxSessionsPerClient(1))

	a := m.CreateSession("a", nil)
	b := m.CreateSession("b", nil)

	_, ok := m.GetSession(a.ID)
	assert.True(t, ok)
	_, ok = m.GetSession(b.ID)
	assert.True(t, ok)

	for range 5 {
		m.CreateSession("a", nil)
		assert.LessOrEqual(t, len(m.List("a")), 1)
	}
	assert.Equal(t, 2, m.Stats().Clients)
}

func TestGetSessionReturnsCopy(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)

	sess := m.CreateSession("c1", map[string]any{"k": "v"})
	require.True(t, m.UpdateBrowserState(sess.ID, map[string]json.RawMessage{"url": json.RawMessage(`"https://a.test"`)}))

	got, ok := m.GetSession(sess.ID)
	require.True(t, ok)
	got.Metadata["k"] = "changed"
	got.BrowserState["url"] = json.RawMessage(`"https://b.test"`)

	again, _ := m.GetSession(sess.ID)
	assert.Equal(t, "v", again.Metadata["k"])
	assert.JSONEq(t, `"https://a.test"`, string(again.BrowserState["url"]))
}

func TestGetSessionDoesNotTouch(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)

	sess := m.CreateSession("c1", nil)
	clock.Advance(time.Minute)

	got, ok := m.GetSession(sess.ID)
	require.True(t, ok)
	assert.Equal(t, sess.LastActivityAt, got.LastActivityAt)
}

func TestTouch(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)

	assert.False(t, m.Touch("missing"))

	sess := m.CreateSession("c1", nil)
	require.True(t, m.PauseSession(sess.ID))
	clock.Advance(time.Minute)
	require.True(t, m.Touch(sess.ID))

	got, _ := m.GetSession(sess.ID)
	assert.Equal(t, session.StateActive, got.State)
	assert.Equal(t, clock.Now(), got.LastActivityAt)
}

func TestTouchBeforeSweepPreventsExpiry(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock, session.WithTimeout(time.Minute))

	sess := m.CreateSession("c1", nil)
	clock.Advance(time.Minute - time.Millisecond)
	require.True(t, m.Touch(sess.ID))
	clock.Advance(time.Minute)

	assert.Equal(t, 0, m.Sweep())
	_, ok := m.GetSession(sess.ID)
	assert.True(t, ok)
}

func TestBrowserState(t *testing.T) {
	tests := []struct {
		name     string
		autoSync bool
		events   []session.EventType
	}{
		{
			name:     "auto sync enabled",
			autoSync: true,
			events:   []session.EventType{session.EventBrowserStateChanged, session.EventBrowserStateChanged, session.EventStateSynced},
		},
		{
			name:     "auto sync disabled",
			autoSync: false,
			events:   nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clock := newFakeClock()
			m := newTestManager(t, clock, session.WithAutoSync(tc.autoSync))
			sess := m.CreateSession("c1", nil)

			rec := &recorder{}
			m.Subscribe(rec.listen)

			clock.Advance(time.Second)
			require.True(t, m.UpdateBrowserState(sess.ID, map[string]json.RawMessage{
				"url":     json.RawMessage(`"https://a.test"`),
				"cookies": json.RawMessage(`[{"name":"a"},{"name":"b"}]`),
			}))
			require.True(t, m.UpdateBrowserState(sess.ID, map[string]json.RawMessage{
				"cookies": json.RawMessage(`[{"name":"c"}]`),
			}))

			got, _ := m.GetSession(sess.ID)
			assert.JSONEq(t, `"https://a.test"`, string(got.BrowserState["url"]))
			assert.JSONEq(t, `[{"name":"c"}]`, string(got.BrowserState["cookies"]), "nested values are replaced")
			assert.Equal(t, clock.Now(), got.LastActivityAt)

			require.True(t, m.SyncState(sess.ID, map[string]json.RawMessage{
				"viewport": json.RawMessage(`{"width":800}`),
			}))
			got, _ = m.GetSession(sess.ID)
			assert.Len(t, got.BrowserState, 1)
			assert.Contains(t, got.BrowserState, "viewport")

			assert.Equal(t, tc.events, rec.types())

			assert.False(t, m.UpdateBrowserState("missing", nil))
			assert.False(t, m.SyncState("missing", nil))
		})
	}
}

func TestReconnect(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock, session.WithTimeout(time.Minute))
	rec := &recorder{}
	m.Subscribe(rec.listen)

	sess := m.CreateSession("c1", nil)
	require.True(t, m.UpdateBrowserState(sess.ID, map[string]json.RawMessage{"url": json.RawMessage(`"https://a.test"`)}))
	require.True(t, m.DisconnectSession(sess.ID))

	clock.Advance(30 * time.Second)
	got, ok := m.Reconnect(sess.ID)
	require.True(t, ok)
	assert.Equal(t, session.StateActive, got.State)
	assert.Equal(t, clock.Now(), got.LastActivityAt)
	assert.JSONEq(t, `"https://a.test"`, string(got.BrowserState["url"]))
	assert.Equal(t, 1, rec.count(session.EventReconnected))

	_, ok = m.Reconnect("missing")
	assert.False(t, ok)
}

func TestReconnectExpired(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock, session.WithTimeout(time.Minute))
	rec := &recorder{}
	m.Subscribe(rec.listen)

	sess := m.CreateSession("c1", nil)
	require.True(t, m.PauseSession(sess.ID))
	clock.Advance(time.Minute + time.Second)

	_, ok := m.Reconnect(sess.ID)
	assert.False(t, ok)

	_, ok = m.GetSession(sess.ID)
	assert.False(t, ok)
	assert.Empty(t, m.List("c1"))
	assert.Equal(t, 0, m.Stats().Clients)
	assert.Equal(t, []session.EventType{
		session.EventCreated,
		session.EventPaused,
		session.EventExpired,
		session.EventDestroyed,
	}, rec.types())
}

func TestPauseAndDisconnect(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)

	sess := m.CreateSession("c1", nil)

	require.True(t, m.PauseSession(sess.ID))
	got, _ := m.GetSession(sess.ID)
	assert.Equal(t, session.StatePaused, got.State)

	require.True(t, m.DisconnectSession(sess.ID))
	got, _ = m.GetSession(sess.ID)
	assert.Equal(t, session.StateDisconnected, got.State)

	assert.False(t, m.PauseSession("missing"))
	assert.False(t, m.DisconnectSession("missing"))
}

func TestDestroySessionIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	rec := &recorder{}
	m.Subscribe(rec.listen)

	sess := m.CreateSession("c1", nil)

	assert.True(t, m.DestroySession(sess.ID))
	assert.False(t, m.DestroySession(sess.ID))
	assert.Equal(t, 1, rec.count(session.EventDestroyed))
	assert.Equal(t, session.Stats{}, m.Stats())
}

func TestExportImport(t *testing.T) {
	clock := newFakeClock()
	src := newTestManager(t, clock)
	dst := newTestManager(t, clock)

	sess := src.CreateSession("c1", map[string]any{"origin": "test"})
	require.True(t, src.UpdateBrowserState(sess.ID, map[string]json.RawMessage{"url": json.RawMessage(`"https://a.test"`)}))

	data, ok := src.ExportSession(sess.ID)
	require.True(t, ok)

	rec := &recorder{}
	dst.Subscribe(rec.listen)

	imported, err := dst.ImportSession(data)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, imported.ID)
	assert.Equal(t, "c1", imported.ClientID)
	assert.Equal(t, "test", imported.Metadata["origin"])
	assert.JSONEq(t, `"https://a.test"`, string(imported.BrowserState["url"]))
	assert.Equal(t, []session.EventType{session.EventImported}, rec.types())

	// Importing again returns the existing record without another event.
	require.True(t, dst.UpdateBrowserState(sess.ID, map[string]json.RawMessage{"title": json.RawMessage(`"A"`)}))
	again, err := dst.ImportSession(data)
	require.NoError(t, err)
	assert.Contains(t, again.BrowserState, "title")
	assert.Equal(t, 1, rec.count(session.EventImported))

	_, ok = src.ExportSession("missing")
	assert.False(t, ok)
}

func TestImportInvalid(t *testing.T) {
	m := newTestManager(t, newFakeClock())

	for _, data := range []string{`not json`, `{}`, `{"sessionId":"x"}`} {
		_, err := m.ImportSession([]byte(data))
		require.ErrorIs(t, err, session.ErrInvalidSnapshot, data)
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	m := newTestManager(t, newFakeClock())
	rec := &recorder{}
	unsubscribe := m.Subscribe(rec.listen)

	m.CreateSession("c1", nil)
	unsubscribe()
	unsubscribe()
	m.CreateSession("c1", nil)

	assert.Equal(t, 1, rec.count(session.EventCreated))
}

func TestListenerPanicIsIsolated(t *testing.T) {
	m := newTestManager(t, newFakeClock())
	rec := &recorder{}
	m.Subscribe(func(session.Event) { panic("boom") })
	m.Subscribe(rec.listen)

	assert.NotPanics(t, func() { m.CreateSession("c1", nil) })
	assert.Equal(t, 1, rec.count(session.EventCreated))
}

func TestStats(t *testing.T) {
	m := newTestManager(t, newFakeClock())

	a := m.CreateSession("c1", nil)
	b := m.CreateSession("c1", nil)
	m.CreateSession("c2", nil)
	require.True(t, m.PauseSession(a.ID))
	require.True(t, m.DisconnectSession(b.ID))

	assert.Equal(t, session.Stats{
		Total:        3,
		Active:       1,
		Paused:       1,
		Disconnected: 1,
		Clients:      2,
	}, m.Stats())
}

func TestSweep(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock, session.WithTimeout(time.Minute))
	rec := &recorder{}
	m.Subscribe(rec.listen)

	idle := m.CreateSession("c1", nil)
	busy := m.CreateSession("c2", nil)

	clock.Advance(45 * time.Second)
	require.True(t, m.Touch(busy.ID))
	assert.Equal(t, 0, m.Sweep())

	clock.Advance(30 * time.Second)
	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, 0, m.Sweep())

	_, ok := m.GetSession(idle.ID)
	assert.False(t, ok)
	_, ok = m.GetSession(busy.ID)
	assert.True(t, ok)
	assert.Equal(t, 1, rec.count(session.EventExpired))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var expiredIdx, destroyedIdx int
	for i, ev := range rec.events {
		switch ev.Type {
		case session.EventExpired:
			expiredIdx = i
			assert.Equal(t, session.StateExpired, ev.Session.State)
		case session.EventDestroyed:
			destroyedIdx = i
			assert.Equal(t, session.ReasonExpired, ev.Reason)
		default:
		}
	}
	assert.Less(t, expiredIdx, destroyedIdx)
}

func TestStartRunsSweep(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock,
		session.WithTimeout(time.Minute),
		session.WithSweepInterval(5*time.Millisecond),
	)

	sess := m.CreateSession("c1", nil)
	clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := m.GetSession(sess.ID)
		return !ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestCloseDestroysSessions(t *testing.T) {
	m := session.NewManager()
	rec := &recorder{}
	m.Subscribe(rec.listen)

	m.CreateSession("c1", nil)
	m.CreateSession("c2", nil)

	done := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(done)
	}()

	m.Close()
	m.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Close")
	}
	assert.Equal(t, 2, rec.count(session.EventDestroyed))
	assert.Equal(t, 0, m.Stats().Total)
}
