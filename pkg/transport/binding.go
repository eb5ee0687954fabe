package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	mcp "github.com/MegaGrindStone/browser-mcp"
	"github.com/MegaGrindStone/browser-mcp/pkg/progress"
)

// sendEventFunc writes a named event to the open stream of a session.
type sendEventFunc func(ctx context.Context, sessionID, eventType string, data []byte) error

// binding ties a session to the transport serving it and holds its progress subscription.
type binding struct {
	sessionID string
	send      sendEventFunc
	updates   chan progress.Update

	unsubscribe     func()
	unsubscribeOnce sync.Once

	done        chan struct{}
	releaseOnce sync.Once
}

const bindingQueueSize = 32

// bind registers a binding for sessionID, replacing any previous one, and starts relaying
// progress to it when progress is enabled.
func (f *Factory) bind(sessionID string, send sendEventFunc) *binding {
	b := &binding{
		sessionID:   sessionID,
		send:        send,
		updates:     make(chan progress.Update, bindingQueueSize),
		unsubscribe: func() {},
		done:        make(chan struct{}),
	}

	if f.cfg.EnableProgress {
		b.unsubscribe = f.notifier.SubscribeAll(func(u progress.Update) {
			if owner, ok := f.owners.ownerOf(u.Token); ok && owner != sessionID {
				return
			}
			select {
			case b.updates <- u:
			case <-b.done:
			default:
				f.logger.Warn("dropping progress update, client is too slow",
					slog.String("sessionID", sessionID),
					slog.String("token", string(u.Token)))
			}
		})
		go f.forward(b)
	}

	f.mu.Lock()
	prev := f.bindings[sessionID]
	f.bindings[sessionID] = b
	onConnect := f.callbacks.OnConnect
	f.mu.Unlock()

	if prev != nil {
		f.release(prev)
	}
	if onConnect != nil {
		onConnect(sessionID)
	}
	return b
}

// release drops the binding's progress subscription and forgets it. It is safe to call more
// than once.
func (f *Factory) release(b *binding) {
	b.releaseOnce.Do(func() {
		b.stopProgress()
		close(b.done)

		f.mu.Lock()
		if cur, ok := f.bindings[b.sessionID]; ok && cur == b {
			delete(f.bindings, b.sessionID)
		}
		onDisconnect := f.callbacks.OnDisconnect
		f.mu.Unlock()

		if onDisconnect != nil {
			onDisconnect(b.sessionID)
		}
	})
}

// current reports whether b is still the binding of its session.
func (f *Factory) current(b *binding) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.bindings[b.sessionID] == b
}

func (f *Factory) bindingOf(sessionID string) (*binding, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.bindings[sessionID]
	return b, ok
}

func (b *binding) stopProgress() {
	b.unsubscribeOnce.Do(b.unsubscribe)
}

// forward writes queued progress updates to the session's stream until the binding is
// released or a write fails.
func (f *Factory) forward(b *binding) {
	logger := f.logger.With(slog.String("sessionID", b.sessionID))

	for {
		select {
		case <-b.done:
			return
		case u := <-b.updates:
			data, err := progressEnvelope(u)
			if err != nil {
				logger.Error("failed to encode progress", slog.String("err", err.Error()))
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), progressSendTimeout)
			err = b.send(ctx, b.sessionID, "progress", data)
			cancel()

			switch {
			case err == nil:
			case errors.Is(err, mcp.ErrNoStream):
				// Streamable sessions only receive pushes while a stream is open.
				logger.Debug("no stream for progress", slog.String("token", string(u.Token)))
			default:
				logger.Warn("failed to write progress", slog.String("err", err.Error()))
				b.stopProgress()
				if !errors.Is(err, mcp.ErrSessionNotFound) && !errors.Is(err, mcp.ErrSessionClosed) {
					f.reportError(fmt.Errorf("failed to write progress to session %s: %w", b.sessionID, err))
				}
				return
			}
		}
	}
}

func progressEnvelope(u progress.Update) ([]byte, error) {
	params, err := json.Marshal(mcp.ProgressParams{
		ProgressToken: mcp.MustString(u.Token),
		Progress:      u.Progress,
		Total:         u.Total,
		Message:       u.Message,
		Metadata:      u.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  mcp.MethodNotificationsProgress,
		Params:  params,
	})
}

// tokenOwners maps progress tokens to the session whose request carried them. Updates for an
// owned token go to that session only; tokens nobody claimed go to every binding.
type tokenOwners struct {
	mu        sync.Mutex
	owners    map[progress.Token]string
	bySession map[string]map[progress.Token]struct{}
}

func newTokenOwners() *tokenOwners {
	return &tokenOwners{
		owners:    make(map[progress.Token]string),
		bySession: make(map[string]map[progress.Token]struct{}),
	}
}

func (o *tokenOwners) claim(token progress.Token, sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if prev, ok := o.owners[token]; ok && prev != sessionID {
		delete(o.bySession[prev], token)
	}
	o.owners[token] = sessionID
	tokens, ok := o.bySession[sessionID]
	if !ok {
		tokens = make(map[progress.Token]struct{})
		o.bySession[sessionID] = tokens
	}
	tokens[token] = struct{}{}
}

func (o *tokenOwners) ownerOf(token progress.Token) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	owner, ok := o.owners[token]
	return owner, ok
}

func (o *tokenOwners) dropSession(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for token := range o.bySession[sessionID] {
		if o.owners[token] == sessionID {
			delete(o.owners, token)
		}
	}
	delete(o.bySession, sessionID)
}

func (o *tokenOwners) clear() {
	o.mu.Lock()
	defer o.mu.Unlock()

	clear(o.owners)
	clear(o.bySession)
}
