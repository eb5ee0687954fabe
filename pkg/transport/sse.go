package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	mcp "github.com/MegaGrindStone/browser-mcp"
	"github.com/MegaGrindStone/browser-mcp/pkg/session"
)

func (f *Factory) sseHandler() http.Handler {
	base := f.cfg.basePath()

	r := newRouter()
	r.HandleFunc(base+"/sse", f.handleSSE).Methods(http.MethodGet)
	r.HandleFunc(base+"/message", f.handleSSEMessage).Methods(http.MethodPost)
	r.HandleFunc(base+"/session", func(w http.ResponseWriter, r *http.Request) {
		f.handleSessionInfo(w, r.Header.Get(HeaderSessionID))
	}).Methods(http.MethodGet)
	r.HandleFunc(base+"/session", func(w http.ResponseWriter, r *http.Request) {
		f.handleSessionDelete(w, r.Header.Get(HeaderSessionID))
	}).Methods(http.MethodDelete)
	r.HandleFunc(base+"/health", f.handleHealth).Methods(http.MethodGet)

	return f.wrap(r, sseCORS)
}

// handleSSE opens the event stream of a session. A known, unexpired X-Session-Id resumes that
// session; anything else starts a new one. The session ID is echoed in X-Session-Id.
func (f *Factory) handleSSE(w http.ResponseWriter, r *http.Request) {
	sse := f.sseServer()
	if sse == nil {
		writeError(w, http.StatusServiceUnavailable, "transport is not running")
		return
	}

	var sess session.Session
	resumed := false
	if id := r.Header.Get(HeaderSessionID); id != "" {
		sess, resumed = f.sessions.Reconnect(id)
	}
	if !resumed {
		sess = f.sessions.CreateSession(clientIDOf(r), connectionMetadata(r, TypeSSE))
	}

	logger := f.logger.With(slog.String("sessionID", sess.ID))
	logger.Info("sse client connected", slog.Bool("resumed", resumed))

	w.Header().Set(HeaderSessionID, sess.ID)

	b := f.bind(sess.ID, sse.SendEvent)
	defer f.release(b)

	err := sse.ServeSession(w, r, sess.ID)

	// A replaced or destroyed binding means someone else now owns the session state.
	if !f.current(b) {
		return
	}

	switch {
	case err == nil:
		f.sessions.PauseSession(sess.ID)
		logger.Info("sse stream closed by server")
	case r.Context().Err() != nil:
		f.sessions.DisconnectSession(sess.ID)
		logger.Info("sse client disconnected")
	default:
		f.sessions.DisconnectSession(sess.ID)
		f.reportError(fmt.Errorf("sse stream of session %s failed: %w", sess.ID, err))
		if !headersSent(w) {
			writeError(w, http.StatusInternalServerError, "failed to open event stream")
		}
	}
}

// handleSSEMessage delivers one client message to the session named by X-Session-Id or the
// sessionId query parameter advertised in the endpoint event.
func (f *Factory) handleSSEMessage(w http.ResponseWriter, r *http.Request) {
	sse := f.sseServer()
	if sse == nil {
		writeError(w, http.StatusServiceUnavailable, "transport is not running")
		return
	}

	id := r.Header.Get(HeaderSessionID)
	if id == "" {
		id = r.URL.Query().Get("sessionId")
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}
	if _, ok := f.sessions.GetSession(id); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if !sse.HasSession(id) {
		writeError(w, http.StatusConflict, "session has no open event stream")
		return
	}

	var msg mcp.JSONRPCMessage
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMessageSize)).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid message: %s", err))
		return
	}

	if err := sse.Deliver(r.Context(), id, msg); err != nil {
		switch {
		case errors.Is(err, mcp.ErrSessionNotFound), errors.Is(err, mcp.ErrSessionClosed):
			writeError(w, http.StatusConflict, "session has no open event stream")
		default:
			f.logger.Debug("failed to deliver message", slog.String("sessionID", id), slog.String("err", err.Error()))
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (f *Factory) sseServer() *mcp.SSEServer {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.sse
}
