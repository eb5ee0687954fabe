package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/browser-mcp/pkg/session"
	"github.com/gorilla/mux"
)

// HTTP headers used by the network transports.
const (
	HeaderSessionID    = "X-Session-Id"
	HeaderClientID     = "X-Client-Id"
	HeaderMcpSessionID = "Mcp-Session-Id"
)

const maxMessageSize = 4 << 20

type corsPolicy struct {
	methods string
	headers string
	expose  string
}

var (
	sseCORS = corsPolicy{
		methods: "GET, POST, DELETE, OPTIONS",
		headers: "Content-Type, X-Session-Id, X-Client-Id, Last-Event-Id",
		expose:  HeaderSessionID,
	}
	streamCORS = corsPolicy{
		methods: "GET, POST, DELETE, OPTIONS",
		headers: "Content-Type, Accept, Mcp-Session-Id, X-Client-Id, Last-Event-Id",
		expose:  HeaderMcpSessionID,
	}
)

// sessionView is the public form of a session. The browser state itself is never exposed.
type sessionView struct {
	SessionID       string         `json:"sessionId"`
	ClientID        string         `json:"clientId"`
	State           session.State  `json:"state"`
	CreatedAt       time.Time      `json:"createdAt"`
	LastActivity    time.Time      `json:"lastActivity"`
	HasBrowserState bool           `json:"hasBrowserState"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type healthResponse struct {
	Status    string        `json:"status"`
	Transport Type          `json:"transport"`
	Sessions  session.Stats `json:"sessions"`
	Timestamp time.Time     `json:"timestamp"`
}

// responseWriter remembers whether the response has started, so a failure can still be
// answered with an error body when nothing was written yet.
type responseWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(code int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) Flush() {
	w.wroteHeader = true
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func headersSent(w http.ResponseWriter) bool {
	rw, ok := w.(*responseWriter)
	return ok && rw.wroteHeader
}

// newRouter creates a router whose misses are answered with JSON bodies.
func newRouter() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("not found: %s %s", r.Method, r.URL.Path))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
	})
	return r
}

// wrap puts the CORS and recovery layers around the router. The CORS layer runs first so
// preflight requests never reach routing.
func (f *Factory) wrap(router http.Handler, policy corsPolicy) http.Handler {
	return f.cors(policy, f.recoverer(router))
}

func (f *Factory) cors(policy corsPolicy, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.cfg.EnableCORS {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", policy.methods)
		w.Header().Set("Access-Control-Allow-Headers", policy.headers)
		w.Header().Set("Access-Control-Expose-Headers", policy.expose)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (f *Factory) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w}

		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			f.reportError(fmt.Errorf("panic serving %s %s: %v", r.Method, r.URL.Path, v))
			if !rw.wroteHeader {
				writeError(rw, http.StatusInternalServerError, "internal server error")
			}
		}()

		next.ServeHTTP(rw, r)
	})
}

func (f *Factory) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Transport: f.cfg.Type,
		Sessions:  f.sessions.Stats(),
		Timestamp: time.Now().UTC(),
	})
}

// handleSessionInfo answers aggregate stats without a session ID and the public view of one
// session with it.
func (f *Factory) handleSessionInfo(w http.ResponseWriter, sessionID string) {
	if sessionID == "" {
		writeJSON(w, http.StatusOK, f.sessions.Stats())
		return
	}

	sess, ok := f.sessions.GetSession(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sessionView{
		SessionID:       sess.ID,
		ClientID:        sess.ClientID,
		State:           sess.State,
		CreatedAt:       sess.CreatedAt,
		LastActivity:    sess.LastActivityAt,
		HasBrowserState: len(sess.BrowserState) > 0,
		Metadata:        sess.Metadata,
	})
}

func (f *Factory) handleSessionDelete(w http.ResponseWriter, sessionID string) {
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}
	// Transport resources are released by the session listener.
	if !f.sessions.DestroySession(sessionID) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessionId": sessionID})
}

// clientIDOf identifies the connecting party by the X-Client-Id header, else by remote host.
func clientIDOf(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(HeaderClientID)); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func connectionMetadata(r *http.Request, typ Type) map[string]any {
	md := map[string]any{"transport": string(typ)}
	if ua := r.UserAgent(); ua != "" {
		md["userAgent"] = ua
	}
	return md
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Debug("failed to write response", slog.String("err", err.Error()))
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
