package transport

import (
	"log/slog"
	"net/http"

	mcp "github.com/MegaGrindStone/browser-mcp"
)

func (f *Factory) streamHandler() http.Handler {
	base := f.cfg.basePath()
	endpoint := base
	if endpoint == "" {
		endpoint = "/"
	}

	r := newRouter()
	r.HandleFunc(base+"/health", f.handleHealth).Methods(http.MethodGet)
	r.HandleFunc(endpoint, f.handleStream).Methods(http.MethodGet, http.MethodPost, http.MethodDelete)

	return f.wrap(r, streamCORS)
}

// handleStream serves the single RPC endpoint. A POST without Mcp-Session-Id starts a session;
// every other request must name a known one.
func (f *Factory) handleStream(w http.ResponseWriter, r *http.Request) {
	stream := f.streamServer()
	if stream == nil {
		writeError(w, http.StatusServiceUnavailable, "transport is not running")
		return
	}

	id := r.Header.Get(HeaderMcpSessionID)

	switch r.Method {
	case http.MethodDelete:
		f.handleSessionDelete(w, id)
		return
	case http.MethodPost:
		if id == "" {
			sess := f.sessions.CreateSession(clientIDOf(r), connectionMetadata(r, TypeHTTPStream))
			id = sess.ID
			f.bind(id, stream.SendEvent)
			f.logger.Info("http-stream session created", slog.String("sessionID", id))
		} else if _, ok := f.sessions.GetSession(id); !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
	case http.MethodGet:
		if id == "" {
			writeError(w, http.StatusBadRequest, "missing session id")
			return
		}
		if _, ok := f.sessions.Reconnect(id); !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
	}

	// Sessions restored by ImportSession or revived after a restart have no binding yet.
	if _, ok := f.bindingOf(id); !ok {
		f.bind(id, stream.SendEvent)
	}

	w.Header().Set(HeaderMcpSessionID, id)
	stream.ServeHTTP(w, r, id)

	if r.Method == http.MethodGet && r.Context().Err() != nil {
		f.sessions.DisconnectSession(id)
	}
}

func (f *Factory) streamServer() *mcp.StreamableServer {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.stream
}
