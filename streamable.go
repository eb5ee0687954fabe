package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/tmaxmax/go-sse"
)

// StreamableServer implements the streamable HTTP transport: a single endpoint where every
// POST carries one JSON-RPC message or a batch, and a GET opens a standalone event stream for
// server-initiated messages.
//
// POST requests that contain only notifications or responses are acknowledged with 202
// Accepted. POST requests that contain requests are held open until every request has been
// answered. The answers are written as a JSON body, or, when the client accepts
// text/event-stream, as "message" events on an event stream that also carries any event pushed
// to the session while it is open.
//
// Like SSEServer, the StreamableServer does not mint session IDs; the caller resolves them
// (typically from the Mcp-Session-Id header) and passes them to ServeHTTP. A session is created
// the first time its ID is seen.
type StreamableServer struct {
	logger      *slog.Logger
	maxBodySize int64

	sessions chan *streamableServerSession

	mu   sync.Mutex
	live map[string]*streamableServerSession

	done      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// StreamableServerOption represents the options for the StreamableServer.
type StreamableServerOption func(*StreamableServer)

type streamableServerSession struct {
	id           string
	logger       *slog.Logger
	receivedMsgs chan JSONRPCMessage
	onStop       func()

	mu         sync.Mutex
	pending    map[MustString]*streamableStream
	streams    map[*streamableStream]struct{}
	standalone *streamableStream

	done     chan struct{}
	stopOnce sync.Once
}

// streamableStream is one open HTTP response that server messages can be routed to.
type streamableStream struct {
	out       chan streamableOutbound
	done      chan struct{}
	closeOnce sync.Once
}

type streamableOutbound struct {
	event      string
	data       []byte
	responseTo MustString
}

const defaultStreamableMaxBodySize = 4 << 20

// NewStreamableServer creates a streamable HTTP transport. The returned StreamableServer must be
// shut down using Shutdown when no longer needed.
func NewStreamableServer(options ...StreamableServerOption) *StreamableServer {
	s := &StreamableServer{
		logger:      slog.Default(),
		maxBodySize: defaultStreamableMaxBodySize,
		sessions:    make(chan *streamableServerSession, 5),
		live:        make(map[string]*streamableServerSession),
		done:        make(chan struct{}),
		closed:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithStreamableServerLogger sets the logger for the streamable transport.
func WithStreamableServerLogger(logger *slog.Logger) StreamableServerOption {
	return func(s *StreamableServer) {
		s.logger = logger.With(
			slog.String("package", "browser-mcp"),
			slog.String("component", "streamable"),
		)
	}
}

// WithStreamableServerMaxBodySize limits the size of POST bodies. Larger bodies are rejected
// as invalid JSON.
func WithStreamableServerMaxBodySize(size int64) StreamableServerOption {
	return func(s *StreamableServer) {
		s.maxBodySize = size
	}
}

// Sessions returns an iterator that yields a Session the first time a session ID is served.
func (s *StreamableServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown terminates every session and open stream, then waits for the Sessions loop to exit.
func (s *StreamableServer) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	sessions := make([]*streamableServerSession, 0, len(s.live))
	for _, sess := range s.live {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.stop()
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close streamable server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// ServeHTTP serves a POST or GET request for sessionID. Other methods are answered with 405;
// session termination is left to the caller, which should call CloseSession.
func (s *StreamableServer) ServeHTTP(w http.ResponseWriter, r *http.Request, sessionID string) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r, sessionID)
	case http.MethodGet:
		s.handleGet(w, r, sessionID)
	default:
		writeHTTPError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
	}
}

// SendEvent pushes a named event to the session: to its standalone GET stream when one is
// open, otherwise to one of its open event-stream POST responses. It returns ErrNoStream when
// no stream can carry the event.
func (s *StreamableServer) SendEvent(ctx context.Context, sessionID, eventType string, data []byte) error {
	sess, ok := s.lookup(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	return sess.pushEvent(ctx, eventType, data)
}

// HasSession reports whether sessionID is known to the transport.
func (s *StreamableServer) HasSession(sessionID string) bool {
	_, ok := s.lookup(sessionID)
	return ok
}

// CloseSession terminates sessionID and every stream it holds, and reports whether it existed.
func (s *StreamableServer) CloseSession(sessionID string) bool {
	sess, ok := s.lookup(sessionID)
	if ok {
		sess.stop()
	}
	return ok
}

func (s *StreamableServer) lookup(sessionID string) (*streamableServerSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.live[sessionID]
	return sess, ok
}

func (s *StreamableServer) session(ctx context.Context, sessionID string) (*streamableServerSession, error) {
	select {
	case <-s.done:
		return nil, ErrSessionClosed
	default:
	}

	s.mu.Lock()
	sess, ok := s.live[sessionID]
	if !ok {
		sess = &streamableServerSession{
			id:           sessionID,
			logger:       s.logger.With(slog.String("sessionID", sessionID)),
			receivedMsgs: make(chan JSONRPCMessage, 5),
			pending:      make(map[MustString]*streamableStream),
			streams:      make(map[*streamableStream]struct{}),
			done:         make(chan struct{}),
		}
		sess.onStop = func() { s.remove(sess) }
		s.live[sessionID] = sess
	}
	s.mu.Unlock()

	if ok {
		return sess, nil
	}

	select {
	case s.sessions <- sess:
		return sess, nil
	case <-s.done:
		sess.stop()
		return nil, ErrSessionClosed
	case <-ctx.Done():
		sess.stop()
		return nil, ctx.Err()
	}
}

func (s *StreamableServer) remove(sess *streamableServerSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.live[sess.id]; ok && cur == sess {
		delete(s.live, sess.id)
	}
}

func (s *StreamableServer) handlePost(w http.ResponseWriter, r *http.Request, sessionID string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBodySize))
	if err != nil {
		writeHTTPError(w, http.StatusBadRequest, fmt.Sprintf("failed to read body: %s", err))
		return
	}
	msgs, batch, err := decodeMessages(body)
	if err != nil {
		s.logger.Warn("failed to decode message", slog.String("err", err.Error()))
		writeHTTPError(w, http.StatusBadRequest, errMsgInvalidJSON)
		return
	}

	sess, err := s.session(r.Context(), sessionID)
	if err != nil {
		writeHTTPError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	remaining := make(map[MustString]struct{})
	for _, msg := range msgs {
		if msg.IsRequest() {
			remaining[msg.ID] = struct{}{}
		}
	}

	if len(remaining) == 0 {
		for _, msg := range msgs {
			if err := s.deliver(r.Context(), sess, msg); err != nil {
				writeHTTPError(w, http.StatusServiceUnavailable, err.Error())
				return
			}
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	wantsEvents := strings.Contains(r.Header.Get("Accept"), "text/event-stream")

	st := newStreamableStream()
	sess.mu.Lock()
	for id := range remaining {
		sess.pending[id] = st
	}
	if wantsEvents {
		sess.streams[st] = struct{}{}
	}
	sess.mu.Unlock()

	defer func() {
		sess.mu.Lock()
		for id := range remaining {
			if cur, ok := sess.pending[id]; ok && cur == st {
				delete(sess.pending, id)
			}
		}
		delete(sess.streams, st)
		sess.mu.Unlock()
		st.close()
	}()

	for _, msg := range msgs {
		if err := s.deliver(r.Context(), sess, msg); err != nil {
			writeHTTPError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}

	if wantsEvents {
		s.streamResponses(w, r, sess, st, remaining)
		return
	}

	responses := make([]json.RawMessage, 0, len(remaining))
	for len(remaining) > 0 {
		select {
		case ob := <-st.out:
			if ob.responseTo == "" {
				continue
			}
			delete(remaining, ob.responseTo)
			responses = append(responses, ob.data)
		case <-r.Context().Done():
			return
		case <-sess.done:
			writeHTTPError(w, http.StatusServiceUnavailable, ErrSessionClosed.Error())
			return
		case <-s.done:
			writeHTTPError(w, http.StatusServiceUnavailable, ErrSessionClosed.Error())
			return
		}
	}

	var out []byte
	if !batch && len(responses) == 1 {
		out = responses[0]
	} else {
		out, err = json.Marshal(responses)
		if err != nil {
			writeHTTPError(w, http.StatusInternalServerError, errMsgInternalError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out); err != nil {
		s.logger.Warn("failed to write response", slog.String("err", err.Error()))
	}
}

func (s *StreamableServer) streamResponses(
	w http.ResponseWriter,
	r *http.Request,
	sess *streamableServerSession,
	st *streamableStream,
	remaining map[MustString]struct{},
) {
	es, err := sse.Upgrade(w, r)
	if err != nil {
		s.logger.Error("failed to upgrade response", slog.String("err", err.Error()))
		writeHTTPError(w, http.StatusInternalServerError, errMsgInternalError)
		return
	}

	for len(remaining) > 0 {
		select {
		case ob := <-st.out:
			if err := writeEvent(es, ob); err != nil {
				sess.logger.Warn("failed to write event", slog.String("err", err.Error()))
				return
			}
			if ob.responseTo != "" {
				delete(remaining, ob.responseTo)
			}
		case <-r.Context().Done():
			return
		case <-sess.done:
			return
		case <-s.done:
			return
		}
	}
}

func (s *StreamableServer) handleGet(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, err := s.session(r.Context(), sessionID)
	if err != nil {
		writeHTTPError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	es, err := sse.Upgrade(w, r)
	if err != nil {
		s.logger.Error("failed to upgrade stream", slog.String("err", err.Error()))
		writeHTTPError(w, http.StatusInternalServerError, errMsgInternalError)
		return
	}

	st := newStreamableStream()
	sess.mu.Lock()
	prev := sess.standalone
	sess.standalone = st
	sess.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	defer func() {
		sess.mu.Lock()
		if sess.standalone == st {
			sess.standalone = nil
		}
		sess.mu.Unlock()
		st.close()
	}()

	// Send the headers right away so the client knows the stream is open.
	if err := es.Flush(); err != nil {
		sess.logger.Warn("failed to open stream", slog.String("err", err.Error()))
		return
	}

	for {
		select {
		case ob := <-st.out:
			if err := writeEvent(es, ob); err != nil {
				sess.logger.Warn("failed to write event", slog.String("err", err.Error()))
				return
			}
		case <-st.done:
			return
		case <-r.Context().Done():
			return
		case <-sess.done:
			return
		case <-s.done:
			return
		}
	}
}

func (s *StreamableServer) deliver(ctx context.Context, sess *streamableServerSession, msg JSONRPCMessage) error {
	select {
	case sess.receivedMsgs <- msg:
		return nil
	case <-sess.done:
		return ErrSessionClosed
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *streamableServerSession) ID() string { return s.id }

func (s *streamableServerSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if !msg.IsResponse() {
		return s.pushEvent(ctx, "message", msgBs)
	}

	s.mu.Lock()
	st, ok := s.pending[msg.ID]
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("no request waiting for response", slog.String("id", string(msg.ID)))
		return ErrNoStream
	}
	return st.push(ctx, s.done, streamableOutbound{event: "message", data: msgBs, responseTo: msg.ID})
}

func (s *streamableServerSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case msg := <-s.receivedMsgs:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

func (s *streamableServerSession) Stop() {
	s.stop()
}

func (s *streamableServerSession) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.onStop != nil {
			s.onStop()
		}
	})
}

func (s *streamableServerSession) pushEvent(ctx context.Context, eventType string, data []byte) error {
	s.mu.Lock()
	target := s.standalone
	if target == nil {
		for st := range s.streams {
			target = st
			break
		}
	}
	s.mu.Unlock()

	if target == nil {
		return ErrNoStream
	}
	return target.push(ctx, s.done, streamableOutbound{event: eventType, data: data})
}

func newStreamableStream() *streamableStream {
	return &streamableStream{
		out:  make(chan streamableOutbound, 8),
		done: make(chan struct{}),
	}
}

func (st *streamableStream) push(ctx context.Context, sessDone <-chan struct{}, ob streamableOutbound) error {
	select {
	case st.out <- ob:
		return nil
	case <-st.done:
		return ErrNoStream
	case <-sessDone:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (st *streamableStream) close() {
	st.closeOnce.Do(func() { close(st.done) })
}

func writeEvent(es *sse.Session, ob streamableOutbound) error {
	msg := &sse.Message{Type: sse.Type(ob.event)}
	msg.AppendData(string(ob.data))
	if err := es.Send(msg); err != nil {
		return err
	}
	return es.Flush()
}

// decodeMessages accepts a single JSON-RPC message or a batch and reports which one it got.
func decodeMessages(body []byte) ([]JSONRPCMessage, bool, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, false, errors.New("empty body")
	}

	if body[0] == '[' {
		var msgs []JSONRPCMessage
		if err := json.Unmarshal(body, &msgs); err != nil {
			return nil, true, err
		}
		if len(msgs) == 0 {
			return nil, true, errors.New("empty batch")
		}
		return msgs, true, nil
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, false, err
	}
	return []JSONRPCMessage{msg}, false, nil
}

func writeHTTPError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
