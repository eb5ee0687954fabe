package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) transport for managing
// bidirectional client communication. It handles server-to-client streaming through SSE
// and client-to-server messaging through Deliver, which the caller wires to an HTTP POST
// endpoint of its choice.
//
// The SSEServer does not mint session IDs. The caller resolves the identity of every
// connection (new or reconnecting) and passes it to ServeSession, so a session may outlive
// the HTTP connection that carried it. A second ServeSession for a live ID replaces the
// previous stream.
//
// Instances should be created using NewSSEServer and properly shut down using Shutdown when
// no longer needed.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	sessions chan *sseServerSession

	mu   sync.Mutex
	live map[string]*sseServerSession

	done      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

type sseServerSession struct {
	id           string
	sendMsgs     chan sseServerSessionSendMsg
	receivedMsgs chan JSONRPCMessage
	logger       *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
}

type sseServerSessionSendMsg struct {
	msg  *sse.Message
	errs chan error
}

// NewSSEServer creates and initializes a new SSE transport. The messageURL is advertised to
// every client in the initial "endpoint" event, with the session ID appended as the
// sessionId query parameter.
func NewSSEServer(messageURL string, options ...SSEServerOption) *SSEServer {
	s := &SSEServer{
		messageURL: messageURL,
		logger:     slog.Default(),
		sessions:   make(chan *sseServerSession, 5),
		live:       make(map[string]*sseServerSession),
		done:       make(chan struct{}),
		closed:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithSSEServerLogger sets the logger for the SSE transport.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(
			slog.String("package", "browser-mcp"),
			slog.String("component", "sse"),
		)
	}
}

// Sessions returns an iterator over client sessions. The iterator yields a Session every
// time ServeSession establishes a stream, and exits when Shutdown is called.
func (s *SSEServer) Sessions() iter.Seq[Session] {
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

// Shutdown gracefully shuts down the SSE transport by terminating all open streams. This
// method blocks until the Sessions loop has exited or ctx is done.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	for id, sess := range s.live {
		sess.stop()
		delete(s.live, id)
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// ServeSession upgrades the request to an event stream bound to sessionID and blocks while
// the stream is open. The caller must set any response headers before calling it.
//
// It returns nil when the stream is closed from the server side (CloseSession, a replacing
// stream or Shutdown) and the request context error when the client goes away. Any other
// error means the stream could not be established or written to.
func (s *SSEServer) ServeSession(w http.ResponseWriter, r *http.Request, sessionID string) error {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		return fmt.Errorf("failed to upgrade session: %w", err)
	}

	srvSession := &sseServerSession{
		id:           sessionID,
		logger:       s.logger.With(slog.String("sessionID", sessionID)),
		sendMsgs:     make(chan sseServerSessionSendMsg, 5),
		receivedMsgs: make(chan JSONRPCMessage, 5),
		done:         make(chan struct{}),
	}

	s.mu.Lock()
	if prev, ok := s.live[sessionID]; ok {
		prev.stop()
	}
	s.live[sessionID] = srvSession
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if cur, ok := s.live[sessionID]; ok && cur == srvSession {
			delete(s.live, sessionID)
		}
		s.mu.Unlock()
		srvSession.stop()
	}()

	// The session is registered before the endpoint is announced, so a client posting
	// right after the endpoint event always finds it.
	endpoint := fmt.Sprintf("%s?sessionId=%s", s.messageURL, url.QueryEscape(sessionID))

	// Use the type "endpoint" to indicate the endpoint URL.
	msg := &sse.Message{Type: sse.Type("endpoint")}
	msg.AppendData(endpoint)
	if err := sess.Send(msg); err != nil {
		return fmt.Errorf("failed to write SSE endpoint: %w", err)
	}
	if err := sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush SSE endpoint: %w", err)
	}

	// Feed the sessions channel that would be consumed in Sessions loop.
	select {
	case s.sessions <- srvSession:
	case <-s.done:
		return nil
	case <-r.Context().Done():
		return r.Context().Err()
	}

	// This goroutine is the only writer of the response, go-sse sessions are not safe for
	// concurrent use.
	for {
		select {
		case sm := <-srvSession.sendMsgs:
			err := sess.Send(sm.msg)
			if err == nil {
				err = sess.Flush()
			}
			sm.errs <- err
			if err != nil {
				return fmt.Errorf("failed to write SSE event: %w", err)
			}
		case <-srvSession.done:
			return nil
		case <-s.done:
			return nil
		case <-r.Context().Done():
			return r.Context().Err()
		}
	}
}

// Deliver routes a message received from the client to the session's message stream.
func (s *SSEServer) Deliver(ctx context.Context, sessionID string, msg JSONRPCMessage) error {
	sess, ok := s.lookup(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sess.done:
		return ErrSessionClosed
	case sess.receivedMsgs <- msg:
	}
	return nil
}

// SendEvent writes a named event with the given data to the session's stream.
func (s *SSEServer) SendEvent(ctx context.Context, sessionID, eventType string, data []byte) error {
	sess, ok := s.lookup(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	msg := &sse.Message{Type: sse.Type(eventType)}
	msg.AppendData(string(data))
	return sess.enqueue(ctx, msg)
}

// HasSession reports whether sessionID currently has an open stream.
func (s *SSEServer) HasSession(sessionID string) bool {
	_, ok := s.lookup(sessionID)
	return ok
}

// CloseSession closes the stream of sessionID, if any, and reports whether one was open.
func (s *SSEServer) CloseSession(sessionID string) bool {
	s.mu.Lock()
	sess, ok := s.live[sessionID]
	if ok {
		delete(s.live, sessionID)
	}
	s.mu.Unlock()

	if ok {
		sess.stop()
	}
	return ok
}

func (s *SSEServer) lookup(sessionID string) (*sseServerSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.live[sessionID]
	return sess, ok
}

func (s *sseServerSession) ID() string { return s.id }

func (s *sseServerSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{Type: sse.Type("message")}
	sseMsg.AppendData(string(msgBs))

	return s.enqueue(ctx, sseMsg)
}

func (s *sseServerSession) Messages() iter.Seq[JSONRPCMessage] {
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

func (s *sseServerSession) Stop() {
	s.stop()
}

func (s *sseServerSession) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *sseServerSession) enqueue(ctx context.Context, msg *sse.Message) error {
	errs := make(chan error, 1)

	// Queue the message for the writer loop in ServeSession.
	select {
	case s.sendMsgs <- sseServerSessionSendMsg{msg: msg, errs: errs}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while sending message")
		return ErrSessionClosed
	}

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}
