package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server dispatches JSON-RPC messages arriving on a ServerTransport. It answers the protocol
// level methods (initialize, ping, notifications/cancelled) itself and routes every other
// request to its Handler, one goroutine per request, so a slow tool never blocks the session.
type Server struct {
	info         Info
	handler      Handler
	instructions string
	capabilities ServerCapabilities
	sendTimeout  time.Duration

	logger *slog.Logger

	onClientConnected    func(string)
	onClientDisconnected func(string)

	running atomic.Bool

	mu                sync.Mutex
	transport         ServerTransport
	sessionsWaitGroup sync.WaitGroup
	shuttingDown      bool

	done      chan struct{}
	closeOnce sync.Once
}

type serverSession struct {
	session      Session
	logger       *slog.Logger
	handler      Handler
	serverInfo   Info
	capabilities ServerCapabilities
	instructions string
	sendTimeout  time.Duration

	cancelsMu sync.Mutex
	cancels   map[MustString]context.CancelFunc
}

var defaultServerSendTimeout = 30 * time.Second

// NewServer creates a server that routes requests to handler. A nil handler answers every
// non-protocol request with "method not found".
func NewServer(info Info, handler Handler, options ...ServerOption) *Server {
	s := &Server{
		info:         info,
		handler:      handler,
		capabilities: ServerCapabilities{Tools: &ToolsCapability{}},
		sendTimeout:  defaultServerSendTimeout,
		logger:       slog.Default(),
		done:         make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithInstructions sets the instructions returned to the client on initialize.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerCapabilities overrides the capabilities advertised on initialize.
func WithServerCapabilities(capabilities ServerCapabilities) ServerOption {
	return func(s *Server) {
		s.capabilities = capabilities
	}
}

// WithServerSendTimeout sets the timeout for writing a response to a session.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerOnClientConnected sets the callback invoked when a transport session starts.
func WithServerOnClientConnected(onClientConnected func(sessionID string)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback invoked when a transport session ends.
func WithServerOnClientDisconnected(onClientDisconnected func(sessionID string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "browser-mcp"),
			slog.String("component", "server"),
		)
	}
}

// Serve consumes sessions from transport until the transport stops yielding them. It blocks,
// and returns ErrServerRunning if the server is already serving.
func (s *Server) Serve(transport ServerTransport) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerRunning
	}

	s.mu.Lock()
	s.transport = transport
	s.mu.Unlock()

	// This loop would break when the transport is shut down.
	for sess := range transport.Sessions() {
		s.mu.Lock()
		if s.shuttingDown {
			s.mu.Unlock()
			sess.Stop()
			continue
		}
		s.sessionsWaitGroup.Add(1)
		s.mu.Unlock()

		go s.serveSession(sess)
	}

	return nil
}

// Shutdown stops every session, waits for their in-flight requests, then shuts down the
// transport given to Serve.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	transport := s.transport
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.done) })

	sessionsDone := make(chan struct{})
	go func() {
		s.sessionsWaitGroup.Wait()
		close(sessionsDone)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for sessions: %w", ctx.Err())
	case <-sessionsDone:
	}

	if transport == nil {
		return nil
	}
	if err := transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}
	return nil
}

func (s *Server) serveSession(sess Session) {
	defer s.sessionsWaitGroup.Done()

	stop := sync.OnceFunc(sess.Stop)

	// Stop the session when the server shuts down, so its Messages loop ends.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-s.done:
			stop()
		case <-watchDone:
		}
	}()

	if s.onClientConnected != nil {
		s.onClientConnected(sess.ID())
	}

	ss := &serverSession{
		session:      sess,
		logger:       s.logger.With(slog.String("sessionID", sess.ID())),
		handler:      s.handler,
		serverInfo:   s.info,
		capabilities: s.capabilities,
		instructions: s.instructions,
		sendTimeout:  s.sendTimeout,
		cancels:      make(map[MustString]context.CancelFunc),
	}
	ss.run()

	close(watchDone)
	stop()

	if s.onClientDisconnected != nil {
		s.onClientDisconnected(sess.ID())
	}
}

func (s *serverSession) run() {
	// Every request context derives from this one, so they are all cancelled when the
	// session's message stream ends.
	baseCtx, baseCancel := context.WithCancel(context.Background())
	var inflight sync.WaitGroup

	for msg := range s.session.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			s.logger.Info("failed to handle message",
				slog.Any("message", msg),
				slog.String("err", "invalid jsonrpc version"),
			)
			continue
		}

		switch msg.Method {
		case methodPing:
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				s.reply(msg.ID, struct{}{}, nil)
			}()
		case methodInitialize:
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				s.handleInitialize(msg)
			}()
		case methodNotificationsInitialized:
			s.logger.Debug("client initialized")
		case methodNotificationsCancelled:
			var params notificationsCancelledParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				s.logger.Warn("failed to unmarshal cancellation", slog.String("err", err.Error()))
				continue
			}
			s.cancel(params.RequestID, params.Reason)
		case "":
			// The server never issues requests, so responses from the client are dropped.
			s.logger.Debug("dropping unexpected response", slog.String("id", string(msg.ID)))
		default:
			if msg.ID == "" {
				s.logger.Debug("dropping notification", slog.String("method", msg.Method))
				continue
			}
			ctx, cancel := context.WithCancel(baseCtx)
			s.register(msg.ID, cancel)

			inflight.Add(1)
			go func() {
				defer inflight.Done()
				defer s.unregister(msg.ID)
				defer cancel()
				s.handleRequest(ctx, msg)
			}()
		}
	}

	baseCancel()
	inflight.Wait()
}

func (s *serverSession) handleInitialize(msg JSONRPCMessage) {
	var params initializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.reply(msg.ID, nil, &JSONRPCError{
				Code:    JSONRPCInvalidParamsCode,
				Message: fmt.Sprintf("failed to unmarshal params: %s", err),
			})
			return
		}
	}

	s.logger.Info("client initializing",
		slog.String("clientName", params.ClientInfo.Name),
		slog.String("clientVersion", params.ClientInfo.Version),
		slog.String("protocolVersion", params.ProtocolVersion),
	)

	s.reply(msg.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    s.capabilities,
		ServerInfo:      s.serverInfo,
		Instructions:    s.instructions,
	}, nil)
}

func (s *serverSession) handleRequest(ctx context.Context, msg JSONRPCMessage) {
	if s.handler == nil {
		s.reply(msg.ID, nil, methodNotFoundError(msg.Method))
		return
	}

	req := Request{
		SessionID:     s.session.ID(),
		ID:            msg.ID,
		Method:        msg.Method,
		Params:        msg.Params,
		ProgressToken: ProgressTokenOf(msg),
	}

	result, err := s.handler.Handle(ctx, req)
	if errors.Is(ctx.Err(), context.Canceled) {
		// Cancelled requests get no response.
		s.logger.Debug("request cancelled", slog.String("method", msg.Method), slog.String("id", string(msg.ID)))
		return
	}
	if err != nil {
		s.logger.Error("failed to handle request",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		s.reply(msg.ID, nil, toJSONRPCError(msg.Method, err))
		return
	}
	if result == nil {
		result = struct{}{}
	}
	s.reply(msg.ID, result, nil)
}

func (s *serverSession) reply(id MustString, result any, rpcErr *JSONRPCError) {
	resMsg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   rpcErr,
	}
	if rpcErr == nil {
		resBs, err := json.Marshal(result)
		if err != nil {
			resMsg.Error = &JSONRPCError{
				Code:    JSONRPCInternalErrorCode,
				Message: errMsgInternalError,
				Data:    map[string]any{"error": fmt.Sprintf("failed to marshal result: %s", err)},
			}
		} else {
			resMsg.Result = resBs
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.session.Send(ctx, resMsg); err != nil {
		s.logger.Error("failed to send result", slog.String("id", string(id)), slog.String("err", err.Error()))
	}
}

func (s *serverSession) register(id MustString, cancel context.CancelFunc) {
	s.cancelsMu.Lock()
	defer s.cancelsMu.Unlock()

	s.cancels[id] = cancel
}

func (s *serverSession) unregister(id MustString) {
	s.cancelsMu.Lock()
	defer s.cancelsMu.Unlock()

	delete(s.cancels, id)
}

func (s *serverSession) cancel(id MustString, reason string) {
	s.cancelsMu.Lock()
	cancel, ok := s.cancels[id]
	s.cancelsMu.Unlock()

	if !ok {
		return
	}
	s.logger.Info("cancelling request", slog.String("id", string(id)), slog.String("reason", reason))
	cancel()
}

func methodNotFoundError(method string) *JSONRPCError {
	return &JSONRPCError{
		Code:    JSONRPCMethodNotFoundCode,
		Message: errMsgMethodNotFound,
		Data:    map[string]any{"method": method},
	}
}

func toJSONRPCError(method string, err error) *JSONRPCError {
	var jsonErr *JSONRPCError
	if errors.As(err, &jsonErr) {
		return jsonErr
	}
	if errors.Is(err, ErrMethodNotFound) {
		return methodNotFoundError(method)
	}
	return &JSONRPCError{
		Code:    JSONRPCInternalErrorCode,
		Message: errMsgInternalError,
		Data:    map[string]any{"error": err.Error()},
	}
}
