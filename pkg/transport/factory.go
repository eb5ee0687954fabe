package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	mcp "github.com/MegaGrindStone/browser-mcp"
	"github.com/MegaGrindStone/browser-mcp/pkg/progress"
	"github.com/MegaGrindStone/browser-mcp/pkg/session"
)

// Factory binds one mcp.Server to the transport selected by its Config. A Factory serves at
// most one server at a time; after StopServer it can start again.
type Factory struct {
	cfg        Config
	logger     *slog.Logger
	baseLogger *slog.Logger

	sessions     *session.Manager
	notifier     *progress.Notifier
	ownsSessions bool
	ownsNotifier bool

	stdin  io.Reader
	stdout io.Writer

	owners *tokenOwners

	unsubscribeSessions func()
	sweepCancel         context.CancelFunc

	mu         sync.Mutex
	rpc        *mcp.Server
	httpServer *http.Server
	listener   net.Listener
	handler    http.Handler
	sse        *mcp.SSEServer
	stream     *mcp.StreamableServer
	callbacks  Callbacks
	bindings   map[string]*binding
	serveDone  chan struct{}
}

// Option configures a Factory.
type Option func(*Factory)

// Callbacks let the embedding application observe connections. Every field is optional.
type Callbacks struct {
	// OnConnect is called when a client session is bound to the transport.
	OnConnect func(sessionID string)
	// OnDisconnect is called when the binding of a client session is released.
	OnDisconnect func(sessionID string)
	// OnError is called for transport failures that cannot be reported to a client.
	OnError func(err error)
}

var (
	// ErrServerRunning is returned when starting a factory that is already serving.
	ErrServerRunning = errors.New("transport server is already running")

	// ErrWrongTransport is returned when a start method does not match the configured type.
	ErrWrongTransport = errors.New("start method does not match the configured transport")
)

const (
	// StdioClientID is the client ID of the single stdio session.
	StdioClientID = "stdio-client"

	progressSendTimeout = 10 * time.Second
	readHeaderTimeout   = 10 * time.Second
)

// New validates cfg and creates a Factory. Without WithSessionManager or WithProgressNotifier
// the factory creates and owns its own instances, configured from cfg, and releases them in
// Cleanup.
func New(cfg Config, options ...Option) (*Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	f := &Factory{
		cfg:        cfg,
		logger:     slog.Default(),
		baseLogger: slog.Default(),
		stdin:      os.Stdin,
		stdout:     os.Stdout,
		owners:     newTokenOwners(),
		bindings:   make(map[string]*binding),
	}
	for _, opt := range options {
		opt(f)
	}

	if f.sessions == nil {
		f.sessions = session.NewManager(
			session.WithTimeout(cfg.SessionTimeout),
			session.WithAutoSync(cfg.EnableAutoSync),
			session.WithLogger(f.baseLogger),
		)
		f.ownsSessions = true

		ctx, cancel := context.WithCancel(context.Background())
		f.sweepCancel = cancel
		go f.sessions.Start(ctx)
	}
	if f.notifier == nil {
		f.notifier = progress.NewNotifier(progress.WithLogger(f.baseLogger))
		f.ownsNotifier = true
	}

	f.unsubscribeSessions = f.sessions.Subscribe(f.onSessionEvent)

	return f, nil
}

// WithSessionManager makes the factory use m instead of creating its own. The caller keeps
// ownership: it runs the sweep with m.Start and closes m.
func WithSessionManager(m *session.Manager) Option {
	return func(f *Factory) {
		f.sessions = m
	}
}

// WithProgressNotifier makes the factory relay progress from n instead of its own notifier.
func WithProgressNotifier(n *progress.Notifier) Option {
	return func(f *Factory) {
		f.notifier = n
	}
}

// WithLogger sets the logger for the factory and the components it owns.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Factory) {
		f.baseLogger = logger
		f.logger = logger.With(
			slog.String("package", "browser-mcp"),
			slog.String("component", "transport"),
		)
	}
}

// WithStdio replaces the process standard input and output used by the stdio transport.
func WithStdio(r io.Reader, w io.Writer) Option {
	return func(f *Factory) {
		f.stdin = r
		f.stdout = w
	}
}

// Config returns the factory configuration.
func (f *Factory) Config() Config {
	return f.cfg
}

// Sessions returns the session manager used by the factory.
func (f *Factory) Sessions() *session.Manager {
	return f.sessions
}

// Progress returns the progress notifier relayed by the factory.
func (f *Factory) Progress() *progress.Notifier {
	return f.notifier
}

// CreateTransport connects srv to the stdio transport with a single session for
// StdioClientID, and serves it in the background until StopServer is called or the input
// ends. It returns the session ID.
func (f *Factory) CreateTransport(srv *mcp.Server) (string, error) {
	if f.cfg.Type != TypeStdio {
		return "", fmt.Errorf("%w: configured for %s", ErrWrongTransport, f.cfg.Type)
	}

	// The session is created before taking f.mu: an eviction emits events that the factory
	// itself listens to.
	sess := f.sessions.CreateSession(StdioClientID, map[string]any{"transport": string(TypeStdio)})

	f.mu.Lock()
	if f.rpc != nil {
		f.mu.Unlock()
		f.sessions.DestroySession(sess.ID)
		return "", ErrServerRunning
	}

	stdio := mcp.NewStdIO(f.stdin, f.stdout, sess.ID, mcp.WithStdIOLogger(f.baseLogger))
	f.startRPCLocked(srv, stdio, f.callbacks)
	cb := f.callbacks
	done := f.serveDone
	f.mu.Unlock()

	f.logger.Info("stdio transport connected", slog.String("sessionID", sess.ID))

	if cb.OnConnect != nil {
		cb.OnConnect(sess.ID)
	}
	if cb.OnDisconnect != nil {
		go func() {
			<-done
			cb.OnDisconnect(sess.ID)
		}()
	}

	return sess.ID, nil
}

// StartSSEServer serves srv over Server-Sent Events. It returns once the listener is bound;
// a bind failure is returned and reported to cb.OnError.
func (f *Factory) StartSSEServer(srv *mcp.Server, cb Callbacks) error {
	if f.cfg.Type != TypeSSE {
		return fmt.Errorf("%w: configured for %s", ErrWrongTransport, f.cfg.Type)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.rpc != nil {
		return ErrServerRunning
	}

	f.sse = mcp.NewSSEServer(f.cfg.basePath()+"/message", mcp.WithSSEServerLogger(f.baseLogger))
	return f.listenLocked(srv, f.sse, f.sseHandler(), cb)
}

// StartHTTPStreamServer serves srv over the streamable HTTP transport. It returns once the
// listener is bound; a bind failure is returned and reported to cb.OnError.
func (f *Factory) StartHTTPStreamServer(srv *mcp.Server, cb Callbacks) error {
	if f.cfg.Type != TypeHTTPStream {
		return fmt.Errorf("%w: configured for %s", ErrWrongTransport, f.cfg.Type)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.rpc != nil {
		return ErrServerRunning
	}

	f.stream = mcp.NewStreamableServer(mcp.WithStreamableServerLogger(f.baseLogger))
	return f.listenLocked(srv, f.stream, f.streamHandler(), cb)
}

// Start starts the transport selected by the configuration.
func (f *Factory) Start(srv *mcp.Server, cb Callbacks) error {
	switch f.cfg.Type {
	case TypeSSE:
		return f.StartSSEServer(srv, cb)
	case TypeHTTPStream:
		return f.StartHTTPStreamServer(srv, cb)
	case TypeStdio:
	}
	f.mu.Lock()
	f.callbacks = cb
	f.mu.Unlock()
	_, err := f.CreateTransport(srv)
	return err
}

// Addr returns the address of the HTTP listener, empty when none is bound.
func (f *Factory) Addr() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.listener == nil {
		return ""
	}
	return f.listener.Addr().String()
}

// Handler returns the HTTP handler of the running network transport, nil otherwise. It can be
// mounted in another server instead of the factory's own listener.
func (f *Factory) Handler() http.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.handler
}

// Done returns a channel that is closed when the RPC server stops serving, nil when nothing
// was started.
func (f *Factory) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.serveDone
}

// StopServer shuts down the RPC server, then the HTTP listener. Sessions stay in the
// session manager.
func (f *Factory) StopServer(ctx context.Context) error {
	f.mu.Lock()
	rpc := f.rpc
	httpServer := f.httpServer
	serveDone := f.serveDone
	f.mu.Unlock()

	if rpc == nil {
		return nil
	}

	var errs []error
	if err := rpc.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown rpc server: %w", err))
	}
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown http server: %w", err))
		}
	}

	select {
	case <-serveDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("failed to wait for rpc server: %w", ctx.Err()))
	}

	f.mu.Lock()
	bindings := make([]*binding, 0, len(f.bindings))
	for _, b := range f.bindings {
		bindings = append(bindings, b)
	}
	f.rpc = nil
	f.httpServer = nil
	f.listener = nil
	f.handler = nil
	f.sse = nil
	f.stream = nil
	f.mu.Unlock()

	for _, b := range bindings {
		f.release(b)
	}

	f.logger.Info("transport stopped", slog.String("type", string(f.cfg.Type)))
	return errors.Join(errs...)
}

// Cleanup stops the server and releases every resource held by the factory, including the
// session manager and progress notifier it owns.
func (f *Factory) Cleanup(ctx context.Context) error {
	err := f.StopServer(ctx)

	f.unsubscribeSessions()
	f.owners.clear()

	if f.ownsSessions {
		f.sweepCancel()
		f.sessions.Close()
	}
	if f.ownsNotifier {
		f.notifier.Cleanup()
	}
	return err
}

func (f *Factory) listenLocked(srv *mcp.Server, transport mcp.ServerTransport, handler http.Handler, cb Callbacks) error {
	addr := net.JoinHostPort(f.cfg.Host, strconv.Itoa(f.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		err = fmt.Errorf("failed to listen on %s: %w", addr, err)
		if cb.OnError != nil {
			cb.OnError(err)
		}
		f.sse = nil
		f.stream = nil
		return err
	}

	f.listener = ln
	f.handler = handler
	f.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	f.startRPCLocked(srv, transport, cb)

	httpServer := f.httpServer
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.reportError(fmt.Errorf("failed to serve http: %w", err))
		}
	}()

	f.logger.Info("transport listening",
		slog.String("type", string(f.cfg.Type)),
		slog.String("addr", ln.Addr().String()),
		slog.String("path", f.cfg.Path))
	return nil
}

func (f *Factory) startRPCLocked(srv *mcp.Server, transport mcp.ServerTransport, cb Callbacks) {
	f.rpc = srv
	f.callbacks = cb
	done := make(chan struct{})
	f.serveDone = done

	go func() {
		defer close(done)
		if err := srv.Serve(trackedTransport{ServerTransport: transport, factory: f}); err != nil {
			f.reportError(fmt.Errorf("failed to serve rpc: %w", err))
		}
	}()
}

func (f *Factory) onSessionEvent(ev session.Event) {
	switch ev.Type {
	case session.EventDestroyed, session.EventExpired:
	default:
		return
	}

	f.mu.Lock()
	sse := f.sse
	stream := f.stream
	b := f.bindings[ev.SessionID]
	f.mu.Unlock()

	if sse != nil {
		sse.CloseSession(ev.SessionID)
	}
	if stream != nil {
		stream.CloseSession(ev.SessionID)
	}
	if b != nil {
		f.release(b)
	}
	f.owners.dropSession(ev.SessionID)
}

func (f *Factory) reportError(err error) {
	f.logger.Error("transport error", slog.String("err", err.Error()))

	f.mu.Lock()
	onError := f.callbacks.OnError
	f.mu.Unlock()

	if onError != nil {
		onError(err)
	}
}

// trackedTransport records activity and progress-token ownership for every message the RPC
// server reads.
type trackedTransport struct {
	mcp.ServerTransport
	factory *Factory
}

type trackedSession struct {
	mcp.Session
	factory *Factory
}

func (t trackedTransport) Sessions() iter.Seq[mcp.Session] {
	return func(yield func(mcp.Session) bool) {
		for sess := range t.ServerTransport.Sessions() {
			if !yield(trackedSession{Session: sess, factory: t.factory}) {
				return
			}
		}
	}
}

func (s trackedSession) Messages() iter.Seq[mcp.JSONRPCMessage] {
	return func(yield func(mcp.JSONRPCMessage) bool) {
		for msg := range s.Session.Messages() {
			id := s.ID()
			if !s.factory.sessions.Touch(id) {
				s.factory.logger.Debug("message for unknown session", slog.String("sessionID", id))
			}
			if msg.IsRequest() {
				if token := mcp.ProgressTokenOf(msg); token != "" {
					s.factory.owners.claim(progress.Token(token), id)
				}
			}
			if !yield(msg) {
				return
			}
		}
	}
}
