package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
)

// ServerTransport provides the server-side communication layer in the MCP protocol.
type ServerTransport interface {
	// Sessions returns an iterator that yields new client sessions as they are initiated.
	// Each yielded Session represents a unique client connection and provides methods for
	// bidirectional communication. The implementation must guarantee that each session ID
	// is unique across all active connections.
	//
	// The implementation should exit the iteration when the Shutdown method is called.
	Sessions() iter.Seq[Session]

	// Shutdown gracefully shuts down the ServerTransport to clean up resources. The implementations should not
	// close all the Session it produce, the caller would already do that when callling this method. The caller
	// is guaranteed to call this method only once.
	Shutdown(ctx context.Context) error
}

// Session represents a bidirectional communication channel between server and client.
type Session interface {
	// ID returns the unique identifier for this session. The implementation must
	// guarantee that session IDs are unique across all active sessions managed.
	ID() string

	// Send transmits a message to the client.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the other party.
	// The implementations should exit the iteration if the session is closed.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop stops the session. Implementations must tolerate Stop being called after the
	// transport already closed the session on its own.
	Stop()
}

// Handler executes the RPC methods the server does not answer itself, such as the browser
// tools. The returned result is marshaled as the JSON-RPC result. Returning ErrMethodNotFound
// or a *JSONRPCError controls the error code reported to the client; any other error is
// reported as an internal error.
type Handler interface {
	Handle(ctx context.Context, req Request) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req Request) (any, error)

// Request is a client request routed to a Handler.
type Request struct {
	// SessionID identifies the transport session the request arrived on.
	SessionID string
	// ID is the JSON-RPC request identifier.
	ID MustString
	// Method is the JSON-RPC method name.
	Method string
	// Params holds the raw request parameters.
	Params json.RawMessage
	// ProgressToken is taken from params._meta.progressToken, empty when the client
	// did not ask for progress notifications.
	ProgressToken MustString
}

var (
	// ErrMethodNotFound is returned by a Handler for methods it does not implement.
	ErrMethodNotFound = errors.New("method not found")

	// ErrSessionNotFound is returned by transports when a message targets an unknown session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed is returned when writing to a session that has been stopped.
	ErrSessionClosed = errors.New("session is closed")

	// ErrNoStream is returned when a session has no open stream to carry an event.
	ErrNoStream = errors.New("no open stream for session")

	// ErrServerRunning is returned when Serve is called on a server that is already serving.
	ErrServerRunning = errors.New("server is already serving")
)

// Handle calls f(ctx, req).
func (f HandlerFunc) Handle(ctx context.Context, req Request) (any, error) {
	return f(ctx, req)
}
