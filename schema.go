package mcp

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// MustString is a type that enforces string representation for fields that can be either string or integer
// in the protocol specification, such as request IDs and progress tokens. It handles automatic conversion
// during JSON marshaling/unmarshaling.
type MustString string

// JSONRPCMessage represents a JSON-RPC 2.0 message used for communication in the MCP protocol.
// It can represent either a request, response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs and must be a string or number
	ID MustString `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
// It follows the standard error object format defined in the JSON-RPC 2.0 specification.
//
// A Handler may return a *JSONRPCError to control the code sent to the client.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	// Must use standard JSON-RPC error codes or custom codes outside the reserved range.
	Code int `json:"code"`

	// Message provides a short description of the error.
	// Should be limited to a concise single sentence.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

// Info contains metadata about a server or client instance including its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities represents the capabilities advertised during initialization.
type ServerCapabilities struct {
	Tools        *ToolsCapability   `json:"tools,omitempty"`
	Logging      *LoggingCapability `json:"logging,omitempty"`
	Experimental map[string]any     `json:"experimental,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability represents logging-specific capabilities.
type LoggingCapability struct{}

// ProgressParams represents the progress status of a long-running operation. It is the params
// payload of a "notifications/progress" message.
type ProgressParams struct {
	// ProgressToken uniquely identifies the operation this progress update relates to
	ProgressToken MustString `json:"progressToken"`
	// Progress represents the current progress value, -1 signals a failed operation
	Progress float64 `json:"progress"`
	// Total represents the expected final value when known.
	// When non-zero, completion percentage can be calculated as (Progress/Total)*100
	Total float64 `json:"total,omitempty"`
	// Message is an optional human readable status.
	Message string `json:"message,omitempty"`
	// Metadata carries optional structured details about the update.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ParamsMeta contains optional metadata that can be included with request parameters.
// It is used to enable features like progress tracking for long-running operations.
type ParamsMeta struct {
	// ProgressToken uniquely identifies an operation for progress tracking.
	ProgressToken MustString `json:"progressToken,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      Info   `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type notificationsCancelledParams struct {
	RequestID MustString `json:"requestId"`
	Reason    string     `json:"reason"`
}

type requestMeta struct {
	Meta ParamsMeta `json:"_meta"`
}

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// MethodNotificationsProgress is the method name of progress notifications pushed to clients.
	MethodNotificationsProgress = "notifications/progress"

	protocolVersion = "2024-11-05"

	errMsgInvalidJSON    = "Invalid json"
	errMsgInternalError  = "Internal error"
	errMsgMethodNotFound = "Method not found"

	methodPing       = "ping"
	methodInitialize = "initialize"

	methodNotificationsInitialized = "notifications/initialized"
	methodNotificationsCancelled   = "notifications/cancelled"
)

// Standard JSON-RPC error codes.
const (
	JSONRPCParseErrorCode     = -32700
	JSONRPCInvalidRequestCode = -32600
	JSONRPCMethodNotFoundCode = -32601
	JSONRPCInvalidParamsCode  = -32602
	JSONRPCInternalErrorCode  = -32603
)

// ProgressTokenOf extracts params._meta.progressToken from a request, returning an
// empty MustString when the request carries none.
func ProgressTokenOf(msg JSONRPCMessage) MustString {
	if len(msg.Params) == 0 {
		return ""
	}
	var meta requestMeta
	if err := json.Unmarshal(msg.Params, &meta); err != nil {
		return ""
	}
	return meta.Meta.ProgressToken
}

// IsRequest reports whether the message is a request expecting a response.
func (m JSONRPCMessage) IsRequest() bool {
	return m.Method != "" && m.ID != ""
}

// IsResponse reports whether the message is a response to an earlier request.
func (m JSONRPCMessage) IsResponse() bool {
	return m.Method == "" && m.ID != ""
}

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into MustString,
// handling both string and numeric input formats.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(strconv.Itoa(int(v)))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON representation,
// always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

func (j *JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}
