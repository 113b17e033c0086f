package gateway

import "github.com/coder/websocket"

// Application close codes. Standard statuses cover normal close (1000),
// going away (1001) and timeout (1008, StatusPolicyViolation); the 4xxx
// codes below are terminal for the client.
const (
	// StatusSessionNotFound means the session id does not resolve. The
	// client must not reconnect.
	StatusSessionNotFound websocket.StatusCode = 4000
	// StatusServerError covers internal failures (credential decryption,
	// sandbox startup). Server-class, not retryable.
	StatusServerError websocket.StatusCode = 4500
	// StatusAuthFailed means the presented token did not validate.
	StatusAuthFailed websocket.StatusCode = 4501
)

// Frame types.
const (
	TypeCommand       = "command"
	TypeResize        = "resize"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeConnected     = "connected"
	TypeCommandResult = "command_result"
	TypeOutput        = "output"
	TypeError         = "error"
)

// Error frame codes.
const (
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeBusy            = "BUSY"
	CodeBadFrame        = "BAD_FRAME"
	CodeExecError       = "EXEC_ERROR"
)

// ClientFrame is any inbound JSON frame; Type selects which fields matter.
type ClientFrame struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
	Cols    uint16 `json:"cols,omitempty"`
	Rows    uint16 `json:"rows,omitempty"`
}

// ServerFrame is any outbound JSON frame.
type ServerFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message,omitempty"`
	Code      string `json:"code,omitempty"`
	Data      string `json:"data,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	TimedOut  bool   `json:"timed_out,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}
