package proto

// Message types for the session WebSocket protocol.
const (
	// Client → Server
	TypeTerminalWrite  = "terminal:write"  // keystrokes for the attached shell
	TypeTerminalResize = "terminal:resize" // terminal dimensions changed
	TypeFileChange     = "file:change"     // write a file inside the workspace

	// Server → Client
	TypeTerminalData = "terminal:data" // raw shell output
	TypeTerminalExit = "terminal:exit" // attached shell exited
	TypeFileRefresh  = "file:refresh"  // filesystem change under the workspace
	TypeReady        = "ready"         // session provisioned, terminal attached
	TypeError        = "error"
)

// Error codes carried in ErrorMsg.Code.
const (
	CodeProvisioningFailed = "provisioning_failed"
	CodeContainerFailed    = "container_failed"
	CodeTerminalFailed     = "terminal_failed"
	CodePathRejected       = "path_rejected"
	CodeFileNotFound       = "file_not_found"
	CodeFileIO             = "file_io"
	CodeBadRequest         = "bad_request"
)

// Envelope wraps every WebSocket message with a type field for routing.
type Envelope struct {
	Type string `json:"type"`
}

// Ready confirms the session is provisioned and the terminal is streaming.
type Ready struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// ErrorMsg is sent for both fatal provisioning errors and per-operation
// failures; fatal ones are followed by the server closing the connection.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TerminalData carries raw terminal bytes from the container shell.
type TerminalData struct {
	Type string `json:"type"`
	Data string `json:"data"` // base64-encoded
}

// TerminalWrite carries keystrokes from the client.
type TerminalWrite struct {
	Type string `json:"type"`
	Data string `json:"data"` // base64-encoded
}

// TerminalResize tells the bridge to resize the terminal.
type TerminalResize struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// TerminalExit tells the client the shell exited. The server tears the
// session down after sending this even if the connection stays open.
type TerminalExit struct {
	Type     string `json:"type"`
	ExitCode int    `json:"exit_code"`
}

// FileChange writes content to a path relative to the workspace root.
type FileChange struct {
	Type    string `json:"type"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

// FileRefresh notifies the client of a filesystem change in its workspace.
type FileRefresh struct {
	Type  string `json:"type"`
	Event string `json:"event"` // "create", "write", "remove", "rename", "chmod"
	Path  string `json:"path"`  // relative to the workspace root
}
