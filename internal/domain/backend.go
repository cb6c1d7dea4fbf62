package domain

import (
	"encoding/json"
	"time"
)

// HandshakeFileName is the well-known file, relative to the worker's working
// directory, where the worker advertises its bound TCP port as decimal text.
const HandshakeFileName = ".state/server_port.txt"

// RPCRequest is the single newline-terminated JSON object written on a fresh
// TCP connection. The socket scopes the exchange; no correlation id is needed.
type RPCRequest struct {
	Command string `json:"command"`
	Payload any    `json:"payload"`
}

// Response statuses the worker is expected (not required) to report.
const (
	StatusCompleted = "completed"
	StatusError     = "error"
)

// RPCResponse is the worker's newline-terminated JSON reply. Status and
// Message are the conventional envelope; Raw preserves the full object so
// callers can pull command-specific fields.
type RPCResponse struct {
	Status  string
	Message string
	Raw     json.RawMessage
}

// UnmarshalJSON decodes the conventional envelope and keeps the raw bytes.
func (r *RPCResponse) UnmarshalJSON(b []byte) error {
	var envelope struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(b, &envelope); err != nil {
		return err
	}
	r.Status = envelope.Status
	r.Message = envelope.Message
	r.Raw = append(json.RawMessage(nil), b...)
	return nil
}

// IsError reports whether the worker flagged this response as failed.
func (r *RPCResponse) IsError() bool {
	return r.Status == StatusError
}

// Field extracts a top-level field from the raw response object.
func (r *RPCResponse) Field(name string) (json.RawMessage, bool) {
	if len(r.Raw) == 0 {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(r.Raw, &fields); err != nil {
		return nil, false
	}
	raw, ok := fields[name]
	return raw, ok
}

// StringField extracts a top-level string field, or "" if absent or not a string.
func (r *RPCResponse) StringField(name string) string {
	raw, ok := r.Field(name)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// BackendStatus is a point-in-time view of the supervised worker, safe to
// hand to callers. The live process handle itself never leaves the supervisor.
type BackendStatus struct {
	Running    bool       `json:"running"`
	PID        int        `json:"pid,omitempty"`
	WorkingDir string     `json:"working_dir,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
}
