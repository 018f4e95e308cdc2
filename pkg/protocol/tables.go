package protocol

import "encoding/json"

// User represents a row in the users SQLite table.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	CreatedAt string `json:"created_at"`
}

// Agent represents a row in the agents SQLite table.
// PackagePath is the unpacked package holding agent.json, commands.json and
// protocols.json.
type Agent struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	PackagePath string `json:"package_path"`
}

// Endpoint represents a row in the endpoints SQLite table.
// Protocol selects the messaging transport used to reach the endpoint.
type Endpoint struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Hostname      string          `json:"hostname"`
	Address       string          `json:"address"`
	AgentID       int64           `json:"agent_id"`
	Protocol      string          `json:"protocol"`
	AgentConfig   json.RawMessage `json:"agent_cfg"`
	ProtocolState json.RawMessage `json:"protocol_state,omitempty"`
}

// CredentialRow represents a row in the credentials SQLite table.
type CredentialRow struct {
	CredentialID string `json:"credential_id"`
	SourceID     string `json:"source_id"`
	TaskID       string `json:"task_id"`
	Type         string `json:"credential_type"`
	Value        string `json:"credential_value"`
	Expiry       string `json:"expiry,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// FileRow represents a row in the files SQLite table. Data is decompressed.
type FileRow struct {
	FileID     string `json:"file_id"`
	SourceID   string `json:"source_id"`
	TaskID     string `json:"task_id"`
	RemotePath string `json:"remote_path"`
	Size       int64  `json:"size"`
	Data       []byte `json:"-"`
	CreatedAt  string `json:"created_at"`
}

// Event represents a row in the events SQLite table.
type Event struct {
	ID         int64  `json:"id"`
	Type       string `json:"type"`
	Source     string `json:"source"`
	TaskID     string `json:"task_id"`
	EndpointID string `json:"endpoint_id"`
	Payload    string `json:"payload"`
	CreatedAt  string `json:"created_at"`
}

// Event type constants written to the events table.
const (
	EventTaskScheduled     = "task_scheduled"
	EventTaskStarted       = "task_started"
	EventTaskSucceeded     = "task_succeeded"
	EventTaskFailed        = "task_failed"
	EventTaskRequeued      = "task_requeued"
	EventMessageSent       = "message_sent"
	EventMessageReceived   = "message_received"
	EventDuplicateMessage  = "duplicate_message"
	EventDuplicateArtifact = "duplicate_artifact"
	EventHandlerLog        = "handler_log"
)
