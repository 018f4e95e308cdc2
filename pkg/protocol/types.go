package protocol

import (
	"time"

	"github.com/google/uuid"
)

// MessageType identifies which payload a Message carries.
type MessageType string

// Message type constants.
const (
	MsgCommandRequest  MessageType = "command_request"
	MsgCommandResponse MessageType = "command_response"
)

// Message is the envelope exchanged between the server and endpoints.
// A Message has exactly one destination and at most one source; an empty
// Source means the message originated at the server. Signing is the
// transport's concern, so messages built here never carry a Signature.
type Message struct {
	MessageID   string    `json:"message_id" cbor:"message_id"`
	UserID      *int64    `json:"user_id,omitempty" cbor:"user_id,omitempty"`
	Source      string    `json:"source_id,omitempty" cbor:"source_id,omitempty"`
	Destination string    `json:"destination_id" cbor:"destination_id"`
	Timestamp   time.Time `json:"timestamp" cbor:"timestamp"`
	Payload     Payload   `json:"payload" cbor:"payload"`
	Signature   []byte    `json:"digest,omitempty" cbor:"digest,omitempty"`
}

// FromServer reports whether the message has no endpoint source.
func (m Message) FromServer() bool {
	return m.Source == ""
}

// CommandRequestPayload asks an endpoint to run a command.
type CommandRequestPayload struct {
	CmdName string         `json:"cmd_name" cbor:"cmd_name"`
	CmdArgs map[string]any `json:"cmd_args" cbor:"cmd_args"`
}

// CommandResponsePayload carries the result of a command and anything the
// endpoint collected while running it.
type CommandResponsePayload struct {
	RequestID   string         `json:"request_id,omitempty" cbor:"request_id,omitempty"`
	CmdName     string         `json:"cmd_name" cbor:"cmd_name"`
	Result      map[string]any `json:"result,omitempty" cbor:"result,omitempty"`
	Credentials []Credential   `json:"credentials,omitempty" cbor:"credentials,omitempty"`
	Files       []File         `json:"files,omitempty" cbor:"files,omitempty"`
}

// Credential is a credential reported by an endpoint. CredentialID is minted
// by the agent and is the only deduplication key.
type Credential struct {
	CredentialID string     `json:"credential_id" cbor:"credential_id"`
	Type         string     `json:"credential_type" cbor:"credential_type"`
	Value        string     `json:"value" cbor:"value"`
	Expiry       *time.Time `json:"expiry,omitempty" cbor:"expiry,omitempty"`
}

// File is a file reported by an endpoint. FileID is minted by the agent and
// is the only deduplication key.
type File struct {
	FileID     string `json:"file_id" cbor:"file_id"`
	RemotePath string `json:"remote_path,omitempty" cbor:"remote_path,omitempty"`
	Data       []byte `json:"file_data" cbor:"file_data"`
}

// CommandRequest is an operator's request to run a command on an endpoint.
type CommandRequest struct {
	EndpointID string         `json:"endpoint_id"`
	CmdName    string         `json:"cmd_name"`
	CmdArgs    map[string]any `json:"cmd_args"`
}

// NewCommandRequestMessage builds an unsigned, server-originated request
// message with a fresh id and the current time.
func NewCommandRequestMessage(req CommandRequest, userID *int64) Message {
	args := req.CmdArgs
	if args == nil {
		args = map[string]any{}
	}
	return Message{
		MessageID:   uuid.New().String(),
		UserID:      userID,
		Destination: req.EndpointID,
		Timestamp:   time.Now().UTC(),
		Payload: Payload{
			Type:    MsgCommandRequest,
			Request: &CommandRequestPayload{CmdName: req.CmdName, CmdArgs: args},
		},
	}
}
