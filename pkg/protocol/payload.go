package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"deaddrop/pkg/codec"
)

// Payload is the body of a Message, tagged on the wire by its message_type
// member:
//
//	{"message_type": "command_request", "cmd_name": ..., "cmd_args": ...}
//	{"message_type": "command_response", "cmd_name": ..., "credentials": ...}
//
// Exactly one of Request and Response is set for the known types. A payload
// of any other type decodes with only Type set; its JSON is kept in Raw so it
// can still be recorded.
type Payload struct {
	Type     MessageType
	Request  *CommandRequestPayload
	Response *CommandResponsePayload
	Raw      json.RawMessage
}

type payloadTag struct {
	Type MessageType `json:"message_type" cbor:"message_type"`
}

type requestWire struct {
	Type MessageType `json:"message_type" cbor:"message_type"`
	CommandRequestPayload
}

type responseWire struct {
	Type MessageType `json:"message_type" cbor:"message_type"`
	CommandResponsePayload
}

// wire returns the tagged form of p, or nil for a type with no body.
func (p Payload) wire() (any, error) {
	switch p.Type {
	case MsgCommandRequest:
		if p.Request == nil {
			return nil, fmt.Errorf("%s payload has no request", p.Type)
		}
		return requestWire{Type: p.Type, CommandRequestPayload: *p.Request}, nil
	case MsgCommandResponse:
		if p.Response == nil {
			return nil, fmt.Errorf("%s payload has no response", p.Type)
		}
		return responseWire{Type: p.Type, CommandResponsePayload: *p.Response}, nil
	}
	return nil, nil
}

// MarshalJSON implements json.Marshaler.
func (p Payload) MarshalJSON() ([]byte, error) {
	w, err := p.wire()
	if err != nil {
		return nil, err
	}
	if w != nil {
		return json.Marshal(w)
	}
	if len(p.Raw) > 0 {
		return p.Raw, nil
	}
	if p.Type == "" {
		return nil, fmt.Errorf("payload has no message_type")
	}
	return json.Marshal(payloadTag{Type: p.Type})
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var tag payloadTag
	if err := json.Unmarshal(data, &tag); err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	*p = Payload{Type: tag.Type}
	switch tag.Type {
	case MsgCommandRequest:
		var w requestWire
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("%s payload: %w", tag.Type, err)
		}
		p.Request = &w.CommandRequestPayload
	case MsgCommandResponse:
		var w responseWire
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("%s payload: %w", tag.Type, err)
		}
		p.Response = &w.CommandResponsePayload
	case "":
		return fmt.Errorf("payload has no message_type")
	default:
		p.Raw = append(json.RawMessage(nil), data...)
	}
	return nil
}

// MarshalCBOR implements cbor.Marshaler.
func (p Payload) MarshalCBOR() ([]byte, error) {
	w, err := p.wire()
	if err != nil {
		return nil, err
	}
	if w == nil {
		if p.Type == "" {
			return nil, fmt.Errorf("payload has no message_type")
		}
		w = payloadTag{Type: p.Type}
	}
	return codec.Marshal(w)
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (p *Payload) UnmarshalCBOR(data []byte) error {
	var tag payloadTag
	if err := codec.Unmarshal(data, &tag); err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	*p = Payload{Type: tag.Type}
	switch tag.Type {
	case MsgCommandRequest:
		var w requestWire
		if err := codec.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("%s payload: %w", tag.Type, err)
		}
		p.Request = &w.CommandRequestPayload
	case MsgCommandResponse:
		var w responseWire
		if err := codec.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("%s payload: %w", tag.Type, err)
		}
		p.Response = &w.CommandResponsePayload
	case "":
		return fmt.Errorf("payload has no message_type")
	}
	return nil
}

var (
	_ json.Marshaler   = Payload{}
	_ json.Unmarshaler = (*Payload)(nil)
	_ cbor.Marshaler   = Payload{}
	_ cbor.Unmarshaler = (*Payload)(nil)
)
