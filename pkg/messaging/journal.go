package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"deaddrop/pkg/protocol"
)

// Recorder is the durable side of the Journal. *store.Store satisfies it.
type Recorder interface {
	InsertMessage(ctx context.Context, m protocol.Message) error
	UpdateProtocolState(ctx context.Context, endpointID string, state json.RawMessage) error
	LogEvent(ctx context.Context, evType, source, taskID, endpointID, payload string) error
}

// Journal wraps a Transport and records what passes through it.
//
// Sent messages are recorded before delivery, so a message id can only ever
// be sent once. Received messages are recorded as they arrive; one whose id
// is already recorded is a redelivery and is dropped.
type Journal struct {
	transport Transport
	rec       Recorder
	log       *slog.Logger
}

// NewJournal returns a Journal over t. A nil logger discards.
func NewJournal(t Transport, rec Recorder, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Journal{transport: t, rec: rec, log: logger}
}

// Send records msg and delivers it to ep. taskID tags journal entries.
func (j *Journal) Send(ctx context.Context, msg protocol.Message, ep protocol.Endpoint, taskID string) (Result, error) {
	if err := j.rec.InsertMessage(ctx, msg); err != nil {
		return Result{}, fmt.Errorf("record outgoing message: %w", err)
	}

	res, err := j.transport.Send(ctx, msg, ep)
	j.afterExchange(ctx, ep, taskID, res)
	if err != nil {
		return res, &protocol.TransportError{Op: "send", EndpointID: ep.ID, Diagnostics: res.Log, Err: err}
	}
	j.event(ctx, protocol.EventMessageSent, taskID, ep.ID, msg.MessageID)
	return res, nil
}

// Receive collects new messages from ep and records each one. The returned
// slice omits redeliveries. hint is passed through to the transport; a
// receive may still yield responses to other requests.
func (j *Journal) Receive(ctx context.Context, ep protocol.Endpoint, hint, taskID string) ([]protocol.Message, Result, error) {
	msgs, res, err := j.transport.Receive(ctx, ep, hint)
	j.afterExchange(ctx, ep, taskID, res)
	if err != nil {
		return nil, res, &protocol.TransportError{Op: "receive", EndpointID: ep.ID, Diagnostics: res.Log, Err: err}
	}

	var out []protocol.Message
	for _, m := range msgs {
		err := j.rec.InsertMessage(ctx, m)
		var dup *protocol.DuplicateKeyError
		if errors.As(err, &dup) {
			j.log.Warn("dropping duplicate message", "message_id", m.MessageID, "endpoint", ep.ID)
			j.event(ctx, protocol.EventDuplicateMessage, taskID, ep.ID, m.MessageID)
			continue
		}
		if err != nil {
			return nil, res, fmt.Errorf("record incoming message %s: %w", m.MessageID, err)
		}
		j.event(ctx, protocol.EventMessageReceived, taskID, ep.ID, m.MessageID)
		out = append(out, m)
	}
	return out, res, nil
}

// Answers reports whether m answers request hint. Every message answers an
// empty hint.
func Answers(m protocol.Message, hint string) bool {
	if hint == "" {
		return true
	}
	r := m.Payload.Response
	return m.Payload.Type == protocol.MsgCommandResponse && r != nil && r.RequestID == hint
}

func (j *Journal) afterExchange(ctx context.Context, ep protocol.Endpoint, taskID string, res Result) {
	if res.Log != "" {
		j.event(ctx, protocol.EventHandlerLog, taskID, ep.ID, res.Log)
	}
	if res.ProtocolState != nil {
		if err := j.rec.UpdateProtocolState(ctx, ep.ID, res.ProtocolState); err != nil {
			j.log.Warn("persist protocol state", "endpoint", ep.ID, "error", err)
		}
	}
}

func (j *Journal) event(ctx context.Context, evType, taskID, endpointID, payload string) {
	if err := j.rec.LogEvent(ctx, evType, "messaging", taskID, endpointID, payload); err != nil {
		j.log.Warn("journal messaging event", "type", evType, "error", err)
	}
}
