// Package orchestrator runs operator commands as two chained task units.
//
// A dispatch unit sends the command request to its endpoint and, once the
// send succeeds, schedules a receive unit for the same endpoint. The receive
// unit collects whatever the endpoint has produced and ingests the
// credentials and files carried by its responses.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"deaddrop/pkg/catalog"
	"deaddrop/pkg/messaging"
	"deaddrop/pkg/protocol"
	"deaddrop/pkg/store"
	"deaddrop/pkg/task"
	"deaddrop/pkg/validate"
)

// Task names registered on the queue.
const (
	TaskDispatch = "dispatch"
	TaskReceive  = "receive"
)

// Store is the durable state the orchestrator reads and writes. *store.Store
// satisfies it.
type Store interface {
	GetEndpoint(ctx context.Context, id string) (protocol.Endpoint, error)
	InsertCredential(ctx context.Context, c protocol.Credential, origin store.ArtifactOrigin) error
	InsertFile(ctx context.Context, f protocol.File, origin store.ArtifactOrigin) error
	LogEvent(ctx context.Context, evType, source, taskID, endpointID, payload string) error
}

// Catalog resolves command definitions. *catalog.Catalog satisfies it.
type Catalog interface {
	Lookup(ctx context.Context, agentID int64, cmdName string) (catalog.CommandDefinition, error)
}

// Attributor stamps a unit with the user who initiated it. *task.Store
// satisfies it.
type Attributor interface {
	AttributeUser(ctx context.Context, id string, userID int64) error
}

// Queue is the task substrate: *task.Queue satisfies it.
type Queue interface {
	task.Scheduler
	Register(name string, h task.Handler)
}

// DispatchArgs are the arguments of a dispatch unit.
type DispatchArgs struct {
	Request protocol.CommandRequest `json:"request"`
	UserID  *int64                  `json:"user_id,omitempty"`
}

// ReceiveArgs are the arguments of a receive unit. Hint is the id of the
// request whose responses are awaited; empty for a plain poll.
type ReceiveArgs struct {
	EndpointID string `json:"endpoint_id"`
	Hint       string `json:"hint,omitempty"`
	UserID     *int64 `json:"user_id,omitempty"`
}

// DispatchResult is the result of a successful dispatch unit.
type DispatchResult struct {
	MessageID     string `json:"message_id"`
	ReceiveTaskID string `json:"receive_task_id"`
	Log           string `json:"log"`
}

// ReceiveResult is the result of a successful receive unit.
type ReceiveResult struct {
	Messages []protocol.Message `json:"messages"`
	Answered bool               `json:"answered"`
	Log      string             `json:"log,omitempty"`
}

// Orchestrator validates and schedules commands and implements the dispatch
// and receive task handlers.
type Orchestrator struct {
	queue   Queue
	units   Attributor
	store   Store
	catalog Catalog
	journal *messaging.Journal
	log     *slog.Logger
}

// New returns an Orchestrator and registers its handlers on q. A nil logger
// discards.
func New(q Queue, units Attributor, st Store, cat Catalog, j *messaging.Journal, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	o := &Orchestrator{queue: q, units: units, store: st, catalog: cat, journal: j, log: logger}
	q.Register(TaskDispatch, o.dispatch)
	q.Register(TaskReceive, o.receive)
	return o
}

// Submit validates req against the raw argument schema of its command and
// schedules a dispatch unit, returning the unit id. Nothing is scheduled when
// the endpoint, command or arguments are rejected. The unit is attributed to
// user only when it runs and the user resolves.
func (o *Orchestrator) Submit(ctx context.Context, req protocol.CommandRequest, user *int64) (string, error) {
	ep, err := o.store.GetEndpoint(ctx, req.EndpointID)
	if err != nil {
		return "", err
	}
	def, err := o.catalog.Lookup(ctx, ep.AgentID, req.CmdName)
	if err != nil {
		return "", err
	}
	if req.CmdArgs == nil {
		req.CmdArgs = map[string]any{}
	}
	if err := validate.Validate(def, req.CmdArgs); err != nil {
		return "", err
	}
	return o.queue.Schedule(ctx, TaskDispatch, DispatchArgs{Request: req, UserID: user}, nil)
}

// RequestMessages schedules a receive unit for endpointID with no
// correlation hint.
func (o *Orchestrator) RequestMessages(ctx context.Context, endpointID string, user *int64) (string, error) {
	if _, err := o.store.GetEndpoint(ctx, endpointID); err != nil {
		return "", err
	}
	return o.queue.Schedule(ctx, TaskReceive, ReceiveArgs{EndpointID: endpointID, UserID: user}, nil)
}

func (o *Orchestrator) attribute(ctx context.Context, unitID string, user *int64) error {
	if user == nil {
		return nil
	}
	return o.units.AttributeUser(ctx, unitID, *user)
}

func (o *Orchestrator) dispatch(ctx context.Context, u task.Unit) (any, error) {
	var args DispatchArgs
	if err := u.DecodeArgs(&args); err != nil {
		return nil, err
	}
	if err := o.attribute(ctx, u.ID, args.UserID); err != nil {
		return nil, err
	}
	ep, err := o.store.GetEndpoint(ctx, args.Request.EndpointID)
	if err != nil {
		return nil, err
	}

	msg := protocol.NewCommandRequestMessage(args.Request, args.UserID)
	res, err := o.journal.Send(ctx, msg, ep, u.ID)
	if err != nil {
		return nil, err
	}

	receiveID, err := o.queue.Schedule(ctx, TaskReceive,
		ReceiveArgs{EndpointID: ep.ID, Hint: msg.MessageID, UserID: args.UserID}, nil)
	if err != nil {
		o.log.Error("schedule receive", "task_id", u.ID, "message_id", msg.MessageID, "error", err)
		return nil, fmt.Errorf("schedule receive for message %s: %w", msg.MessageID, err)
	}
	o.log.Info("command sent", "task_id", u.ID, "endpoint", ep.ID, "command", args.Request.CmdName,
		"message_id", msg.MessageID, "receive_task_id", receiveID)
	return DispatchResult{MessageID: msg.MessageID, ReceiveTaskID: receiveID, Log: res.Log}, nil
}

func (o *Orchestrator) receive(ctx context.Context, u task.Unit) (any, error) {
	var args ReceiveArgs
	if err := u.DecodeArgs(&args); err != nil {
		return nil, err
	}
	if err := o.attribute(ctx, u.ID, args.UserID); err != nil {
		return nil, err
	}
	ep, err := o.store.GetEndpoint(ctx, args.EndpointID)
	if err != nil {
		return nil, err
	}

	msgs, res, err := o.journal.Receive(ctx, ep, args.Hint, u.ID)
	if err != nil {
		return nil, err
	}

	out := ReceiveResult{Messages: make([]protocol.Message, 0, len(msgs)), Log: res.Log}
	var errs []error
	for _, m := range msgs {
		errs = append(errs, o.ingest(ctx, u.ID, ep.ID, m)...)
		out.Messages = append(out.Messages, m)
		if args.Hint != "" && messaging.Answers(m, args.Hint) {
			out.Answered = true
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if args.Hint == "" {
		out.Answered = len(msgs) > 0
	} else if !out.Answered {
		o.log.Debug("no response yet", "task_id", u.ID, "endpoint", ep.ID, "request_id", args.Hint)
	}
	return out, nil
}

// ingest stores the artifacts of a response. Each artifact is inserted on its
// own; a duplicate id is skipped and journaled, any other failure is
// returned without stopping the remaining artifacts.
func (o *Orchestrator) ingest(ctx context.Context, taskID, endpointID string, m protocol.Message) []error {
	r := m.Payload.Response
	if r == nil {
		return nil
	}
	if m.Source != "" && m.Source != endpointID {
		o.log.Warn("response claims another source", "message_id", m.MessageID, "endpoint", endpointID, "source_id", m.Source)
	}
	origin := store.ArtifactOrigin{TaskID: taskID, SourceID: endpointID}

	var errs []error
	for _, f := range r.Files {
		if err := o.keep(ctx, o.store.InsertFile(ctx, f, origin), "file", f.FileID, taskID, endpointID); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range r.Credentials {
		if err := o.keep(ctx, o.store.InsertCredential(ctx, c, origin), "credential", c.CredentialID, taskID, endpointID); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (o *Orchestrator) keep(ctx context.Context, err error, kind, id, taskID, endpointID string) error {
	var dup *protocol.DuplicateKeyError
	if errors.As(err, &dup) {
		o.log.Warn("skipping duplicate artifact", "kind", kind, "id", id, "task_id", taskID, "endpoint", endpointID)
		if lerr := o.store.LogEvent(ctx, protocol.EventDuplicateArtifact, "orchestrator", taskID, endpointID, kind+" "+id); lerr != nil {
			o.log.Warn("journal duplicate artifact", "error", lerr)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("ingest %s %s: %w", kind, id, err)
	}
	return nil
}
