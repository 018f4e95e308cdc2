// Package console is the operator-facing request boundary. It serves the
// form schemas used to build command and agent inputs, and turns operator
// requests into scheduled task units without waiting on them.
package console

import (
	"context"
	"fmt"
	"log/slog"

	"deaddrop/pkg/catalog"
	"deaddrop/pkg/protocol"
	"deaddrop/pkg/schema"
	"deaddrop/pkg/task"
)

// Endpoints resolves endpoint ids. *store.Store satisfies it.
type Endpoints interface {
	GetEndpoint(ctx context.Context, id string) (protocol.Endpoint, error)
}

// Catalog serves package metadata. *catalog.Catalog satisfies it.
type Catalog interface {
	Commands(ctx context.Context, agentID int64) ([]*schema.Node, error)
	AgentMetadata(ctx context.Context, agentID int64) (*schema.Node, error)
}

// Commander schedules operator work. *orchestrator.Orchestrator satisfies it.
type Commander interface {
	Submit(ctx context.Context, req protocol.CommandRequest, user *int64) (string, error)
	RequestMessages(ctx context.Context, endpointID string, user *int64) (string, error)
}

// Tasks reads unit records. *task.Store satisfies it.
type Tasks interface {
	Get(ctx context.Context, id string) (task.Unit, error)
}

// Config holds Console configuration.
type Config struct {
	Settings schema.Settings // Values for settings_val directives.
	Logger   *slog.Logger    // Default discards.
}

// Console answers operator requests.
type Console struct {
	endpoints Endpoints
	catalog   Catalog
	commander Commander
	tasks     Tasks
	settings  schema.Settings
	log       *slog.Logger
}

// New returns a Console.
func New(cfg Config, endpoints Endpoints, cat Catalog, commander Commander, tasks Tasks) *Console {
	if cfg.Settings == nil {
		cfg.Settings = schema.MapSettings{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Console{
		endpoints: endpoints,
		catalog:   cat,
		commander: commander,
		tasks:     tasks,
		settings:  cfg.Settings,
		log:       cfg.Logger,
	}
}

// CommandForms returns every command of the endpoint's agent, transformed
// for form rendering. Forms are only served with an endpoint in mind, even
// though endpoints of one agent share them.
func (c *Console) CommandForms(ctx context.Context, endpointID string) ([]*schema.Node, error) {
	ep, err := c.endpoints.GetEndpoint(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	cmds, err := c.catalog.Commands(ctx, ep.AgentID)
	if err != nil {
		return nil, err
	}
	forms, err := schema.NewTransformer(c.settings).TransformAll(cmds)
	if err != nil {
		return nil, fmt.Errorf("command forms for endpoint %s: %w", endpointID, err)
	}
	return forms, nil
}

// CommandForm returns one transformed command. A name the agent does not
// define yields *protocol.UnknownCommandError.
func (c *Console) CommandForm(ctx context.Context, endpointID, name string) (*schema.Node, error) {
	ep, err := c.endpoints.GetEndpoint(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	cmds, err := c.catalog.Commands(ctx, ep.AgentID)
	if err != nil {
		return nil, err
	}
	for _, cmd := range cmds {
		if v, _ := cmd.Get(catalog.KeyName); v == name {
			form, err := schema.NewTransformer(c.settings).Transform(cmd)
			if err != nil {
				return nil, fmt.Errorf("command form %s: %w", name, err)
			}
			return form, nil
		}
	}
	return nil, &protocol.UnknownCommandError{AgentID: ep.AgentID, CmdName: name}
}

// AgentForm returns the agent's metadata with its protocol metadata attached,
// transformed for building a new endpoint's configuration.
func (c *Console) AgentForm(ctx context.Context, agentID int64) (*schema.Node, error) {
	meta, err := c.catalog.AgentMetadata(ctx, agentID)
	if err != nil {
		return nil, err
	}
	form, err := schema.NewTransformer(c.settings).Transform(meta)
	if err != nil {
		return nil, fmt.Errorf("agent form %d: %w", agentID, err)
	}
	return form, nil
}

// RawCommands returns the agent's commands untransformed, for display.
func (c *Console) RawCommands(ctx context.Context, agentID int64) ([]*schema.Node, error) {
	return c.catalog.Commands(ctx, agentID)
}

// Execute validates a command and schedules it, returning the dispatch unit
// id.
func (c *Console) Execute(ctx context.Context, endpointID, name string, args map[string]any, user *int64) (string, error) {
	id, err := c.commander.Submit(ctx, protocol.CommandRequest{EndpointID: endpointID, CmdName: name, CmdArgs: args}, user)
	if err != nil {
		return "", err
	}
	c.log.Info("command scheduled", "task_id", id, "endpoint", endpointID, "command", name)
	return id, nil
}

// FetchMessages schedules a receive for the endpoint, returning the unit id.
func (c *Console) FetchMessages(ctx context.Context, endpointID string, user *int64) (string, error) {
	id, err := c.commander.RequestMessages(ctx, endpointID, user)
	if err != nil {
		return "", err
	}
	c.log.Info("receive scheduled", "task_id", id, "endpoint", endpointID)
	return id, nil
}

// Task returns a unit's record.
func (c *Console) Task(ctx context.Context, id string) (task.Unit, error) {
	return c.tasks.Get(ctx, id)
}
