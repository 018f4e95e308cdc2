package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/tidwall/gjson"

	"deaddrop/pkg/protocol"
)

// Files exchanged with an agent package's messaging handler.
const (
	MessageConfigFile = "message_config.json"
	MessageInputFile  = "message.json"
	MessageOutputFile = "messages.json"
	MessageLogFile    = "message-logs.txt"
	ProtocolStateFile = "protocol_state.json"
)

// AgentSource resolves an endpoint's agent package. *store.Store satisfies it.
type AgentSource interface {
	GetAgent(ctx context.Context, id int64) (protocol.Agent, error)
}

// PackageConfig holds PackageTransport configuration.
type PackageConfig struct {
	Command          []string     // Handler command run in the package copy (default: make message_entry).
	TempDir          string       // Parent of per-exchange working directories (default os.TempDir()).
	ServerPrivateKey string       // Handed to the handler on send only.
	Logger           *slog.Logger // Default discards.
}

func (c *PackageConfig) withDefaults() PackageConfig {
	out := *c
	if len(out.Command) == 0 {
		out.Command = []string{"make", "message_entry"}
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.DiscardHandler)
	}
	return out
}

// PackageTransport runs the messaging handler bundled with the endpoint's
// agent package. Each exchange copies the package to a fresh directory,
// writes message_config.json (and message.json when sending), runs the
// handler, and reads back message-logs.txt, messages.json and
// protocol_state.json.
type PackageTransport struct {
	cfg    PackageConfig
	agents AgentSource
}

// NewPackageTransport returns a PackageTransport resolving packages through
// agents.
func NewPackageTransport(cfg PackageConfig, agents AgentSource) *PackageTransport {
	return &PackageTransport{cfg: cfg.withDefaults(), agents: agents}
}

type messageConfig struct {
	AgentConfig    json.RawMessage `json:"agent_config"`
	ProtocolConfig json.RawMessage `json:"protocol_config"`
	ProtocolState  json.RawMessage `json:"protocol_state"`
	Endpoint       endpointData    `json:"endpoint_model_data"`
	Server         serverData      `json:"server_config"`
}

type endpointData struct {
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
	Address  string `json:"address"`
}

type serverData struct {
	Action            string  `json:"action"`
	ListenForID       *string `json:"listen_for_id"`
	ServerPrivateKey  *string `json:"server_private_key"`
	PreferredProtocol *string `json:"preferred_protocol"`
}

// Send implements Transport.
func (p *PackageTransport) Send(ctx context.Context, msg protocol.Message, ep protocol.Endpoint) (Result, error) {
	dir, err := p.prepare(ctx, ep, "send", "")
	if err != nil {
		return Result{}, err
	}
	defer p.cleanup(dir)

	body, err := json.Marshal(msg)
	if err != nil {
		return Result{}, fmt.Errorf("encode %s: %w", MessageInputFile, err)
	}
	if err := os.WriteFile(filepath.Join(dir, MessageInputFile), body, 0o600); err != nil {
		return Result{}, fmt.Errorf("write %s: %w", MessageInputFile, err)
	}

	return p.run(ctx, dir)
}

// Receive implements Transport. A missing messages.json is an error; a
// handler with nothing to report writes an empty list.
func (p *PackageTransport) Receive(ctx context.Context, ep protocol.Endpoint, hint string) ([]protocol.Message, Result, error) {
	dir, err := p.prepare(ctx, ep, "receive", hint)
	if err != nil {
		return nil, Result{}, err
	}
	defer p.cleanup(dir)

	res, err := p.run(ctx, dir)
	if err != nil {
		return nil, res, err
	}

	data, err := os.ReadFile(filepath.Join(dir, MessageOutputFile))
	if err != nil {
		return nil, res, fmt.Errorf("missing %s from handler output: %w", MessageOutputFile, err)
	}
	var msgs []protocol.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, res, fmt.Errorf("decode %s: %w", MessageOutputFile, err)
	}
	return msgs, res, nil
}

func (p *PackageTransport) prepare(ctx context.Context, ep protocol.Endpoint, action, hint string) (string, error) {
	agent, err := p.agents.GetAgent(ctx, ep.AgentID)
	if err != nil {
		return "", err
	}

	dir, err := os.MkdirTemp(p.cfg.TempDir, "deaddrop-msg-")
	if err != nil {
		return "", fmt.Errorf("create messaging directory: %w", err)
	}
	if err := os.CopyFS(dir, os.DirFS(agent.PackagePath)); err != nil {
		p.cleanup(dir)
		return "", fmt.Errorf("copy package %s: %w", agent.PackagePath, err)
	}
	if filepath.Base(p.cfg.Command[0]) == "make" {
		if _, err := os.Stat(filepath.Join(dir, "Makefile")); err != nil {
			p.cleanup(dir)
			return "", fmt.Errorf("package %s has no Makefile", agent.PackagePath)
		}
	}
	p.cfg.Logger.Debug("messaging directory ready", "dir", dir, "endpoint", ep.ID, "action", action)

	cfg := messageConfig{
		AgentConfig:    rawField(ep.AgentConfig, "agent_config"),
		ProtocolConfig: rawField(ep.AgentConfig, "protocol_config"),
		ProtocolState:  ep.ProtocolState,
		Endpoint:       endpointData{Name: ep.Name, Hostname: ep.Hostname, Address: ep.Address},
		Server:         serverData{Action: action},
	}
	if cfg.ProtocolState == nil {
		cfg.ProtocolState = json.RawMessage("null")
	}
	if hint != "" {
		cfg.Server.ListenForID = &hint
	}
	if action == "send" && p.cfg.ServerPrivateKey != "" {
		key := p.cfg.ServerPrivateKey
		cfg.Server.ServerPrivateKey = &key
	}
	body, err := json.Marshal(cfg)
	if err != nil {
		p.cleanup(dir)
		return "", fmt.Errorf("encode %s: %w", MessageConfigFile, err)
	}
	if err := os.WriteFile(filepath.Join(dir, MessageConfigFile), body, 0o600); err != nil {
		p.cleanup(dir)
		return "", fmt.Errorf("write %s: %w", MessageConfigFile, err)
	}
	return dir, nil
}

// rawField extracts one top-level member of an endpoint's agent_cfg document,
// or JSON null when it is absent.
func rawField(doc json.RawMessage, key string) json.RawMessage {
	r := gjson.GetBytes(doc, key)
	if !r.Exists() {
		return json.RawMessage("null")
	}
	return json.RawMessage(r.Raw)
}

func (p *PackageTransport) run(ctx context.Context, dir string) (Result, error) {
	cmd := exec.CommandContext(ctx, p.cfg.Command[0], p.cfg.Command[1:]...)
	cmd.Dir = dir
	out, runErr := cmd.CombinedOutput()
	p.cfg.Logger.Debug("messaging handler finished", "dir", dir, "output", string(out), "error", runErr)

	var res Result
	logData, err := os.ReadFile(filepath.Join(dir, MessageLogFile))
	switch {
	case err == nil:
		res.Log = string(logData)
	case runErr == nil:
		return res, fmt.Errorf("missing %s from handler output: %w", MessageLogFile, err)
	}

	state, err := os.ReadFile(filepath.Join(dir, ProtocolStateFile))
	switch {
	case err == nil:
		if !json.Valid(state) {
			p.cfg.Logger.Warn("ignoring malformed protocol state", "dir", dir)
		} else {
			res.ProtocolState = json.RawMessage(state)
		}
	case !errors.Is(err, fs.ErrNotExist):
		p.cfg.Logger.Warn("read protocol state", "dir", dir, "error", err)
	}

	if runErr != nil {
		if res.Log == "" {
			res.Log = string(out)
		}
		return res, fmt.Errorf("messaging handler: %w", runErr)
	}
	return res, nil
}

func (p *PackageTransport) cleanup(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		p.cfg.Logger.Warn("remove messaging directory", "dir", dir, "error", err)
	}
}
