// Package catalog reads the command, agent and protocol metadata that an
// installed agent package ships as JSON files.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"deaddrop/pkg/protocol"
	"deaddrop/pkg/schema"
)

// Keys of a commands.json entry.
const (
	KeyName           = "name"
	KeyDescription    = "description"
	KeyArgumentSchema = "argument_schema"
)

// KeyProtocolConfig is the key under which protocol metadata is attached to
// the agent metadata document.
const KeyProtocolConfig = "protocol_config"

// AgentSource resolves agent ids to installed packages. *store.Store
// satisfies it.
type AgentSource interface {
	GetAgent(ctx context.Context, id int64) (protocol.Agent, error)
}

// CommandDefinition is one entry of an agent's commands.json. Entry is the
// whole entry; ArgumentSchema is its argument_schema child (an empty node
// when the entry has none).
type CommandDefinition struct {
	Name           string
	Description    string
	Entry          *schema.Node
	ArgumentSchema *schema.Node
}

// Catalog serves package metadata. Every call decodes a new document, so
// callers own what they receive and may mutate it.
//
// File contents are cached only while Watch is running, since the watcher is
// what invalidates them.
type Catalog struct {
	agents AgentSource
	log    *slog.Logger

	mu      sync.Mutex
	cache   map[string][]byte
	watcher *fsnotify.Watcher
	watched map[string]bool
}

// New returns a Catalog resolving agents through agents. A nil logger
// discards.
func New(agents AgentSource, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Catalog{
		agents:  agents,
		log:     logger,
		cache:   make(map[string][]byte),
		watched: make(map[string]bool),
	}
}

// Commands returns every entry of the agent's commands.json, in file order.
func (c *Catalog) Commands(ctx context.Context, agentID int64) ([]*schema.Node, error) {
	data, err := c.agentFile(ctx, agentID, protocol.CommandsMetadataFile)
	if err != nil {
		return nil, err
	}
	entries, err := schema.ParseList(data)
	if err != nil {
		return nil, fmt.Errorf("agent %d %s: %w", agentID, protocol.CommandsMetadataFile, err)
	}
	return entries, nil
}

// Lookup returns the named command of the agent, or
// *protocol.UnknownCommandError.
func (c *Catalog) Lookup(ctx context.Context, agentID int64, cmdName string) (CommandDefinition, error) {
	entries, err := c.Commands(ctx, agentID)
	if err != nil {
		return CommandDefinition{}, err
	}
	for _, e := range entries {
		if name, _ := e.Get(KeyName); name == cmdName {
			return definition(cmdName, e), nil
		}
	}
	return CommandDefinition{}, &protocol.UnknownCommandError{AgentID: agentID, CmdName: cmdName}
}

func definition(name string, entry *schema.Node) CommandDefinition {
	def := CommandDefinition{Name: name, Entry: entry}
	if desc, ok := entry.Get(KeyDescription); ok {
		def.Description, _ = desc.(string)
	}
	if args, ok := entry.Get(KeyArgumentSchema); ok {
		def.ArgumentSchema, _ = args.(*schema.Node)
	}
	if def.ArgumentSchema == nil {
		def.ArgumentSchema = schema.NewNode()
	}
	return def
}

// AgentMetadata returns the agent's agent.json with its protocols.json
// attached under "protocol_config".
func (c *Catalog) AgentMetadata(ctx context.Context, agentID int64) (*schema.Node, error) {
	data, err := c.agentFile(ctx, agentID, protocol.AgentMetadataFile)
	if err != nil {
		return nil, err
	}
	meta, err := schema.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("agent %d %s: %w", agentID, protocol.AgentMetadataFile, err)
	}
	protocols, err := c.ProtocolMetadata(ctx, agentID)
	if err != nil {
		return nil, err
	}
	list := make([]any, len(protocols))
	for i, p := range protocols {
		list[i] = p
	}
	meta.Set(KeyProtocolConfig, list)
	return meta, nil
}

// ProtocolMetadata returns the entries of the agent's protocols.json.
func (c *Catalog) ProtocolMetadata(ctx context.Context, agentID int64) ([]*schema.Node, error) {
	data, err := c.agentFile(ctx, agentID, protocol.ProtocolMetadataFile)
	if err != nil {
		return nil, err
	}
	entries, err := schema.ParseList(data)
	if err != nil {
		return nil, fmt.Errorf("agent %d %s: %w", agentID, protocol.ProtocolMetadataFile, err)
	}
	return entries, nil
}

func (c *Catalog) agentFile(ctx context.Context, agentID int64, name string) ([]byte, error) {
	agent, err := c.agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(agent.PackagePath, name)
	data, err := c.read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s does not exist in the package directory of agent %d", name, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (c *Catalog) read(path string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if data, ok := c.cache[path]; ok {
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if c.watcher != nil && c.watch(filepath.Dir(path)) {
		c.cache[path] = data
	}
	return data, nil
}

// watch adds dir to the watcher. Caller holds c.mu.
func (c *Catalog) watch(dir string) bool {
	if c.watched[dir] {
		return true
	}
	if err := c.watcher.Add(dir); err != nil {
		c.log.Warn("catalog: watch package directory", "dir", dir, "error", err)
		return false
	}
	c.watched[dir] = true
	return true
}

// Invalidate drops cached files under dir.
func (c *Catalog) Invalidate(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path := range c.cache {
		if filepath.Dir(path) == dir {
			delete(c.cache, path)
		}
	}
}

// Cached reports whether path is currently served from the cache.
func (c *Catalog) Cached(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.cache[path]
	return ok
}

// Watch installs a file system watcher and returns once it is ready. Until
// ctx is cancelled, package files are cached and any change to a package
// directory drops that directory's cached files. If the watcher cannot be
// created the catalog keeps reading from disk on every call.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("catalog watcher: %w", err)
	}

	c.mu.Lock()
	if c.watcher != nil {
		c.mu.Unlock()
		_ = watcher.Close()
		return errors.New("catalog watcher already running")
	}
	c.watcher = watcher
	c.mu.Unlock()

	go c.watchLoop(ctx, watcher)
	return nil
}

func (c *Catalog) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer func() {
		c.mu.Lock()
		c.watcher = nil
		c.watched = make(map[string]bool)
		c.cache = make(map[string][]byte)
		c.mu.Unlock()
		_ = watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			c.log.Debug("catalog: package changed", "path", event.Name, "op", event.Op.String())
			c.Invalidate(filepath.Dir(event.Name))
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.log.Warn("catalog: watcher error", "error", err)
		}
	}
}
