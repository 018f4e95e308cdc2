package catalog_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"deaddrop/pkg/catalog"
	"deaddrop/pkg/protocol"
)

type fakeAgents map[int64]protocol.Agent

func (f fakeAgents) GetAgent(_ context.Context, id int64) (protocol.Agent, error) {
	a, ok := f[id]
	if !ok {
		return protocol.Agent{}, &protocol.UnresolvedAgentError{AgentID: id}
	}
	return a, nil
}

const commandsJSON = `[
  {"name":"whoami","description":"Print the current user","argument_schema":{"type":"object","properties":{},"required":[]}},
  {"name":"sleep","argument_schema":{"type":"object","properties":{"count":{"type":"integer"}},"required":["count"]}},
  {"name":"bare"}
]`

func writePackage(t *testing.T, dir string) {
	t.Helper()
	files := map[string]string{
		protocol.CommandsMetadataFile: commandsJSON,
		protocol.AgentMetadataFile:    `{"name":"pygin","version":"1.0.0","agent_config":{"id":{"_preprocess_create_id":null}}}`,
		protocol.ProtocolMetadataFile: `[{"name":"plaintext_local"},{"name":"dns"}]`,
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func newCatalog(t *testing.T) (*catalog.Catalog, string) {
	t.Helper()
	dir := t.TempDir()
	writePackage(t, dir)
	return catalog.New(fakeAgents{1: {ID: 1, Name: "pygin", PackagePath: dir}}, nil), dir
}

func TestLookup(t *testing.T) {
	c, _ := newCatalog(t)
	ctx := context.Background()

	def, err := c.Lookup(ctx, 1, "whoami")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if def.Name != "whoami" || def.Description != "Print the current user" {
		t.Errorf("def = %+v", def)
	}
	if typ, _ := def.ArgumentSchema.Get("type"); typ != "object" {
		t.Errorf("argument_schema type = %v", typ)
	}

	bare, err := c.Lookup(ctx, 1, "bare")
	if err != nil {
		t.Fatalf("Lookup(bare): %v", err)
	}
	if bare.ArgumentSchema == nil || bare.ArgumentSchema.Len() != 0 {
		t.Errorf("bare argument schema = %v", bare.ArgumentSchema)
	}
}

func TestLookup_UnknownCommand(t *testing.T) {
	c, _ := newCatalog(t)
	_, err := c.Lookup(context.Background(), 1, "rm -rf")
	var uc *protocol.UnknownCommandError
	if !errors.As(err, &uc) {
		t.Fatalf("err = %v, want UnknownCommandError", err)
	}
	if uc.AgentID != 1 || uc.CmdName != "rm -rf" {
		t.Errorf("uc = %+v", uc)
	}
}

func TestLookup_UnknownAgent(t *testing.T) {
	c, _ := newCatalog(t)
	var ua *protocol.UnresolvedAgentError
	if _, err := c.Lookup(context.Background(), 9, "whoami"); !errors.As(err, &ua) {
		t.Fatalf("err = %v, want UnresolvedAgentError", err)
	}
}

func TestLookup_FreshPerCall(t *testing.T) {
	c, _ := newCatalog(t)
	ctx := context.Background()
	first, err := c.Lookup(ctx, 1, "sleep")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	first.ArgumentSchema.Set("type", "string")
	first.ArgumentSchema.Delete("required")

	second, err := c.Lookup(ctx, 1, "sleep")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if first.ArgumentSchema == second.ArgumentSchema {
		t.Fatal("Lookup returned a shared node")
	}
	if typ, _ := second.ArgumentSchema.Get("type"); typ != "object" || !second.ArgumentSchema.Has("required") {
		t.Fatalf("second lookup saw mutation: %v", second.ArgumentSchema.Keys())
	}
}

func TestAgentMetadata_AttachesProtocols(t *testing.T) {
	c, _ := newCatalog(t)
	meta, err := c.AgentMetadata(context.Background(), 1)
	if err != nil {
		t.Fatalf("AgentMetadata: %v", err)
	}
	b, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"name":"pygin","version":"1.0.0","agent_config":{"id":{"_preprocess_create_id":null}},"protocol_config":[{"name":"plaintext_local"},{"name":"dns"}]}`
	if string(b) != want {
		t.Fatalf("got  %s\nwant %s", b, want)
	}
}

func TestMissingFile(t *testing.T) {
	c, dir := newCatalog(t)
	if err := os.Remove(filepath.Join(dir, protocol.ProtocolMetadataFile)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ProtocolMetadata(context.Background(), 1); err == nil {
		t.Fatal("ProtocolMetadata with missing file succeeded")
	}
}

func TestWatch_InvalidatesOnChange(t *testing.T) {
	c, dir := newCatalog(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Watch(ctx); err != nil {
		t.Skipf("file watching unavailable: %v", err)
	}
	if _, err := c.Lookup(ctx, 1, "whoami"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	path := filepath.Join(dir, protocol.CommandsMetadataFile)
	if !c.Cached(path) {
		t.Fatal("commands.json not cached while watching")
	}

	updated := `[{"name":"whoami"},{"name":"screenshot"}]`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := c.Lookup(ctx, 1, "screenshot"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("catalog never picked up the new command")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	deadline = time.Now().Add(5 * time.Second)
	for c.Cached(path) {
		if time.Now().After(deadline) {
			t.Fatal("cache not cleared after watcher stopped")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
