// Package storetest opens throwaway server databases for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"deaddrop/pkg/protocol"
	"deaddrop/pkg/store"
)

// Open returns a Store over a fresh file-backed database in t.TempDir().
func Open(t testing.TB) *store.Store {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "deaddrop.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return store.New(db)
}

// Fixture is a registered user, agent and endpoint.
type Fixture struct {
	User     protocol.User
	Agent    protocol.Agent
	Endpoint protocol.Endpoint
}

// Seed registers one user, one agent installed at packagePath, and one
// endpoint of that agent using the given protocol.
func Seed(t testing.TB, s *store.Store, packagePath, proto string) Fixture {
	t.Helper()
	ctx := context.Background()

	u, err := s.CreateUser(ctx, "operator")
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	agentID, err := s.CreateAgent(ctx, protocol.Agent{Name: "pygin", Version: "1.0.0", PackagePath: packagePath})
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	ep := protocol.Endpoint{
		ID:       "ep-1",
		Name:     "workstation",
		Hostname: "ws01",
		Address:  "10.0.0.10",
		AgentID:  agentID,
		Protocol: proto,
	}
	if err := s.CreateEndpoint(ctx, ep); err != nil {
		t.Fatalf("seed endpoint: %v", err)
	}
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		t.Fatalf("reload agent: %v", err)
	}
	stored, err := s.GetEndpoint(ctx, ep.ID)
	if err != nil {
		t.Fatalf("reload endpoint: %v", err)
	}
	return Fixture{User: u, Agent: agent, Endpoint: stored}
}
