package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"deaddrop/pkg/protocol"
)

// CreateUser registers an operator and returns the stored row.
func (s *Store) CreateUser(ctx context.Context, username string) (protocol.User, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO users (username) VALUES (?)`, username)
	if err != nil {
		if IsConstraintError(err) {
			return protocol.User{}, &protocol.DuplicateKeyError{Table: "users", Key: username}
		}
		return protocol.User{}, fmt.Errorf("user insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return protocol.User{}, fmt.Errorf("user last insert id: %w", err)
	}
	return s.GetUser(ctx, id)
}

// GetUser returns the user with the given id, or *protocol.UnresolvedUserError.
func (s *Store) GetUser(ctx context.Context, id int64) (protocol.User, error) {
	var u protocol.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Username, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.User{}, &protocol.UnresolvedUserError{UserID: id}
	}
	if err != nil {
		return protocol.User{}, fmt.Errorf("get user %d: %w", id, err)
	}
	return u, nil
}

// CreateAgent registers an installed agent package and returns its id.
func (s *Store) CreateAgent(ctx context.Context, a protocol.Agent) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (name, version, package_path) VALUES (?, ?, ?)`,
		a.Name, a.Version, a.PackagePath)
	if err != nil {
		if IsConstraintError(err) {
			return 0, &protocol.DuplicateKeyError{Table: "agents", Key: a.Name + "@" + a.Version}
		}
		return 0, fmt.Errorf("agent insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("agent last insert id: %w", err)
	}
	return id, nil
}

// GetAgent returns the agent with the given id, or *protocol.UnresolvedAgentError.
func (s *Store) GetAgent(ctx context.Context, id int64) (protocol.Agent, error) {
	var a protocol.Agent
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, version, package_path FROM agents WHERE id = ?`, id,
	).Scan(&a.ID, &a.Name, &a.Version, &a.PackagePath)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Agent{}, &protocol.UnresolvedAgentError{AgentID: id}
	}
	if err != nil {
		return protocol.Agent{}, fmt.Errorf("get agent %d: %w", id, err)
	}
	return a, nil
}

// CreateEndpoint registers an endpoint. The agent must exist.
func (s *Store) CreateEndpoint(ctx context.Context, ep protocol.Endpoint) error {
	if _, err := s.GetAgent(ctx, ep.AgentID); err != nil {
		return err
	}
	if ep.Protocol == "" {
		ep.Protocol = protocol.DefaultProtocol
	}
	cfg := ep.AgentConfig
	if len(cfg) == 0 {
		cfg = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO endpoints (id, name, hostname, address, agent_id, protocol, agent_cfg)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.Name, ep.Hostname, ep.Address, ep.AgentID, ep.Protocol, string(cfg))
	if err != nil {
		if IsConstraintError(err) {
			return &protocol.DuplicateKeyError{Table: "endpoints", Key: ep.ID}
		}
		return fmt.Errorf("endpoint insert: %w", err)
	}
	return nil
}

// GetEndpoint returns the endpoint with the given id, or
// *protocol.UnresolvedEndpointError.
func (s *Store) GetEndpoint(ctx context.Context, id string) (protocol.Endpoint, error) {
	var (
		ep    protocol.Endpoint
		cfg   string
		state sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, hostname, address, agent_id, protocol, agent_cfg, protocol_state
		 FROM endpoints WHERE id = ?`, id,
	).Scan(&ep.ID, &ep.Name, &ep.Hostname, &ep.Address, &ep.AgentID, &ep.Protocol, &cfg, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Endpoint{}, &protocol.UnresolvedEndpointError{EndpointID: id}
	}
	if err != nil {
		return protocol.Endpoint{}, fmt.Errorf("get endpoint %s: %w", id, err)
	}
	ep.AgentConfig = json.RawMessage(cfg)
	if state.Valid && state.String != "" {
		ep.ProtocolState = json.RawMessage(state.String)
	}
	return ep, nil
}

// UpdateProtocolState stores transport state reported by an endpoint's
// messaging handler.
func (s *Store) UpdateProtocolState(ctx context.Context, endpointID string, state json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE endpoints SET protocol_state = ? WHERE id = ?`, string(state), endpointID)
	if err != nil {
		return fmt.Errorf("update protocol state %s: %w", endpointID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update protocol state rows affected: %w", err)
	}
	if n == 0 {
		return &protocol.UnresolvedEndpointError{EndpointID: endpointID}
	}
	return nil
}
