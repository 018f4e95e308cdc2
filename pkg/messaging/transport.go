// Package messaging moves protocol messages between the server and
// endpoints. A Transport does the delivery; the Journal records every message
// that passes through one.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"deaddrop/pkg/protocol"
)

// Result is what a transport reports about one send or receive.
type Result struct {
	// Log is the transport's human-readable account of the exchange.
	Log string `json:"log"`
	// ProtocolState, when non-nil, replaces the endpoint's stored state.
	ProtocolState json.RawMessage `json:"-"`
}

// Transport delivers messages to, and collects messages from, endpoints.
// Implementations neither retry nor deduplicate.
type Transport interface {
	Send(ctx context.Context, msg protocol.Message, ep protocol.Endpoint) (Result, error)
	// Receive returns every message newly available from ep. hint, when
	// set, is the id of a request whose responses the caller is waiting on;
	// transports may use it to narrow what they fetch.
	Receive(ctx context.Context, ep protocol.Endpoint, hint string) ([]protocol.Message, Result, error)
}

// Router picks a transport by the endpoint's configured protocol.
type Router struct {
	transports map[string]Transport
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{transports: make(map[string]Transport)}
}

// Handle routes endpoints whose protocol is name to t.
func (r *Router) Handle(name string, t Transport) {
	r.transports[name] = t
}

// Protocols lists the routed protocol names.
func (r *Router) Protocols() []string {
	names := make([]string, 0, len(r.transports))
	for n := range r.transports {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Router) route(ep protocol.Endpoint) (Transport, error) {
	name := ep.Protocol
	if name == "" {
		name = protocol.DefaultProtocol
	}
	t, ok := r.transports[name]
	if !ok {
		return nil, fmt.Errorf("endpoint %s: no transport for protocol %q (have %s)",
			ep.ID, name, strings.Join(r.Protocols(), ", "))
	}
	return t, nil
}

// Send implements Transport.
func (r *Router) Send(ctx context.Context, msg protocol.Message, ep protocol.Endpoint) (Result, error) {
	t, err := r.route(ep)
	if err != nil {
		return Result{}, err
	}
	return t.Send(ctx, msg, ep)
}

// Receive implements Transport.
func (r *Router) Receive(ctx context.Context, ep protocol.Endpoint, hint string) ([]protocol.Message, Result, error) {
	t, err := r.route(ep)
	if err != nil {
		return nil, Result{}, err
	}
	return t.Receive(ctx, ep, hint)
}
