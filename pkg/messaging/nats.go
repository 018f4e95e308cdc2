package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"deaddrop/pkg/codec"
	"deaddrop/pkg/protocol"
)

// NATSConfig holds NATSTransport configuration.
type NATSConfig struct {
	Prefix    string        // Subject prefix (default "deaddrop").
	Stream    string        // JetStream stream name (default "DEADDROP").
	FetchWait time.Duration // Longest wait for responses per receive (default 2s).
	Batch     int           // Most messages pulled per receive (default 64).
	Logger    *slog.Logger  // Default discards.
}

func (c *NATSConfig) withDefaults() NATSConfig {
	out := *c
	if out.Prefix == "" {
		out.Prefix = "deaddrop"
	}
	if out.Stream == "" {
		out.Stream = "DEADDROP"
	}
	if out.FetchWait == 0 {
		out.FetchWait = 2 * time.Second
	}
	if out.Batch == 0 {
		out.Batch = 64
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.DiscardHandler)
	}
	return out
}

// NATSTransport exchanges CBOR-encoded messages with endpoints through a
// JetStream stream. Requests for an endpoint are published on
// <prefix>.<endpoint>.request; the endpoint publishes its messages on
// <prefix>.<endpoint>.response, which the server pulls through one durable
// consumer per endpoint.
type NATSTransport struct {
	cfg NATSConfig
	js  nats.JetStreamContext

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSTransport binds to nc's JetStream, creating the stream if needed.
func NewNATSTransport(nc *nats.Conn, cfg NATSConfig) (*NATSTransport, error) {
	cfg = cfg.withDefaults()
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	if _, err := js.StreamInfo(cfg.Stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return nil, fmt.Errorf("stream %s: %w", cfg.Stream, err)
		}
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:     cfg.Stream,
			Subjects: []string{cfg.Prefix + ".>"},
		}); err != nil {
			return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
		}
	}
	return &NATSTransport{cfg: cfg, js: js, subs: make(map[string]*nats.Subscription)}, nil
}

// RequestSubject is the subject requests to endpointID are published on.
func RequestSubject(prefix, endpointID string) string {
	return prefix + "." + token(endpointID) + ".request"
}

// ResponseSubject is the subject endpointID publishes on.
func ResponseSubject(prefix, endpointID string) string {
	return prefix + "." + token(endpointID) + ".response"
}

// DurableName is the consumer name used to pull endpointID's messages.
func DurableName(endpointID string) string {
	return "deaddrop-" + token(endpointID)
}

// token makes s safe as a single subject token or consumer name.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Send implements Transport.
func (t *NATSTransport) Send(ctx context.Context, msg protocol.Message, ep protocol.Endpoint) (Result, error) {
	data, err := codec.Marshal(msg)
	if err != nil {
		return Result{}, fmt.Errorf("encode message: %w", err)
	}
	subject := RequestSubject(t.cfg.Prefix, ep.ID)
	ack, err := t.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(msg.MessageID))
	if err != nil {
		return Result{}, fmt.Errorf("publish %s: %w", subject, err)
	}
	return Result{Log: fmt.Sprintf("published %s to %s (stream %s seq %d)", msg.MessageID, subject, ack.Stream, ack.Sequence)}, nil
}

// Receive implements Transport. hint is not used: the consumer yields every
// message the endpoint has published since the last receive.
func (t *NATSTransport) Receive(ctx context.Context, ep protocol.Endpoint, hint string) ([]protocol.Message, Result, error) {
	sub, err := t.subscription(ep.ID)
	if err != nil {
		return nil, Result{}, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, t.cfg.FetchWait)
	defer cancel()
	batch, err := sub.Fetch(t.cfg.Batch, nats.Context(fetchCtx))
	if err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, Result{}, fmt.Errorf("fetch %s: %w", sub.Subject, err)
	}

	var (
		out       []protocol.Message
		malformed int
	)
	for _, m := range batch {
		var msg protocol.Message
		if err := codec.Unmarshal(m.Data, &msg); err != nil {
			malformed++
			t.cfg.Logger.Warn("dropping malformed message", "subject", m.Subject, "error", err)
			_ = m.Term()
			continue
		}
		out = append(out, msg)
		if err := m.Ack(); err != nil {
			t.cfg.Logger.Warn("ack message", "message_id", msg.MessageID, "error", err)
		}
	}

	res := Result{}
	if len(batch) > 0 {
		res.Log = fmt.Sprintf("fetched %d message(s) from %s, %d malformed", len(batch), sub.Subject, malformed)
	}
	return out, res, nil
}

func (t *NATSTransport) subscription(endpointID string) (*nats.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sub, ok := t.subs[endpointID]; ok {
		return sub, nil
	}
	subject := ResponseSubject(t.cfg.Prefix, endpointID)
	durable := DurableName(endpointID)
	if _, err := t.js.ConsumerInfo(t.cfg.Stream, durable); err != nil {
		if !errors.Is(err, nats.ErrConsumerNotFound) {
			return nil, fmt.Errorf("consumer %s: %w", durable, err)
		}
		if _, err := t.js.AddConsumer(t.cfg.Stream, &nats.ConsumerConfig{
			Durable:       durable,
			FilterSubject: subject,
			AckPolicy:     nats.AckExplicitPolicy,
		}); err != nil {
			return nil, fmt.Errorf("create consumer %s: %w", durable, err)
		}
	}
	sub, err := t.js.PullSubscribe(subject, durable, nats.Bind(t.cfg.Stream, durable))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	t.subs[endpointID] = sub
	return sub, nil
}

// Close releases the pull subscriptions. The consumers are bound rather
// than owned, so they stay on the server and the next process resumes where
// this one stopped.
func (t *NATSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for id, sub := range t.subs {
		if err := sub.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("drain %s: %w", id, err))
		}
		delete(t.subs, id)
	}
	return errors.Join(errs...)
}
