package messaging_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"deaddrop/pkg/messaging"
	"deaddrop/pkg/protocol"
	"deaddrop/pkg/store"
	"deaddrop/pkg/store/storetest"
)

// fakeTransport returns canned results and records what it was asked to do.
type fakeTransport struct {
	sent    []protocol.Message
	hints   []string
	inbox   []protocol.Message
	result  messaging.Result
	sendErr error
	recvErr error
}

func (f *fakeTransport) Send(_ context.Context, msg protocol.Message, _ protocol.Endpoint) (messaging.Result, error) {
	f.sent = append(f.sent, msg)
	return f.result, f.sendErr
}

func (f *fakeTransport) Receive(_ context.Context, _ protocol.Endpoint, hint string) ([]protocol.Message, messaging.Result, error) {
	f.hints = append(f.hints, hint)
	return f.inbox, f.result, f.recvErr
}

func response(id, requestID string) protocol.Message {
	return protocol.Message{
		MessageID: id,
		Source:    "ep-1",
		Timestamp: time.Now().UTC(),
		Payload: protocol.Payload{
			Type:     protocol.MsgCommandResponse,
			Response: &protocol.CommandResponsePayload{RequestID: requestID, CmdName: "whoami"},
		},
	}
}

func setup(t *testing.T) (*store.Store, storetest.Fixture, *fakeTransport, *messaging.Journal) {
	t.Helper()
	s := storetest.Open(t)
	fx := storetest.Seed(t, s, t.TempDir(), "")
	ft := &fakeTransport{}
	return s, fx, ft, messaging.NewJournal(ft, s, nil)
}

func TestJournal_SendRecordsFirst(t *testing.T) {
	s, fx, ft, j := setup(t)
	ctx := context.Background()
	msg := protocol.NewCommandRequestMessage(protocol.CommandRequest{EndpointID: fx.Endpoint.ID, CmdName: "whoami"}, nil)

	ft.result = messaging.Result{Log: "sent ok", ProtocolState: json.RawMessage(`{"seq":1}`)}
	res, err := j.Send(ctx, msg, fx.Endpoint, "task-1")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Log != "sent ok" || len(ft.sent) != 1 {
		t.Fatalf("res = %+v, sent = %d", res, len(ft.sent))
	}
	if _, err := s.GetMessage(ctx, msg.MessageID); err != nil {
		t.Fatalf("outgoing message not recorded: %v", err)
	}
	ep, _ := s.GetEndpoint(ctx, fx.Endpoint.ID)
	if string(ep.ProtocolState) != `{"seq":1}` {
		t.Errorf("ProtocolState = %s", ep.ProtocolState)
	}
	if n, _ := s.CountEvents(ctx, protocol.EventHandlerLog); n != 1 {
		t.Errorf("handler log events = %d, want 1", n)
	}

	if _, err := j.Send(ctx, msg, fx.Endpoint, "task-2"); !store.IsDuplicate(err) {
		t.Fatalf("resend err = %v, want duplicate", err)
	}
	if len(ft.sent) != 1 {
		t.Fatalf("resend reached the transport")
	}
}

func TestJournal_SendFailureIsTransportError(t *testing.T) {
	_, fx, ft, j := setup(t)
	ft.sendErr = errors.New("exit status 2")
	ft.result = messaging.Result{Log: "no route to host"}

	_, err := j.Send(context.Background(), protocol.NewCommandRequestMessage(protocol.CommandRequest{EndpointID: fx.Endpoint.ID}, nil), fx.Endpoint, "")
	var te *protocol.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if te.Op != "send" || te.Diagnostics != "no route to host" || !errors.Is(err, ft.sendErr) {
		t.Fatalf("te = %+v", te)
	}
}

func TestJournal_ReceiveDropsDuplicates(t *testing.T) {
	s, fx, ft, j := setup(t)
	ctx := context.Background()
	ft.inbox = []protocol.Message{response("r-1", "req-1"), response("r-1", "req-1"), response("r-2", "req-2")}

	msgs, _, err := j.Receive(ctx, fx.Endpoint, "", "task-1")
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 2 || msgs[0].MessageID != "r-1" || msgs[1].MessageID != "r-2" {
		t.Fatalf("msgs = %+v", msgs)
	}
	if n, _ := s.CountEvents(ctx, protocol.EventDuplicateMessage); n != 1 {
		t.Errorf("duplicate events = %d, want 1", n)
	}

	again, _, err := j.Receive(ctx, fx.Endpoint, "", "task-2")
	if err != nil {
		t.Fatalf("second Receive: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("redelivered messages returned: %+v", again)
	}
}

func TestJournal_ReceiveKeepsUnrelatedResponses(t *testing.T) {
	s, fx, ft, j := setup(t)
	ctx := context.Background()
	ft.inbox = []protocol.Message{response("r-1", "req-1"), response("r-2", "req-2")}

	msgs, _, err := j.Receive(ctx, fx.Endpoint, "req-2", "task-1")
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("msgs = %+v", msgs)
	}
	if ft.hints[0] != "req-2" {
		t.Errorf("transport hint = %q", ft.hints[0])
	}
	if n, _ := s.CountRows(ctx, "messages"); n != 2 {
		t.Errorf("recorded %d messages, want 2", n)
	}
}

func TestJournal_EmptyReceiveWritesNothing(t *testing.T) {
	s, fx, _, j := setup(t)
	ctx := context.Background()

	msgs, _, err := j.Receive(ctx, fx.Endpoint, "", "task-1")
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("msgs = %+v", msgs)
	}
	for _, table := range []string{"messages", "events", "credentials", "files"} {
		if n, _ := s.CountRows(ctx, table); n != 0 {
			t.Errorf("%s has %d rows, want 0", table, n)
		}
	}
}

func TestAnswers(t *testing.T) {
	req := protocol.NewCommandRequestMessage(protocol.CommandRequest{EndpointID: "ep-1"}, nil)
	if !messaging.Answers(req, "") {
		t.Error("empty hint should accept any message")
	}
	if messaging.Answers(req, "req-1") {
		t.Error("request message answered a hint")
	}
	if !messaging.Answers(response("r", "req-1"), "req-1") || messaging.Answers(response("r", "req-2"), "req-1") {
		t.Error("response matching by request id is wrong")
	}
}

func TestRouter(t *testing.T) {
	pkg, nats := &fakeTransport{}, &fakeTransport{}
	r := messaging.NewRouter()
	r.Handle("package", pkg)
	r.Handle("nats", nats)
	ctx := context.Background()

	if _, err := r.Send(ctx, protocol.Message{}, protocol.Endpoint{ID: "a"}); err != nil {
		t.Fatalf("Send default: %v", err)
	}
	if _, _, err := r.Receive(ctx, protocol.Endpoint{ID: "b", Protocol: "nats"}, "h"); err != nil {
		t.Fatalf("Receive nats: %v", err)
	}
	if len(pkg.sent) != 1 || len(nats.hints) != 1 {
		t.Fatalf("routing wrong: pkg=%d nats=%d", len(pkg.sent), len(nats.hints))
	}
	if _, err := r.Send(ctx, protocol.Message{}, protocol.Endpoint{ID: "c", Protocol: "carrier-pigeon"}); err == nil {
		t.Fatal("unknown protocol routed")
	}
}
