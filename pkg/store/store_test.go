package store_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"deaddrop/pkg/protocol"
	"deaddrop/pkg/store"
	"deaddrop/pkg/store/storetest"
)

func TestRegistryLookups(t *testing.T) {
	s := storetest.Open(t)
	fx := storetest.Seed(t, s, "/pkgs/pygin", "")
	ctx := context.Background()

	if fx.Endpoint.Protocol != protocol.DefaultProtocol {
		t.Errorf("Protocol = %q, want %q", fx.Endpoint.Protocol, protocol.DefaultProtocol)
	}
	if string(fx.Endpoint.AgentConfig) != "{}" {
		t.Errorf("AgentConfig = %s, want {}", fx.Endpoint.AgentConfig)
	}
	if fx.Agent.PackagePath != "/pkgs/pygin" {
		t.Errorf("PackagePath = %q", fx.Agent.PackagePath)
	}

	var ue *protocol.UnresolvedUserError
	if _, err := s.GetUser(ctx, 999); !errors.As(err, &ue) || ue.UserID != 999 {
		t.Errorf("GetUser(999) err = %v", err)
	}
	var ee *protocol.UnresolvedEndpointError
	if _, err := s.GetEndpoint(ctx, "nope"); !errors.As(err, &ee) {
		t.Errorf("GetEndpoint(nope) err = %v", err)
	}
	var ae *protocol.UnresolvedAgentError
	if _, err := s.GetAgent(ctx, 42); !errors.As(err, &ae) {
		t.Errorf("GetAgent(42) err = %v", err)
	}
	err := s.CreateEndpoint(ctx, protocol.Endpoint{ID: "ep-2", AgentID: 42})
	if !errors.As(err, &ae) {
		t.Errorf("CreateEndpoint with missing agent err = %v", err)
	}
	if _, err := s.CreateUser(ctx, "operator"); !store.IsDuplicate(err) {
		t.Errorf("duplicate username err = %v", err)
	}
}

func TestUpdateProtocolState(t *testing.T) {
	s := storetest.Open(t)
	fx := storetest.Seed(t, s, "/pkgs/pygin", "")
	ctx := context.Background()

	if err := s.UpdateProtocolState(ctx, fx.Endpoint.ID, json.RawMessage(`{"seq":3}`)); err != nil {
		t.Fatalf("UpdateProtocolState: %v", err)
	}
	ep, err := s.GetEndpoint(ctx, fx.Endpoint.ID)
	if err != nil {
		t.Fatalf("GetEndpoint: %v", err)
	}
	if string(ep.ProtocolState) != `{"seq":3}` {
		t.Errorf("ProtocolState = %s", ep.ProtocolState)
	}

	var ee *protocol.UnresolvedEndpointError
	if err := s.UpdateProtocolState(ctx, "ghost", json.RawMessage(`{}`)); !errors.As(err, &ee) {
		t.Errorf("UpdateProtocolState(ghost) err = %v", err)
	}
}

func TestInsertCredential_Duplicate(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()
	expiry := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	c := protocol.Credential{CredentialID: "11111111-1111-1111-1111-111111111111", Type: "password", Value: "hunter2", Expiry: &expiry}
	origin := store.ArtifactOrigin{TaskID: "task-1", SourceID: "ep-1"}

	if err := s.InsertCredential(ctx, c, origin); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := s.InsertCredential(ctx, c, origin)
	var dup *protocol.DuplicateKeyError
	if !errors.As(err, &dup) {
		t.Fatalf("second insert err = %v, want DuplicateKeyError", err)
	}
	if dup.Table != "credentials" || dup.Key != c.CredentialID {
		t.Errorf("dup = %+v", dup)
	}

	creds, err := s.ListCredentials(ctx, store.ArtifactFilter{TaskID: "task-1"})
	if err != nil {
		t.Fatalf("ListCredentials: %v", err)
	}
	if len(creds) != 1 {
		t.Fatalf("got %d credentials, want 1", len(creds))
	}
	if creds[0].SourceID != "ep-1" || creds[0].Value != "hunter2" || creds[0].Expiry != "2027-01-01T00:00:00Z" {
		t.Errorf("credential = %+v", creds[0])
	}
}

func TestInsertFile_CompressedRoundTrip(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()
	data := bytes.Repeat([]byte("deaddrop "), 1000)
	f := protocol.File{FileID: "f-1", RemotePath: "/tmp/loot.txt", Data: data}

	if err := s.InsertFile(ctx, f, store.ArtifactOrigin{TaskID: "task-1", SourceID: "ep-1"}); err != nil {
		t.Fatalf("InsertFile: %v", err)
	}
	if err := s.InsertFile(ctx, f, store.ArtifactOrigin{TaskID: "task-2"}); !store.IsDuplicate(err) {
		t.Fatalf("duplicate InsertFile err = %v", err)
	}

	got, err := s.GetFile(ctx, "f-1")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if !bytes.Equal(got.Data, data) {
		t.Fatalf("data mismatch: %d bytes", len(got.Data))
	}
	if got.Size != int64(len(data)) || got.TaskID != "task-1" || got.RemotePath != "/tmp/loot.txt" {
		t.Errorf("file row = %+v", got)
	}

	var stored int
	if err := s.DB().QueryRowContext(ctx, `SELECT length(data) FROM files WHERE file_id = 'f-1'`).Scan(&stored); err != nil {
		t.Fatalf("blob length: %v", err)
	}
	if stored >= len(data) {
		t.Errorf("blob stored uncompressed: %d bytes", stored)
	}

	files, err := s.ListFiles(ctx, store.ArtifactFilter{})
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 1 || files[0].Data != nil {
		t.Errorf("ListFiles = %+v", files)
	}
}

func TestInsertFile_Empty(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()
	if err := s.InsertFile(ctx, protocol.File{FileID: "empty"}, store.ArtifactOrigin{}); err != nil {
		t.Fatalf("InsertFile: %v", err)
	}
	got, err := s.GetFile(ctx, "empty")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if len(got.Data) != 0 {
		t.Errorf("Data = %q", got.Data)
	}
}

func TestMessages(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()
	uid := int64(7)

	req := protocol.NewCommandRequestMessage(protocol.CommandRequest{EndpointID: "ep-1", CmdName: "whoami"}, &uid)
	if err := s.InsertMessage(ctx, req); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	if err := s.InsertMessage(ctx, req); !store.IsDuplicate(err) {
		t.Fatalf("reused message id err = %v", err)
	}

	resp := protocol.Message{
		MessageID: "resp-1",
		Source:    "ep-1",
		Timestamp: time.Now(),
		Payload: protocol.Payload{
			Type:     protocol.MsgCommandResponse,
			Response: &protocol.CommandResponsePayload{RequestID: req.MessageID, CmdName: "whoami", Result: map[string]any{"user": "root"}},
		},
	}
	if err := s.InsertMessage(ctx, resp); err != nil {
		t.Fatalf("InsertMessage(resp): %v", err)
	}

	got, err := s.GetMessage(ctx, req.MessageID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Source != "" || got.Destination != "ep-1" || got.UserID == nil || *got.UserID != 7 {
		t.Errorf("request = %+v", got)
	}
	if got.Payload.Request == nil || got.Payload.Request.CmdName != "whoami" {
		t.Errorf("request payload = %+v", got.Payload)
	}
	if !got.Timestamp.Equal(req.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, req.Timestamp)
	}

	all, err := s.ListMessages(ctx, "ep-1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(all) != 2 || all[1].Payload.Response == nil || all[1].Payload.Response.RequestID != req.MessageID {
		t.Fatalf("ListMessages = %+v", all)
	}

	bad := protocol.Message{MessageID: "bad", Payload: protocol.Payload{Type: protocol.MsgCommandResponse}}
	if err := s.InsertMessage(ctx, bad); err == nil {
		t.Fatal("InsertMessage with an empty response payload succeeded")
	}

	other := protocol.Message{
		MessageID: "init-1",
		Source:    "ep-1",
		Timestamp: time.Now(),
		Payload:   protocol.Payload{Type: "init_message", Raw: []byte(`{"message_type":"init_message","agent":"pygin"}`)},
	}
	if err := s.InsertMessage(ctx, other); err != nil {
		t.Fatalf("InsertMessage(init): %v", err)
	}
	got, err = s.GetMessage(ctx, "init-1")
	if err != nil {
		t.Fatalf("GetMessage(init): %v", err)
	}
	if got.Payload.Type != "init_message" || !strings.Contains(string(got.Payload.Raw), `"pygin"`) {
		t.Errorf("init payload = %+v", got.Payload)
	}
}

func TestLogEventAndCounts(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()

	if err := s.LogEventJSON(ctx, protocol.EventDuplicateArtifact, "orchestrator", "task-1", "ep-1", map[string]string{"file_id": "f-1"}); err != nil {
		t.Fatalf("LogEventJSON: %v", err)
	}
	n, err := s.CountEvents(ctx, protocol.EventDuplicateArtifact)
	if err != nil || n != 1 {
		t.Fatalf("CountEvents = %d, %v", n, err)
	}
	if n, err := s.CountRows(ctx, "events"); err != nil || n != 1 {
		t.Fatalf("CountRows(events) = %d, %v", n, err)
	}
	if _, err := s.CountRows(ctx, "sqlite_master; DROP TABLE events"); err == nil {
		t.Fatal("CountRows accepted an unknown table")
	}
}
