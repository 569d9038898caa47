package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/vellum-app/vellum-server/internal/collab"
	"github.com/vellum-app/vellum-server/internal/config"
	"github.com/vellum-app/vellum-server/internal/content"
	"github.com/vellum-app/vellum-server/internal/protocol"
	"github.com/vellum-app/vellum-server/internal/storage"
	"github.com/vellum-app/vellum-server/internal/transport"
)

// --- Collaborator fakes ---

type fakeKV struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	strs   map[string]string
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		hashes: make(map[string]map[string]string),
		strs:   make(map[string]string),
	}
}

func (f *fakeKV) HGet(ctx context.Context, key, field string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fields, ok := f.hashes[key]
	if !ok {
		return "", false, nil
	}
	val, ok := fields[field]
	return val, ok, nil
}

func (f *fakeKV) HSet(ctx context.Context, key, field, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hashes[key] == nil {
		f.hashes[key] = make(map[string]string)
	}
	f.hashes[key][field] = value
	return nil
}

func (f *fakeKV) HSetAll(ctx context.Context, key string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hashes[key] == nil {
		f.hashes[key] = make(map[string]string)
	}
	for field, value := range fields {
		f.hashes[key][field] = value
	}
	return nil
}

func (f *fakeKV) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.hashes[key]
	return ok, nil
}

func (f *fakeKV) Del(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.hashes, key)
	delete(f.strs, key)
	return nil
}

func (f *fakeKV) SetTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strs[key] = value
	return nil
}

type fakeShares struct{}

func (f *fakeShares) ShareIsEnabled(ctx context.Context, userID, fileStructureID int64) (bool, error) {
	return true, nil
}

func (f *fakeShares) ShareByFileAndUser(ctx context.Context, fileStructureID, userID int64) (*storage.PublicShare, error) {
	return nil, storage.NewNotFoundError("public share", "missing")
}

type fakeFiles struct{}

func (f *fakeFiles) FileStructureByID(ctx context.Context, userID, fileStructureID int64) (*storage.FileStructure, error) {
	return nil, storage.NewNotFoundError("file structure", "missing")
}

func (f *fakeFiles) PathByID(ctx context.Context, userID, fileStructureID int64) (string, error) {
	return "notes/doc.txt", nil
}

func (f *fakeFiles) ReplaceText(ctx context.Context, fileStructureID int64, text string, userID int64) error {
	return nil
}

type missingReader struct{}

func (missingReader) ReadFile(userUUID, path string) (string, error) {
	return "", content.ErrFileNotFound
}

func newTestServer(t *testing.T) (*Server, *transport.Hub) {
	t.Helper()

	hub := transport.NewHub(nil, "")
	svc := collab.NewService(
		collab.NewSessionRepo(newFakeKV()),
		collab.NewLockManager(newFakeKV()),
		&fakeShares{},
		&fakeFiles{},
		missingReader{},
		hub,
	)
	cfg := &config.Config{
		JWTSecret:   strings.Repeat("s", 32),
		FrontendURL: "http://localhost:3000",
	}
	return New(cfg, hub, svc), hub
}

// --- Join failure ---

func TestHandleWebSocket_FailedJoinDropsConnection(t *testing.T) {
	s, hub := newTestServer(t)
	defer hub.Stop()

	ts := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") +
		"?sharedUniqueHash=abc&filesStructureId=11&userId=7&userUuid=uuid-7"

	ws, _, err := gorilla.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer ws.Close()

	// The missing backing file surfaces as an error frame
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v, want error frame before close", err)
	}

	msg, err := protocol.DecodeMessage(raw)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	if msg.Type != protocol.TypeError {
		t.Errorf("message type = %q, want %q", msg.Type, protocol.TypeError)
	}
	if code, _ := msg.Payload["code"].(string); code != "NOT_FOUND" {
		t.Errorf("error code = %q, want %q", code, "NOT_FOUND")
	}

	// After the error the server closes the socket instead of leaving a
	// sessionless connection open
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("expected connection to be closed after failed join")
	}
}

func TestHandleWebSocket_RejectsMalformedHandshake(t *testing.T) {
	s, hub := newTestServer(t)
	defer hub.Stop()

	ts := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	defer ts.Close()

	// Servant handshake without a parseable file structure id
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "?sharedUniqueHash=abc"

	_, resp, err := gorilla.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial() succeeded, want handshake rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("handshake response = %v, want 400", resp)
	}
}
