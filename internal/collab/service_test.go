package collab

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/vellum-app/vellum-server/internal/content"
	"github.com/vellum-app/vellum-server/internal/storage"
)

// --- Collaborator fakes ---

type fakeShares struct {
	enabled bool
	share   *storage.PublicShare
}

func (f *fakeShares) ShareIsEnabled(ctx context.Context, userID, fileStructureID int64) (bool, error) {
	return f.enabled, nil
}

func (f *fakeShares) ShareByFileAndUser(ctx context.Context, fileStructureID, userID int64) (*storage.PublicShare, error) {
	return f.share, nil
}

type replaceCall struct {
	fileStructureID int64
	text            string
	userID          int64
}

type fakeFiles struct {
	fs       *storage.FileStructure
	replaced []replaceCall
}

func (f *fakeFiles) FileStructureByID(ctx context.Context, userID, fileStructureID int64) (*storage.FileStructure, error) {
	if f.fs == nil {
		return nil, storage.NewNotFoundError("file structure", "missing")
	}
	return f.fs, nil
}

func (f *fakeFiles) PathByID(ctx context.Context, userID, fileStructureID int64) (string, error) {
	if f.fs == nil {
		return "", storage.NewNotFoundError("file structure", "missing")
	}
	return f.fs.Path, nil
}

func (f *fakeFiles) ReplaceText(ctx context.Context, fileStructureID int64, text string, userID int64) error {
	f.replaced = append(f.replaced, replaceCall{fileStructureID, text, userID})
	return nil
}

type fakeReader struct {
	files map[string]string
	reads int
}

func (f *fakeReader) ReadFile(userUUID, path string) (string, error) {
	f.reads++
	text, ok := f.files[path]
	if !ok {
		return "", content.ErrFileNotFound
	}
	return text, nil
}

type emittedEvent struct {
	socketID string
	event    string
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []emittedEvent
}

func (f *fakeEmitter) Emit(socketID, event string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emittedEvent{socketID, event})
}

func (f *fakeEmitter) targets(event string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var targets []string
	for _, e := range f.events {
		if e.event == event {
			targets = append(targets, e.socketID)
		}
	}
	return targets
}

// --- Fixture ---

const (
	testHash   = "hash-1"
	testFSID   = int64(11)
	testUserID = int64(7)
	testUUID   = "uuid-7"
)

type fixture struct {
	svc    *Service
	repo   *SessionRepo
	kv     *fakeKV
	shares *fakeShares
	files  *fakeFiles
	reader *fakeReader
	wss    *fakeEmitter
	key    string
}

func newFixture() *fixture {
	kv := newFakeKV()
	repo := NewSessionRepo(kv)
	fs := &storage.FileStructure{
		ID:               testFSID,
		UserID:           testUserID,
		Path:             "notes/doc.txt",
		SharedUniqueHash: testHash,
	}
	shares := &fakeShares{
		enabled: true,
		share:   &storage.PublicShare{FileStructureID: testFSID, UserID: testUserID, FileStructure: fs},
	}
	files := &fakeFiles{fs: fs}
	reader := &fakeReader{files: map[string]string{"notes/doc.txt": "hello"}}
	wss := &fakeEmitter{}

	svc := NewService(repo, NewLockManager(kv), shares, files, reader, wss)

	return &fixture{
		svc:    svc,
		repo:   repo,
		kv:     kv,
		shares: shares,
		files:  files,
		reader: reader,
		wss:    wss,
		key:    SessionKey(testHash),
	}
}

func masterClient(socketID string) *Client {
	return &Client{
		SocketID: socketID,
		Handshake: Handshake{
			Auth: Auth{FileStructureID: testFSID, UserID: testUserID, UserUUID: testUUID},
		},
	}
}

func servantClient(socketID string) *Client {
	return &Client{
		SocketID: socketID,
		Handshake: Handshake{
			IsServant: true,
			Data: Data{
				FileStructureID:  testFSID,
				SharedUniqueHash: testHash,
				UserID:           testUserID,
				UserUUID:         testUUID,
			},
		},
	}
}

// --- Master join ---

func TestCheckSharing_CreatesSessionFromFile(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if err := f.svc.CheckSharing(ctx, masterClient("m1")); err != nil {
		t.Fatalf("CheckSharing() error = %v", err)
	}

	doc, _ := f.repo.Doc(ctx, f.key)
	if doc != "hello" {
		t.Errorf("doc = %q, want %q", doc, "hello")
	}

	master, _ := f.repo.MasterSocketID(ctx, f.key)
	if master != "m1" {
		t.Errorf("masterSocketId = %q, want %q", master, "m1")
	}

	servants, _ := f.repo.Servants(ctx, f.key)
	if len(servants) != 0 {
		t.Errorf("servant list length = %d, want 0", len(servants))
	}
}

func TestCheckSharing_DisabledShareIsNoOp(t *testing.T) {
	f := newFixture()
	f.shares.enabled = false
	ctx := context.Background()

	if err := f.svc.CheckSharing(ctx, masterClient("m1")); err != nil {
		t.Fatalf("CheckSharing() error = %v", err)
	}

	exists, _ := f.repo.Exists(ctx, f.key)
	if exists {
		t.Error("session created despite sharing disabled")
	}
	if f.reader.reads != 0 {
		t.Errorf("file reads = %d, want 0", f.reader.reads)
	}
}

func TestCheckSharing_MissingFileFailsJoin(t *testing.T) {
	f := newFixture()
	f.reader.files = map[string]string{}
	ctx := context.Background()

	err := f.svc.CheckSharing(ctx, masterClient("m1"))
	if !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("CheckSharing() error = %v, want ErrFileNotFound", err)
	}

	exists, _ := f.repo.Exists(ctx, f.key)
	if exists {
		t.Error("session created despite missing source file")
	}
}

func TestCheckSharing_ReconnectPreservesServantEdits(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// Session already live with servant edits and no master connected
	f.repo.CreateSession(ctx, f.key, CreateSessionParams{
		Doc:          "edited while away",
		MasterUserID: testUserID,
		Servants:     []string{"s1", "s2"},
	})

	if err := f.svc.CheckSharing(ctx, masterClient("m2")); err != nil {
		t.Fatalf("CheckSharing() error = %v", err)
	}

	doc, _ := f.repo.Doc(ctx, f.key)
	if doc != "edited while away" {
		t.Errorf("doc = %q, want servant edits preserved", doc)
	}

	master, _ := f.repo.MasterSocketID(ctx, f.key)
	if master != "m2" {
		t.Errorf("masterSocketId = %q, want %q", master, "m2")
	}

	// The reconnecting master must not re-read the source file
	if f.reader.reads != 0 {
		t.Errorf("file reads = %d, want 0", f.reader.reads)
	}

	// Every servant is notified of the join, in list order
	targets := f.wss.targets("UserJoined")
	want := []string{"s1", "s2"}
	if len(targets) != len(want) {
		t.Fatalf("UserJoined targets = %v, want %v", targets, want)
	}
	for i := range want {
		if targets[i] != want[i] {
			t.Errorf("UserJoined target[%d] = %q, want %q", i, targets[i], want[i])
		}
	}
}

// --- Servant join ---

func TestCheckSharingForServant_CreatesWithNilMaster(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if err := f.svc.CheckSharingForServant(ctx, servantClient("s1")); err != nil {
		t.Fatalf("CheckSharingForServant() error = %v", err)
	}

	doc, _ := f.repo.Doc(ctx, f.key)
	if doc != "hello" {
		t.Errorf("doc = %q, want %q", doc, "hello")
	}
	if f.reader.reads != 1 {
		t.Errorf("file reads = %d, want 1", f.reader.reads)
	}

	master, _ := f.repo.MasterSocketID(ctx, f.key)
	if master != "" {
		t.Errorf("masterSocketId = %q, want empty", master)
	}

	servants, _ := f.repo.Servants(ctx, f.key)
	if len(servants) != 1 || servants[0] != "s1" {
		t.Errorf("servants = %v, want [s1]", servants)
	}
}

func TestCheckSharingForServant_ExistingSessionDoesNotReread(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if err := f.svc.CheckSharingForServant(ctx, servantClient("s1")); err != nil {
		t.Fatalf("first join error = %v", err)
	}
	if err := f.svc.CheckSharingForServant(ctx, servantClient("s2")); err != nil {
		t.Fatalf("second join error = %v", err)
	}

	if f.reader.reads != 1 {
		t.Errorf("file reads = %d, want 1 (no re-read once session exists)", f.reader.reads)
	}

	servants, _ := f.repo.Servants(ctx, f.key)
	want := []string{"s1", "s2"}
	if len(servants) != len(want) {
		t.Fatalf("servants = %v, want %v", servants, want)
	}
	for i := range want {
		if servants[i] != want[i] {
			t.Errorf("servants[%d] = %q, want %q", i, servants[i], want[i])
		}
	}
}

func TestCheckSharingForServant_NotifiesOthersExcludingSelf(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.repo.CreateSession(ctx, f.key, CreateSessionParams{
		Doc:            "text",
		MasterUserID:   testUserID,
		Servants:       []string{"s1"},
		MasterSocketID: "m1",
	})

	if err := f.svc.CheckSharingForServant(ctx, servantClient("s2")); err != nil {
		t.Fatalf("CheckSharingForServant() error = %v", err)
	}

	targets := f.wss.targets("UserJoined")
	if len(targets) != 2 {
		t.Fatalf("UserJoined targets = %v, want s1 and m1", targets)
	}
	for _, target := range targets {
		if target == "s2" {
			t.Error("joining servant was notified of its own join")
		}
	}
	got := map[string]bool{targets[0]: true, targets[1]: true}
	if !got["s1"] || !got["m1"] {
		t.Errorf("UserJoined targets = %v, want s1 and m1", targets)
	}
}

func TestMasterUserID_StableAcrossJoinOrder(t *testing.T) {
	ctx := context.Background()

	// Master first, then servant
	f1 := newFixture()
	f1.svc.CheckSharing(ctx, masterClient("m1"))
	f1.svc.CheckSharingForServant(ctx, servantClient("s1"))
	id1, _ := f1.repo.MasterUserID(ctx, f1.key)

	// Servant first, then master
	f2 := newFixture()
	f2.svc.CheckSharingForServant(ctx, servantClient("s1"))
	f2.svc.CheckSharing(ctx, masterClient("m1"))
	id2, _ := f2.repo.MasterUserID(ctx, f2.key)

	if id1 != testUserID || id2 != testUserID {
		t.Errorf("masterUserId = %d / %d, want %d regardless of join order", id1, id2, testUserID)
	}
}

// --- Leave ---

func TestRemoveServant_FiltersSnapshot(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.svc.CheckSharingForServant(ctx, servantClient("A"))
	f.svc.CheckSharingForServant(ctx, servantClient("B"))

	servants, _ := f.repo.Servants(ctx, f.key)
	if len(servants) != 2 || servants[0] != "A" || servants[1] != "B" {
		t.Fatalf("servants = %v, want [A B]", servants)
	}

	if err := f.svc.RemoveServant(ctx, f.key, servantClient("A"), servants); err != nil {
		t.Fatalf("RemoveServant() error = %v", err)
	}

	servants, _ = f.repo.Servants(ctx, f.key)
	if len(servants) != 1 || servants[0] != "B" {
		t.Errorf("servants after leave = %v, want [B]", servants)
	}
}

// --- Flush ---

func TestSaveFileStructure_EmptyDocIsNoOp(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	err := f.svc.SaveFileStructure(ctx, SaveParams{
		Key:             f.key,
		FileStructureID: testFSID,
		UserID:          testUserID,
	})
	if err != nil {
		t.Fatalf("SaveFileStructure() error = %v", err)
	}

	if len(f.files.replaced) != 0 {
		t.Errorf("ReplaceText calls = %d, want 0", len(f.files.replaced))
	}
}

func TestSaveFileStructure_CommitsDoc(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.repo.CreateSession(ctx, f.key, CreateSessionParams{
		Doc:          "final text",
		MasterUserID: testUserID,
	})

	err := f.svc.SaveFileStructure(ctx, SaveParams{
		Key:             f.key,
		FileStructureID: testFSID,
		UserID:          testUserID,
	})
	if err != nil {
		t.Fatalf("SaveFileStructure() error = %v", err)
	}

	if len(f.files.replaced) != 1 {
		t.Fatalf("ReplaceText calls = %d, want 1", len(f.files.replaced))
	}
	call := f.files.replaced[0]
	if call.text != "final text" {
		t.Errorf("replaced text = %q, want %q", call.text, "final text")
	}
	if call.fileStructureID != testFSID || call.userID != testUserID {
		t.Errorf("ReplaceText attribution = (%d, %d), want (%d, %d)",
			call.fileStructureID, call.userID, testFSID, testUserID)
	}
}

// --- Disconnect resolution ---

func TestDisconnectParams_ResolvesByRole(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.svc.CheckSharingForServant(ctx, servantClient("s1"))

	for _, c := range []*Client{masterClient("m1"), servantClient("s1")} {
		params, err := f.svc.DisconnectParams(ctx, c)
		if err != nil {
			t.Fatalf("DisconnectParams() error = %v", err)
		}
		if params.FileStructureID != testFSID {
			t.Errorf("FileStructureID = %d, want %d", params.FileStructureID, testFSID)
		}
		if params.Key != f.key {
			t.Errorf("Key = %q, want %q", params.Key, f.key)
		}
		if len(params.ActiveServants) != 1 || params.ActiveServants[0] != "s1" {
			t.Errorf("ActiveServants = %v, want [s1]", params.ActiveServants)
		}
	}
}

func TestDisconnectParams_MalformedHandshake(t *testing.T) {
	f := newFixture()

	_, err := f.svc.DisconnectParams(context.Background(), &Client{SocketID: "x"})
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("DisconnectParams() error = %v, want ErrBadRequest", err)
	}
}

// --- Cleanup ---

func TestDeleteIfAbandoned(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.repo.CreateSession(ctx, f.key, CreateSessionParams{
		Doc:          "text",
		MasterUserID: testUserID,
		Servants:     []string{"s1"},
	})

	deleted, err := f.svc.DeleteIfAbandoned(ctx, f.key)
	if err != nil {
		t.Fatalf("DeleteIfAbandoned() error = %v", err)
	}
	if deleted {
		t.Error("session deleted while a servant remains")
	}

	f.repo.SetServants(ctx, f.key, []string{})

	deleted, err = f.svc.DeleteIfAbandoned(ctx, f.key)
	if err != nil {
		t.Fatalf("DeleteIfAbandoned() error = %v", err)
	}
	if !deleted {
		t.Error("empty session not deleted")
	}

	exists, _ := f.repo.Exists(ctx, f.key)
	if exists {
		t.Error("session record still present")
	}
}

func TestDeleteIfAbandoned_KeepsSessionWithMaster(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.repo.CreateSession(ctx, f.key, CreateSessionParams{
		Doc:            "text",
		MasterUserID:   testUserID,
		MasterSocketID: "m1",
	})

	deleted, err := f.svc.DeleteIfAbandoned(ctx, f.key)
	if err != nil {
		t.Fatalf("DeleteIfAbandoned() error = %v", err)
	}
	if deleted {
		t.Error("session deleted while master is connected")
	}
}

// --- Snapshot push ---

func TestPushDoc_UpdatesAndBroadcasts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.repo.CreateSession(ctx, f.key, CreateSessionParams{
		Doc:            "old",
		MasterUserID:   testUserID,
		Servants:       []string{"s1", "s2"},
		MasterSocketID: "m1",
	})

	if err := f.svc.PushDoc(ctx, servantClient("s1"), "new text"); err != nil {
		t.Fatalf("PushDoc() error = %v", err)
	}

	doc, _ := f.repo.Doc(ctx, f.key)
	if doc != "new text" {
		t.Errorf("doc = %q, want %q", doc, "new text")
	}

	targets := f.wss.targets("doc_state")
	if len(targets) != 2 {
		t.Fatalf("doc_state targets = %v, want s2 and m1", targets)
	}
	for _, target := range targets {
		if target == "s1" {
			t.Error("sender received its own snapshot")
		}
	}
}
