package collab

import (
	"context"
	"errors"

	"github.com/vellum-app/vellum-server/internal/content"
	"github.com/vellum-app/vellum-server/internal/protocol"
	"github.com/vellum-app/vellum-server/internal/storage"
)

// ShareService answers public-share questions for the master join path
type ShareService interface {
	ShareIsEnabled(ctx context.Context, userID, fileStructureID int64) (bool, error)
	ShareByFileAndUser(ctx context.Context, fileStructureID, userID int64) (*storage.PublicShare, error)
}

// FileService is the durable document repository
type FileService interface {
	FileStructureByID(ctx context.Context, userID, fileStructureID int64) (*storage.FileStructure, error)
	PathByID(ctx context.Context, userID, fileStructureID int64) (string, error)
	ReplaceText(ctx context.Context, fileStructureID int64, text string, userID int64) error
}

// ContentReader reads document source files
type ContentReader interface {
	ReadFile(userUUID, path string) (string, error)
}

// Emitter fans an event out to one socket id, wherever its physical
// connection lives. Delivery is fire-and-forget.
type Emitter interface {
	Emit(socketID, event string, payload interface{})
}

// Auth is the handshake payload of a master connection (the document
// owner with direct, non-shared access).
type Auth struct {
	FileStructureID int64
	UserID          int64
	UserUUID        string
}

// Data is the handshake payload of a servant connection (joined via a
// public share link). The user identity is the document owner's, resolved
// by upstream middleware from the shared hash.
type Data struct {
	FileStructureID  int64
	SharedUniqueHash string
	UserID           int64
	UserUUID         string
}

// Handshake carries the per-connection join parameters. Exactly one of
// Auth or Data is meaningful depending on IsServant.
type Handshake struct {
	IsServant bool
	Auth      Auth
	Data      Data
}

// Client is one socket participating in a session
type Client struct {
	SocketID  string
	Handshake Handshake
}

func (c *Client) fileStructureID() int64 {
	if c.Handshake.IsServant {
		return c.Handshake.Data.FileStructureID
	}
	return c.Handshake.Auth.FileStructureID
}

func (c *Client) userID() int64 {
	if c.Handshake.IsServant {
		return c.Handshake.Data.UserID
	}
	return c.Handshake.Auth.UserID
}

// UserID returns the acting user id for this connection
func (c *Client) UserID() int64 { return c.userID() }

// UserUUID returns the content-directory owner uuid for this connection
func (c *Client) UserUUID() string {
	if c.Handshake.IsServant {
		return c.Handshake.Data.UserUUID
	}
	return c.Handshake.Auth.UserUUID
}

// DisconnectParams carries everything the teardown flow needs
type DisconnectParams struct {
	FileStructureID int64
	Key             string
	ActiveServants  []string
}

// SaveParams identifies a flush target
type SaveParams struct {
	Key             string
	FileStructureID int64
	UserID          int64
}

// Service orchestrates session join, membership notification and
// teardown/flush. It is the only component with business logic; the
// repository and lock manager below it only serialize.
type Service struct {
	repo   *SessionRepo
	locks  *LockManager
	shares ShareService
	files  FileService
	reader ContentReader
	wss    Emitter
}

// NewService creates a collaboration session service
func NewService(repo *SessionRepo, locks *LockManager, shares ShareService, files FileService, reader ContentReader, wss Emitter) *Service {
	return &Service{
		repo:   repo,
		locks:  locks,
		shares: shares,
		files:  files,
		reader: reader,
		wss:    wss,
	}
}

// SetLock takes the advisory lock for this client's document. Expiry
// bounds a dangling key if the holder crashes.
func (s *Service) SetLock(ctx context.Context, c *Client) error {
	return s.locks.SetLock(ctx, c.fileStructureID(), c.SocketID)
}

// RemoveLock releases this client's advisory lock
func (s *Service) RemoveLock(ctx context.Context, c *Client) error {
	return s.locks.RemoveLock(ctx, c.fileStructureID())
}

// CheckSharing is the master join path, invoked when the document owner
// opens a shared document. A no-op when sharing is disabled.
func (s *Service) CheckSharing(ctx context.Context, c *Client) error {
	auth := c.Handshake.Auth

	enabled, err := s.shares.ShareIsEnabled(ctx, auth.UserID, auth.FileStructureID)
	if err != nil {
		return err
	}
	if !enabled {
		return nil
	}

	share, err := s.shares.ShareByFileAndUser(ctx, auth.FileStructureID, auth.UserID)
	if err != nil {
		return err
	}

	key := SessionKey(share.FileStructure.SharedUniqueHash)

	// Existence must be checked before touching masterSocketId
	exists, err := s.repo.Exists(ctx, key)
	if err != nil {
		return err
	}

	if !exists {
		documentText, err := s.reader.ReadFile(auth.UserUUID, share.FileStructure.Path)
		if err != nil {
			if errors.Is(err, content.ErrFileNotFound) {
				return ErrFileNotFound
			}
			return err
		}

		if err := s.repo.CreateSession(ctx, key, CreateSessionParams{
			Doc:            documentText,
			MasterSocketID: c.SocketID,
			MasterUserID:   auth.UserID,
			Servants:       []string{},
			Updates:        []string{},
		}); err != nil {
			return err
		}
	} else {
		// Reconnecting master inherits doc/servants/updates as-is
		if err := s.repo.SetMasterSocketID(ctx, key, c.SocketID); err != nil {
			return err
		}
	}

	// Notify everyone of the join, fire-and-forget
	servants, err := s.repo.Servants(ctx, key)
	if err != nil {
		return err
	}
	for _, socketID := range servants {
		s.wss.Emit(socketID, protocol.TypeUserJoined, protocol.UserJoinedPayload{SocketID: c.SocketID})
	}

	return nil
}

// CheckSharingForServant is the servant join path, invoked when any user
// opens a document via a public share link. Share enablement was already
// verified by upstream middleware.
func (s *Service) CheckSharingForServant(ctx context.Context, c *Client) error {
	data := c.Handshake.Data
	key := SessionKey(data.SharedUniqueHash)

	// Existence must be checked before touching masterSocketId
	exists, err := s.repo.Exists(ctx, key)
	if err != nil {
		return err
	}

	if !exists {
		fsPath, err := s.files.PathByID(ctx, data.UserID, data.FileStructureID)
		if err != nil {
			return err
		}

		documentText, err := s.reader.ReadFile(data.UserUUID, fsPath)
		if err != nil {
			if errors.Is(err, content.ErrFileNotFound) {
				return ErrFileNotFound
			}
			return err
		}

		if err := s.repo.CreateSession(ctx, key, CreateSessionParams{
			Doc:            documentText,
			MasterSocketID: "",
			MasterUserID:   data.UserID,
			Servants:       []string{c.SocketID},
			Updates:        []string{},
		}); err != nil {
			return err
		}
	} else {
		if err := s.repo.AddServant(ctx, key, c.SocketID); err != nil {
			return err
		}
	}

	// Notify servants and master of the join, excluding the joiner itself
	servants, err := s.repo.Servants(ctx, key)
	if err != nil {
		return err
	}
	masterSocketID, err := s.repo.MasterSocketID(ctx, key)
	if err != nil {
		return err
	}

	targets := servants
	if masterSocketID != "" {
		targets = append(targets, masterSocketID)
	}
	for _, socketID := range targets {
		if socketID != c.SocketID {
			s.wss.Emit(socketID, protocol.TypeUserJoined, protocol.UserJoinedPayload{SocketID: c.SocketID})
		}
	}

	return nil
}

// RemoveServant drops the leaving socket from the pre-fetched servant
// snapshot and overwrites the list. A full replace, not an atomic
// removal: interleaved joins can be lost, self-correcting on the next
// full list read.
func (s *Service) RemoveServant(ctx context.Context, key string, c *Client, activeServants []string) error {
	newServants := make([]string, 0, len(activeServants))
	for _, id := range activeServants {
		if id != c.SocketID {
			newServants = append(newServants, id)
		}
	}
	return s.repo.SetServants(ctx, key, newServants)
}

// RemoveMasterSocketID nulls out the master slot on master disconnect
func (s *Service) RemoveMasterSocketID(ctx context.Context, key string) error {
	return s.repo.RemoveMasterSocketID(ctx, key)
}

// SaveFileStructure commits the live document snapshot back to durable
// storage. The only path that persists collaboration state; an empty or
// absent doc is a no-op.
func (s *Service) SaveFileStructure(ctx context.Context, params SaveParams) error {
	text, err := s.repo.Doc(ctx, params.Key)
	if err != nil {
		return err
	}
	if text == "" {
		return nil
	}

	return s.files.ReplaceText(ctx, params.FileStructureID, text, params.UserID)
}

// DisconnectParams resolves the acting document id and session state for
// a disconnecting connection. The id source differs by role: auth payload
// for masters, data payload for servants. An unresolvable id signals a
// malformed handshake and the caller simply drops the connection.
func (s *Service) DisconnectParams(ctx context.Context, c *Client) (*DisconnectParams, error) {
	fileStructureID := c.fileStructureID()
	userID := c.userID()

	if fileStructureID == 0 || userID == 0 {
		return nil, NewBadRequestError("missing fileStructureId or userId")
	}

	fs, err := s.files.FileStructureByID(ctx, userID, fileStructureID)
	if err != nil {
		return nil, err
	}

	key, servants, err := s.ServantsBySharedUniqueHash(ctx, fs.SharedUniqueHash)
	if err != nil {
		return nil, err
	}

	return &DisconnectParams{
		FileStructureID: fileStructureID,
		Key:             key,
		ActiveServants:  servants,
	}, nil
}

// ServantsBySharedUniqueHash resolves the session key and its current
// servant list from a document's sharing hash
func (s *Service) ServantsBySharedUniqueHash(ctx context.Context, sharedUniqueHash string) (string, []string, error) {
	key := SessionKey(sharedUniqueHash)
	servants, err := s.repo.Servants(ctx, key)
	if err != nil {
		return "", nil, err
	}
	return key, servants, nil
}

// PushDoc replaces the live document snapshot with the one a participant
// sent and fans it out to the other participants. Whole snapshots only;
// merging happens client-side.
func (s *Service) PushDoc(ctx context.Context, c *Client, doc string) error {
	key, err := s.sessionKeyFor(ctx, c)
	if err != nil {
		return err
	}

	if err := s.repo.SetDoc(ctx, key, doc); err != nil {
		return err
	}

	servants, err := s.repo.Servants(ctx, key)
	if err != nil {
		return err
	}
	masterSocketID, err := s.repo.MasterSocketID(ctx, key)
	if err != nil {
		return err
	}

	targets := servants
	if masterSocketID != "" {
		targets = append(targets, masterSocketID)
	}
	for _, socketID := range targets {
		if socketID != c.SocketID {
			s.wss.Emit(socketID, protocol.TypeDocState, map[string]interface{}{
				"doc":      doc,
				"socketId": c.SocketID,
			})
		}
	}

	return nil
}

func (s *Service) sessionKeyFor(ctx context.Context, c *Client) (string, error) {
	if c.Handshake.IsServant {
		return SessionKey(c.Handshake.Data.SharedUniqueHash), nil
	}
	fs, err := s.files.FileStructureByID(ctx, c.Handshake.Auth.UserID, c.Handshake.Auth.FileStructureID)
	if err != nil {
		return "", err
	}
	return SessionKey(fs.SharedUniqueHash), nil
}

// DeleteIfAbandoned removes the session record once no master and no
// servants remain. Reports whether the record was deleted.
func (s *Service) DeleteIfAbandoned(ctx context.Context, key string) (bool, error) {
	masterSocketID, err := s.repo.MasterSocketID(ctx, key)
	if err != nil {
		return false, err
	}
	if masterSocketID != "" {
		return false, nil
	}

	servants, err := s.repo.Servants(ctx, key)
	if err != nil {
		return false, err
	}
	if len(servants) > 0 {
		return false, nil
	}

	if err := s.repo.DeleteSession(ctx, key); err != nil {
		return false, err
	}
	return true, nil
}
