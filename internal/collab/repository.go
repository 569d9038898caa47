// Package collab implements the real-time collaborative document session
// core: the per-document session record in Redis, the advisory document
// lock, and the join/leave/flush state machine on top of them.
package collab

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/vellum-app/vellum-server/internal/storage"
)

// Session record hash fields
const (
	fieldDoc            = "doc"
	fieldMasterSocketID = "masterSocketId"
	fieldMasterUserID   = "masterUserId"
	fieldServants       = "servants"
	fieldUpdates        = "updates"
)

// nullSentinel encodes an absent master socket id. Redis cannot hold a
// genuine null scalar distinct from a missing field, so absence is stored
// as the serialized JSON null and decoded back on every read.
const nullSentinel = "null"

func encodeMasterSocketID(socketID string) string {
	if socketID == "" {
		return nullSentinel
	}
	return socketID
}

func decodeMasterSocketID(raw string) string {
	if raw == nullSentinel {
		return ""
	}
	return raw
}

// CreateSessionParams is the full session record written on creation.
// An empty MasterSocketID means no master is connected.
type CreateSessionParams struct {
	Doc            string
	MasterUserID   int64
	Servants       []string
	Updates        []string
	MasterSocketID string
}

// SessionRepo builds and mutates per-document session records. It holds
// no business logic beyond serialization.
type SessionRepo struct {
	kv storage.KeyValue
}

// NewSessionRepo creates a session repository over a key-value store
func NewSessionRepo(kv storage.KeyValue) *SessionRepo {
	return &SessionRepo{kv: kv}
}

// MasterSocketID returns the current master socket id, or "" when no
// master is connected.
func (r *SessionRepo) MasterSocketID(ctx context.Context, key string) (string, error) {
	raw, ok, err := r.kv.HGet(ctx, key, fieldMasterSocketID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return decodeMasterSocketID(raw), nil
}

// SetMasterSocketID overwrites the master socket id. Last writer wins;
// the previous holder is implicitly invalidated.
func (r *SessionRepo) SetMasterSocketID(ctx context.Context, key, socketID string) error {
	return r.kv.HSet(ctx, key, fieldMasterSocketID, encodeMasterSocketID(socketID))
}

// RemoveMasterSocketID writes the null sentinel back rather than deleting
// the field.
func (r *SessionRepo) RemoveMasterSocketID(ctx context.Context, key string) error {
	return r.kv.HSet(ctx, key, fieldMasterSocketID, nullSentinel)
}

// AddServant appends a servant socket id if not already present. The
// read-modify-write is not atomic: two joins in the same instant can race
// and the last writer wins.
func (r *SessionRepo) AddServant(ctx context.Context, key, socketID string) error {
	servants, err := r.Servants(ctx, key)
	if err != nil {
		return err
	}

	for _, id := range servants {
		if id == socketID {
			return nil
		}
	}

	return r.SetServants(ctx, key, append(servants, socketID))
}

// Servants returns the servant socket ids in join order. A missing key or
// malformed payload degrades to an empty list.
func (r *SessionRepo) Servants(ctx context.Context, key string) ([]string, error) {
	raw, ok, err := r.kv.HGet(ctx, key, fieldServants)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []string{}, nil
	}

	var servants []string
	if err := json.Unmarshal([]byte(raw), &servants); err != nil {
		return []string{}, nil
	}
	if servants == nil {
		return []string{}, nil
	}
	return servants, nil
}

// SetServants unconditionally overwrites the servant list
func (r *SessionRepo) SetServants(ctx context.Context, key string, servants []string) error {
	if servants == nil {
		servants = []string{}
	}
	encoded, err := json.Marshal(servants)
	if err != nil {
		return err
	}
	return r.kv.HSet(ctx, key, fieldServants, string(encoded))
}

// Doc returns the current document snapshot, "" when absent
func (r *SessionRepo) Doc(ctx context.Context, key string) (string, error) {
	doc, _, err := r.kv.HGet(ctx, key, fieldDoc)
	return doc, err
}

// SetDoc overwrites the document snapshot
func (r *SessionRepo) SetDoc(ctx context.Context, key, doc string) error {
	return r.kv.HSet(ctx, key, fieldDoc, doc)
}

// MasterUserID returns the session owner's user id, 0 when absent
func (r *SessionRepo) MasterUserID(ctx context.Context, key string) (int64, error) {
	raw, ok, err := r.kv.HGet(ctx, key, fieldMasterUserID)
	if err != nil || !ok {
		return 0, err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, nil
	}
	return id, nil
}

// Exists reports whether a session record is present
func (r *SessionRepo) Exists(ctx context.Context, key string) (bool, error) {
	return r.kv.Exists(ctx, key)
}

// CreateSession writes a whole session record as one batch of field sets.
// This is the only creation path.
func (r *SessionRepo) CreateSession(ctx context.Context, key string, params CreateSessionParams) error {
	servants := params.Servants
	if servants == nil {
		servants = []string{}
	}
	updates := params.Updates
	if updates == nil {
		updates = []string{}
	}

	servantsJSON, err := json.Marshal(servants)
	if err != nil {
		return err
	}
	updatesJSON, err := json.Marshal(updates)
	if err != nil {
		return err
	}

	return r.kv.HSetAll(ctx, key, map[string]string{
		fieldDoc:            params.Doc,
		fieldMasterSocketID: encodeMasterSocketID(params.MasterSocketID),
		fieldMasterUserID:   strconv.FormatInt(params.MasterUserID, 10),
		fieldServants:       string(servantsJSON),
		fieldUpdates:        string(updatesJSON),
	})
}

// DeleteSession removes the whole session record
func (r *SessionRepo) DeleteSession(ctx context.Context, key string) error {
	return r.kv.Del(ctx, key)
}
