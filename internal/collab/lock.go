package collab

import (
	"context"
	"time"

	"github.com/vellum-app/vellum-server/internal/storage"
)

// LockTTL bounds how long an advisory document lock can outlive a crashed
// holder. Self-expiry is the lock's only guaranteed effect.
const LockTTL = 2 * 24 * time.Hour

// LockManager acquires and releases the advisory per-document lock used
// to serialize file hydration and flush. SetLock is an unconditional
// overwrite, not a compare-and-swap: it cannot prevent two holders from
// both believing they hold the lock.
type LockManager struct {
	kv storage.KeyValue
}

// NewLockManager creates a lock manager over a key-value store
func NewLockManager(kv storage.KeyValue) *LockManager {
	return &LockManager{kv: kv}
}

// SetLock takes the lock for the given holder, overwriting any dangling
// key and refreshing the expiry.
func (m *LockManager) SetLock(ctx context.Context, fileStructureID int64, holderSocketID string) error {
	return m.kv.SetTTL(ctx, LockKey(fileStructureID), holderSocketID, LockTTL)
}

// RemoveLock releases the lock
func (m *LockManager) RemoveLock(ctx context.Context, fileStructureID int64) error {
	return m.kv.Del(ctx, LockKey(fileStructureID))
}
