package collab

import "strconv"

const (
	sessionKeyPrefix = "Document:session:"
	lockKeyPrefix    = "fs-lock:"
)

// SessionKey derives the canonical session key from a document's public
// sharing hash. Two clients opening the same shared document always
// resolve to the same key.
func SessionKey(sharedUniqueHash string) string {
	return sessionKeyPrefix + sharedUniqueHash
}

// LockKey derives the advisory lock key from a file structure id
func LockKey(fileStructureID int64) string {
	return lockKeyPrefix + strconv.FormatInt(fileStructureID, 10)
}
