package coordination

import (
	"context"
	"errors"
	"time"
)

// Store errors. Callers branch on these with errors.Is; everything else
// coming out of a Store is a transport problem.
var (
	// ErrNodeExists indicates a create collided with an existing node.
	ErrNodeExists = errors.New("node already exists")

	// ErrNoNode indicates the addressed node does not exist.
	ErrNoNode = errors.New("node not found")

	// ErrVersionConflict indicates a CAS write lost the race and must be
	// retried from a fresh read.
	ErrVersionConflict = errors.New("version conflict")

	// ErrLockTimeout indicates a lock could not be acquired within the
	// bounded wait.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrSessionExpired indicates the store session died. Watches are dead
	// after this and must be re-established.
	ErrSessionExpired = errors.New("session expired")
)

// EventType classifies watch events.
type EventType int

const (
	// EventNodeChanged fires when a node's data changed or the node was
	// created or deleted.
	EventNodeChanged EventType = iota

	// EventChildrenChanged fires when the child set under the watched path
	// changed.
	EventChildrenChanged

	// EventSessionExpired fires once when the underlying session dies. The
	// watch channel is closed afterwards; the subscriber must re-subscribe
	// and resynchronize.
	EventSessionExpired
)

// Event is a single watch notification.
type Event struct {
	Type EventType
	Path string
}

// Lock is a held distributed lock.
type Lock interface {
	// Release gives the lock up. Safe to call exactly once.
	Release() error
}

// Store is the client contract against the coordination service. Values are
// opaque bytes; versions are the store's own node versions and serve as CAS
// tokens.
type Store interface {
	// Create writes a new node. Fails with ErrNodeExists when the node is
	// already present.
	Create(path string, data []byte) error

	// Get reads a node's data and its current version. Fails with ErrNoNode.
	Get(path string) ([]byte, int32, error)

	// Set overwrites a node's data iff the stored version still matches.
	// Fails with ErrVersionConflict on a stale version and ErrNoNode when
	// the node is gone.
	Set(path string, data []byte, version int32) error

	// Delete removes a node iff the stored version still matches (pass -1 to
	// skip the check). Fails with ErrNoNode.
	Delete(path string, version int32) error

	// Children lists the names of the direct children of path. A missing
	// path yields an empty list.
	Children(path string) ([]string, error)

	// EnsurePath creates the path and any missing parents. Existing nodes
	// are left untouched.
	EnsurePath(path string) error

	// AcquireLock takes the named distributed lock, waiting at most timeout.
	// The lock is backed by a session-scoped ephemeral node: if the holder's
	// process dies, the lock releases itself when the session times out.
	AcquireLock(ctx context.Context, name string, timeout time.Duration) (Lock, error)

	// Watch subscribes to changes under path (the node's children and their
	// data). The channel closes when ctx is cancelled or after the session
	// expires; a session expiry is signalled with one EventSessionExpired
	// before close.
	Watch(ctx context.Context, path string) (<-chan Event, error)

	// Close tears the client down.
	Close()
}
