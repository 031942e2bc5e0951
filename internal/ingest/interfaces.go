package ingest

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by an ObjectStore when the object does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrPreconditionFailed is returned when a generation condition does not hold.
	ErrPreconditionFailed = errors.New("generation precondition failed")
	// ErrConcurrentModification means the master log changed between read and write.
	ErrConcurrentModification = errors.New("master log modified concurrently")
	// ErrNotConfigured means no object store was wired in.
	ErrNotConfigured = errors.New("object store is not configured")
)

// Unconditional disables the generation check in ObjectStore.Write.
const Unconditional int64 = -1

// ObjectStore is a flat, generation-versioned object namespace.
//
// Generations are positive and change on every write. Passing ifGeneration 0
// to Write means the object must not exist yet; Unconditional skips the check.
type ObjectStore interface {
	Read(ctx context.Context, name string) (data []byte, generation int64, err error)
	Write(ctx context.Context, name, contentType string, data []byte, ifGeneration int64) error
	List(ctx context.Context, prefix string) ([]string, error)
	Copy(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, names ...string) error
}

// Ledger records fragments after they are written.
type Ledger interface {
	RecordFragment(ctx context.Context, rec FragmentRecord) error
}

// Publisher pushes consolidation events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces fallback message IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// FragmentRecord describes one fragment written by the Ingestor.
type FragmentRecord struct {
	ObjectName     string
	MessageID      string
	EntryTimestamp string
	ReceivedAt     time.Time
}
