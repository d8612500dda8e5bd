package crawler

import (
	"context"
	"time"

	"github.com/JakeFAU/edgar-index/internal/index"
)

// Fetcher retrieves one archive resource. A nil Document with a nil error
// means the resource is absent (the request timed out).
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Document, error)
}

// Checkpointer persists full index snapshots. Load returns an empty snapshot
// when nothing has been stored yet.
type Checkpointer interface {
	Load(ctx context.Context) (index.Snapshot, error)
	Save(ctx context.Context, snap index.Snapshot) error
}

// TickerResolver fills in missing tickers on the index.
type TickerResolver interface {
	ResolveAll(ctx context.Context, idx *index.Index) ResolutionReport
}

// Publisher pushes run summaries to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) (string, error)
}

// RunRecorder keeps a history of run summaries.
type RunRecorder interface {
	RecordRun(ctx context.Context, summary Summary) error
}

// Hasher computes digests for integrity checks.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
