package harvest

import (
	"context"
	"io"
	"time"
)

// Fetcher executes a single WorkUnit and returns the raw payload. Transport
// details (plain HTTP vs a full browser session) stay behind this interface.
type Fetcher interface {
	Fetch(ctx context.Context, unit WorkUnit) (FetchResult, error)
}

// Extractor turns one fetched payload into records plus any follow-on units
// discovered on the page (issue links, next index pages). Returning zero
// records with a nil error means the page had nothing extractable; that is
// counted separately from failures.
type Extractor interface {
	Extract(payload []byte, unit WorkUnit) ([]Record, []WorkUnit, error)
}

// Discoverer enumerates targets from a seed. Implementations emit targets
// lazily as they are found; a failed discovery page degrades to a partial
// list rather than aborting the run.
type Discoverer interface {
	Discover(ctx context.Context, emit func(Target)) error
}

// DedupIndex records accepted identities. Accept returns true exactly once
// per identity. Implementations must be safe for concurrent use.
type DedupIndex interface {
	Accept(identity string) bool
	Len() int
}

// RecordSink accumulates accepted records for durable batched persistence.
type RecordSink interface {
	Add(ctx context.Context, records []Record) error
	Flush(ctx context.Context) error
}

// ArtifactStore writes one independently-readable artifact per call and
// returns its URI. Artifacts are never rewritten.
type ArtifactStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
