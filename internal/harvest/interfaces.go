package harvest

import (
	"context"
	"io"
	"time"
)

// ScheduleStore persists institutions and jobs.
type ScheduleStore interface {
	GetInstitution(ctx context.Context, id int) (Institution, error)
	ListInstitutions(ctx context.Context) ([]Institution, error)
	AddInstitution(ctx context.Context, inst Institution) (int, error)
	UpdateInstitution(ctx context.Context, id int, inst Institution) error
	RemoveInstitution(ctx context.Context, id int) error

	GetJob(ctx context.Context, id int) (Job, error)
	ListJobs(ctx context.Context) ([]Job, error)
	AddJob(ctx context.Context, job Job) (int, error)
	UpdateJob(ctx context.Context, id int, job Job) error
	RemoveJob(ctx context.Context, id int) error
	SetLastSuccessfulRun(ctx context.Context, id int, at time.Time) error
}

// MetadataSource lists sets, formats and records from a remote repository.
type MetadataSource interface {
	ListSets(ctx context.Context, baseURL string) ([]Set, error)
	ListMetadataFormats(ctx context.Context, baseURL string) ([]string, error)
	ListRecords(ctx context.Context, baseURL string, sets []string, prefix string, since *time.Time) ([]RawRecord, error)
}

// SearchIndex writes and queries search documents.
type SearchIndex interface {
	AddDocuments(ctx context.Context, docs []IndexDocument) error
	DeleteByIDs(ctx context.Context, ids []string) error
	DeleteByQuery(ctx context.Context, q Query) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Query(ctx context.Context, q Query, limit int) ([]IndexDocument, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Prober reports the Content-Type a URL would serve, without downloading it.
type Prober interface {
	ContentType(ctx context.Context, url string) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Limiter throttles outbound requests per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// FireQueue hands queued fires to workers.
type FireQueue interface {
	Dequeue(ctx context.Context) (Fire, error)
}

// Hasher computes digests for archive paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces event and request IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
