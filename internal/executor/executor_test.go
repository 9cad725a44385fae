package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/prl-harvester/internal/clock/system"
	"github.com/JakeFAU/prl-harvester/internal/harvest"
	indexmemory "github.com/JakeFAU/prl-harvester/internal/index/memory"
	storememory "github.com/JakeFAU/prl-harvester/internal/storage/memory"
	"github.com/JakeFAU/prl-harvester/internal/transform"
)

const repoURL = "https://repo.example.edu/oai"

type fakeSource struct {
	mu         sync.Mutex
	sets       []harvest.Set
	records    []harvest.RawRecord
	setsErr    error
	recordsErr error
	gotSets    []string
	gotSince   *time.Time
}

func (f *fakeSource) ListSets(context.Context, string) ([]harvest.Set, error) {
	return f.sets, f.setsErr
}

func (f *fakeSource) ListMetadataFormats(context.Context, string) ([]string, error) {
	return []string{harvest.MetadataPrefixDC}, nil
}

func (f *fakeSource) ListRecords(_ context.Context, _ string, sets []string, _ string, since *time.Time) ([]harvest.RawRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotSets = sets
	f.gotSince = since
	return f.records, f.recordsErr
}

type noImages struct{}

func (noImages) ContentType(context.Context, string) (string, error) {
	return "text/html", nil
}

// countingIndex wraps the memory index, counting calls and optionally failing adds.
type countingIndex struct {
	*indexmemory.Index
	mu        sync.Mutex
	adds      int
	deletes   int
	rollbacks int
	failAdd   error
}

func (c *countingIndex) AddDocuments(ctx context.Context, docs []harvest.IndexDocument) error {
	c.mu.Lock()
	c.adds++
	fail := c.failAdd
	c.mu.Unlock()
	if fail != nil {
		return fail
	}
	return c.Index.AddDocuments(ctx, docs)
}

func (c *countingIndex) DeleteByIDs(ctx context.Context, ids []string) error {
	c.mu.Lock()
	c.deletes++
	c.mu.Unlock()
	return c.Index.DeleteByIDs(ctx, ids)
}

func (c *countingIndex) Rollback(ctx context.Context) error {
	c.mu.Lock()
	c.rollbacks++
	c.mu.Unlock()
	return c.Index.Rollback(ctx)
}

type fixture struct {
	exec   *Executor
	source *fakeSource
	index  *countingIndex
	job    harvest.Job
	start  time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storememory.NewScheduleStore()
	instID, err := store.AddInstitution(ctx, harvest.Institution{Name: "Example Library"})
	require.NoError(t, err)

	start := time.Date(2026, 10, 19, 2, 0, 0, 0, time.UTC)
	source := &fakeSource{sets: []harvest.Set{{Spec: "photos", Name: "Photographs"}, {Spec: "maps", Name: "Maps"}}}
	index := &countingIndex{Index: indexmemory.New()}
	exec := New(cfg, Deps{
		Source:       source,
		Institutions: store,
		Index:        index,
		Transformer:  transform.New(transform.Options{Prober: noImages{}}),
		Clock:        system.NewManual(start),
	})
	job := harvest.Job{
		InstitutionID:          instID,
		RepositoryBaseURL:      repoURL,
		MetadataPrefix:         harvest.MetadataPrefixDC,
		ScheduleCronExpression: "0 0 2 * * ?",
	}.WithID(9)
	return &fixture{exec: exec, source: source, index: index, job: job, start: start}
}

func liveRecord(n int, fields ...harvest.Field) harvest.RawRecord {
	return harvest.RawRecord{
		Identifier: fmt.Sprintf("oai:repo.example.edu:item-%d", n),
		SetSpecs:   []string{"photos"},
		Fields:     append([]harvest.Field{{Name: "title", Value: fmt.Sprintf("Item %d", n)}}, fields...),
	}
}

func TestRunFiveRecordsOneThumbnail(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.source.records = []harvest.RawRecord{
		liveRecord(1,
			harvest.Field{Name: "identifier", Value: "https://repo.example.edu/items/item-1"},
			harvest.Field{Name: "identifier.thumbnail", Value: "https://repo.example.edu/thumbs/item-1.png"},
		),
		liveRecord(2, harvest.Field{Name: "identifier", Value: "https://repo.example.edu/items/item-2"}),
		liveRecord(3, harvest.Field{Name: "identifier", Value: "https://mirror.example.org/item-3"}),
		liveRecord(4),
		liveRecord(5, harvest.Field{Name: "date", Value: "1973-08"}),
	}

	result, err := f.exec.Run(context.Background(), f.job)
	require.NoError(t, err)
	require.Equal(t, harvest.JobResult{JobID: 9, StartTime: f.start, RecordCount: 5}, result)
	require.Equal(t, []string{"photos", "maps"}, f.source.gotSets)
	require.Nil(t, f.source.gotSince)

	require.Equal(t, 5, f.index.Len())
	thumbnails := 0
	for n := 1; n <= 5; n++ {
		doc, ok := f.index.Get(fmt.Sprintf("oai:repo.example.edu:item-%d", n))
		require.True(t, ok)
		require.Equal(t, "Example Library", doc["institutionName"])
		require.Equal(t, []string{"Photographs"}, doc["collectionName"])
		if _, ok := doc["thumbnail_url"]; ok {
			thumbnails++
		}
		_, hasLink := doc["external_link"]
		require.Equal(t, n <= 3, hasLink, "item %d", n)
	}
	require.Equal(t, 1, thumbnails)

	doc, _ := f.index.Get("oai:repo.example.edu:item-5")
	require.Equal(t, []int{1970}, doc["decade"])
	require.Equal(t, 1, f.index.Commits())
}

func TestRunUsesJobSetsAndSince(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	last := f.start.Add(-24 * time.Hour)
	f.job.Sets = []string{"maps"}
	f.job.LastSuccessfulRun = &last

	result, err := f.exec.Run(context.Background(), f.job)
	require.NoError(t, err)
	require.Equal(t, []string{"maps"}, f.source.gotSets)
	require.Equal(t, &last, f.source.gotSince)
	require.Zero(t, result.RecordCount)

	// Nothing to write means no index traffic at all.
	require.Zero(t, f.index.adds)
	require.Zero(t, f.index.Commits())
}

func TestRunDeletedRecords(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.index.Index.AddDocuments(ctx, []harvest.IndexDocument{{"id": "oai:repo.example.edu:gone"}}))
	require.NoError(t, f.index.Index.Commit(ctx))

	f.source.records = []harvest.RawRecord{
		liveRecord(1),
		{Identifier: "oai:repo.example.edu:gone", Deleted: true},
	}
	result, err := f.exec.Run(ctx, f.job)
	require.NoError(t, err)
	require.Equal(t, 1, result.RecordCount)
	require.Equal(t, 1, result.DeletedRecordCount)
	require.Equal(t, 1, f.index.deletes)
	_, ok := f.index.Get("oai:repo.example.edu:gone")
	require.False(t, ok)
}

func TestRunBatchesDocuments(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxBatchSize: 2, TransformConcurrency: 3})
	for n := 1; n <= 5; n++ {
		f.source.records = append(f.source.records, liveRecord(n))
	}
	_, err := f.exec.Run(context.Background(), f.job)
	require.NoError(t, err)
	require.Equal(t, 3, f.index.adds)
	require.Equal(t, 5, f.index.Len())
}

func TestRunUnreachableRepository(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.source.setsErr = errors.New("dial tcp: connection refused")

	_, err := f.exec.Run(context.Background(), f.job)
	require.Error(t, err)
	require.True(t, harvest.IsKind(err, harvest.KindFetch))
	require.Zero(t, f.index.adds)
	require.Nil(t, f.source.gotSets)
}

func TestRunListRecordsErrorKeepsKind(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.source.recordsErr = harvest.Errorf(harvest.KindFetch, "list records", "badResumptionToken")
	_, err := f.exec.Run(context.Background(), f.job)
	require.True(t, harvest.IsKind(err, harvest.KindFetch))
}

func TestRunIndexFailureRollsBack(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.source.records = []harvest.RawRecord{liveRecord(1)}
	f.index.failAdd = errors.New("solr down")

	_, err := f.exec.Run(context.Background(), f.job)
	require.True(t, harvest.IsKind(err, harvest.KindIndex))
	require.Equal(t, 1, f.index.rollbacks)
	require.Zero(t, f.index.Commits())
}

func TestRunValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	noID := f.job
	noID.ID = nil
	_, err := f.exec.Run(context.Background(), noID)
	require.True(t, harvest.IsKind(err, harvest.KindValidation))

	badURL := f.job
	badURL.RepositoryBaseURL = "::"
	_, err = f.exec.Run(context.Background(), badURL)
	require.True(t, harvest.IsKind(err, harvest.KindValidation))

	orphan := f.job
	orphan.InstitutionID = 404
	_, err = f.exec.Run(context.Background(), orphan)
	require.True(t, harvest.IsKind(err, harvest.KindNotFound))
}
