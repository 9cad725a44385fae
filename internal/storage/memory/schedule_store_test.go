package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/prl-harvester/internal/harvest"
)

func email(s string) *string { return &s }

func TestScheduleStoreInstitutions(t *testing.T) {
	t.Parallel()

	store := NewScheduleStore()
	ctx := context.Background()

	zID, err := store.AddInstitution(ctx, harvest.Institution{Name: "Zeta", Email: email("z@example.edu")})
	require.NoError(t, err)
	aID, err := store.AddInstitution(ctx, harvest.Institution{Name: "Alpha"})
	require.NoError(t, err)
	require.Equal(t, 1, zID)
	require.Equal(t, 2, aID)

	list, err := store.ListInstitutions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "Alpha", list[0].Name)

	got, err := store.GetInstitution(ctx, zID)
	require.NoError(t, err)
	*got.Email = "changed"
	again, err := store.GetInstitution(ctx, zID)
	require.NoError(t, err)
	require.Equal(t, "z@example.edu", *again.Email)

	require.NoError(t, store.UpdateInstitution(ctx, aID, harvest.Institution{Name: "Alpha Library"}))
	got, err = store.GetInstitution(ctx, aID)
	require.NoError(t, err)
	require.Equal(t, "Alpha Library", got.Name)
	require.Equal(t, aID, *got.ID)

	require.True(t, harvest.IsKind(store.UpdateInstitution(ctx, 99, harvest.Institution{}), harvest.KindNotFound))
	_, err = store.GetInstitution(ctx, 99)
	require.True(t, harvest.IsKind(err, harvest.KindNotFound))
}

func TestScheduleStoreJobs(t *testing.T) {
	t.Parallel()

	store := NewScheduleStore()
	ctx := context.Background()
	instID, err := store.AddInstitution(ctx, harvest.Institution{Name: "Library"})
	require.NoError(t, err)

	_, err = store.AddJob(ctx, harvest.Job{InstitutionID: 42})
	require.True(t, harvest.IsKind(err, harvest.KindNotFound))

	job := harvest.Job{
		InstitutionID:          instID,
		RepositoryBaseURL:      "https://repo.example.edu/oai",
		MetadataPrefix:         harvest.MetadataPrefixDC,
		Sets:                   []string{"photos"},
		ScheduleCronExpression: "0 0 * * * ?",
	}
	jobID, err := store.AddJob(ctx, job)
	require.NoError(t, err)

	got, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, jobID, *got.ID)
	got.Sets[0] = "mutated"
	again, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, []string{"photos"}, again.Sets)

	at := time.Date(2026, 10, 19, 1, 2, 3, 0, time.UTC)
	require.NoError(t, store.SetLastSuccessfulRun(ctx, jobID, at))
	again, err = store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, at, *again.LastSuccessfulRun)

	moved := job
	moved.InstitutionID = instID + 1
	require.True(t, harvest.IsKind(store.UpdateJob(ctx, jobID, moved), harvest.KindNotFound))

	updated := job
	updated.Sets = nil
	require.NoError(t, store.UpdateJob(ctx, jobID, updated))
	jobs, err := store.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Empty(t, jobs[0].Sets)

	require.NoError(t, store.RemoveInstitution(ctx, instID))
	_, err = store.GetJob(ctx, jobID)
	require.True(t, harvest.IsKind(err, harvest.KindNotFound))
	require.True(t, harvest.IsKind(store.RemoveJob(ctx, jobID), harvest.KindNotFound))
	require.True(t, harvest.IsKind(store.SetLastSuccessfulRun(ctx, jobID, at), harvest.KindNotFound))
}
