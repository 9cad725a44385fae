package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/prl-harvester/internal/harvest"
)

func doc(id, inst string, sets ...string) harvest.IndexDocument {
	return harvest.IndexDocument{"id": id, "institutionName": inst, "set_spec": sets}
}

func TestIndexStagesUntilCommit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx := New()
	require.NoError(t, idx.AddDocuments(ctx, []harvest.IndexDocument{doc("a", "Library", "photos"), doc("b", "Library", "maps")}))
	require.Equal(t, 0, idx.Len())
	require.Equal(t, 2, idx.Pending())

	require.NoError(t, idx.Commit(ctx))
	require.Equal(t, 2, idx.Len())
	require.Equal(t, 1, idx.Commits())

	require.NoError(t, idx.DeleteByIDs(ctx, []string{"a"}))
	require.NoError(t, idx.Rollback(ctx))
	require.NoError(t, idx.Commit(ctx))
	_, ok := idx.Get("a")
	require.True(t, ok)
}

func TestIndexDeleteByQuery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx := New()
	require.NoError(t, idx.AddDocuments(ctx, []harvest.IndexDocument{
		doc("a", "Library", "photos"),
		doc("b", "Library", "maps"),
		doc("c", "Museum", "photos"),
		doc("d", "Library", "letters"),
	}))
	require.NoError(t, idx.Commit(ctx))

	q := harvest.Query{
		Must:   []harvest.Term{{Field: "institutionName", Value: "Library"}},
		Should: []harvest.Term{{Field: "set_spec", Value: "photos"}, {Field: "set_spec", Value: "maps"}},
	}
	hits, err := idx.Query(ctx, q, 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "a", hits[0].ID())

	require.NoError(t, idx.DeleteByQuery(ctx, q))
	require.NoError(t, idx.Commit(ctx))
	remaining, err := idx.Query(ctx, harvest.Query{}, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	require.Equal(t, "c", remaining[0].ID())
	require.Equal(t, "d", remaining[1].ID())

	limited, err := idx.Query(ctx, harvest.Query{}, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	require.True(t, harvest.IsKind(idx.DeleteByQuery(ctx, harvest.Query{}), harvest.KindIndex))
	require.True(t, harvest.IsKind(idx.AddDocuments(ctx, []harvest.IndexDocument{{"title": "x"}}), harvest.KindIndex))
}

func TestMatchesNumericFields(t *testing.T) {
	t.Parallel()

	d := harvest.IndexDocument{"id": "x", "decade": []int{1970, 1980}, "sort_decade": 1970}
	require.True(t, Matches(d, harvest.Query{Must: []harvest.Term{{Field: "decade", Value: "1980"}}}))
	require.True(t, Matches(d, harvest.Query{Must: []harvest.Term{{Field: "sort_decade", Value: "1970"}}}))
	require.False(t, Matches(d, harvest.Query{Must: []harvest.Term{{Field: "missing", Value: "1"}}}))
}
