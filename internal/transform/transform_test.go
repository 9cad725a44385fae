package transform

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/prl-harvester/internal/dates"
	"github.com/JakeFAU/prl-harvester/internal/harvest"
)

type stubProber map[string]string

func (s stubProber) ContentType(_ context.Context, u string) (string, error) {
	if ct, ok := s[u]; ok {
		return ct, nil
	}
	return "", errors.New("no route")
}

func newTestTransformer(prober harvest.Prober) *Transformer {
	engine := dates.NewDefault(func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) })
	return New(Options{Prober: prober, Dates: engine, ThumbnailConcurrency: 2})
}

func testSource(t *testing.T) Source {
	t.Helper()
	base, err := url.Parse("https://repo.example.edu/oai")
	require.NoError(t, err)
	return Source{
		InstitutionName:   "Example Library",
		RepositoryBaseURL: base,
		SetNames:          map[string]string{"photos": "Photographs", "maps": "Maps"},
	}
}

func TestTransformFullRecord(t *testing.T) {
	t.Parallel()

	rec := harvest.RawRecord{
		Identifier: "oai:repo.example.edu:item-7",
		SetSpecs:   []string{"photos", "unknown"},
		Fields: []harvest.Field{
			{Name: "title", Value: "Harbor at dusk"},
			{Name: "title", Value: "Alternate title"},
			{Name: "creator", Value: "Unknown photographer"},
			{Name: "date", Value: "1973-08"},
			{Name: "date", Value: "c1895"},
			{Name: "identifier", Value: "https://cdn.example.org/mirror/abc"},
			{Name: "identifier", Value: "https://repo.example.edu/items/item-7"},
			{Name: "identifier.thumbnail", Value: "https://cdn.example.org/thumbs/item-7.JPG"},
			{Name: "identifier", Value: "local call number 12"},
			{Name: "description", Value: "A harbor scene."},
			{Name: "identifier.other", Value: "https://other.example.net/x"},
			{Name: "bogus", Value: "not a dc element"},
		},
	}

	doc, err := newTestTransformer(stubProber{}).Transform(context.Background(), rec, testSource(t))
	require.NoError(t, err)

	require.Equal(t, "oai:repo.example.edu:item-7", doc.ID)
	require.Equal(t, "Example Library", doc.InstitutionName)
	require.Equal(t, []string{"photos", "unknown"}, doc.SetSpecs)
	require.Equal(t, []string{"Photographs"}, doc.CollectionNames)

	require.NotNil(t, doc.ThumbnailURL)
	require.Equal(t, "https://cdn.example.org/thumbs/item-7.JPG", *doc.ThumbnailURL)

	require.NotNil(t, doc.ExternalLink)
	require.Equal(t, "https://repo.example.edu/items/item-7", *doc.ExternalLink)
	require.Equal(t, []string{"https://cdn.example.org/mirror/abc", "https://other.example.net/x"}, doc.AlternateLinks)

	require.Equal(t, []string{"local call number 12"}, doc.Keywords["identifier"])
	require.Equal(t, []string{"Harbor at dusk", "Alternate title"}, doc.Keywords["title"])
	require.Equal(t, []string{"A harbor scene."}, doc.Keywords["description"])
	require.NotContains(t, doc.Keywords, "bogus")
	require.NotContains(t, doc.Keywords, "identifier.thumbnail")

	require.Equal(t, []int{1890, 1970}, doc.Decades)
	require.Equal(t, 1890, *doc.SortDecade)
	require.Equal(t, "Harbor at dusk", *doc.FirstTitle)
}

func TestTransformProbesThumbnailWithoutExtension(t *testing.T) {
	t.Parallel()

	rec := harvest.RawRecord{
		Identifier: "oai:repo.example.edu:item-8",
		Fields: []harvest.Field{
			{Name: "description", Value: "https://images.example.org/iiif/item-8/full"},
			{Name: "identifier", Value: "https://repo.example.edu/items/item-8"},
		},
	}
	prober := stubProber{
		"https://images.example.org/iiif/item-8/full": "image/jpeg",
		"https://repo.example.edu/items/item-8":       "text/html; charset=utf-8",
	}

	doc, err := newTestTransformer(prober).Transform(context.Background(), rec, testSource(t))
	require.NoError(t, err)
	require.Equal(t, "https://images.example.org/iiif/item-8/full", *doc.ThumbnailURL)
	require.Equal(t, "https://repo.example.edu/items/item-8", *doc.ExternalLink)
	require.Empty(t, doc.AlternateLinks)
	require.NotContains(t, doc.Keywords, "description")
	require.NotContains(t, doc.Keywords, "identifier")
}

func TestTransformDegradesGracefully(t *testing.T) {
	t.Parallel()

	rec := harvest.RawRecord{
		Identifier: "plain-id",
		Fields: []harvest.Field{
			{Name: "identifier", Value: "::not a url::"},
			{Name: "date", Value: "undated"},
			{Name: "subject", Value: "Harbors"},
		},
	}

	doc, err := newTestTransformer(stubProber{}).Transform(context.Background(), rec, testSource(t))
	require.NoError(t, err)
	require.Nil(t, doc.ThumbnailURL)
	require.Nil(t, doc.ExternalLink)
	require.Nil(t, doc.Decades)
	require.Nil(t, doc.SortDecade)
	require.Nil(t, doc.FirstTitle)
	require.Equal(t, []string{"::not a url::"}, doc.Keywords["identifier"])
	require.Equal(t, []string{"undated"}, doc.Keywords["date"])
	require.Empty(t, doc.CollectionNames)
}

func TestTransformCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestTransformer(stubProber{}).Transform(ctx, harvest.RawRecord{Identifier: "x"}, testSource(t))
	require.ErrorIs(t, err, context.Canceled)
}
