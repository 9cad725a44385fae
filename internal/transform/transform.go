// Package transform converts harvested Dublin Core records into search documents.
package transform

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"slices"

	"go.uber.org/zap"

	"github.com/JakeFAU/prl-harvester/internal/dates"
	"github.com/JakeFAU/prl-harvester/internal/harvest"
	"github.com/JakeFAU/prl-harvester/internal/links"
)

// DCElements lists the fifteen Dublin Core elements that become keyword fields.
var DCElements = []string{
	"title", "creator", "subject", "description", "publisher", "contributor", "date", "type",
	"format", "identifier", "source", "language", "relation", "coverage", "rights",
}

var thumbnailFields = []string{"description", "identifier", "identifier.thumbnail"}

var itemLinkField = regexp.MustCompile(`^identifier(?:\..+)?$`)

// Source describes where a record was harvested from.
type Source struct {
	InstitutionName   string
	RepositoryBaseURL *url.URL
	// SetNames maps setSpec to the set's display name.
	SetNames map[string]string
}

// Options configures a Transformer.
type Options struct {
	Prober               harvest.Prober
	Dates                *dates.Engine
	ThumbnailConcurrency int
	Logger               *zap.Logger
}

// Transformer turns RawRecords into Documents.
type Transformer struct {
	prober         harvest.Prober
	dates          *dates.Engine
	thumbnailLimit int
	logger         *zap.Logger
}

// New builds a Transformer. A nil Dates engine uses the default rule table.
func New(opts Options) *Transformer {
	engine := opts.Dates
	if engine == nil {
		engine = dates.NewDefault(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transformer{
		prober:         opts.Prober,
		dates:          engine,
		thumbnailLimit: opts.ThumbnailConcurrency,
		logger:         logger.Named("transform"),
	}
}

// Transform builds the search document for rec. Values that are not usable URLs or
// dates only leave the corresponding document fields empty; the error is reserved
// for cancellation.
func (t *Transformer) Transform(ctx context.Context, rec harvest.RawRecord, src Source) (harvest.Document, error) {
	doc := harvest.Document{
		ID:              rec.Identifier,
		InstitutionName: src.InstitutionName,
		SetSpecs:        append([]string(nil), rec.SetSpecs...),
	}
	for _, spec := range rec.SetSpecs {
		if name, ok := src.SetNames[spec]; ok {
			doc.CollectionNames = append(doc.CollectionNames, name)
		}
	}

	var thumbValues []string
	for _, f := range rec.Fields {
		if slices.Contains(thumbnailFields, f.Name) {
			thumbValues = append(thumbValues, f.Value)
		}
	}
	thumbnail, hasThumbnail := links.FindThumbnail(ctx, t.prober, links.ParseCandidates(thumbValues), t.thumbnailLimit)
	if err := ctx.Err(); err != nil {
		return harvest.Document{}, fmt.Errorf("transform record %s: %w", rec.Identifier, err)
	}
	if hasThumbnail {
		t.logger.Debug("thumbnail found", zap.String("record", rec.Identifier), zap.String("url", thumbnail))
		doc.ThumbnailURL = &thumbnail
	}
	isThumbnail := func(v string) bool { return hasThumbnail && v == thumbnail }

	var linkValues []string
	for _, f := range rec.Fields {
		if itemLinkField.MatchString(f.Name) && !isThumbnail(f.Value) {
			linkValues = append(linkValues, f.Value)
		}
	}
	ranked := links.RankLinks(links.ParseCandidates(linkValues), rec.Identifier, src.RepositoryBaseURL)
	linkSet := make(map[string]struct{}, len(ranked))
	for i, c := range ranked {
		linkSet[c.Raw] = struct{}{}
		if i == 0 {
			first := c.Raw
			doc.ExternalLink = &first
			continue
		}
		doc.AlternateLinks = append(doc.AlternateLinks, c.Raw)
	}

	for _, f := range rec.Fields {
		if !slices.Contains(DCElements, f.Name) || isThumbnail(f.Value) {
			continue
		}
		if _, isLink := linkSet[f.Value]; isLink {
			continue
		}
		if doc.Keywords == nil {
			doc.Keywords = make(map[string][]string)
		}
		doc.Keywords[f.Name] = append(doc.Keywords[f.Name], f.Value)
	}

	if decades := t.dates.Decades(doc.Keywords["date"]); len(decades) > 0 {
		doc.Decades = decades
		sortDecade := decades[0]
		doc.SortDecade = &sortDecade
	}
	if titles := doc.Keywords["title"]; len(titles) > 0 {
		first := titles[0]
		doc.FirstTitle = &first
	}
	return doc, nil
}
