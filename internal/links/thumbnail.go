package links

import (
	"context"
	"errors"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/prl-harvester/internal/harvest"
)

var errFound = errors.New("thumbnail found")

// FindThumbnail picks a thumbnail among candidates.
//
// A candidate whose path carries an image extension wins outright, first one
// first. Otherwise every candidate is probed concurrently, at most limit at a
// time, and the first to report an image Content-Type wins; the others are
// cancelled. Probe failures are ignored. ok is false when nothing qualifies.
func FindThumbnail(ctx context.Context, prober harvest.Prober, candidates []Candidate, limit int) (string, bool) {
	for _, c := range candidates {
		if IsImageURL(c.URL) {
			return c.Raw, true
		}
	}
	if prober == nil || len(candidates) == 0 {
		return "", false
	}

	var (
		once   sync.Once
		winner string
	)
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, c := range candidates {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			contentType, err := prober.ContentType(gctx, c.URL.String())
			if err != nil || !strings.Contains(strings.ToLower(contentType), "image") {
				return nil
			}
			once.Do(func() { winner = c.Raw })
			return errFound
		})
	}
	if err := g.Wait(); errors.Is(err, errFound) {
		return winner, true
	}
	return "", false
}
