// Package links picks canonical item links and thumbnails out of record URLs.
package links

import (
	"net/url"
	"path"
	"regexp"
	"slices"
	"strings"
)

// Candidate is a record value that parsed as an absolute URL.
type Candidate struct {
	Raw string
	URL *url.URL
}

// ParseCandidates keeps the values that are absolute URLs with a host, in order.
func ParseCandidates(values []string) []Candidate {
	var out []Candidate
	for _, v := range values {
		u, err := url.Parse(v)
		if err != nil || !u.IsAbs() || u.Host == "" {
			continue
		}
		out = append(out, Candidate{Raw: v, URL: u})
	}
	return out
}

// IsOAIIdentifier reports whether id has the oai:<namespace>:<local> shape.
func IsOAIIdentifier(id string) bool {
	parts := strings.SplitN(id, ":", 3)
	return len(parts) == 3 && parts[0] == "oai" && parts[1] != "" && parts[2] != ""
}

func localPart(recordID string) string {
	if IsOAIIdentifier(recordID) {
		return strings.SplitN(recordID, ":", 3)[2]
	}
	return recordID
}

// ScoreURL rates how likely candidate is the record's own landing page, from 0 to 2.
// A point is awarded for carrying the record's local identifier in the path and
// another for living on the repository's host.
func ScoreURL(candidate *url.URL, recordID string, repoBase *url.URL) int {
	if candidate == nil {
		return 0
	}
	score := 0
	if local := localPart(recordID); local != "" &&
		strings.Contains(candidate.EscapedPath(), url.QueryEscape(local)) {
		score++
	}
	if repoBase != nil && strings.EqualFold(candidate.Hostname(), repoBase.Hostname()) {
		score++
	}
	return score
}

// RankLinks orders candidates by descending score. Ties keep their input order.
func RankLinks(candidates []Candidate, recordID string, repoBase *url.URL) []Candidate {
	type scored struct {
		c     Candidate
		score int
	}
	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		ranked = append(ranked, scored{c: c, score: ScoreURL(c.URL, recordID, repoBase)})
	}
	slices.SortStableFunc(ranked, func(a, b scored) int { return b.score - a.score })
	out := make([]Candidate, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, r.c)
	}
	return out
}

var imageExt = regexp.MustCompile(`.+\.(avif|gif|jpe?g|png|webp)$`)

// IsImageURL reports whether u's path ends in a common image extension.
func IsImageURL(u *url.URL) bool {
	if u == nil {
		return false
	}
	return imageExt.MatchString(strings.ToLower(path.Clean(u.Path)))
}
