// Package memory implements harvest.SearchIndex in memory. Writes are staged
// until Commit and discarded by Rollback.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/prl-harvester/internal/harvest"
)

type opKind int

const (
	opAdd opKind = iota
	opDeleteID
	opDeleteQuery
)

type op struct {
	kind  opKind
	doc   harvest.IndexDocument
	id    string
	query harvest.Query
}

// Index is an in-memory search index.
type Index struct {
	mu        sync.RWMutex
	committed map[string]harvest.IndexDocument
	pending   []op
	commits   int
}

// New returns an empty Index.
func New() *Index {
	return &Index{committed: make(map[string]harvest.IndexDocument)}
}

// AddDocuments stages docs for the next commit.
func (i *Index) AddDocuments(_ context.Context, docs []harvest.IndexDocument) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, doc := range docs {
		if doc.ID() == "" {
			return harvest.Errorf(harvest.KindIndex, "add documents", "document without id")
		}
		i.pending = append(i.pending, op{kind: opAdd, doc: copyDoc(doc)})
	}
	return nil
}

// DeleteByIDs stages deletes for the next commit.
func (i *Index) DeleteByIDs(_ context.Context, ids []string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, id := range ids {
		i.pending = append(i.pending, op{kind: opDeleteID, id: id})
	}
	return nil
}

// DeleteByQuery stages a query delete for the next commit. An empty query is rejected.
func (i *Index) DeleteByQuery(_ context.Context, q harvest.Query) error {
	if q.IsEmpty() {
		return harvest.Errorf(harvest.KindIndex, "delete by query", "refusing to delete with an empty query")
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pending = append(i.pending, op{kind: opDeleteQuery, query: q})
	return nil
}

// Commit applies staged writes in order.
func (i *Index) Commit(_ context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, o := range i.pending {
		switch o.kind {
		case opAdd:
			i.committed[o.doc.ID()] = o.doc
		case opDeleteID:
			delete(i.committed, o.id)
		case opDeleteQuery:
			for id, doc := range i.committed {
				if Matches(doc, o.query) {
					delete(i.committed, id)
				}
			}
		}
	}
	i.pending = nil
	i.commits++
	return nil
}

// Rollback discards staged writes.
func (i *Index) Rollback(_ context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pending = nil
	return nil
}

// Query returns up to limit committed documents matching q, ordered by id.
// A non-positive limit returns every match.
func (i *Index) Query(_ context.Context, q harvest.Query, limit int) ([]harvest.IndexDocument, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	var out []harvest.IndexDocument
	for _, doc := range i.committed {
		if Matches(doc, q) {
			out = append(out, copyDoc(doc))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID() < out[b].ID() })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get returns the committed document with id.
func (i *Index) Get(id string) (harvest.IndexDocument, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	doc, ok := i.committed[id]
	if !ok {
		return nil, false
	}
	return copyDoc(doc), true
}

// Len reports the number of committed documents.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.committed)
}

// Pending reports the number of staged writes.
func (i *Index) Pending() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.pending)
}

// Commits reports how many commits have been applied.
func (i *Index) Commits() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.commits
}

// Matches reports whether doc satisfies q. Multi-valued fields match when any
// value does. An empty query matches everything.
func Matches(doc harvest.IndexDocument, q harvest.Query) bool {
	for _, t := range q.Must {
		if !hasValue(doc, t) {
			return false
		}
	}
	if len(q.Should) == 0 {
		return true
	}
	for _, t := range q.Should {
		if hasValue(doc, t) {
			return true
		}
	}
	return false
}

func hasValue(doc harvest.IndexDocument, t harvest.Term) bool {
	switch v := doc[t.Field].(type) {
	case nil:
		return false
	case []string:
		for _, s := range v {
			if s == t.Value {
				return true
			}
		}
		return false
	case []int:
		for _, n := range v {
			if fmt.Sprint(n) == t.Value {
				return true
			}
		}
		return false
	case []any:
		for _, x := range v {
			if fmt.Sprint(x) == t.Value {
				return true
			}
		}
		return false
	default:
		return fmt.Sprint(v) == t.Value
	}
}

func copyDoc(doc harvest.IndexDocument) harvest.IndexDocument {
	out := make(harvest.IndexDocument, len(doc))
	for k, v := range doc {
		switch vv := v.(type) {
		case []string:
			out[k] = append([]string(nil), vv...)
		case []int:
			out[k] = append([]int(nil), vv...)
		default:
			out[k] = v
		}
	}
	return out
}
