// Package solr implements harvest.SearchIndex over the Solr JSON update and
// select handlers.
package solr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/prl-harvester/internal/harvest"
)

// Config points the client at one Solr core or collection.
type Config struct {
	// BaseURL is the core URL, e.g. http://localhost:8983/solr/prl.
	BaseURL string
	Timeout time.Duration
}

// Client talks to Solr over HTTP.
type Client struct {
	base *url.URL
	http *http.Client
}

// New validates cfg and returns a Client. A nil httpClient gets a default
// client with cfg.Timeout.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid solr url %q", cfg.BaseURL)
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{base: base, http: httpClient}, nil
}

// AddDocuments posts docs to the update handler without committing.
func (c *Client) AddDocuments(ctx context.Context, docs []harvest.IndexDocument) error {
	if len(docs) == 0 {
		return nil
	}
	return c.update(ctx, "add documents", docs)
}

// DeleteByIDs deletes documents by unique key.
func (c *Client) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.update(ctx, "delete by ids", map[string]any{"delete": ids})
}

// DeleteByQuery deletes every document matching q. An empty query is rejected.
func (c *Client) DeleteByQuery(ctx context.Context, q harvest.Query) error {
	if q.IsEmpty() {
		return harvest.Errorf(harvest.KindIndex, "delete by query", "refusing to delete with an empty query")
	}
	return c.update(ctx, "delete by query", map[string]any{"delete": map[string]string{"query": Render(q)}})
}

// Commit makes staged writes visible.
func (c *Client) Commit(ctx context.Context) error {
	return c.update(ctx, "commit", map[string]any{"commit": map[string]any{}})
}

// Rollback discards uncommitted writes.
func (c *Client) Rollback(ctx context.Context) error {
	return c.update(ctx, "rollback", map[string]any{"rollback": map[string]any{}})
}

// Query runs q through the select handler and returns up to limit documents.
func (c *Client) Query(ctx context.Context, q harvest.Query, limit int) ([]harvest.IndexDocument, error) {
	const op = "query"
	if limit <= 0 {
		limit = 100
	}
	params := url.Values{}
	params.Set("q", Render(q))
	params.Set("rows", strconv.Itoa(limit))
	params.Set("wt", "json")
	endpoint := c.endpoint("select") + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, harvest.E(harvest.KindIndex, op, err)
	}
	var body struct {
		Response struct {
			Docs []harvest.IndexDocument `json:"docs"`
		} `json:"response"`
	}
	if err := c.do(req, &body); err != nil {
		return nil, harvest.E(harvest.KindIndex, op, err)
	}
	return body.Response.Docs, nil
}

func (c *Client) update(ctx context.Context, op string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return harvest.E(harvest.KindIndex, op, fmt.Errorf("marshal update: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("update"), bytes.NewReader(data))
	if err != nil {
		return harvest.E(harvest.KindIndex, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.do(req, nil); err != nil {
		return harvest.E(harvest.KindIndex, op, err)
	}
	return nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("solr request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read solr response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		var solrErr struct {
			Error struct {
				Msg string `json:"msg"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &solrErr) == nil && solrErr.Error.Msg != "" {
			return fmt.Errorf("solr status %d: %s", resp.StatusCode, solrErr.Error.Msg)
		}
		return fmt.Errorf("solr status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode solr response: %w", err)
	}
	return nil
}

func (c *Client) endpoint(handler string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + handler
	return u.String()
}

// Render turns q into Lucene syntax: Must terms are ANDed and Should terms are
// ORed in a group. An empty query matches every document.
func Render(q harvest.Query) string {
	var parts []string
	for _, t := range q.Must {
		parts = append(parts, term(t))
	}
	if len(q.Should) > 0 {
		should := make([]string, len(q.Should))
		for i, t := range q.Should {
			should[i] = term(t)
		}
		if len(q.Must) == 0 && len(should) == 1 {
			parts = append(parts, should[0])
		} else {
			parts = append(parts, "("+strings.Join(should, " OR ")+")")
		}
	}
	if len(parts) == 0 {
		return "*:*"
	}
	return strings.Join(parts, " AND ")
}

func term(t harvest.Term) string {
	return t.Field + `:"` + escapePhrase(t.Value) + `"`
}

var phraseEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func escapePhrase(s string) string {
	return phraseEscaper.Replace(s)
}
