package solr

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/prl-harvester/internal/harvest"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   string
}

type fakeSolr struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
}

func (f *fakeSolr) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query().Get("q"), Body: string(body)})
	status := f.status
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"error":{"msg":"undefined field foo","code":400}}`)
		return
	}
	if r.URL.Path == "/solr/prl/select" {
		_, _ = io.WriteString(w, `{"response":{"numFound":1,"docs":[{"id":"oai:x:1","institutionName":"Library"}]}}`)
		return
	}
	_, _ = io.WriteString(w, `{"responseHeader":{"status":0}}`)
}

func (f *fakeSolr) Requests() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func newTestClient(t *testing.T, fake *fakeSolr) *Client {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	client, err := New(Config{BaseURL: server.URL + "/solr/prl/"}, server.Client())
	require.NoError(t, err)
	return client
}

func TestUpdateCommands(t *testing.T) {
	t.Parallel()

	fake := &fakeSolr{}
	client := newTestClient(t, fake)
	ctx := context.Background()

	require.NoError(t, client.AddDocuments(ctx, []harvest.IndexDocument{{"id": "oai:x:1", "decade": []int{1970}}}))
	require.NoError(t, client.DeleteByIDs(ctx, []string{"oai:x:2"}))
	require.NoError(t, client.DeleteByQuery(ctx, harvest.Query{
		Must:   []harvest.Term{{Field: "institutionName", Value: `The "Big" Library`}},
		Should: []harvest.Term{{Field: "set_spec", Value: "photos"}, {Field: "set_spec", Value: "maps"}},
	}))
	require.NoError(t, client.Commit(ctx))
	require.NoError(t, client.Rollback(ctx))
	require.NoError(t, client.AddDocuments(ctx, nil))
	require.NoError(t, client.DeleteByIDs(ctx, nil))

	reqs := fake.Requests()
	require.Len(t, reqs, 5)
	for _, r := range reqs {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/solr/prl/update", r.Path)
	}
	require.JSONEq(t, `[{"id":"oai:x:1","decade":[1970]}]`, reqs[0].Body)
	require.JSONEq(t, `{"delete":["oai:x:2"]}`, reqs[1].Body)

	var del struct {
		Delete struct {
			Query string `json:"query"`
		} `json:"delete"`
	}
	require.NoError(t, json.Unmarshal([]byte(reqs[2].Body), &del))
	require.Equal(t, `institutionName:"The \"Big\" Library" AND (set_spec:"photos" OR set_spec:"maps")`, del.Delete.Query)
	require.JSONEq(t, `{"commit":{}}`, reqs[3].Body)
	require.JSONEq(t, `{"rollback":{}}`, reqs[4].Body)
}

func TestQuery(t *testing.T) {
	t.Parallel()

	fake := &fakeSolr{}
	client := newTestClient(t, fake)
	docs, err := client.Query(context.Background(), harvest.Query{Must: []harvest.Term{{Field: "institutionName", Value: "Library"}}}, 10)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "oai:x:1", docs[0].ID())
	require.Equal(t, `institutionName:"Library"`, fake.Requests()[0].Query)
}

func TestErrorsAreIndexErrors(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, &fakeSolr{status: http.StatusBadRequest})
	err := client.Commit(context.Background())
	require.True(t, harvest.IsKind(err, harvest.KindIndex))
	require.Contains(t, err.Error(), "undefined field foo")

	_, err = client.Query(context.Background(), harvest.Query{}, 0)
	require.True(t, harvest.IsKind(err, harvest.KindIndex))

	require.True(t, harvest.IsKind(client.DeleteByQuery(context.Background(), harvest.Query{}), harvest.KindIndex))

	_, err = New(Config{BaseURL: "not a url"}, nil)
	require.Error(t, err)
}

func TestRender(t *testing.T) {
	t.Parallel()

	require.Equal(t, "*:*", Render(harvest.Query{}))
	require.Equal(t, `id:"a\\b"`, Render(harvest.Query{Should: []harvest.Term{{Field: "id", Value: `a\b`}}}))
	require.Equal(t, `a:"1" AND b:"2"`, Render(harvest.Query{Must: []harvest.Term{{Field: "a", Value: "1"}, {Field: "b", Value: "2"}}}))
}
