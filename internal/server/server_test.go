package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"ai-coach-context/internal/controller"
	"ai-coach-context/internal/indexer"
	"ai-coach-context/internal/pkg/serverutils"
	"ai-coach-context/internal/retriever"
	"ai-coach-context/internal/service"
	"ai-coach-context/internal/vectorstore"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRetriever struct {
	mu      sync.Mutex
	message string
	history []retriever.Message
	err     error
}

func (r *stubRetriever) Retrieve(ctx context.Context, message string, history []retriever.Message) (*retriever.ConversationContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.message, r.history = message, history
	if r.err != nil {
		return nil, r.err
	}
	return &retriever.ConversationContext{
		RecentNotes:     []retriever.NoteSummary{{Path: "journal/2024-03-09.md", Title: "Yesterday"}},
		SemanticMatches: []retriever.SemanticMatch{},
		LinkedEntities:  []retriever.Entity{{Name: "Sam", Path: "entities/Sam.md"}},
		LinkedGoals:     []retriever.Goal{},
	}, nil
}

type stubIndexer struct {
	running bool
	// claimed makes the run slot busy while Stats still reports idle
	claimed bool
	result  indexer.Result
	calls   int
}

func (i *stubIndexer) busy() bool { return i.running || i.claimed }

func (i *stubIndexer) IndexAll(ctx context.Context) (indexer.Result, error) {
	if i.busy() {
		return indexer.Result{}, indexer.ErrIndexRunning
	}
	i.calls++
	return i.result, nil
}

func (i *stubIndexer) StartIndexAll(ctx context.Context, done func(indexer.Result, error)) error {
	if i.busy() {
		return indexer.ErrIndexRunning
	}
	i.calls++
	done(i.result, nil)
	return nil
}

func (i *stubIndexer) Stats() indexer.Stats {
	return indexer.Stats{Pending: 2, IndexingAll: i.running}
}

func (i *stubIndexer) Dropped() map[string]int {
	return map[string]int{"journal/a.md": 1}
}

type stubStore struct{ state string }

func (s stubStore) Stats() vectorstore.Stats {
	return vectorstore.Stats{Count: 12, Dimension: 64, State: s.state}
}

type stubEmbedder struct{ ready bool }

func (e stubEmbedder) IsReady(context.Context) bool { return e.ready }

func newTestApp(r *stubRetriever, idx *stubIndexer, store stubStore, emb stubEmbedder) *fiber.App {
	svc := service.NewContextService(r, idx, store, emb, nil)
	return NewApp(controller.NewContextController(svc), prometheus.NewRegistry())
}

func decode[T any](t *testing.T, body io.Reader) serverutils.BaseResponse[T] {
	t.Helper()
	var out serverutils.BaseResponse[T]
	require.NoError(t, json.NewDecoder(body).Decode(&out))
	return out
}

func TestContextEndpoint(t *testing.T) {
	r := &stubRetriever{}
	app := newTestApp(r, &stubIndexer{}, stubStore{state: "ready"}, stubEmbedder{ready: true})

	body := `{"message":"How was my week?","history":[{"role":"user","content":"hi"},{"role":"assistant","content":"  "}]}`
	req := httptest.NewRequest("POST", "/api/context", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	res := decode[retriever.ConversationContext](t, resp.Body)
	assert.True(t, res.Success)
	require.Len(t, res.Data.RecentNotes, 1)
	assert.Equal(t, "Yesterday", res.Data.RecentNotes[0].Title)
	require.Len(t, res.Data.LinkedEntities, 1)

	assert.Equal(t, "How was my week?", r.message)
	assert.Equal(t, []retriever.Message{{Role: "user", Content: "hi"}}, r.history)
}

func TestContextEndpointValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"message":`},
		{"missing message", `{"history":[]}`},
		{"unknown role", `{"message":"hi","history":[{"role":"robot","content":"x"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(&stubRetriever{}, &stubIndexer{}, stubStore{state: "ready"}, stubEmbedder{ready: true})
			req := httptest.NewRequest("POST", "/api/context", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")

			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			assert.Equal(t, 400, resp.StatusCode)
			res := decode[any](t, resp.Body)
			assert.False(t, res.Success)
		})
	}
}

func TestContextEndpointRetrieverError(t *testing.T) {
	app := newTestApp(&stubRetriever{err: errors.New("vault unavailable")}, &stubIndexer{}, stubStore{state: "ready"}, stubEmbedder{ready: true})
	req := httptest.NewRequest("POST", "/api/context", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, 500, resp.StatusCode)
	assert.Contains(t, decode[any](t, resp.Body).Message, "vault unavailable")
}

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		state      string
		ready      bool
		wantStatus int
		wantBody   string
	}{
		{"healthy", "ready", true, 200, "ok"},
		{"degraded store", "degraded", true, 503, "degraded"},
		{"embedder down", "ready", false, 503, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(&stubRetriever{}, &stubIndexer{}, stubStore{state: tt.state}, stubEmbedder{ready: tt.ready})
			resp, err := app.Test(httptest.NewRequest("GET", "/api/health", nil), -1)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			res := decode[struct {
				Status     string `json:"status"`
				StoreState string `json:"store_state"`
			}](t, resp.Body)
			assert.Equal(t, tt.wantBody, res.Data.Status)
			assert.Equal(t, tt.state, res.Data.StoreState)
		})
	}
}

func TestStatsEndpoint(t *testing.T) {
	app := newTestApp(&stubRetriever{}, &stubIndexer{}, stubStore{state: "ready"}, stubEmbedder{ready: true})

	resp, err := app.Test(httptest.NewRequest("GET", "/api/stats", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	res := decode[struct {
		Store   vectorstore.Stats `json:"store"`
		Indexer indexer.Stats     `json:"indexer"`
		Dropped map[string]int    `json:"dropped"`
	}](t, resp.Body)
	assert.Equal(t, 12, res.Data.Store.Count)
	assert.Equal(t, 2, res.Data.Indexer.Pending)
	assert.Equal(t, map[string]int{"journal/a.md": 1}, res.Data.Dropped)
}

func TestReindexEndpoint(t *testing.T) {
	idx := &stubIndexer{result: indexer.Result{Indexed: 3, Errors: 1}}
	app := newTestApp(&stubRetriever{}, idx, stubStore{state: "ready"}, stubEmbedder{ready: true})

	resp, err := app.Test(httptest.NewRequest("POST", "/api/index?wait=true", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	res := decode[struct {
		Indexed int `json:"indexed"`
		Errors  int `json:"errors"`
	}](t, resp.Body)
	assert.Equal(t, 3, res.Data.Indexed)
	assert.Equal(t, 1, res.Data.Errors)
	assert.Equal(t, 1, idx.calls)
}

func TestReindexEndpointConflict(t *testing.T) {
	tests := []struct {
		name string
		idx  *stubIndexer
		url  string
	}{
		{"running in background", &stubIndexer{running: true}, "/api/index"},
		{"running and waiting", &stubIndexer{running: true}, "/api/index?wait=true"},
		{"slot taken after stats read", &stubIndexer{claimed: true}, "/api/index"},
		{"slot taken after stats read and waiting", &stubIndexer{claimed: true}, "/api/index?wait=true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(&stubRetriever{}, tt.idx, stubStore{state: "ready"}, stubEmbedder{ready: true})

			resp, err := app.Test(httptest.NewRequest("POST", tt.url, nil), -1)
			require.NoError(t, err)
			assert.Equal(t, 409, resp.StatusCode)
			assert.Zero(t, tt.idx.calls)
		})
	}
}

func TestReindexEndpointStartsInBackground(t *testing.T) {
	idx := &stubIndexer{}
	app := newTestApp(&stubRetriever{}, idx, stubStore{state: "ready"}, stubEmbedder{ready: true})

	resp, err := app.Test(httptest.NewRequest("POST", "/api/index", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, 202, resp.StatusCode)
	assert.Equal(t, 1, idx.calls)
}

func TestMetricsEndpoint(t *testing.T) {
	app := newTestApp(&stubRetriever{}, &stubIndexer{}, stubStore{state: "ready"}, stubEmbedder{ready: true})

	resp, err := app.Test(httptest.NewRequest("GET", "/metrics", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}
