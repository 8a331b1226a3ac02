package api

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kbforge/scrapeindex/internal/config"
	"github.com/kbforge/scrapeindex/internal/dispatcher"
	"github.com/kbforge/scrapeindex/internal/embedding"
	"github.com/kbforge/scrapeindex/internal/kb"
	queueMemory "github.com/kbforge/scrapeindex/internal/queue/memory"
	"github.com/kbforge/scrapeindex/internal/retrieval"
	"github.com/kbforge/scrapeindex/internal/scrapejob"
	"github.com/kbforge/scrapeindex/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func TestServer_SubmitJob_Succeeds(t *testing.T) {
	t.Parallel()

	jobs := newAPIFakeJobStore()
	kbs := newAPIFakeKBStore()
	kbs.bases["kb-1"] = kb.KnowledgeBase{ID: "kb-1", ChunkSize: 1000, ChunkOverlap: 200}
	q := queueMemory.NewQueue(10)
	dispatch := dispatcher.New(q, nil)
	server := NewServer(jobs, kbs, newFakeSearcher(kbs), dispatch, &fakeIDGen{ids: []string{"job-1"}}, &fakeClock{now: time.Unix(100, 0)}, newTestConfig(), nil)

	body := []byte(`{"baseUrl":"https://example.com","knowledgeBaseId":"kb-1","maxPages":10}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "job-1")
	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-1", item.JobID)

	job, err := jobs.FindJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, scrapejob.StatusDiscovering, job.Status)
}

func TestServer_SubmitJob_MissingKnowledgeBase(t *testing.T) {
	t.Parallel()

	server := newTestServer()
	body := []byte(`{"baseUrl":"https://example.com","knowledgeBaseId":"missing"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_SubmitJob_InvalidJSON(t *testing.T) {
	t.Parallel()

	server := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/", bytes.NewBufferString("{invalid"))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_SubmitJob_MissingBaseURL(t *testing.T) {
	t.Parallel()

	server := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/", bytes.NewBufferString(`{"knowledgeBaseId":"kb-1"}`))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "baseUrl required")
}

func TestServer_GetJobStatus_ReturnsJob(t *testing.T) {
	t.Parallel()

	jobs := newAPIFakeJobStore()
	jobs.jobs["job-status"] = scrapejob.Job{ID: "job-status", Status: scrapejob.StatusPending}
	server := newTestServerWithStores(jobs, newAPIFakeKBStore())

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-status/", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "PENDING")
}

func TestServer_GetJobStatus_NotFound(t *testing.T) {
	t.Parallel()

	server := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/missing/", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_SelectURLs_TransitionsJobAndEnqueues(t *testing.T) {
	t.Parallel()

	jobs := newAPIFakeJobStore()
	jobs.jobs["job-select"] = scrapejob.Job{
		ID:             "job-select",
		Status:         scrapejob.StatusPending,
		DiscoveredURLs: []string{"https://example.com", "https://example.com/a"},
	}
	q := queueMemory.NewQueue(10)
	dispatch := dispatcher.New(q, nil)
	server := NewServer(jobs, newAPIFakeKBStore(), nil, dispatch, &fakeIDGen{}, &fakeClock{now: time.Unix(100, 0)}, newTestConfig(), nil)

	body := []byte(`{"selectedUrls":["https://example.com"]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/job-select/select", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	job, err := jobs.FindJob(context.Background(), "job-select")
	require.NoError(t, err)
	require.Equal(t, scrapejob.StatusInProgress, job.Status)
	require.Equal(t, []string{"https://example.com"}, job.SelectedURLs)

	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-select", item.JobID)
}

func TestServer_SelectURLs_RejectsURLsNotDiscovered(t *testing.T) {
	t.Parallel()

	jobs := newAPIFakeJobStore()
	jobs.jobs["job-bad"] = scrapejob.Job{
		ID:             "job-bad",
		Status:         scrapejob.StatusPending,
		DiscoveredURLs: []string{"https://example.com"},
	}
	server := newTestServerWithStores(jobs, newAPIFakeKBStore())

	body := []byte(`{"selectedUrls":["https://not-discovered.example.com"]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/job-bad/select", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_GetJobResult_FiltersDocumentsBySelectedURLs(t *testing.T) {
	t.Parallel()

	jobs := newAPIFakeJobStore()
	jobs.jobs["job-result"] = scrapejob.Job{
		ID:              "job-result",
		KnowledgeBaseID: "kb-1",
		SelectedURLs:    []string{"https://example.com/a"},
	}
	kbs := newAPIFakeKBStore()
	urlA := "https://example.com/a"
	urlB := "https://example.com/b"
	kbs.docs["kb-1"] = []kb.Document{
		{ID: "doc-a", KnowledgeBaseID: "kb-1", SourceURL: &urlA, Status: kb.DocumentCompleted},
		{ID: "doc-b", KnowledgeBaseID: "kb-1", SourceURL: &urlB, Status: kb.DocumentCompleted},
	}
	server := newTestServerWithStores(jobs, kbs)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-result/result", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "doc-a")
	require.NotContains(t, rec.Body.String(), "doc-b")
}

func TestServer_Search_ReturnsResults(t *testing.T) {
	t.Parallel()

	kbs := newAPIFakeKBStore()
	kbs.bases["kb-1"] = kb.KnowledgeBase{ID: "kb-1", EmbeddingModel: "fake-model"}
	kbs.nearest = []kb.SearchResult{{ChunkID: "chunk-1", Content: "hello world"}}
	server := newTestServerWithStores(newAPIFakeJobStore(), kbs)

	req := httptest.NewRequest(http.MethodGet, "/v1/search?knowledgeBaseId=kb-1&q=hello&limit=5", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "chunk-1")
}

func TestServer_Search_MissingParams(t *testing.T) {
	t.Parallel()

	server := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/v1/search", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_RunsRoute_MountsProgressHandler(t *testing.T) {
	t.Parallel()
	jobID := uuid.New()
	repo := &mockProgressRepo{jobs: []store.JobRun{{ID: jobID, JobID: jobID, Status: store.RunSuccess, StartedAt: time.Unix(0, 0)}}}
	kbs := newAPIFakeKBStore()
	server := NewServer(
		newAPIFakeJobStore(),
		kbs,
		newFakeSearcher(kbs),
		dispatcher.New(queueMemory.NewQueue(10), nil),
		&fakeIDGen{},
		&fakeClock{now: time.Unix(100, 0)},
		newTestConfig(),
		NewProgressHandler(repo, zap.NewNop()),
	)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), jobID.String())
}

func TestServer_RunsRoute_WithoutProgressHandlerReturns503(t *testing.T) {
	t.Parallel()
	server := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	q := queueMemory.NewQueue(1)
	dispatch := dispatcher.New(q, nil)
	server := NewServer(newAPIFakeJobStore(), newAPIFakeKBStore(), nil, dispatch, &fakeIDGen{}, &fakeClock{now: time.Unix(100, 0)}, cfg, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	newTestServer().Handler().ServeHTTP(rec, req)

	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

func newTestConfig() config.Config {
	return config.Config{
		Crawler: config.CrawlerConfig{
			MaxPagesDefault: 10,
		},
		HTTP: config.HTTPConfig{
			TimeoutSeconds: 30,
		},
		Logging: config.LoggingConfig{Development: true},
	}
}

func newFakeSearcher(kbs kb.Store) *retrieval.Searcher {
	return retrieval.New(kbs, embedding.NewFake(8))
}

type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ids) == 0 {
		return "id-default", nil
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type apiJobStore struct {
	mu   sync.Mutex
	jobs map[string]scrapejob.Job
}

func newAPIFakeJobStore() *apiJobStore {
	return &apiJobStore{jobs: make(map[string]scrapejob.Job)}
}

func (s *apiJobStore) CreateJob(_ context.Context, job scrapejob.Job) (scrapejob.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return job, nil
}

func (s *apiJobStore) UpdateJob(_ context.Context, id string, patch scrapejob.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return scrapejob.ErrNotFound
	}
	if patch.Status != nil {
		job.Status = *patch.Status
	}
	if patch.SelectedURLs != nil {
		job.SelectedURLs = patch.SelectedURLs
	}
	if patch.DiscoveredURLs != nil {
		job.DiscoveredURLs = patch.DiscoveredURLs
	}
	s.jobs[id] = job
	return nil
}

func (s *apiJobStore) FindJob(_ context.Context, id string) (scrapejob.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return scrapejob.Job{}, scrapejob.ErrNotFound
	}
	return job, nil
}

func (s *apiJobStore) ListJobs(_ context.Context, kbID string) ([]scrapejob.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []scrapejob.Job
	for _, job := range s.jobs {
		if job.KnowledgeBaseID == kbID {
			out = append(out, job)
		}
	}
	return out, nil
}

type apiKBStore struct {
	mu      sync.Mutex
	bases   map[string]kb.KnowledgeBase
	docs    map[string][]kb.Document
	nearest []kb.SearchResult
}

func newAPIFakeKBStore() *apiKBStore {
	return &apiKBStore{bases: map[string]kb.KnowledgeBase{}, docs: map[string][]kb.Document{}}
}

func (s *apiKBStore) FindKnowledgeBase(_ context.Context, id string) (kb.KnowledgeBase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	base, ok := s.bases[id]
	if !ok {
		return kb.KnowledgeBase{}, kb.ErrNotFound
	}
	return base, nil
}

func (s *apiKBStore) UpdateKnowledgeBase(context.Context, kb.KnowledgeBase) error { return nil }
func (s *apiKBStore) CountAgentsUsing(context.Context, string) (int, error)       { return 0, nil }
func (s *apiKBStore) CreateDocument(_ context.Context, doc kb.Document) (kb.Document, error) {
	return doc, nil
}
func (s *apiKBStore) UpdateDocumentStatus(context.Context, string, kb.DocumentPatch) error {
	return nil
}
func (s *apiKBStore) FindDocument(context.Context, string) (kb.Document, error) {
	return kb.Document{}, kb.ErrNotFound
}
func (s *apiKBStore) FindDocumentBySourceURL(context.Context, string, string) (kb.Document, error) {
	return kb.Document{}, kb.ErrNotFound
}

func (s *apiKBStore) ListDocuments(_ context.Context, kbID string) ([]kb.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[kbID], nil
}

func (s *apiKBStore) DeleteDocument(context.Context, string) error         { return nil }
func (s *apiKBStore) InsertChunk(context.Context, kb.DocumentChunk) error  { return nil }
func (s *apiKBStore) DeleteChunksByDocument(context.Context, string) error { return nil }

func (s *apiKBStore) NearestByCosine(context.Context, string, []float32, int) ([]kb.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nearest, nil
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func newTestServer() *Server {
	return newTestServerWithStores(newAPIFakeJobStore(), func() *apiKBStore {
		kbs := newAPIFakeKBStore()
		kbs.bases["kb-1"] = kb.KnowledgeBase{ID: "kb-1", ChunkSize: 1000, ChunkOverlap: 200}
		return kbs
	}())
}

func newTestServerWithStores(jobs *apiJobStore, kbs *apiKBStore) *Server {
	q := queueMemory.NewQueue(10)
	dispatch := dispatcher.New(q, nil)
	return NewServer(
		jobs,
		kbs,
		newFakeSearcher(kbs),
		dispatch,
		&fakeIDGen{},
		&fakeClock{now: time.Unix(100, 0)},
		newTestConfig(),
		nil,
	)
}
