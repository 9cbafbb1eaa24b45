package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"kwenrich/internal/config"
	"kwenrich/internal/jobs"
	"kwenrich/internal/orchestrator"
	"kwenrich/internal/store"
	"kwenrich/internal/worker"
)

type fakeService struct {
	jobs      map[uuid.UUID]*jobs.Job
	paused    bool
	pingErr   error
	cleanDays int
	workers   int
	scaleErr  error
	cancelled []string
}

func newFakeService() *fakeService {
	return &fakeService{jobs: make(map[uuid.UUID]*jobs.Job)}
}

func (f *fakeService) GetStatus(ctx context.Context) (orchestrator.Status, error) {
	return orchestrator.Status{Running: true}, nil
}

func (f *fakeService) JobStatus(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j, nil
}

func (f *fakeService) Cancel(ctx context.Context, id uuid.UUID, ownerID string) (int64, error) {
	j, ok := f.jobs[id]
	if !ok || j.Status.IsTerminal() || (ownerID != "" && ownerID != j.OwnerID) {
		return 0, nil
	}
	j.Status = jobs.StatusCancelled
	f.cancelled = append(f.cancelled, id.String())
	return 1, nil
}

func (f *fakeService) Pause(reason string) { f.paused = true }
func (f *fakeService) Resume() { f.paused = false }
func (f *fakeService) Paused() bool { return f.paused }

func (f *fakeService) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	f.cleanDays = olderThanDays
	return 3, nil
}

func (f *fakeService) ScaleWorkers(n int) (int, error) {
	if f.scaleErr != nil {
		return 0, f.scaleErr
	}
	f.workers = n
	return n, nil
}

func (f *fakeService) Ping(ctx context.Context) error { return f.pingErr }

func newTestServer(t *testing.T, svc *fakeService, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	return NewServer(cfg, svc, nil, nil)
}

func do(t *testing.T, s *Server, method, path string, body io.Reader, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode body %q: %v", raw, err)
		}
	}
	return resp, out
}

func TestHealthz(t *testing.T) {
	svc := newFakeService()
	s := newTestServer(t, svc, nil)

	resp, body := do(t, s, http.MethodGet, "/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected shallow health %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected a request id header")
	}

	resp, body = do(t, s, http.MethodGet, "/healthz?deep=true", nil, nil)
	if resp.StatusCode != http.StatusOK || body["db"] != "ok" || body["redis"] != "disabled" {
		t.Fatalf("unexpected deep health %d %v", resp.StatusCode, body)
	}

	svc.pingErr = errors.New("connection refused")
	resp, body = do(t, s, http.MethodGet, "/healthz?deep=true", nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable || body["db"] != "error" {
		t.Fatalf("expected unhealthy db, got %d %v", resp.StatusCode, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, newFakeService(), nil)
	do(t, s, http.MethodGet, "/healthz", nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(raw), "kwenrich_http_requests_total") {
		t.Fatalf("expected request counter in metrics output")
	}
}

func TestJobDetail(t *testing.T) {
	svc := newFakeService()
	id := uuid.New()
	svc.jobs[id] = &jobs.Job{ID: id, Status: jobs.StatusProcessing, Progress: jobs.Progress{Total: 4, Processed: 1}}
	s := newTestServer(t, svc, nil)

	resp, body := do(t, s, http.MethodGet, "/v1/jobs/"+id.String(), nil, nil)
	if resp.StatusCode != http.StatusOK || body["percent"] != 25.0 {
		t.Fatalf("unexpected detail %d %v", resp.StatusCode, body)
	}

	resp, _ = do(t, s, http.MethodGet, "/v1/jobs/not-a-uuid", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	resp, body = do(t, s, http.MethodGet, "/v1/jobs/"+uuid.New().String(), nil, nil)
	if resp.StatusCode != http.StatusNotFound || body["code"] != "NOT_FOUND" {
		t.Fatalf("expected 404, got %d %v", resp.StatusCode, body)
	}
}

func TestJobCancel(t *testing.T) {
	svc := newFakeService()
	id := uuid.New()
	svc.jobs[id] = &jobs.Job{ID: id, OwnerID: "alice", Status: jobs.StatusQueued}
	s := newTestServer(t, svc, nil)

	resp, _ := do(t, s, http.MethodDelete, "/v1/jobs/"+id.String(), nil, map[string]string{"X-Owner-Id": "bob"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for another owner, got %d", resp.StatusCode)
	}

	resp, body := do(t, s, http.MethodDelete, "/v1/jobs/"+id.String(), nil, map[string]string{"X-Owner-Id": "alice"})
	if resp.StatusCode != http.StatusOK || body["affected"] != 1.0 {
		t.Fatalf("unexpected cancel %d %v", resp.StatusCode, body)
	}

	resp, _ = do(t, s, http.MethodDelete, "/v1/jobs/"+id.String(), nil, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for a cancelled job, got %d", resp.StatusCode)
	}

	resp, _ = do(t, s, http.MethodDelete, "/v1/jobs/"+uuid.New().String(), nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestAdminRoutes(t *testing.T) {
	svc := newFakeService()
	s := newTestServer(t, svc, nil)

	if resp, _ := do(t, s, http.MethodPost, "/admin/pause?reason=deploy", nil, nil); resp.StatusCode != http.StatusOK || !svc.paused {
		t.Fatalf("expected pause, got %d", resp.StatusCode)
	}
	if resp, _ := do(t, s, http.MethodPost, "/admin/resume", nil, nil); resp.StatusCode != http.StatusOK || svc.paused {
		t.Fatalf("expected resume, got %d", resp.StatusCode)
	}

	resp, body := do(t, s, http.MethodPost, "/admin/cleanup?days=14", nil, nil)
	if resp.StatusCode != http.StatusOK || body["deleted"] != 3.0 || svc.cleanDays != 14 {
		t.Fatalf("unexpected cleanup %d %v", resp.StatusCode, body)
	}
	if resp, _ := do(t, s, http.MethodPost, "/admin/cleanup?days=0", nil, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for days=0, got %d", resp.StatusCode)
	}

	resp, body = do(t, s, http.MethodPost, "/admin/workers", strings.NewReader(`{"workers":3}`), nil)
	if resp.StatusCode != http.StatusOK || body["workers"] != 3.0 {
		t.Fatalf("unexpected scale %d %v", resp.StatusCode, body)
	}
	svc.scaleErr = worker.ErrNotRunning
	if resp, _ := do(t, s, http.MethodPost, "/admin/workers", strings.NewReader(`{"workers":3}`), nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 when pool is stopped, got %d", resp.StatusCode)
	}
}

func TestAdminToken(t *testing.T) {
	svc := newFakeService()
	s := newTestServer(t, svc, func(c *config.Config) { c.Server.AdminToken = "s3cret" })

	if resp, _ := do(t, s, http.MethodPost, "/admin/pause", nil, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	if resp, _ := do(t, s, http.MethodPost, "/admin/pause", nil, map[string]string{"Authorization": "Bearer wrong"}); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 with a wrong token, got %d", resp.StatusCode)
	}
	if resp, _ := do(t, s, http.MethodPost, "/admin/pause", nil, map[string]string{"Authorization": "Bearer s3cret"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with the token, got %d", resp.StatusCode)
	}
	if resp, _ := do(t, s, http.MethodGet, "/v1/stats", nil, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected stats to stay open, got %d", resp.StatusCode)
	}
}
