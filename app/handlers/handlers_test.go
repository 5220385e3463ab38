package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/amirphl/orochi-dispatch/app/dto"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTracking struct {
	mu     sync.Mutex
	opens  []string
	clicks []string
	unsubs []string
	err    error
}

func (f *fakeTracking) RecordOpen(_ context.Context, token string, _ *businessflow.ClientMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, token)
	return f.err
}

func (f *fakeTracking) RecordClick(_ context.Context, token, dest string, _ *businessflow.ClientMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clicks = append(f.clicks, token+" "+dest)
	return f.err
}

func (f *fakeTracking) Unsubscribe(_ context.Context, token string, _ *businessflow.ClientMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, token)
	return f.err
}

func newTrackingApp(flow businessflow.TrackingFlow) *fiber.App {
	h := NewTrackingHandler(flow, zerolog.Nop())
	app := fiber.New()
	app.Get("/t/o/:token", h.Open)
	app.Get("/t/c/:token", h.Click)
	app.Get("/t/u/:token", h.Unsubscribe)
	app.Post("/t/u/:token", h.Unsubscribe)
	return app
}

func TestTrackingHandler_Open(t *testing.T) {
	tests := []struct {
		name    string
		flowErr error
	}{
		{name: "recorded"},
		{name: "store failure is hidden", flowErr: errors.New("db down")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow := &fakeTracking{err: tt.flowErr}
			resp, err := newTrackingApp(flow).Test(httptest.NewRequest(http.MethodGet, "/t/o/abc", nil))
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "image/gif", resp.Header.Get("Content-Type"))
			body, _ := io.ReadAll(resp.Body)
			assert.Equal(t, transparentGIF, body)
			assert.Equal(t, []string{"abc"}, flow.opens)
		})
	}
}

func TestTrackingHandler_Click(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantCall   bool
	}{
		{name: "https destination", query: "?url=https%3A%2F%2Fshop.example.com%2Fa%3Fb%3D1", wantStatus: http.StatusFound, wantCall: true},
		{name: "http destination", query: "?url=http%3A%2F%2Fexample.com", wantStatus: http.StatusFound, wantCall: true},
		{name: "missing destination", query: "", wantStatus: http.StatusBadRequest},
		{name: "relative destination", query: "?url=%2Flogin", wantStatus: http.StatusBadRequest},
		{name: "script scheme", query: "?url=javascript%3Aalert(1)", wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow := &fakeTracking{}
			resp, err := newTrackingApp(flow).Test(httptest.NewRequest(http.MethodGet, "/t/c/tok"+tt.query, nil))
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantCall {
				require.Len(t, flow.clicks, 1)
				assert.NotEmpty(t, resp.Header.Get("Location"))
				assert.True(t, strings.HasPrefix(flow.clicks[0], "tok http"))
			} else {
				assert.Empty(t, flow.clicks)
			}
		})
	}
}

func TestTrackingHandler_Unsubscribe(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		t.Run(method, func(t *testing.T) {
			flow := &fakeTracking{err: errors.New("unknown token")}
			resp, err := newTrackingApp(flow).Test(httptest.NewRequest(method, "/t/u/nope", nil))
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			body, _ := io.ReadAll(resp.Body)
			assert.Contains(t, string(body), "You have been unsubscribed")
			assert.Equal(t, []string{"nope"}, flow.unsubs)
		})
	}
}

// fakeOrchestrator answers every call with its configured snapshot or error
type fakeOrchestrator struct {
	snap *dto.JobSnapshot
	err  error
	hub  *businessflow.ProgressHub
	// updates are queued on the subscription Subscribe returns
	updates []dto.JobSnapshot
}

func (f *fakeOrchestrator) CreateJob(context.Context, *dto.CreateJobRequest) (*dto.JobSnapshot, error) {
	return f.snap, f.err
}
func (f *fakeOrchestrator) Start(context.Context, uint) (*dto.JobSnapshot, error)  { return f.snap, f.err }
func (f *fakeOrchestrator) Pause(context.Context, uint) (*dto.JobSnapshot, error)  { return f.snap, f.err }
func (f *fakeOrchestrator) Resume(context.Context, uint) (*dto.JobSnapshot, error) { return f.snap, f.err }
func (f *fakeOrchestrator) Cancel(context.Context, uint) (*dto.JobSnapshot, error) { return f.snap, f.err }
func (f *fakeOrchestrator) Delete(context.Context, uint) error                     { return f.err }
func (f *fakeOrchestrator) Get(context.Context, uint) (*dto.JobSnapshot, error)    { return f.snap, f.err }
func (f *fakeOrchestrator) Shutdown(context.Context) error                         { return nil }

func (f *fakeOrchestrator) Stats(_ context.Context, id uint) (*dto.JobStatsResponse, error) {
	return &dto.JobStatsResponse{JobID: id, Sent: 10}, f.err
}

func (f *fakeOrchestrator) Subscribe(_ context.Context, id uint) (*dto.JobSnapshot, *businessflow.Subscription, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	sub, err := f.hub.Subscribe(id)
	if err != nil {
		return nil, nil, err
	}
	for _, u := range f.updates {
		f.hub.Publish(u)
	}
	return f.snap, sub, nil
}

func newJobApp(o businessflow.JobOrchestrator) *fiber.App {
	h := NewJobHandler(o, zerolog.Nop())
	app := fiber.New()
	app.Post("/api/v1/jobs", h.CreateJob)
	app.Get("/api/v1/jobs/:id", h.GetJob)
	app.Delete("/api/v1/jobs/:id", h.DeleteJob)
	app.Post("/api/v1/jobs/:id/pause", h.PauseJob)
	app.Get("/api/v1/jobs/:id/stream", h.StreamJob)
	app.Get("/api/v1/jobs/:id/stats", h.JobStats)
	return app
}

func decode(t *testing.T, resp *http.Response) dto.APIResponse {
	t.Helper()
	defer resp.Body.Close()
	var out dto.APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func errorCode(t *testing.T, out dto.APIResponse) string {
	t.Helper()
	detail, ok := out.Error.(map[string]any)
	require.True(t, ok, "error detail present")
	code, _ := detail["code"].(string)
	return code
}

func TestJobHandler_ErrorMapping(t *testing.T) {
	running := &dto.JobSnapshot{ID: 4, Type: "send-campaign-api", Status: "running"}
	tests := []struct {
		name       string
		err        error
		method     string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:   "created",
			method: http.MethodPost, path: "/api/v1/jobs",
			body:       `{"type":"send-campaign-api","params":{"campaign_id":1},"auto_start":true}`,
			wantStatus: http.StatusCreated,
		},
		{
			name:   "duplicate execution",
			err:    businessflow.ErrCampaignAlreadyRunning,
			method: http.MethodPost, path: "/api/v1/jobs",
			body:       `{"type":"send-campaign-api","params":{"campaign_id":1}}`,
			wantStatus: http.StatusTooManyRequests, wantCode: "CAMPAIGN_ALREADY_RUNNING",
		},
		{
			name:   "unknown type fails validation",
			method: http.MethodPost, path: "/api/v1/jobs",
			body:       `{"type":"reindex","params":{}}`,
			wantStatus: http.StatusBadRequest, wantCode: "VALIDATION_ERROR",
		},
		{
			name:   "invalid params from the flow",
			err:    businessflow.NewBusinessError("INVALID_JOB_PARAMS", "Invalid job params", businessflow.ErrInvalidJobParams),
			method: http.MethodPost, path: "/api/v1/jobs",
			body:       `{"type":"generate-users","params":{"count":0}}`,
			wantStatus: http.StatusBadRequest, wantCode: "INVALID_JOB_PARAMS",
		},
		{
			name:   "missing job",
			err:    businessflow.ErrJobNotFound,
			method: http.MethodGet, path: "/api/v1/jobs/9",
			wantStatus: http.StatusNotFound, wantCode: "JOB_NOT_FOUND",
		},
		{
			name:   "bad id",
			method: http.MethodGet, path: "/api/v1/jobs/abc",
			wantStatus: http.StatusBadRequest, wantCode: "INVALID_JOB_ID",
		},
		{
			name:   "invalid transition",
			err:    businessflow.ErrInvalidTransition,
			method: http.MethodPost, path: "/api/v1/jobs/4/pause",
			wantStatus: http.StatusConflict, wantCode: "INVALID_TRANSITION",
		},
		{
			name:   "delete while active",
			err:    businessflow.ErrJobStillActive,
			method: http.MethodDelete, path: "/api/v1/jobs/4",
			wantStatus: http.StatusConflict, wantCode: "JOB_STILL_ACTIVE",
		},
		{
			name:   "internal error is generic",
			err:    errors.New("connection reset by peer"),
			method: http.MethodGet, path: "/api/v1/jobs/4/stats",
			wantStatus: http.StatusInternalServerError, wantCode: "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newJobApp(&fakeOrchestrator{snap: running, err: tt.err})
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			resp, err := app.Test(req)
			require.NoError(t, err)

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			out := decode(t, resp)
			if tt.wantCode == "" {
				assert.True(t, out.Success)
				return
			}
			assert.False(t, out.Success)
			assert.Equal(t, tt.wantCode, errorCode(t, out))
			if tt.wantStatus == http.StatusInternalServerError {
				assert.NotContains(t, out.Message, "connection reset")
			}
		})
	}
}

func TestJobHandler_StreamEndsOnTerminalSnapshot(t *testing.T) {
	hub := businessflow.NewProgressHub(10, 10, 4)
	o := &fakeOrchestrator{
		snap: &dto.JobSnapshot{ID: 7, Status: "running", TotalItems: 10},
		hub:  hub,
		updates: []dto.JobSnapshot{
			{ID: 7, Status: "running", ProcessedItems: 5, TotalItems: 10, Progress: 50},
			{ID: 7, Status: "completed", ProcessedItems: 10, TotalItems: 10, Progress: 100},
		},
	}

	resp, err := newJobApp(o).Test(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/7/stream", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	events := strings.Split(strings.TrimSpace(string(body)), "\n\n")
	require.Len(t, events, 3)
	assert.Contains(t, events[0], `"processed_items":0`)
	assert.Contains(t, events[1], `"progress":50`)
	assert.Contains(t, events[2], `"status":"completed"`)
	for _, ev := range events {
		assert.True(t, strings.HasPrefix(ev, "event: progress\ndata: {"))
	}
}

func TestJobHandler_StreamOfFinishedJob(t *testing.T) {
	hub := businessflow.NewProgressHub(10, 10, 4)
	o := &fakeOrchestrator{snap: &dto.JobSnapshot{ID: 8, Status: "failed"}, hub: hub}

	resp, err := newJobApp(o).Test(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/8/stream", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(body), "event: progress"))
	assert.Contains(t, string(body), `"status":"failed"`)
}

func TestBusinessErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{businessflow.ErrCampaignAlreadyRunning, fiber.StatusTooManyRequests, "CAMPAIGN_ALREADY_RUNNING"},
		{businessflow.ErrWorkerAlreadyRunning, fiber.StatusConflict, "WORKER_ALREADY_RUNNING"},
		{businessflow.NewBusinessError("WORKER_NOT_FOUND", "Worker not found", businessflow.ErrWorkerNotFound), fiber.StatusNotFound, "WORKER_NOT_FOUND"},
		{businessflow.NewBusinessError("VALIDATION_ERROR", "Invalid account payload", errors.New("bad")), fiber.StatusBadRequest, "VALIDATION_ERROR"},
		{businessflow.ErrTooManySubscribers, fiber.StatusServiceUnavailable, "PROGRESS_STREAM_UNAVAILABLE"},
		{errors.New("boom"), fiber.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			status, code := businessErrorStatus(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}
