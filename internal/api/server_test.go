package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/scrapekit/emailscraper/internal/jobmanager"
	"github.com/scrapekit/emailscraper/internal/livestore"
	"github.com/scrapekit/emailscraper/internal/metrics"
	"github.com/scrapekit/emailscraper/internal/scraper"
	"github.com/scrapekit/emailscraper/internal/storage/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

func newTestServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()
	store := memory.New()
	live := livestore.Noop(zap.NewNop())
	jobs := jobmanager.New(store, live, 100, zap.NewNop())
	return NewServer(jobs, live, zap.NewNop()), store
}

func doJSON(t *testing.T, srv *Server, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Buffer
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewBuffer(data)
	} else {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func createTestJob(t *testing.T, srv *Server) int64 {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/v1/jobs", createJobRequest{
		Name:      "weekly leads",
		CreatedBy: "tester",
		URLs:      []string{"https://acme.com/contact", "https://example.org"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp createJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotZero(t, resp.Job.ID)
	return resp.Job.ID
}

func TestCreateJobAndFetch(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/v1/jobs", createJobRequest{
		Name:      "weekly leads",
		CreatedBy: "tester",
		URLs: []string{
			"https://acme.com/contact",
			"https://ACME.com/contact?utm_source=mail",
			"https://example.org",
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var resp createJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 3, resp.Intake.Submitted)
	require.Equal(t, 2, resp.Intake.Accepted)
	require.Equal(t, 1, resp.Intake.Skipped)

	rec = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/v1/jobs/%d", resp.Job.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var details jobmanager.JobDetails
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &details))
	require.Equal(t, "weekly leads", details.Job.Name)
	require.Equal(t, 2, details.Job.TotalURLs)
}

func TestCreateJobRejectsBadInput(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/v1/jobs", createJobRequest{
		CreatedBy: "tester",
		URLs:      []string{"https://acme.com"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/v1/jobs", createJobRequest{
		Name:      "no urls survive",
		CreatedBy: "tester",
		URLs:      []string{"http://localhost/admin", "not a url"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobLifecycleRoutes(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	id := createTestJob(t, srv)

	rec := doJSON(t, srv, http.MethodPost, fmt.Sprintf("/v1/jobs/%d/pause", id), nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/v1/jobs/%d/start", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, fmt.Sprintf("/v1/jobs/%d", id), nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/v1/jobs/%d/cancel", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, fmt.Sprintf("/v1/jobs/%d", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/v1/jobs/%d", id), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvalidJobIDRoutes(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/v1/jobs/abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/v1/jobs/999", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobs(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	createTestJob(t, srv)
	createTestJob(t, srv)

	rec := doJSON(t, srv, http.MethodGet, "/v1/jobs?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Jobs  []scraper.Job `json:"jobs"`
		Total int           `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Jobs, 1)
	require.Equal(t, 2, body.Total)

	rec = doJSON(t, srv, http.MethodGet, "/v1/jobs?status=running", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Empty(t, body.Jobs)
	require.Zero(t, body.Total)
}

func TestExportRoutes(t *testing.T) {
	t.Parallel()

	srv, store := newTestServer(t)
	id := createTestJob(t, srv)
	_, err := store.InsertEmails(context.Background(), []scraper.EmailRecord{
		{
			JobID:            id,
			URLID:            1,
			SourceURL:        "https://acme.com/contact",
			EmailAddress:     "sales@acme.com",
			ConfidenceScore:  1.0,
			ExtractionMethod: "regex",
		},
	})
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodGet, fmt.Sprintf("/v1/jobs/%d/export?format=csv", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Header().Get("Content-Disposition"), ".csv")
	require.Contains(t, rec.Body.String(), "sales@acme.com")

	rec = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/v1/jobs/%d/export", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Disposition"), ".xlsx")
	wb, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	rows, err := wb.GetRows("Emails")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	rec = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/v1/jobs/%d/export?format=pdf", id), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkersRoutes(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/v1/workers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.EqualValues(t, 0, body["count"])

	rec = doJSON(t, srv, http.MethodGet, "/v1/workers/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
