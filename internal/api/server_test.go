package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supertask/internal/errors"
	"supertask/internal/jobs"
	"supertask/internal/models"
	"supertask/internal/ratelimit"
	"supertask/internal/store"
)

var now = time.Date(2026, 10, 14, 12, 0, 30, 0, time.UTC)

const hourly = `{"trigger":"0 0 * * * *","payload":{"steps":[{"kind":"entrypoint","target":"noop"}]}}`

type fixture struct {
	srv   *httptest.Server
	svc   *jobs.Service
	wakes atomic.Int32
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{svc: jobs.NewService(store.NewMemory(), jobs.WithClock(func() time.Time { return now }))}
	opts = append([]Option{WithWake(func() { f.wakes.Add(1) })}, opts...)
	f.srv = httptest.NewServer(New(f.svc, opts...).Router())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, header ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPutGetListDelete(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPut, "/namespaces/demo/jobs/hourly", hourly)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `"1"`, resp.Header.Get("ETag"))
	created := decode[models.Job](t, resp)
	assert.True(t, created.Enabled)
	assert.Empty(t, created.Origin)
	require.NotNil(t, created.NextFireAt)
	assert.Equal(t, time.Date(2026, 10, 14, 13, 0, 0, 0, time.UTC), created.NextFireAt.UTC())
	assert.Equal(t, int32(1), f.wakes.Load())

	resp = f.do(t, http.MethodGet, "/namespaces/demo/jobs/hourly", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hourly", decode[models.Job](t, resp).ID)

	resp = f.do(t, http.MethodGet, "/namespaces/demo/jobs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct{ Jobs []models.Job }](t, resp)
	require.Len(t, list.Jobs, 1)

	resp = f.do(t, http.MethodGet, "/namespaces/other/jobs", "")
	assert.Empty(t, decode[struct{ Jobs []models.Job }](t, resp).Jobs)

	resp = f.do(t, http.MethodDelete, "/namespaces/demo/jobs/hourly", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/namespaces/demo/jobs/hourly", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIfMatchGuardsWrites(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPut, "/namespaces/demo/jobs/a", hourly, "If-Match", "0")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/namespaces/demo/jobs/a", hourly, "If-Match", "0")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/namespaces/demo/jobs/a", hourly, "If-Match", `"1"`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(2), decode[models.Job](t, resp).Version)

	resp = f.do(t, http.MethodDelete, "/namespaces/demo/jobs/a", "", "If-Match", "1")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/namespaces/demo/jobs/a", "", "If-Match", "abc")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"bad trigger", http.MethodPut, "/namespaces/demo/jobs/x", `{"trigger":"every day","payload":{"steps":[{"kind":"entrypoint","target":"noop"}]}}`, http.StatusBadRequest},
		{"empty payload", http.MethodPut, "/namespaces/demo/jobs/x", `{"trigger":"0 * * * * *","payload":{"steps":[]}}`, http.StatusBadRequest},
		{"unknown step kind", http.MethodPut, "/namespaces/demo/jobs/x", `{"trigger":"0 * * * * *","payload":{"steps":[{"kind":"lambda","target":"f"}]}}`, http.StatusBadRequest},
		{"unknown field", http.MethodPut, "/namespaces/demo/jobs/x", `{"schedule":"0 * * * * *"}`, http.StatusBadRequest},
		{"bad namespace", http.MethodGet, "/namespaces/-bad/jobs", "", http.StatusBadRequest},
		{"missing job", http.MethodGet, "/namespaces/demo/jobs/missing", "", http.StatusNotFound},
		{"missing job executions", http.MethodGet, "/namespaces/demo/jobs/missing/executions", "", http.StatusNotFound},
		{"bad limit", http.MethodGet, "/namespaces/demo/jobs/x/executions?limit=-1", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestExecutionsNewestFirst(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPut, "/namespaces/demo/jobs/a", hourly)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		at := now.Add(time.Duration(i) * time.Hour)
		require.NoError(t, f.svc.Store().RecordExecution(ctx, models.Execution{
			JobNamespace: "demo", JobID: "a", ScheduledFor: at, StartedAt: at, EndedAt: at, Outcome: models.OutcomeSuccess,
		}))
	}

	resp = f.do(t, http.MethodGet, "/namespaces/demo/jobs/a/executions?limit=2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[struct{ Executions []models.Execution }](t, resp).Executions
	require.Len(t, got, 2)
	assert.True(t, got[0].ScheduledFor.After(got[1].ScheduledFor))
}

func TestDeleteAllClearsNamespace(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"a", "b"} {
		resp := f.do(t, http.MethodPut, "/namespaces/demo/jobs/"+id, hourly)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp := f.do(t, http.MethodPut, "/namespaces/keep/jobs/c", hourly)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/namespaces/demo/jobs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, decode[map[string]int](t, resp)["deleted"])

	resp = f.do(t, http.MethodGet, "/namespaces/keep/jobs/c", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMutationsAreRateLimited(t *testing.T) {
	f := newFixture(t, WithLimiter(ratelimit.NewLocal(0.001, 1)))

	resp := f.do(t, http.MethodPut, "/namespaces/demo/jobs/a", hourly)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = f.do(t, http.MethodPut, "/namespaces/demo/jobs/b", hourly)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// reads are never limited
	resp = f.do(t, http.MethodGet, "/namespaces/demo/jobs/a", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, http.MethodPut, "/namespaces/other/jobs/a", hourly)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.Mark(errors.New("dial tcp: connection refused"), errors.ErrStoreUnavailable)
}

func TestLimiterFailureIsUnavailable(t *testing.T) {
	f := newFixture(t, WithLimiter(brokenLimiter{}))
	resp := f.do(t, http.MethodDelete, "/namespaces/demo/jobs/a", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
