package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCollectors(t *testing.T) {
	Executions.WithLabelValues("success").Inc()
	ReconcileActions.WithLabelValues("added").Add(2)

	// registering twice must not panic
	_ = Handler()
	h := Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `supertask_executions_total{outcome="success"}`)
	assert.Contains(t, body, `supertask_reconcile_actions_total{action="added"}`)
	assert.Contains(t, body, "supertask_claims_total")
}
