package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAreIndependentPerInstance(t *testing.T) {
	a, b := New(), New()
	a.Classified.WithLabelValues("new", "orn:hackmd.note").Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.Classified.WithLabelValues("new", "orn:hackmd.note")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Classified.WithLabelValues("new", "orn:hackmd.note")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.FetchFailures.Inc()
	m.Deliveries.WithLabelValues(ModeWebhook, ResultOK).Add(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "koinet_processor_fetch_failures_total 1"))
	assert.True(t, strings.Contains(body, `koinet_network_deliveries_total{mode="webhook",result="ok"} 2`))
}
