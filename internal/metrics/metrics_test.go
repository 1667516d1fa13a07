package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderCountsSyncMeasurements(t *testing.T) {
	provider := NewProvider()

	provider.IncConflictCopies()
	provider.IncConflictCopies()
	provider.AddEventsDrained(3)
	provider.AddEventsSwept("pending", 2)
	provider.IncEventsEnqueued("artifact-ready")

	assert.Equal(t, 2.0, testutil.ToFloat64(provider.conflictCopies))
	assert.Equal(t, 3.0, testutil.ToFloat64(provider.eventsDrained))
	assert.Equal(t, 2.0, testutil.ToFloat64(provider.eventsSwept.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(provider.eventsEnqueued.WithLabelValues("artifact-ready")))
}

func TestProvidersDoNotShareRegistries(t *testing.T) {
	first := NewProvider()
	second := NewProvider()
	first.IncProtocolViolations()
	assert.Equal(t, 0.0, testutil.ToFloat64(second.protocolViolations))
}

func TestHandlerExposesCollectors(t *testing.T) {
	provider := NewProvider()
	provider.IncRequestsTotal("/sync/heartbeat", http.StatusOK)
	provider.ObserveRequestDuration("/sync/heartbeat", 15*time.Millisecond)

	recorder := httptest.NewRecorder()
	provider.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	require.Equal(t, http.StatusOK, recorder.Code)
	body := recorder.Body.String()
	assert.True(t, strings.Contains(body, `shelfsync_requests_total{endpoint="/sync/heartbeat",status="2xx"} 1`))
	assert.True(t, strings.Contains(body, "shelfsync_request_duration_seconds"))
}

func TestHTTPStatusBucket(t *testing.T) {
	assert.Equal(t, "1xx", httpStatusBucket(101))
	assert.Equal(t, "2xx", httpStatusBucket(204))
	assert.Equal(t, "3xx", httpStatusBucket(304))
	assert.Equal(t, "4xx", httpStatusBucket(409))
	assert.Equal(t, "5xx", httpStatusBucket(503))
}

func TestOrNoop(t *testing.T) {
	assert.IsType(t, Noop{}, OrNoop(nil))
	provider := NewProvider()
	assert.Same(t, provider, OrNoop(provider))
}
