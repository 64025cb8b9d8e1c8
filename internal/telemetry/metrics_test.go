package telemetry

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowkernel/internal/record"
)

func TestObserveCommand(t *testing.T) {
	cmd := record.NewCommand(record.IntentFail, 5, record.JobRecord{})
	cmd.Position = 10
	failed := cmd.Event(record.IntentFailed, 5, record.JobRecord{})
	failed.Position = 11
	incident := cmd.Event(record.IntentCreated, 6, record.IncidentRecord{})
	incident.Position = 12

	before := testutil.ToFloat64(IncidentsRaised)
	ObserveCommand(cmd, []record.Record{failed, incident}, time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(IncidentsRaised))
	assert.Equal(t, float64(12), testutil.ToFloat64(LogPosition))
	assert.Equal(t, float64(1), testutil.ToFloat64(EventsWritten.WithLabelValues("JOB", "FAILED")))

	rejected := cmd.Rejected(record.Reject(record.RejectNotFound, "gone"))
	ObserveCommand(cmd, []record.Record{rejected}, time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(CommandsRejected.WithLabelValues("JOB", "NOT_FOUND")))
}

func TestHandlerServesMetrics(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "flowkernel_log_position")
}
