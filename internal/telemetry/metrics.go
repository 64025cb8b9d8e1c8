package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flowkernel/internal/record"
)

var (
	once sync.Once

	CommandsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "flowkernel_commands_processed_total", Help: "Commands processed by value type and intent"}, []string{"value_type", "intent"})
	CommandsRejected  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "flowkernel_commands_rejected_total", Help: "Commands rejected by value type and rejection type"}, []string{"value_type", "rejection_type"})
	EventsWritten     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "flowkernel_events_written_total", Help: "Events written by value type and intent"}, []string{"value_type", "intent"})
	IncidentsRaised   = prometheus.NewCounter(prometheus.CounterOpts{Name: "flowkernel_incidents_raised_total", Help: "Incidents raised for jobs without retries"})
	JobsTimedOut      = prometheus.NewCounter(prometheus.CounterOpts{Name: "flowkernel_jobs_timed_out_total", Help: "Activated jobs returned after their deadline passed"})
	ProcessingSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "flowkernel_command_processing_seconds", Help: "Time to process and append one command", Buckets: prometheus.DefBuckets})
	LogPosition       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "flowkernel_log_position", Help: "Position of the newest record in the log"})
	WebhookFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "flowkernel_webhook_failures_total", Help: "Failed webhook deliveries"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	register()
	return promhttp.Handler()
}

func register() {
	once.Do(func() {
		prometheus.MustRegister(
			CommandsProcessed,
			CommandsRejected,
			EventsWritten,
			IncidentsRaised,
			JobsTimedOut,
			ProcessingSeconds,
			LogPosition,
			WebhookFailures,
		)
	})
}

// ObserveCommand records the outcome of one processed command.
func ObserveCommand(cmd record.Record, written []record.Record, took time.Duration) {
	CommandsProcessed.WithLabelValues(string(cmd.ValueType), string(cmd.Intent)).Inc()
	ProcessingSeconds.Observe(took.Seconds())
	for _, rec := range written {
		switch {
		case rec.RecordType == record.TypeCommandRejection:
			CommandsRejected.WithLabelValues(string(rec.ValueType), string(rec.RejectionType)).Inc()
		case rec.RecordType == record.TypeEvent:
			EventsWritten.WithLabelValues(string(rec.ValueType), string(rec.Intent)).Inc()
			if rec.ValueType == record.ValueIncident && rec.Intent == record.IntentCreated {
				IncidentsRaised.Inc()
			}
			if rec.ValueType == record.ValueJob && rec.Intent == record.IntentTimedOut {
				JobsTimedOut.Inc()
			}
		}
		LogPosition.Set(float64(rec.Position))
	}
}
