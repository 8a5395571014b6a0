// Package metrics holds the Prometheus collectors exported by the intake
// service. All methods are safe to call on a nil *Metrics so that domain
// services and tests can run without a registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	SchemasPublished    *prometheus.CounterVec
	SchemasArchived     *prometheus.CounterVec
	PublishConflicts    prometheus.Counter
	SessionsStarted     prometheus.Counter
	SessionsResumed     prometheus.Counter
	AdmissionsCompleted prometheus.Counter
	AuditRecorded       *prometheus.CounterVec
	AuditPublishFailed  prometheus.Counter
	ResolveCache        *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
}

// New registers the collectors on reg. Passing a fresh prometheus.Registry
// keeps tests isolated from the default registry.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		SchemasPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_schemas_published_total",
			Help: "Form schema versions moved from draft to active",
		}, []string{"unit"}),
		SchemasArchived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_schemas_archived_total",
			Help: "Active form schema versions demoted to archived by a publish",
		}, []string{"unit"}),
		PublishConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "intake_schema_publish_conflicts_total",
			Help: "Publishes rejected because another version became active concurrently",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "intake_sessions_started_total",
			Help: "Intake sessions created",
		}),
		SessionsResumed: f.NewCounter(prometheus.CounterOpts{
			Name: "intake_sessions_resumed_total",
			Help: "Session start requests answered with an existing open session",
		}),
		AdmissionsCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "intake_admissions_completed_total",
			Help: "Admissions marked completed",
		}),
		AuditRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_audit_entries_total",
			Help: "Audit entries appended",
		}, []string{"entity", "action"}),
		AuditPublishFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "intake_audit_publish_failures_total",
			Help: "Audit entries that could not be forwarded to the event stream",
		}),
		ResolveCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_resolved_schema_cache_total",
			Help: "Resolved schema cache lookups by result",
		}, []string{"result"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) SchemaPublished(unit string, demoted int) {
	if m == nil {
		return
	}
	m.SchemasPublished.WithLabelValues(unit).Inc()
	if demoted > 0 {
		m.SchemasArchived.WithLabelValues(unit).Add(float64(demoted))
	}
}

func (m *Metrics) PublishConflict() {
	if m == nil {
		return
	}
	m.PublishConflicts.Inc()
}

// SessionStarted counts a start request; resumed is true when an open
// session was returned instead of a new one.
func (m *Metrics) SessionStarted(resumed bool) {
	if m == nil {
		return
	}
	if resumed {
		m.SessionsResumed.Inc()
		return
	}
	m.SessionsStarted.Inc()
}

func (m *Metrics) AdmissionCompleted() {
	if m == nil {
		return
	}
	m.AdmissionsCompleted.Inc()
}

func (m *Metrics) AuditEntryRecorded(entity, action string) {
	if m == nil {
		return
	}
	m.AuditRecorded.WithLabelValues(entity, action).Inc()
}

func (m *Metrics) AuditPublishFailure() {
	if m == nil {
		return
	}
	m.AuditPublishFailed.Inc()
}

// CacheLookup records a resolved-schema cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.ResolveCache.WithLabelValues("hit").Inc()
		return
	}
	m.ResolveCache.WithLabelValues("miss").Inc()
}

// Middleware observes request latency labelled by the matched route
// template, so ids in paths do not explode label cardinality.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				status = http.StatusInternalServerError
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.RequestDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	if m == nil {
		return func(c echo.Context) error {
			return c.NoContent(http.StatusNotFound)
		}
	}
	return echo.WrapHandler(promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
}
