package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drewjocham/mongo-converge/migration"
)

const namespace = "converge"

// Collector exports runner events as Prometheus metrics. It implements
// migration.Observer and owns its registry.
type Collector struct {
	registry *prometheus.Registry

	claims    *prometheus.CounterVec
	conflicts prometheus.Counter
	results   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	latest    prometheus.Gauge
}

var _ migration.Observer = (*Collector)(nil)

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Migration versions claimed, by owner.",
		}, []string{"owner"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_conflicts_total",
			Help:      "Claims lost to another worker.",
		}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_total",
			Help:      "Applied migrations by outcome.",
		}, []string{"status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "migration_duration_seconds",
			Help:      "Time spent applying a migration.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"status"}),
		latest: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_completed_version",
			Help:      "Highest version completed by this process.",
		}),
	}
	reg.MustRegister(c.claims, c.conflicts, c.results, c.duration, c.latest)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) MigrationClaimed(_ migration.Version, owner string) {
	c.claims.WithLabelValues(owner).Inc()
}

func (c *Collector) MigrationConflict(migration.Version, string) {
	c.conflicts.Inc()
}

func (c *Collector) MigrationCompleted(v migration.Version, elapsed time.Duration) {
	c.results.WithLabelValues("completed").Inc()
	c.duration.WithLabelValues("completed").Observe(elapsed.Seconds())
	c.latest.Set(float64(v.Int64()))
}

func (c *Collector) MigrationFailed(_ migration.Version, elapsed time.Duration, _ error) {
	c.results.WithLabelValues("failed").Inc()
	c.duration.WithLabelValues("failed").Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
