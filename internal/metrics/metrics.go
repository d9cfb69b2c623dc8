// Package metrics exposes orchestrator state as Prometheus collectors.
//
// All recording methods are safe on a nil *Registry so components can be
// constructed without metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "captain"

// Outcome labels for finished campaign attempts.
const (
	OutcomeCompleted   = "completed"
	OutcomeRunFailed   = "run_failed"
	OutcomePromoteFail = "promotion_failed"
	OutcomeInterrupted = "interrupted"
)

// Registry owns the collectors and the registry they are registered on.
type Registry struct {
	reg *prometheus.Registry

	coresHeld          prometheus.Gauge
	campaignsRunning   prometheus.Gauge
	campaignOutcomes   *prometheus.CounterVec
	lockRetries        prometheus.Counter
	buildFailures      *prometheus.CounterVec
	coverageTracked    prometheus.Gauge
	coverageStarts     prometheus.Counter
	coverageStartFails prometheus.Counter
	coverageStops      prometheus.Counter
	slotsReaped        prometheus.Counter
}

// New creates a Registry with every collector registered.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		coresHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cores_held",
			Help: "CPU core tokens currently held by this process.",
		}),
		campaignsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "campaigns_running",
			Help: "Campaign containers currently running.",
		}),
		campaignOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "campaign_outcomes_total",
			Help: "Finished campaign attempts by outcome.",
		}, []string{"fuzzer", "outcome"}),
		lockRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "slot_lock_retries_total",
			Help: "Slot claims lost to a sibling and retried with fresh IDs.",
		}),
		buildFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "image_build_failures_total",
			Help: "Fuzzer image builds that failed.",
		}, []string{"fuzzer"}),
		coverageTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "coverage_tracked",
			Help: "Cache slots with a tracked coverage container.",
		}),
		coverageStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "coverage_starts_total",
			Help: "Coverage containers started.",
		}),
		coverageStartFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "coverage_start_failures_total",
			Help: "Coverage container starts that failed and will be retried.",
		}),
		coverageStops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "coverage_stops_total",
			Help: "Coverage containers stopped after their slot disappeared.",
		}),
		slotsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "slots_reaped_total",
			Help: "Empty cache slots removed after the grace window.",
		}),
	}
	r.reg.MustRegister(
		r.coresHeld, r.campaignsRunning, r.campaignOutcomes, r.lockRetries, r.buildFailures,
		r.coverageTracked, r.coverageStarts, r.coverageStartFails, r.coverageStops, r.slotsReaped,
	)
	return r
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (r *Registry) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (r *Registry) AddCoresHeld(n int) {
	if r != nil {
		r.coresHeld.Add(float64(n))
	}
}

func (r *Registry) CampaignStarted() {
	if r != nil {
		r.campaignsRunning.Inc()
	}
}

func (r *Registry) CampaignFinished(fuzzer, outcome string) {
	if r != nil {
		r.campaignsRunning.Dec()
		r.campaignOutcomes.WithLabelValues(fuzzer, outcome).Inc()
	}
}

func (r *Registry) LockRetry() {
	if r != nil {
		r.lockRetries.Inc()
	}
}

func (r *Registry) BuildFailed(fuzzer string) {
	if r != nil {
		r.buildFailures.WithLabelValues(fuzzer).Inc()
	}
}

func (r *Registry) SetCoverageTracked(n int) {
	if r != nil {
		r.coverageTracked.Set(float64(n))
	}
}

func (r *Registry) CoverageStarted() {
	if r != nil {
		r.coverageStarts.Inc()
	}
}

func (r *Registry) CoverageStartFailed() {
	if r != nil {
		r.coverageStartFails.Inc()
	}
}

func (r *Registry) CoverageStopped() {
	if r != nil {
		r.coverageStops.Inc()
	}
}

func (r *Registry) SlotReaped() {
	if r != nil {
		r.slotsReaped.Inc()
	}
}
