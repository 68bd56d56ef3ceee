package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kyleseneker/ringtrace/internal/ring"
)

const namespace = "ringtrace"

// Metrics holds the consumer-side Prometheus metrics.
type Metrics struct {
	EventsDecoded    prometheus.Counter
	EventsDispatched prometheus.Counter
	ConsumerErrors   *prometheus.CounterVec
	DispatchDuration prometheus.Histogram
}

// NewMetrics creates and registers the consumer metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsDecoded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_decoded_total",
			Help:      "Total number of records decoded from the transport.",
		}),
		EventsDispatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Total number of events handed to the handler.",
		}),
		ConsumerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_errors_total",
			Help:      "Total number of consumer errors by phase and code.",
		}, []string{"phase", "code"}),
		DispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent in the event handler.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
	}
}

// IncConsumerError counts one consumer error.
func (m *Metrics) IncConsumerError(phase, code string) {
	if m == nil {
		return
	}
	m.ConsumerErrors.WithLabelValues(phase, code).Inc()
}

// RegisterAccountant exposes the loss accountant counters. They are read on
// scrape, so the producer path never touches Prometheus.
func RegisterAccountant(reg prometheus.Registerer, acct *ring.Accountant) {
	factory := promauto.With(reg)
	counters := []struct {
		name, help string
		read       func() uint64
	}{
		{"records_rejected_total", "Reservations refused because the ring was full.", acct.Rejected},
		{"records_overwritten_total", "Records evicted by an overwriting producer.", acct.Overwritten},
		{"cursor_gaps_total", "Records overwritten while the consumer held them.", acct.Gaps},
		{"records_corrupt_total", "Records skipped because they could not be decoded.", acct.Corrupt},
		{"records_delivered_total", "Records delivered to the consumer's caller.", acct.Delivered},
	}
	for _, c := range counters {
		read := c.read
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      c.name,
			Help:      c.help,
		}, func() float64 { return float64(read()) })
	}
}

// RegisterRing exposes the occupancy of an in-process ring.
func RegisterRing(reg prometheus.Registerer, r *ring.Ring) {
	factory := promauto.With(reg)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ring_used_bytes",
		Help:      "Bytes reserved and not yet consumed.",
	}, func() float64 { return float64(r.State().Used) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ring_capacity_bytes",
		Help:      "Ring arena size.",
	}, func() float64 { return float64(r.Capacity()) })
}

// Serve exposes /metrics and /health on addr until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", zap.String("address", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
