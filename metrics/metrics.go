// Package metrics defines the Prometheus collectors of the auction and the
// server that exposes them.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "atomica"

var (
	BidsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bids_submitted_total",
		Help:      "Sealed bids accepted, by pair.",
	}, []string{"pair"})

	BidsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bids_rejected_total",
		Help:      "Bids rejected at submission or reveal, by reason.",
	}, []string{"reason"})

	AuctionsCleared = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auctions_total",
		Help:      "Auction outcomes, by pair and outcome.",
	}, []string{"pair", "outcome"})

	ClearingPrice = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "clearing_price",
		Help:      "Last clearing price, by pair.",
	}, []string{"pair"})

	ReferenceDeviation = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reference_deviation_ratio",
		Help:      "Relative gap between the last clearing price and the reference price.",
	}, []string{"pair"})

	EpochDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "epoch_run_seconds",
		Help:      "Time to reveal and clear one epoch.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	ObligationsResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "obligations_resolved_total",
		Help:      "Obligations reaching a terminal state, by state and reason.",
	}, []string{"state", "reason"})

	ProofDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "proof_seconds",
		Help:      "Delivery proof generation and verification time.",
	}, []string{"stage", "kind"})

	Liquidations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "liquidations_total",
		Help:      "Collateral liquidations after settlement defaults.",
	})

	OutboxPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "outbox_pending",
		Help:      "Events waiting to be broadcast.",
	})
)

func init() {
	prometheus.MustRegister(
		BidsSubmitted,
		BidsRejected,
		AuctionsCleared,
		ClearingPrice,
		ReferenceDeviation,
		EpochDuration,
		ObligationsResolved,
		ProofDuration,
		Liquidations,
		OutboxPending,
	)
}

// MetricsServer serves /metrics on its own address.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the process named name. An empty addr
// yields a server that is never started.
func New(name, addr string) (*MetricsServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer,
		promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}),
	))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(name + " metrics at /metrics\n"))
	})

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// ListenAndServe blocks until the server stops.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown stops the server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}

// Since observes the time elapsed from start on h.
func Since(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
