// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package telemetry holds the Prometheus metrics of the training coordinator and an HTTP exporter for them.
//
// Metrics are registered in Registry, not in the Prometheus default registry, so that embedding programs
// don't see them unless they serve them.
package telemetry

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

const namespace = "ddp"

// Registry holds all the metrics of this package.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// CollectiveOps counts collective operations issued by this process.
	CollectiveOps = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collective_ops_total",
			Help:      "Total number of collective operations issued",
		},
		[]string{"op", "status"}, // op: join/barrier/broadcast/all_reduce/leave, status: ok/timeout/aborted/error
	)

	// CollectiveDuration measures how long this process waited in each collective operation.
	CollectiveDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collective_duration_seconds",
			Help:      "Time spent in collective operations in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 30},
		},
		[]string{"op"},
	)

	// RendezvousRPCs counts the RPCs served by the rendezvous hosted on rank 0.
	RendezvousRPCs = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rendezvous_rpcs_total",
			Help:      "Total number of RPCs served by the rendezvous",
		},
		[]string{"method", "code"},
	)

	// TrainSteps counts the training steps executed by this rank.
	TrainSteps = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "train_steps_total",
			Help:      "Total number of synchronized training steps run by this rank",
		},
	)

	// TrainEpoch is the epoch currently running.
	TrainEpoch = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "train_epoch",
			Help:      "Epoch currently being trained",
		},
	)

	// TrainLoss is the last group-averaged training loss.
	TrainLoss = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "train_loss",
			Help:      "Last training loss, averaged over the group",
		},
	)

	// SnapshotWrites counts snapshots persisted.
	SnapshotWrites = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_writes_total",
			Help:      "Total number of snapshots written",
		},
	)

	// SnapshotBytes is the size of the last snapshot written.
	SnapshotBytes = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_bytes",
			Help:      "Size in bytes of the last snapshot written",
		},
	)
)

func init() {
	Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// RecordCollective records the outcome of a collective operation.
func RecordCollective(op string, elapsed time.Duration, status string) {
	CollectiveOps.WithLabelValues(op, status).Inc()
	CollectiveDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// Exporter serves Registry over HTTP at /metrics.
type Exporter struct {
	server   *http.Server
	listener net.Listener
}

// NewExporter listens on addr (e.g. ":9090") and returns an Exporter ready to Serve.
func NewExporter(addr string) (*Exporter, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %q for metrics", addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry}))
	return &Exporter{
		listener: lis,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Addr returns the address the exporter is listening to.
func (e *Exporter) Addr() string {
	return e.listener.Addr().String()
}

// Start serving in a separate goroutine.
func (e *Exporter) Start() {
	go func() {
		err := e.server.Serve(e.listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("metrics exporter on %s failed: %+v", e.Addr(), err)
		}
	}()
	klog.V(1).Infof("serving metrics on http://%s/metrics", e.Addr())
}

// Stop the exporter, waiting up to timeout for in-flight scrapes.
func (e *Exporter) Stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return e.server.Shutdown(ctx)
}
