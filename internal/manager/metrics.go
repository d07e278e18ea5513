package manager

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Instrumentation holds the manager's Prometheus collectors. Every Manager
// gets one from newInstrumentation, and all of them point at the same
// package-level collectors, which are registered exactly once even if
// multiple Managers are created (as tests do).
type Instrumentation struct {
	createDuration prometheus.Histogram
	liveVMs        prometheus.Gauge
	queueDepth     prometheus.Gauge
}

var (
	registerOnce sync.Once

	createDurationVec = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vanguard_manager_create_seconds",
		Help:    "Duration of the Create pipeline, from id mint to handle insertion, in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	liveVMsVec = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vanguard_manager_live_vms",
		Help: "Number of VMs currently tracked by the manager.",
	})
	queueDepthVec = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vanguard_manager_command_bus_depth",
		Help: "Number of commands currently queued on the command bus.",
	})
)

func newInstrumentation() *Instrumentation {
	registerOnce.Do(func() {
		prometheus.MustRegister(createDurationVec, liveVMsVec, queueDepthVec)
	})
	return &Instrumentation{
		createDuration: createDurationVec,
		liveVMs:        liveVMsVec,
		queueDepth:     queueDepthVec,
	}
}
