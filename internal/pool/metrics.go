package pool

import "github.com/prometheus/client_golang/prometheus"

var (
	vmBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kestrel_vm_boot_seconds",
			Help:    "Duration from Driver.Start to InstanceStart acknowledgement, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeVMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kestrel_active_vms",
			Help: "Number of microVMs currently registered in the pool.",
		},
	)

	vmCleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kestrel_vm_cleanup_seconds",
			Help:    "Duration of Driver.Delete, from call to host artifact removal, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	vmLifecycleTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_vm_lifecycle_total",
			Help: "Total lifecycle transitions processed by the pool, by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	vmStartFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_vm_start_failures_total",
			Help: "Driver.Start failures observed by the pool, by error kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(vmBootDuration)
	prometheus.MustRegister(activeVMs)
	prometheus.MustRegister(vmCleanupDuration)
	prometheus.MustRegister(vmLifecycleTotal)
	prometheus.MustRegister(vmStartFailures)

	for _, op := range []string{"create", "start", "pause", "resume", "stop", "delete", "snapshot"} {
		vmLifecycleTotal.WithLabelValues(op, "success")
		vmLifecycleTotal.WithLabelValues(op, "error")
	}
}

func recordLifecycle(operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	vmLifecycleTotal.WithLabelValues(operation, outcome).Inc()
}
