// Package metrics exports partition controller metrics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Prometheus struct {
	ownedPartitions prometheus.Gauge
	acquisitions    prometheus.Counter
	releases        prometheus.Counter
	splits          prometheus.Counter
	splitChildren   prometheus.Counter
	taskOutcomes    *prometheus.CounterVec
}

// NewPrometheus registers the controller metrics with reg, or with the
// default registerer when reg is nil.
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "changefeed"
	}

	p := &Prometheus{
		ownedPartitions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "owned_partitions",
			Help:      "Number of partitions with a worker task on this host.",
		}),
		acquisitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "lease_acquisitions_total",
			Help:      "Total leases acquired by this host.",
		}),
		releases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "lease_releases_total",
			Help:      "Total leases released by this host.",
		}),
		splits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "partition_splits_total",
			Help:      "Total partitions replaced by their children.",
		}),
		splitChildren: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "partition_split_children_total",
			Help:      "Total child partitions started after a split.",
		}),
		taskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "worker_tasks_completed_total",
			Help:      "Total finished worker tasks by outcome (success, split, cancelled, error).",
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{p.ownedPartitions, p.acquisitions, p.releases, p.splits, p.splitChildren, p.taskOutcomes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) SetOwnedPartitions(n int) {
	p.ownedPartitions.Set(float64(n))
}

func (p *Prometheus) LeaseAcquired() {
	p.acquisitions.Inc()
}

func (p *Prometheus) LeaseReleased() {
	p.releases.Inc()
}

func (p *Prometheus) PartitionSplit(children int) {
	p.splits.Inc()
	p.splitChildren.Add(float64(children))
}

func (p *Prometheus) TaskCompleted(outcome string) {
	p.taskOutcomes.WithLabelValues(outcome).Inc()
}
