// Package metrics 收集一次运行的统计数据，可选地推送到 Pushgateway。
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "subscribe_nexus"

// Run 是单次运行的指标集合，每次运行使用独立的 registry。
type Run struct {
	reg *prometheus.Registry

	Sources                prometheus.Counter
	NodesParsed            prometheus.Counter
	NodesAlive             prometheus.Counter
	NodesPublished         prometheus.Counter
	SubscriptionsDiscarded prometheus.Counter
	ProbeLatency           prometheus.Histogram
}

// NewRun 创建指标集合，command 作为常量标签。
func NewRun(command string) *Run {
	labels := prometheus.Labels{"command": command}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	r := &Run{
		reg:                    prometheus.NewRegistry(),
		Sources:                counter("sources_total", "Acquisition tasks assigned in this run."),
		NodesParsed:            counter("nodes_parsed_total", "Proxy nodes parsed from all sources."),
		NodesAlive:             counter("nodes_alive_total", "Proxy nodes that passed the liveness probe."),
		NodesPublished:         counter("nodes_published_total", "Proxy nodes written to the output artifacts."),
		SubscriptionsDiscarded: counter("subscriptions_discarded_total", "Subscriptions dropped as expired or exhausted."),
		ProbeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "probe_latency_seconds",
			Help:        "Latency of reachable proxy nodes.",
			ConstLabels: labels,
			Buckets:     []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.2, 2, 3, 5},
		}),
	}
	r.reg.MustRegister(r.Sources, r.NodesParsed, r.NodesAlive, r.NodesPublished, r.SubscriptionsDiscarded, r.ProbeLatency)
	return r
}

// ObserveLatency 记录一个可达节点的延迟。
func (r *Run) ObserveLatency(d time.Duration) {
	r.ProbeLatency.Observe(d.Seconds())
}

// Gatherer 返回底层 registry。
func (r *Run) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Push 把本次运行的指标推送到 Pushgateway。
func (r *Run) Push(ctx context.Context, gatewayURL, job string) error {
	return push.New(gatewayURL, job).Gatherer(r.reg).PushContext(ctx)
}
