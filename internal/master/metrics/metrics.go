package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"titan/internal/master/scheduler"
	"titan/pkg/model"
)

const MetricPrefix = "titan_pool_"

var containersDesc = prometheus.NewDesc(
	MetricPrefix+"containers",
	"Number of pooled containers by status bucket",
	[]string{"status"},
	nil,
)

var utilizationDesc = prometheus.NewDesc(
	MetricPrefix+"utilization",
	"Mean utilization across pooled containers",
	[]string{"resource"},
	nil,
)

// StatsSource 由 *scheduler.Registry 实现
type StatsSource interface {
	Stats() model.PoolStats
}

// Sink 统计调度事件，并在被抓取时导出容器池统计
type Sink struct {
	events *prometheus.CounterVec
	source StatsSource
}

var _ scheduler.MetricsSink = (*Sink)(nil)

func NewSink() *Sink {
	return &Sink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "assignment_events_total",
			Help: "Scheduler events by name, strategy and reason",
		}, []string{"event", "strategy", "reason"}),
	}
}

// Watch 设置抓取时读取容器池指标的来源
func (s *Sink) Watch(source StatsSource) {
	s.source = source
}

func (s *Sink) Record(e scheduler.MetricsEvent) {
	s.events.WithLabelValues(e.Event, string(e.Strategy), e.Reason).Inc()
}

func (s *Sink) Describe(desc chan<- *prometheus.Desc) {
	s.events.Describe(desc)
	desc <- containersDesc
	desc <- utilizationDesc
}

func (s *Sink) Collect(metrics chan<- prometheus.Metric) {
	s.events.Collect(metrics)
	if s.source == nil {
		return
	}
	stats := s.source.Stats()
	metrics <- prometheus.MustNewConstMetric(containersDesc, prometheus.GaugeValue, float64(stats.Total), "total")
	metrics <- prometheus.MustNewConstMetric(containersDesc, prometheus.GaugeValue, float64(stats.Ready), "ready")
	metrics <- prometheus.MustNewConstMetric(containersDesc, prometheus.GaugeValue, float64(stats.Assigned), "assigned")
	metrics <- prometheus.MustNewConstMetric(containersDesc, prometheus.GaugeValue, float64(stats.Unhealthy), "unhealthy")
	metrics <- prometheus.MustNewConstMetric(utilizationDesc, prometheus.GaugeValue, stats.Utilization.CPU, "cpu")
	metrics <- prometheus.MustNewConstMetric(utilizationDesc, prometheus.GaugeValue, stats.Utilization.Memory, "memory")
	metrics <- prometheus.MustNewConstMetric(utilizationDesc, prometheus.GaugeValue, stats.Utilization.Disk, "disk")
	metrics <- prometheus.MustNewConstMetric(utilizationDesc, prometheus.GaugeValue, stats.Utilization.Network, "network")
}
