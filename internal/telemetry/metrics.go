package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ProbesTotal 按结果统计端口探测次数
	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portlens",
			Name:      "probes_total",
			Help:      "Total number of TCP port probes by outcome",
		},
		[]string{"outcome"},
	)

	// OpenPortsTotal 发现的开放端口数
	OpenPortsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "portlens",
			Name:      "open_ports_total",
			Help:      "Total number of open ports discovered",
		},
	)

	// VulnQueriesTotal 漏洞库查询次数
	VulnQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portlens",
			Name:      "vuln_queries_total",
			Help:      "Total number of vulnerability database queries by result",
		},
		[]string{"result"},
	)

	// ScanDuration 单次扫描耗时
	ScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "portlens",
			Name:      "scan_duration_seconds",
			Help:      "Wall-clock duration of complete scan runs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	once sync.Once
)

// 查询结果标签
const (
	QueryOK             = "ok"
	QueryHTTPError      = "http_error"
	QueryTransportError = "transport_error"
	QueryCacheHit       = "cache_hit"
)

// InitMetrics 向默认注册表注册指标，可重复调用
func InitMetrics() {
	once.Do(func() {
		prometheus.DefaultRegisterer.Register(ProbesTotal)
		prometheus.DefaultRegisterer.Register(OpenPortsTotal)
		prometheus.DefaultRegisterer.Register(VulnQueriesTotal)
		prometheus.DefaultRegisterer.Register(ScanDuration)
	})
}
