package diag

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 进程内私有注册表，避免与宿主默认注册表冲突。
var (
	registry = prometheus.NewRegistry()

	opTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dockoreksi",
		Name:      "op_total",
		Help:      "Component operations by stage and result.",
	}, []string{"comp", "stage", "result"})

	errorTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dockoreksi",
		Name:      "error_total",
		Help:      "Classified errors by component.",
	}, []string{"comp", "code"})

	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dockoreksi",
		Name:      "op_duration_ms",
		Help:      "Operation duration in milliseconds.",
		Buckets:   prometheus.ExponentialBuckets(5, 2, 14),
	}, []string{"comp", "stage"})
)

func init() {
	registry.MustRegister(opTotal, errorTotal, opDuration)
}

func IncOp(comp, stage, result string) { opTotal.WithLabelValues(comp, stage, result).Inc() }

func IncError(comp, code string) { errorTotal.WithLabelValues(comp, code).Inc() }

func ObserveDuration(comp, stage string, ms int64) {
	opDuration.WithLabelValues(comp, stage).Observe(float64(ms))
}

// Gatherer 暴露注册表，供测试与自定义导出使用。
func Gatherer() prometheus.Gatherer { return registry }

// MetricsHandler 返回 /metrics 的 HTTP 处理器。
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
