package diag

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 指标：
// - op_total{comp,stage,result}
// - error_total{comp,code}
// - op_duration_ms{comp,stage}
var (
	registry = prometheus.NewRegistry()

	opTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "langextract",
			Name:      "op_total",
			Help:      "The total number of pipeline operations by component and stage.",
		},
		[]string{"comp", "stage", "result"},
	)
	errorTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "langextract",
			Name:      "error_total",
			Help:      "The total number of errors by component and classification code.",
		},
		[]string{"comp", "code"},
	)
	opDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "langextract",
			Name:      "op_duration_ms",
			Help:      "Operation duration in milliseconds.",
			Buckets:   []float64{5, 25, 100, 250, 500, 1000, 2500, 5000, 15000, 60000},
		},
		[]string{"comp", "stage"},
	)
)

func init() {
	registry.MustRegister(opTotal, errorTotal, opDuration)
}

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) {
	opTotal.WithLabelValues(comp, stage, result).Inc()
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	errorTotal.WithLabelValues(comp, code).Inc()
}

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	opDuration.WithLabelValues(comp, stage).Observe(float64(durMS))
}

// MetricsHandler 以 Prometheus 文本格式导出本包指标。
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
