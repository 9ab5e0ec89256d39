package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mailmeta"

// Metrics 监控指标
//
// 所有 Record/Update 方法对 nil 接收者安全，组件可以在不需要指标时传入 nil。
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 序列指标
	SequenceAllocations *prometheus.CounterVec

	// CAS 指标
	CASAttempts  *prometheus.CounterVec
	CASExhausted *prometheus.CounterVec

	// ACL 指标
	ACLUpdates *prometheus.CounterVec

	// 索引指标
	IndexEvents        *prometheus.CounterVec
	IndexEventDuration *prometheus.HistogramVec
	DispatchQueueDepth prometheus.Gauge

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter

	// 限流指标
	RateLimitBlocks *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics 在指定注册器上创建监控指标，reg 为 nil 时使用默认注册器
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		SequenceAllocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sequence_allocations_total",
				Help:      "Total number of sequence values allocated",
			},
			[]string{"kind"},
		),

		CASAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cas_attempts_total",
				Help:      "Compare-and-set attempts by component and outcome",
			},
			[]string{"component", "outcome"},
		),

		CASExhausted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cas_exhausted_total",
				Help:      "Compare-and-set loops that ran out of attempts",
			},
			[]string{"component"},
		),

		ACLUpdates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "acl_updates_total",
				Help:      "ACL update commands by mode and result",
			},
			[]string{"mode", "result"},
		),

		IndexEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "index_events_total",
				Help:      "Mailbox events applied to the secondary index tables",
			},
			[]string{"type", "result"},
		),

		IndexEventDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "index_event_duration_seconds",
				Help:      "Time spent applying one mailbox event to the index tables",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"type"},
		),

		DispatchQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dispatch_queue_depth",
				Help:      "Events waiting in the partitioned dispatch queues",
			},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "panics_total",
				Help:      "Total number of recovered panics",
			},
		),

		RateLimitBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_blocks_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"endpoint"},
		),
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordSequenceAllocation 记录分配的序列值个数
func (m *Metrics) RecordSequenceAllocation(kind string, n int64) {
	if m == nil {
		return
	}
	m.SequenceAllocations.WithLabelValues(kind).Add(float64(n))
}

// RecordCASAttempt 记录一次 CAS 尝试
func (m *Metrics) RecordCASAttempt(component string, committed bool) {
	if m == nil {
		return
	}
	outcome := "conflict"
	if committed {
		outcome = "committed"
	}
	m.CASAttempts.WithLabelValues(component, outcome).Inc()
}

// RecordCASExhausted 记录一次重试耗尽
func (m *Metrics) RecordCASExhausted(component string) {
	if m == nil {
		return
	}
	m.CASExhausted.WithLabelValues(component).Inc()
}

// RecordACLUpdate 记录 ACL 更新结果
func (m *Metrics) RecordACLUpdate(mode, result string) {
	if m == nil {
		return
	}
	m.ACLUpdates.WithLabelValues(mode, result).Inc()
}

// RecordIndexEvent 记录索引事件的处理结果与耗时
func (m *Metrics) RecordIndexEvent(eventType string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.IndexEvents.WithLabelValues(eventType, result).Inc()
	m.IndexEventDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// AddDispatchQueueDepth 调整分发队列深度
func (m *Metrics) AddDispatchQueueDepth(delta float64) {
	if m == nil {
		return
	}
	m.DispatchQueueDepth.Add(delta)
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// RecordRateLimitBlock 记录被限流的请求
func (m *Metrics) RecordRateLimitBlock(endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitBlocks.WithLabelValues(endpoint).Inc()
}

// HTTPHandler 返回 Prometheus 指标处理器
func (m *Metrics) HTTPHandler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
