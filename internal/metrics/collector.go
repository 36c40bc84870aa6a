package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 对话轮次
	turnsTotal   *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec
	turnsActive  prometheus.Gauge

	// 节点、路由、交接、恢复
	nodeExecutionsTotal *prometheus.CounterVec
	nodeDuration        *prometheus.HistogramVec
	routingDecisions    *prometheus.CounterVec
	handoffsTotal       *prometheus.CounterVec
	recoveryActions     *prometheus.CounterVec

	// 检查点
	checkpointOpsTotal *prometheus.CounterVec
	checkpointDuration *prometheus.HistogramVec

	// 外部服务缓存
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器并注册到 reg；reg 为空时使用默认注册表
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.turnsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total number of conversation turns by responding agent and outcome",
		},
		[]string{"agent", "outcome"},
	)
	c.turnDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Conversation turn duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"outcome"},
	)
	c.turnsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "turns_in_flight",
			Help:      "Number of turns currently being processed",
		},
	)

	c.nodeExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Total number of agent node executions",
		},
		[]string{"agent", "status"},
	)
	c.nodeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Agent node execution duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"agent"},
	)
	c.routingDecisions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Total number of routing decisions by target agent and intent",
		},
		[]string{"agent", "intent"},
	)
	c.handoffsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Total number of agent handoffs",
		},
		[]string{"from", "to", "trigger"},
	)
	c.recoveryActions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_actions_total",
			Help:      "Total number of error recovery actions",
		},
		[]string{"agent", "action"},
	)

	c.checkpointOpsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_operations_total",
			Help:      "Total number of checkpoint store operations",
		},
		[]string{"op", "status"},
	)
	c.checkpointDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_duration_seconds",
			Help:      "Checkpoint store operation duration in seconds, including retries",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)
	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// =============================================================================
// 🎯 HTTP
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🗣️ 对话编排
// =============================================================================

// TurnStarted 轮次开始
func (c *Collector) TurnStarted() {
	if c == nil {
		return
	}
	c.turnsActive.Inc()
}

// RecordTurn 记录一轮结束；outcome: ok, gave_up, degraded, cancelled, fatal, error
func (c *Collector) RecordTurn(agent, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.turnsActive.Dec()
	c.turnsTotal.WithLabelValues(agent, outcome).Inc()
	c.turnDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordNode 记录节点执行
func (c *Collector) RecordNode(agent, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.nodeExecutionsTotal.WithLabelValues(agent, status).Inc()
	c.nodeDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// RecordRouting 记录路由决策
func (c *Collector) RecordRouting(agent, intent string) {
	if c == nil {
		return
	}
	c.routingDecisions.WithLabelValues(agent, intent).Inc()
}

// RecordHandoff 记录交接
func (c *Collector) RecordHandoff(from, to, trigger string) {
	if c == nil {
		return
	}
	c.handoffsTotal.WithLabelValues(from, to, trigger).Inc()
}

// RecordRecovery 记录恢复动作
func (c *Collector) RecordRecovery(agent, action string) {
	if c == nil {
		return
	}
	c.recoveryActions.WithLabelValues(agent, action).Inc()
}

// RecordCheckpoint 记录检查点操作
func (c *Collector) RecordCheckpoint(op string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.checkpointOpsTotal.WithLabelValues(op, status).Inc()
	c.checkpointDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// =============================================================================
// 💾 缓存
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// statusCode 将 HTTP 状态码归类
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
