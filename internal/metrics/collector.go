// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
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
	// 会话编排指标
	fanoutsTotal      *prometheus.CounterVec
	finalsTotal       *prometheus.CounterVec
	compositePushes   prometheus.Counter
	aggregationsSwept prometheus.Counter
	toolQueryDuration *prometheus.HistogramVec

	// 租约指标
	leaseWaitDuration *prometheus.HistogramVec
	leasesActive      *prometheus.GaugeVec

	// 对话指标
	workerDuration   *prometheus.HistogramVec
	summariesTotal   prometheus.Counter
	referencesTotal  prometheus.Counter

	// 工作流指标
	workflowTransitions *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 会话编排指标
	c.fanoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_fanouts_total",
			Help:      "Total number of backend fan-out dispatches",
		},
		[]string{"process"},
	)

	c.finalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_finals_total",
			Help:      "Total number of final synthesized messages emitted",
		},
		[]string{"status"},
	)

	c.compositePushes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_composite_pushes_total",
			Help:      "Total number of throttled composite status pushes",
		},
	)

	c.aggregationsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_aggregations_swept_total",
			Help:      "Total number of stale aggregation states evicted",
		},
	)

	c.toolQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_tool_query_duration_seconds",
			Help:      "Synchronous tool-call query duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"status"},
	)

	// 租约指标
	c.leaseWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lease_wait_duration_seconds",
			Help:      "Time spent waiting to acquire a concurrency lease",
			Buckets:   []float64{0.001, 0.01, 0.1, 1, 5, 30, 120, 600},
		},
		[]string{"category"},
	)

	c.leasesActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "leases_active",
			Help:      "Number of currently held concurrency leases",
		},
		[]string{"category"},
	)

	// 对话指标
	c.workerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "conversation_worker_duration_seconds",
			Help:      "Message worker end-to-end duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"process"},
	)

	c.summariesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_summaries_total",
			Help:      "Total number of conversation summaries generated",
		},
	)

	c.referencesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_references_resolved_total",
			Help:      "Total number of reference tokens resolved",
		},
	)

	// 工作流指标
	c.workflowTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_transitions_total",
			Help:      "Total number of agentic workflow state transitions",
		},
		[]string{"from", "to"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 记录方法
// =============================================================================

// RecordFanout 记录一次后端分发
func (c *Collector) RecordFanout(process string) {
	c.fanoutsTotal.WithLabelValues(process).Inc()
}

// RecordFinal 记录一次最终合成消息
func (c *Collector) RecordFinal(status string) {
	c.finalsTotal.WithLabelValues(status).Inc()
}

// RecordCompositePush 记录一次组合消息推送
func (c *Collector) RecordCompositePush() {
	c.compositePushes.Inc()
}

// RecordAggregationSwept 记录一次聚合状态清理
func (c *Collector) RecordAggregationSwept() {
	c.aggregationsSwept.Inc()
}

// RecordToolQuery 记录同步查询时长
func (c *Collector) RecordToolQuery(status string, duration time.Duration) {
	c.toolQueryDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordLeaseWait 记录租约等待时长
func (c *Collector) RecordLeaseWait(category string, duration time.Duration) {
	c.leaseWaitDuration.WithLabelValues(category).Observe(duration.Seconds())
}

// LeaseAcquired 租约获取
func (c *Collector) LeaseAcquired(category string) {
	c.leasesActive.WithLabelValues(category).Inc()
}

// LeaseReleased 租约释放
func (c *Collector) LeaseReleased(category string) {
	c.leasesActive.WithLabelValues(category).Dec()
}

// RecordWorkerDuration 记录 worker 执行时长
func (c *Collector) RecordWorkerDuration(process string, duration time.Duration) {
	c.workerDuration.WithLabelValues(process).Observe(duration.Seconds())
}

// RecordSummary 记录一次摘要生成
func (c *Collector) RecordSummary() {
	c.summariesTotal.Inc()
}

// RecordReferenceResolved 记录一次引用解析
func (c *Collector) RecordReferenceResolved() {
	c.referencesTotal.Inc()
}

// RecordWorkflowTransition 记录一次工作流状态迁移
func (c *Collector) RecordWorkflowTransition(from, to string) {
	c.workflowTransitions.WithLabelValues(from, to).Inc()
}
