// Package lease 提供按类别划分的并发租约协调。
//
// 每个类别拥有独立的并发额度，持有者在开始长耗时编排前获取租约，
// 结束后归还。空闲超时与最大持有时长到期的租约会被自动回收，
// 防止崩溃的持有者永久占用额度。
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/chatforge/chatforge/config"
	"github.com/chatforge/chatforge/internal/metrics"
	"github.com/chatforge/chatforge/types"
)

// Lease 一张已授予的租约。Release 可安全地多次调用。
type Lease struct {
	ID         string
	Category   string
	Holder     string
	AcquiredAt time.Time

	coordinator *Coordinator
	releaseOnce sync.Once

	mu        sync.Mutex
	idleTimer *time.Timer
	holdTimer *time.Timer
	revoked   bool
}

// Release 归还租约额度。幂等。
func (l *Lease) Release() {
	l.releaseOnce.Do(func() {
		l.mu.Lock()
		if l.idleTimer != nil {
			l.idleTimer.Stop()
		}
		if l.holdTimer != nil {
			l.holdTimer.Stop()
		}
		l.mu.Unlock()

		l.coordinator.release(l)
	})
}

// KeepAlive 重置空闲计时。持有者在每次实际使用租约时调用。
func (l *Lease) KeepAlive() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.revoked || l.idleTimer == nil {
		return
	}
	l.idleTimer.Reset(l.coordinator.idleTimeout)
}

// Revoked 报告租约是否已被协调器回收。
func (l *Lease) Revoked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.revoked
}

// Coordinator 按类别管理租约额度。
type Coordinator struct {
	maxConcurrent int64
	idleTimeout   time.Duration
	maxHold       time.Duration

	mu         sync.Mutex
	categories map[string]*semaphore.Weighted

	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewCoordinator 创建协调器。
func NewCoordinator(cfg config.LeaseConfig, collector *metrics.Collector, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		maxConcurrent: int64(cfg.MaxConcurrent),
		idleTimeout:   cfg.IdleTimeout,
		maxHold:       cfg.MaxHold,
		categories:    make(map[string]*semaphore.Weighted),
		metrics:       collector,
		logger:        logger.With(zap.String("component", "lease")),
	}
}

func (c *Coordinator) semaphoreFor(category string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	sem, ok := c.categories[category]
	if !ok {
		sem = semaphore.NewWeighted(c.maxConcurrent)
		c.categories[category] = sem
	}
	return sem
}

// Acquire 阻塞直到拿到指定类别的租约，或 ctx 取消。
func (c *Coordinator) Acquire(ctx context.Context, category, holder string) (*Lease, error) {
	sem := c.semaphoreFor(category)

	start := time.Now()
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, types.NewError(types.ErrTimeout, "lease acquisition cancelled").WithCause(err)
	}
	if c.metrics != nil {
		c.metrics.RecordLeaseWait(category, time.Since(start))
		c.metrics.LeaseAcquired(category)
	}

	return c.grant(category, holder), nil
}

// TryAcquire 非阻塞获取，额度耗尽时立即返回 LEASE_EXHAUSTED。
func (c *Coordinator) TryAcquire(category, holder string) (*Lease, error) {
	sem := c.semaphoreFor(category)
	if !sem.TryAcquire(1) {
		return nil, types.NewError(types.ErrLeaseExhausted, "no lease capacity in category "+category).WithRetryable(true)
	}
	if c.metrics != nil {
		c.metrics.RecordLeaseWait(category, 0)
		c.metrics.LeaseAcquired(category)
	}
	return c.grant(category, holder), nil
}

func (c *Coordinator) grant(category, holder string) *Lease {
	l := &Lease{
		ID:          uuid.NewString(),
		Category:    category,
		Holder:      holder,
		AcquiredAt:  time.Now(),
		coordinator: c,
	}

	if c.idleTimeout > 0 {
		l.idleTimer = time.AfterFunc(c.idleTimeout, func() { c.revoke(l, "idle timeout") })
	}
	if c.maxHold > 0 {
		l.holdTimer = time.AfterFunc(c.maxHold, func() { c.revoke(l, "max hold exceeded") })
	}

	c.logger.Debug("lease granted",
		zap.String("lease_id", l.ID),
		zap.String("category", category),
		zap.String("holder", holder))
	return l
}

func (c *Coordinator) revoke(l *Lease, reason string) {
	l.mu.Lock()
	l.revoked = true
	l.mu.Unlock()

	c.logger.Warn("lease revoked",
		zap.String("lease_id", l.ID),
		zap.String("category", l.Category),
		zap.String("holder", l.Holder),
		zap.String("reason", reason))
	l.Release()
}

func (c *Coordinator) release(l *Lease) {
	c.semaphoreFor(l.Category).Release(1)
	if c.metrics != nil {
		c.metrics.LeaseReleased(l.Category)
	}
	c.logger.Debug("lease released",
		zap.String("lease_id", l.ID),
		zap.String("category", l.Category),
		zap.Duration("held", time.Since(l.AcquiredAt)))
}
