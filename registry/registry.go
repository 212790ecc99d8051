// Package registry 维护后端会话 ID 与流程会话之间的双向索引。
//
// 每条后端对话记录携带滑动 TTL：任何注册或触达操作都会刷新存活时间，
// 长期无活动的映射由 Redis 自动过期回收。
package registry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chatforge/chatforge/config"
	"github.com/chatforge/chatforge/internal/cache"
)

// BackendEntry 是 backend -> sessions 方向的索引记录。
type BackendEntry struct {
	BackendID string    `json:"backend_id"`
	Process   string    `json:"process"`
	Sessions  []string  `json:"sessions"`
	LastSeen  time.Time `json:"last_seen"`
}

// SessionEntry 是 session -> backends 方向的索引记录。
type SessionEntry struct {
	SessionID string            `json:"session_id"`
	Backends  map[string]string `json:"backends"` // process -> backend conversation ID
}

// ErrNotRegistered 表示查询的映射不存在或已过期。
var ErrNotRegistered = fmt.Errorf("registry: not registered")

// Registry 基于 Redis 的后端对话注册表。
type Registry struct {
	cache  *cache.Manager
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// New 创建注册表。
func New(cacheManager *cache.Manager, cfg config.RegistryConfig, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cache:  cacheManager,
		prefix: cfg.KeyPrefix,
		ttl:    cfg.TTL,
		logger: logger.With(zap.String("component", "registry")),
	}
}

func (r *Registry) backendKey(backendID string) string {
	return r.prefix + "reg:backend:" + backendID
}

func (r *Registry) sessionKey(sessionID string) string {
	return r.prefix + "reg:session:" + sessionID
}

// Register 登记一条 backend 对话与 session 的归属关系。
// 重复注册是幂等的：已存在的映射只刷新 last-seen 与 TTL。
func (r *Registry) Register(ctx context.Context, backendID, process, sessionID string) error {
	entry, err := r.loadBackend(ctx, backendID)
	if err != nil && !IsNotRegistered(err) {
		return err
	}
	if entry == nil {
		entry = &BackendEntry{BackendID: backendID, Process: process}
	}
	if !containsString(entry.Sessions, sessionID) {
		entry.Sessions = append(entry.Sessions, sessionID)
	}
	entry.Process = process
	entry.LastSeen = time.Now()

	if err := r.cache.SetJSON(ctx, r.backendKey(backendID), entry, r.ttl); err != nil {
		return fmt.Errorf("registry: store backend entry: %w", err)
	}

	sess, err := r.loadSession(ctx, sessionID)
	if err != nil && !IsNotRegistered(err) {
		return err
	}
	if sess == nil {
		sess = &SessionEntry{SessionID: sessionID, Backends: map[string]string{}}
	}
	sess.Backends[process] = backendID

	if err := r.cache.SetJSON(ctx, r.sessionKey(sessionID), sess, r.ttl); err != nil {
		return fmt.Errorf("registry: store session entry: %w", err)
	}

	r.logger.Debug("backend conversation registered",
		zap.String("backend_id", backendID),
		zap.String("process", process),
		zap.String("session_id", sessionID))
	return nil
}

// Unregister 移除一条映射的两个方向，并删除清空后的记录。
func (r *Registry) Unregister(ctx context.Context, backendID, sessionID string) error {
	entry, err := r.loadBackend(ctx, backendID)
	if err != nil {
		if IsNotRegistered(err) {
			return nil
		}
		return err
	}

	entry.Sessions = removeString(entry.Sessions, sessionID)
	if len(entry.Sessions) == 0 {
		if err := r.cache.Delete(ctx, r.backendKey(backendID)); err != nil {
			return fmt.Errorf("registry: delete backend entry: %w", err)
		}
	} else {
		if err := r.cache.SetJSON(ctx, r.backendKey(backendID), entry, r.ttl); err != nil {
			return fmt.Errorf("registry: store backend entry: %w", err)
		}
	}

	sess, err := r.loadSession(ctx, sessionID)
	if err != nil {
		if IsNotRegistered(err) {
			return nil
		}
		return err
	}
	for process, id := range sess.Backends {
		if id == backendID {
			delete(sess.Backends, process)
		}
	}
	if len(sess.Backends) == 0 {
		if err := r.cache.Delete(ctx, r.sessionKey(sessionID)); err != nil {
			return fmt.Errorf("registry: delete session entry: %w", err)
		}
		return nil
	}
	if err := r.cache.SetJSON(ctx, r.sessionKey(sessionID), sess, r.ttl); err != nil {
		return fmt.Errorf("registry: store session entry: %w", err)
	}
	return nil
}

// LookupBackend 根据后端对话 ID 查询归属，并刷新滑动 TTL。
func (r *Registry) LookupBackend(ctx context.Context, backendID string) (*BackendEntry, error) {
	entry, err := r.loadBackend(ctx, backendID)
	if err != nil {
		return nil, err
	}
	_ = r.cache.Expire(ctx, r.backendKey(backendID), r.ttl)
	return entry, nil
}

// LookupSession 查询某个 session 已绑定的全部后端对话。
func (r *Registry) LookupSession(ctx context.Context, sessionID string) (*SessionEntry, error) {
	sess, err := r.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	_ = r.cache.Expire(ctx, r.sessionKey(sessionID), r.ttl)
	return sess, nil
}

// Touch 在收到后端事件时刷新两个方向的 TTL，不修改内容。
func (r *Registry) Touch(ctx context.Context, backendID string) error {
	entry, err := r.loadBackend(ctx, backendID)
	if err != nil {
		return err
	}
	if err := r.cache.Expire(ctx, r.backendKey(backendID), r.ttl); err != nil {
		return fmt.Errorf("registry: touch backend entry: %w", err)
	}
	for _, sessionID := range entry.Sessions {
		if err := r.cache.Expire(ctx, r.sessionKey(sessionID), r.ttl); err != nil {
			return fmt.Errorf("registry: touch session entry: %w", err)
		}
	}
	return nil
}

func (r *Registry) loadBackend(ctx context.Context, backendID string) (*BackendEntry, error) {
	var entry BackendEntry
	if err := r.cache.GetJSON(ctx, r.backendKey(backendID), &entry); err != nil {
		if cache.IsCacheMiss(err) {
			return nil, ErrNotRegistered
		}
		return nil, fmt.Errorf("registry: load backend entry: %w", err)
	}
	return &entry, nil
}

func (r *Registry) loadSession(ctx context.Context, sessionID string) (*SessionEntry, error) {
	var sess SessionEntry
	if err := r.cache.GetJSON(ctx, r.sessionKey(sessionID), &sess); err != nil {
		if cache.IsCacheMiss(err) {
			return nil, ErrNotRegistered
		}
		return nil, fmt.Errorf("registry: load session entry: %w", err)
	}
	return &sess, nil
}

// IsNotRegistered 判断错误是否为映射缺失。
func IsNotRegistered(err error) bool {
	return err == ErrNotRegistered
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
