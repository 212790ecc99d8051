// Package persistence 提供会话、对话与工作流状态的持久化端口及其实现。
//
// 内存实现用于测试与单机场景，GORM 实现支持 sqlite 与 postgres。
package persistence

import (
	"context"
	"fmt"

	"github.com/chatforge/chatforge/types"
)

// ErrNotFound 表示请求的记录不存在。
var ErrNotFound = fmt.Errorf("persistence: record not found")

// IsNotFound 判断错误是否为记录缺失。
func IsNotFound(err error) bool {
	return err == ErrNotFound
}

// ConversationStore 后端对话的持久化端口。
// Save 是整体覆盖语义：调用方持有对话的唯一所有权（单 actor），
// 不需要乐观锁。
type ConversationStore interface {
	SaveConversation(ctx context.Context, conv *types.Conversation) error
	GetConversation(ctx context.Context, id string) (*types.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
}

// SessionStore 流程会话的持久化端口。
type SessionStore interface {
	SaveSession(ctx context.Context, session *types.FlowSession) error
	GetSession(ctx context.Context, id string) (*types.FlowSession, error)
	ListSessionsByUser(ctx context.Context, userID string) ([]*types.FlowSession, error)
}

// WorkflowStore 工作流实例状态的持久化端口。
type WorkflowStore interface {
	SaveWorkflow(ctx context.Context, state *types.WorkflowState) error
	GetWorkflow(ctx context.Context, sessionID string) (*types.WorkflowState, error)
}

// Stores 聚合三个持久化端口，便于装配。
type Stores struct {
	Conversations ConversationStore
	Sessions      SessionStore
	Workflows     WorkflowStore

	closer func() error
}

// Close 释放底层数据库连接（内存实现为空操作）。
func (s *Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
