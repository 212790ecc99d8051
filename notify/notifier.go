// Package notify defines the UI push channel port. The orchestration core
// emits four message kinds; delivery transport (websocket, SSE, message bus)
// is an injected implementation detail.
package notify

import (
	"context"
	"time"

	"github.com/chatforge/chatforge/retrieval"
	"github.com/chatforge/chatforge/types"
)

// Kind 标识推送消息的种类。
type Kind string

const (
	KindStatus            Kind = "status"
	KindResponseReceived  Kind = "response_received"
	KindContentChunk      Kind = "content_chunk_update"
	KindReferencesUpdated Kind = "references_updated"
)

// Status 是一条状态推送。
type Status struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
	// Persistent 标记该状态应保留在历史中而非短暂提示。
	Persistent bool `json:"persistent"`
	Completed  bool `json:"completed"`
}

// ResponseReceived 携带一条消息快照与最新增量文本。
type ResponseReceived struct {
	SessionID      string             `json:"session_id"`
	ConversationID string             `json:"conversation_id"`
	Message        *types.ChatMessage `json:"message"`
	LatestText     string             `json:"latest_text,omitempty"`
}

// EditChunk 是分块编辑功能的结构化编辑块（透传）。
type EditChunk struct {
	ChunkID   string    `json:"chunk_id"`
	Operation string    `json:"operation"`
	Text      string    `json:"text,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ContentChunkUpdate 透传兄弟分块编辑功能的编辑块更新。
type ContentChunkUpdate struct {
	SessionID      string      `json:"session_id"`
	ConversationID string      `json:"conversation_id"`
	Chunks         []EditChunk `json:"chunks"`
}

// ReferencesUpdated 携带解析完成的引用摘要。
type ReferencesUpdated struct {
	SessionID      string                        `json:"session_id"`
	ConversationID string                        `json:"conversation_id"`
	References     []retrieval.ResolvedReference `json:"references"`
}

// Notifier 是 UI 推送通道端口。
// 实现必须容忍 at-least-once、可能乱序的投递；编排核心的
// 按流程分段更新是幂等的，可以安全重放。
type Notifier interface {
	PushStatus(ctx context.Context, s Status) error
	PushResponse(ctx context.Context, r ResponseReceived) error
	PushChunkUpdate(ctx context.Context, u ContentChunkUpdate) error
	PushReferences(ctx context.Context, r ReferencesUpdated) error
}

// NopNotifier 丢弃所有推送（用于同步模式抑制与测试兜底）。
type NopNotifier struct{}

func (NopNotifier) PushStatus(context.Context, Status) error                 { return nil }
func (NopNotifier) PushResponse(context.Context, ResponseReceived) error     { return nil }
func (NopNotifier) PushChunkUpdate(context.Context, ContentChunkUpdate) error { return nil }
func (NopNotifier) PushReferences(context.Context, ReferencesUpdated) error  { return nil }
