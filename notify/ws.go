package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// frame 是 WebSocket 通道上的统一帧格式。
type frame struct {
	Kind    Kind `json:"kind"`
	Payload any  `json:"payload"`
}

// WebSocketNotifier 将 Notifier 适配到一条已建立的 WebSocket 连接。
// 写操作通过 mutex 保护，因为 WebSocket 不支持并发写。
type WebSocketNotifier struct {
	conn   *websocket.Conn
	logger *zap.Logger
	mu     sync.Mutex // 保护写操作
	closed bool
}

// NewWebSocketNotifier 从已建立的 WebSocket 连接创建适配器。
func NewWebSocketNotifier(conn *websocket.Conn, logger *zap.Logger) *WebSocketNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketNotifier{
		conn:   conn,
		logger: logger.With(zap.String("component", "ws_notifier")),
	}
}

// writeFrame 将帧序列化为 JSON 并通过 WebSocket 发送。
func (w *WebSocketNotifier) writeFrame(ctx context.Context, kind Kind, payload any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("connection closed")
	}

	data, err := json.Marshal(frame{Kind: kind, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	if err := w.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}

	return nil
}

func (w *WebSocketNotifier) PushStatus(ctx context.Context, s Status) error {
	return w.writeFrame(ctx, KindStatus, s)
}

func (w *WebSocketNotifier) PushResponse(ctx context.Context, r ResponseReceived) error {
	return w.writeFrame(ctx, KindResponseReceived, r)
}

func (w *WebSocketNotifier) PushChunkUpdate(ctx context.Context, u ContentChunkUpdate) error {
	return w.writeFrame(ctx, KindContentChunk, u)
}

func (w *WebSocketNotifier) PushReferences(ctx context.Context, r ReferencesUpdated) error {
	return w.writeFrame(ctx, KindReferencesUpdated, r)
}

// Close 关闭 WebSocket 连接。
func (w *WebSocketNotifier) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	return w.conn.Close(websocket.StatusNormalClosure, "notifier closed")
}
