package conversation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chatforge/chatforge/directory"
	"github.com/chatforge/chatforge/internal/metrics"
	"github.com/chatforge/chatforge/llm"
	"github.com/chatforge/chatforge/notify"
	"github.com/chatforge/chatforge/retrieval"
	"github.com/chatforge/chatforge/types"
)

// Result 是一次消息处理的完整产出，交给上游做扇入合并。
type Result struct {
	SessionID      string
	ConversationID string
	Process        string
	UserMessageID  string

	// Message 是已完成的助手回复。
	Message *types.ChatMessage
	// References 是本次消息解析出的引用，按首次出现顺序排列。
	References []retrieval.ResolvedReference

	Err error
}

// MessageWorker 处理单条用户消息：解析引用、组装检索上下文、
// 流式生成回复并推送增量。
type MessageWorker struct {
	process  directory.Process
	provider llm.Provider
	builder  *retrieval.ContextBuilder
	resolver retrieval.Resolver
	notifier notify.Notifier
	metrics  *metrics.Collector
	logger   *zap.Logger

	model          string
	flushThreshold int
}

// snapshot 是 actor 传给 worker 的对话只读快照。
type snapshot struct {
	systemPrompt string
	history      []llm.Message
	referenceIDs []string
}

// Process 执行完整的消息处理流程。错误会记录日志并通过 Result.Err 上抛，
// 由调用方决定如何呈现给用户。
func (w *MessageWorker) Process(ctx context.Context, sessionID string, userMsg *types.ChatMessage, snap snapshot) *Result {
	start := time.Now()
	result := &Result{
		SessionID:      sessionID,
		ConversationID: userMsg.ConversationID,
		Process:        w.process.Name,
		UserMessageID:  userMsg.ID,
	}

	tokens := retrieval.ExtractReferenceTokens(userMsg.Text)
	referenceIDs := append([]string(nil), snap.referenceIDs...)

	for _, token := range tokens {
		// 托管文件解析可能较慢，先推一条临时状态
		if token.IsHostedFile() && w.notifier != nil {
			_ = w.notifier.PushStatus(ctx, notify.Status{
				SessionID: sessionID,
				MessageID: userMsg.ID,
				Text:      "Processing referenced file...",
			})
		}

		resolved, err := w.resolver.Resolve(ctx, token)
		if err != nil {
			w.logger.Warn("reference resolution failed",
				zap.String("reference", token.Raw),
				zap.Error(err))
			continue
		}
		result.References = append(result.References, *resolved)
		referenceIDs = append(referenceIDs, resolved.ID)
		if w.metrics != nil {
			w.metrics.RecordReferenceResolved()
		}
	}

	contextText, err := w.builder.Build(ctx, userMsg.Text, referenceIDs)
	if err != nil {
		w.logger.Error("context assembly failed",
			zap.String("conversation_id", userMsg.ConversationID),
			zap.Error(err))
		result.Err = fmt.Errorf("assemble context: %w", err)
		return result
	}

	reply, err := w.streamReply(ctx, sessionID, userMsg, snap, contextText)
	if err != nil {
		w.logger.Error("reply generation failed",
			zap.String("conversation_id", userMsg.ConversationID),
			zap.String("process", w.process.Name),
			zap.Error(err))
		result.Err = err
		return result
	}

	result.Message = reply
	if w.metrics != nil {
		w.metrics.RecordWorkerDuration(w.process.Name, time.Since(start))
	}
	return result
}

func (w *MessageWorker) streamReply(ctx context.Context, sessionID string, userMsg *types.ChatMessage, snap snapshot, contextText string) (*types.ChatMessage, error) {
	systemPrompt := snap.systemPrompt
	if contextText != "" {
		systemPrompt += "\n\nRelevant context:\n" + contextText
	}

	messages := make([]llm.Message, 0, len(snap.history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	messages = append(messages, snap.history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: userMsg.Text})

	req := &llm.ChatRequest{
		SessionID:   sessionID,
		Model:       w.model,
		Messages:    messages,
		Temperature: float32(w.process.Temperature),
		MaxTokens:   w.process.MaxTokens,
	}

	stream, err := w.provider.Stream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("start stream: %w", err)
	}

	reply := types.NewChatMessage(userMsg.ConversationID, types.SourceAssistant, "")
	reply.ReplyToID = userMsg.ID

	var buffer string
	flush := func() {
		if buffer == "" {
			return
		}
		reply.AppendText(buffer)
		buffer = ""
		if w.notifier != nil {
			_ = w.notifier.PushResponse(ctx, notify.ResponseReceived{
				SessionID:      sessionID,
				ConversationID: reply.ConversationID,
				Message:        reply,
				LatestText:     reply.Text,
			})
		}
	}

	for chunk := range stream {
		if chunk.Err != nil {
			return nil, fmt.Errorf("stream interrupted: %w", chunk.Err)
		}
		buffer += chunk.Delta
		if len(buffer) >= w.flushThreshold {
			flush()
		}
	}
	flush()

	reply.MarkCompleted()
	if w.notifier != nil {
		_ = w.notifier.PushResponse(ctx, notify.ResponseReceived{
			SessionID:      sessionID,
			ConversationID: reply.ConversationID,
			Message:        reply,
			LatestText:     reply.Text,
		})
	}
	return reply, nil
}
