// Package conversation 实现后端对话 actor 与消息处理 worker。
//
// 每个后端对话由一个 actor 独占持有：消息只追加不删除，
// 历史增长到阈值后滚动生成摘要。消息处理在独立 goroutine 中
// 进行，完成后回到 actor 合并结果。
package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatforge/chatforge/config"
	"github.com/chatforge/chatforge/directory"
	"github.com/chatforge/chatforge/internal/metrics"
	"github.com/chatforge/chatforge/llm"
	"github.com/chatforge/chatforge/notify"
	"github.com/chatforge/chatforge/persistence"
	"github.com/chatforge/chatforge/retrieval"
	"github.com/chatforge/chatforge/types"
)

// CompletionFunc 在 worker 处理完成、结果合并入对话后被调用。
type CompletionFunc func(ctx context.Context, result *Result)

// Deps 是对话 actor 的外部依赖集合。
type Deps struct {
	Store    persistence.ConversationStore
	Provider llm.Provider
	Builder  *retrieval.ContextBuilder
	Resolver retrieval.Resolver
	Notifier notify.Notifier
	Metrics  *metrics.Collector
	Logger   *zap.Logger

	Config config.ConversationConfig
	Model  string
}

// Actor 独占持有一个后端对话的全部状态。
type Actor struct {
	mu   sync.Mutex // 保护 conv 与持久化
	conv *types.Conversation

	worker *MessageWorker
	deps   Deps
	logger *zap.Logger

	summarizing bool
}

// NewActor 为已有对话创建 actor。
func NewActor(conv *types.Conversation, process directory.Process, deps Deps) *Actor {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(
		zap.String("component", "conversation_actor"),
		zap.String("conversation_id", conv.ID),
		zap.String("process", process.Name),
	)

	flushThreshold := deps.Config.FlushThreshold
	if flushThreshold <= 0 {
		flushThreshold = 20
	}

	return &Actor{
		conv: conv,
		worker: &MessageWorker{
			process:        process,
			provider:       deps.Provider,
			builder:        deps.Builder,
			resolver:       deps.Resolver,
			notifier:       deps.Notifier,
			metrics:        deps.Metrics,
			logger:         logger.With(zap.String("component", "message_worker")),
			model:          deps.Model,
			flushThreshold: flushThreshold,
		},
		deps:   deps,
		logger: logger,
	}
}

// NewActorForProcess 创建一个全新的后端对话及其 actor。
func NewActorForProcess(process directory.Process, deps Deps) *Actor {
	conv := types.NewConversation(process.Name, process.SystemPrompt)
	return NewActor(conv, process, deps)
}

// ID 返回对话标识。
func (a *Actor) ID() string {
	return a.conv.ID
}

// Conversation 返回当前对话状态的快照。
func (a *Actor) Conversation() types.Conversation {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := *a.conv
	snap.Messages = append([]types.ChatMessage(nil), a.conv.Messages...)
	snap.ReferenceIDs = append([]string(nil), a.conv.ReferenceIDs...)
	snap.Summaries = append([]types.ConversationSummary(nil), a.conv.Summaries...)
	return snap
}

// Append 追加一条用户消息并异步触发处理。
// 返回落库后的用户消息；处理完成后 onComplete 在 worker goroutine 中被调用。
func (a *Actor) Append(ctx context.Context, sessionID, text, author string, onComplete CompletionFunc) (*types.ChatMessage, error) {
	a.mu.Lock()
	userMsg := types.NewChatMessage(a.conv.ID, types.SourceUser, text)
	userMsg.Author = author
	a.conv.Messages = append(a.conv.Messages, *userMsg)
	a.conv.ModifiedAt = userMsg.CreatedAt
	snap := a.snapshotLocked()
	err := a.deps.Store.SaveConversation(ctx, a.conv)
	a.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	// 处理在独立 goroutine 中进行，不阻塞调用方，
	// 也不随调用方 ctx 的结束而中断
	workerCtx := context.WithoutCancel(ctx)
	go func() {
		result := a.worker.Process(workerCtx, sessionID, userMsg, snap)
		a.onWorkerComplete(workerCtx, result)
		if onComplete != nil {
			onComplete(workerCtx, result)
		}
	}()

	return userMsg, nil
}

// snapshotLocked 在持锁状态下生成 worker 的只读快照。
// 历史不含刚追加的用户消息本身，摘要以系统侧消息形式前置。
func (a *Actor) snapshotLocked() snapshot {
	ordered := a.conv.OrderedMessages()

	var history []llm.Message
	for _, s := range a.conv.Summaries {
		history = append(history, llm.Message{
			Role:    llm.RoleSystem,
			Content: "Summary of earlier conversation:\n" + s.Text,
		})
	}
	for i, m := range ordered {
		if i == len(ordered)-1 && m.Source == types.SourceUser {
			break
		}
		if m.SummaryID != "" || !m.Completed {
			continue
		}
		role := llm.RoleUser
		if m.Source == types.SourceAssistant {
			role = llm.RoleAssistant
		}
		history = append(history, llm.Message{Role: role, Content: m.Text})
	}

	return snapshot{
		systemPrompt: a.conv.SystemPrompt,
		history:      history,
		referenceIDs: append([]string(nil), a.conv.ReferenceIDs...),
	}
}

// onWorkerComplete 将处理结果合并入对话：去重合并引用、
// 追加助手回复、按需触发滚动摘要。
func (a *Actor) onWorkerComplete(ctx context.Context, result *Result) {
	if result.Err != nil {
		a.logger.Error("message processing failed",
			zap.String("user_message_id", result.UserMessageID),
			zap.Error(result.Err))
		return
	}

	a.mu.Lock()
	for _, ref := range result.References {
		if !containsString(a.conv.ReferenceIDs, ref.ID) {
			a.conv.ReferenceIDs = append(a.conv.ReferenceIDs, ref.ID)
		}
	}
	a.conv.Messages = append(a.conv.Messages, *result.Message)
	a.conv.ModifiedAt = result.Message.ModifiedAt
	messageCount := len(a.conv.Messages)

	if err := a.deps.Store.SaveConversation(ctx, a.conv); err != nil {
		a.logger.Error("persist reply failed",
			zap.String("message_id", result.Message.ID),
			zap.Error(err))
	}
	shouldSummarize := a.shouldSummarizeLocked(messageCount)
	if shouldSummarize {
		a.summarizing = true
	}
	a.mu.Unlock()

	if len(result.References) > 0 && a.deps.Notifier != nil {
		_ = a.deps.Notifier.PushReferences(ctx, notify.ReferencesUpdated{
			SessionID:  result.SessionID,
			References: result.References,
		})
	}

	if shouldSummarize {
		go func() {
			defer func() {
				a.mu.Lock()
				a.summarizing = false
				a.mu.Unlock()
			}()
			if err := a.GenerateSummary(ctx); err != nil {
				a.logger.Warn("summary generation failed", zap.Error(err))
			}
		}()
	}
}

func (a *Actor) shouldSummarizeLocked(count int) bool {
	cfg := a.deps.Config
	if a.summarizing {
		return false
	}
	if cfg.SummaryTriggerCount <= 0 || cfg.SummaryModulo <= 0 {
		return false
	}
	return count > cfg.SummaryTriggerCount && count%cfg.SummaryModulo == 0
}

// GenerateSummary 将较早的未摘要消息压缩为一条摘要。
// 可摘要消息不足 SummaryMinMessages 时为空操作。
// 最近 SummaryModulo 条消息始终保留原文。
func (a *Actor) GenerateSummary(ctx context.Context) error {
	a.mu.Lock()
	ordered := a.conv.OrderedMessages()
	keep := a.deps.Config.SummaryModulo
	if keep < 0 {
		keep = 0
	}

	var eligible []types.ChatMessage
	for i, m := range ordered {
		if i >= len(ordered)-keep {
			break
		}
		if m.SummaryID == "" && m.Completed {
			eligible = append(eligible, m)
		}
	}
	a.mu.Unlock()

	if len(eligible) < a.deps.Config.SummaryMinMessages {
		return nil
	}

	var sb strings.Builder
	for _, m := range eligible {
		sb.WriteString(string(m.Source))
		sb.WriteString(": ")
		sb.WriteString(m.Text)
		sb.WriteString("\n")
	}

	resp, err := a.deps.Provider.Completion(ctx, &llm.ChatRequest{
		Model: a.deps.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "Summarize the following conversation excerpt. Preserve facts, decisions and open questions. Be concise."},
			{Role: llm.RoleUser, Content: sb.String()},
		},
	})
	if err != nil {
		return fmt.Errorf("generate summary: %w", err)
	}

	summary := types.ConversationSummary{
		ID:             uuid.New().String(),
		ConversationID: a.conv.ID,
		CreatedAt:      eligible[len(eligible)-1].CreatedAt,
		Text:           resp.Content,
	}
	for _, m := range eligible {
		summary.MessageIDs = append(summary.MessageIDs, m.ID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	covered := make(map[string]struct{}, len(summary.MessageIDs))
	for _, id := range summary.MessageIDs {
		covered[id] = struct{}{}
	}
	for i := range a.conv.Messages {
		if _, ok := covered[a.conv.Messages[i].ID]; ok {
			a.conv.Messages[i].SummaryID = summary.ID
		}
	}
	a.conv.Summaries = append(a.conv.Summaries, summary)

	if err := a.deps.Store.SaveConversation(ctx, a.conv); err != nil {
		return fmt.Errorf("persist summary: %w", err)
	}

	if a.deps.Metrics != nil {
		a.deps.Metrics.RecordSummary()
	}
	a.logger.Info("conversation summarized",
		zap.Int("messages_covered", len(summary.MessageIDs)))
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
