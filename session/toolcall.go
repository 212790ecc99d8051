package session

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/chatforge/chatforge/conversation"
	"github.com/chatforge/chatforge/llm"
	"github.com/chatforge/chatforge/types"
)

// toolApology 是同步模式超时或失败时返回给调用方的兜底文本。
const toolApology = "I'm sorry, I wasn't able to complete that request in time. Please try again."

// QueryForTool 以同步工具调用模式处理一条查询：
// 本次请求的所有推送被抑制，调用方阻塞轮询直到最终合成完成或超时。
// 成功时返回最终文本与参与的后端对话 ID 集合；
// 超时与失败都返回兜底文本和结构化错误，不会让调用方无限等待。
func (a *FlowActor) QueryForTool(ctx context.Context, text string) (string, []string, error) {
	ctx, span := tracer.Start(ctx, "session.tool_query",
		trace.WithAttributes(attribute.String("session.id", a.session.ID)))
	defer span.End()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return toolApology, nil, types.NewError(types.ErrWrongState, "session is closed")
	}
	a.mu.Unlock()

	start := time.Now()
	status := "ok"
	defer func() {
		if a.deps.Metrics != nil {
			a.deps.Metrics.RecordToolQuery(status, time.Since(start))
		}
	}()

	timeout := a.deps.Config.ToolTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	poll := a.deps.Config.ToolPollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}

	processes, err := a.detectIntent(ctx, text)
	if err != nil {
		status = "error"
		return toolApology, nil, err
	}

	// 无流程命中时同步直答
	if len(processes) == 0 {
		resp, err := a.deps.Conversation.Provider.Completion(ctx, &llm.ChatRequest{
			SessionID: a.session.ID,
			Model:     a.deps.Conversation.Model,
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: "You are a helpful assistant. Answer conversationally and briefly."},
				{Role: llm.RoleUser, Content: text},
			},
		})
		if err != nil {
			status = "error"
			return toolApology, nil, types.NewError(types.ErrOrchestrationFailed, "failed to answer query").WithCause(err).WithRetryable(true)
		}
		return resp.Content, nil, nil
	}

	grantedLease, err := a.deps.Leases.Acquire(ctx, LeaseCategoryOrchestration, a.session.ID)
	if err != nil {
		status = "error"
		return toolApology, nil, err
	}

	userMsg := a.appendUserMessage(ctx, text, "")

	finalCh := make(chan string, 1)
	agg := newAggregationState(
		a.session.ID, userMsg.ID, processes,
		a.deps.Config.PushInterval, a.deps.Config.PushDeltaChars,
		grantedLease, a.deps.Metrics, a.logger,
	)
	// 同步模式抑制本次请求的所有推送，只保留最终合成
	agg.suppressPush = true
	agg.onUpdate = nil
	agg.onFinalize = func(ctx context.Context, state *aggregationState, final string) {
		a.finalize(ctx, state, final)
		finalCh <- final
	}

	a.mu.Lock()
	actors := make(map[string]*conversation.Actor, len(processes))
	engaged := make([]string, 0, len(processes))
	for _, name := range processes {
		actor, err := a.ensureConversationLocked(ctx, name)
		if err != nil {
			a.mu.Unlock()
			grantedLease.Release()
			status = "error"
			return toolApology, nil, err
		}
		actors[name] = actor
		engaged = append(engaged, actor.ID())
		a.correlation[actor.ID()] = &correlationEntry{process: name, agg: agg}
	}
	a.aggregations[userMsg.ID] = agg
	a.persistLocked(ctx)
	a.mu.Unlock()

	for _, name := range processes {
		if _, err := actors[name].Append(ctx, a.session.ID, text, "", agg.onResult); err != nil {
			a.logger.Error("tool fanout dispatch failed",
				zap.String("process", name),
				zap.Error(err))
			agg.update(ctx, name, "", true)
		}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case final := <-finalCh:
			return final, engaged, nil
		case <-ticker.C:
			if agg.finalized() {
				select {
				case final := <-finalCh:
					return final, engaged, nil
				default:
				}
			}
		case <-ctx.Done():
			status = "cancelled"
			a.abandonToolQuery(agg, userMsg.ID)
			return toolApology, nil, types.NewError(types.ErrTimeout, "tool query cancelled").WithCause(ctx.Err())
		case <-deadline.C:
			status = "timeout"
			a.abandonToolQuery(agg, userMsg.ID)
			return toolApology, nil, types.NewError(types.ErrTimeout,
				fmt.Sprintf("tool query timed out after %s", timeout)).WithRetryable(true)
		}
	}
}

func (a *FlowActor) abandonToolQuery(agg *aggregationState, userMessageID string) {
	a.mu.Lock()
	delete(a.aggregations, userMessageID)
	for convID, entry := range a.correlation {
		if entry.agg == agg {
			delete(a.correlation, convID)
		}
	}
	a.mu.Unlock()
	agg.abandon()
}
