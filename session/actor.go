// Package session 实现流程会话 actor：意图检测、扇出、节流聚合
// 与至多一次的最终合成。
//
// 会话 actor 独占持有一个 FlowSession 的状态。一次查询被扇出到
// 若干后端对话并行处理；各流程的流式进度经关联映射路由回聚合
// 状态，全部完成后生成一条最终合成消息并取代聚合进度消息。
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/chatforge/chatforge/config"
	"github.com/chatforge/chatforge/conversation"
	"github.com/chatforge/chatforge/directory"
	"github.com/chatforge/chatforge/internal/metrics"
	"github.com/chatforge/chatforge/lease"
	"github.com/chatforge/chatforge/llm"
	"github.com/chatforge/chatforge/notify"
	"github.com/chatforge/chatforge/persistence"
	"github.com/chatforge/chatforge/registry"
	"github.com/chatforge/chatforge/retrieval"
	"github.com/chatforge/chatforge/types"
)

// LeaseCategoryOrchestration 是编排查询使用的租约类别。
const LeaseCategoryOrchestration = "orchestration"

// tracer 未初始化 OTel SDK 时为 noop。
var tracer trace.Tracer = otel.Tracer("chatforge/session")

// Deps 是会话 actor 的外部依赖集合。
type Deps struct {
	Store     persistence.SessionStore
	Directory directory.Directory
	Intent    retrieval.IntentIndex
	Registry  *registry.Registry
	Leases    *lease.Coordinator
	Notifier  notify.Notifier
	Metrics   *metrics.Collector
	Logger    *zap.Logger

	// Conversation 是为每个后端对话 actor 准备的依赖模板，
	// Notifier 字段会被会话级路由适配器替换。
	Conversation conversation.Deps

	Config config.SessionConfig
}

// FlowActor 独占持有一个流程会话的全部状态。
type FlowActor struct {
	mu      sync.Mutex
	session *types.FlowSession

	// convs 按流程名持有后端对话 actor
	convs map[string]*conversation.Actor
	// correlation 在扇出前建立：后端对话 ID -> 聚合路由项
	correlation map[string]*correlationEntry
	// aggregations 按用户消息 ID 跟踪扇入进度
	aggregations map[string]*aggregationState

	lastQueryText string
	lastQueryAt   time.Time
	lastQueryMsg  *types.ChatMessage

	deps   Deps
	logger *zap.Logger

	stopSweep chan struct{}
	sweepOnce sync.Once
	closed    bool
}

type correlationEntry struct {
	process string
	agg     *aggregationState
}

// NewFlowActor 为已有会话创建 actor 并启动聚合清理协程。
func NewFlowActor(session *types.FlowSession, deps Deps) *FlowActor {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &FlowActor{
		session:      session,
		convs:        make(map[string]*conversation.Actor),
		correlation:  make(map[string]*correlationEntry),
		aggregations: make(map[string]*aggregationState),
		deps:         deps,
		logger: logger.With(
			zap.String("component", "flow_session_actor"),
			zap.String("session_id", session.ID),
		),
		stopSweep: make(chan struct{}),
	}
	go a.sweepLoop()
	return a
}

// NewFlowActorForUser 创建一个全新的会话及其 actor。
func NewFlowActorForUser(userID string, deps Deps) *FlowActor {
	return NewFlowActor(types.NewFlowSession(userID), deps)
}

// ID 返回会话标识。
func (a *FlowActor) ID() string {
	return a.session.ID
}

// Session 返回当前会话状态的快照。
func (a *FlowActor) Session() types.FlowSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := *a.session
	snap.Messages = append([]types.ChatMessage(nil), a.session.Messages...)
	snap.EngagedProcesses = append([]string(nil), a.session.EngagedProcesses...)
	snap.BackendConversationIDs = append([]string(nil), a.session.BackendConversationIDs...)
	supersessions := make(map[string]string, len(a.session.Supersessions))
	for k, v := range a.session.Supersessions {
		supersessions[k] = v
	}
	snap.Supersessions = supersessions
	return snap
}

// Query 处理一条用户查询：去重、意图检测、扇出到相关流程。
// 返回落库后的用户消息；回复全程通过 Notifier 异步推送。
func (a *FlowActor) Query(ctx context.Context, text, author string) (*types.ChatMessage, error) {
	ctx, span := tracer.Start(ctx, "session.query",
		trace.WithAttributes(attribute.String("session.id", a.session.ID)))
	defer span.End()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, types.NewError(types.ErrWrongState, "session is closed")
	}
	// 去重窗口内的相同文本不落第二条，返回已接收的消息
	if text == a.lastQueryText && time.Since(a.lastQueryAt) < a.deps.Config.DedupWindow &&
		a.lastQueryMsg != nil && a.lastQueryMsg.Text == text {
		reused := *a.lastQueryMsg
		a.mu.Unlock()
		a.logger.Debug("duplicate query reused",
			zap.String("message_id", reused.ID))
		return &reused, nil
	}
	a.lastQueryText = text
	a.lastQueryAt = time.Now()
	a.mu.Unlock()

	processes, err := a.detectIntent(ctx, text)
	if err != nil {
		return nil, err
	}

	if len(processes) == 0 {
		return a.answerDirectly(ctx, text, author)
	}

	return a.fanOut(ctx, text, author, processes)
}

// detectIntent 用逐级放松的阈值查询意图索引。
// 全部阈值无命中返回空，检索出错时回退到前 N 个配置流程。
func (a *FlowActor) detectIntent(ctx context.Context, text string) ([]string, error) {
	all := a.deps.Directory.List()
	if len(all) == 0 {
		return nil, nil
	}

	for _, threshold := range a.deps.Config.IntentThresholds {
		hits, err := a.deps.Intent.Search(ctx, text, threshold, len(all))
		if err != nil {
			a.logger.Warn("intent search failed, falling back to configured processes",
				zap.Error(err))
			return a.fallbackProcesses(all), nil
		}

		// 同一流程命中多条时只记最高分
		scores := make(map[string]float64, len(hits))
		var candidates []string
		for _, hit := range hits {
			name, ok := strings.CutPrefix(hit.ID, "process:")
			if !ok {
				continue
			}
			if _, exists := a.deps.Directory.Get(name); !exists {
				continue
			}
			prev, seen := scores[name]
			if !seen {
				candidates = append(candidates, name)
			}
			if !seen || hit.Score > prev {
				scores[name] = hit.Score
			}
		}

		var names []string
		for _, name := range candidates {
			if scores[name] >= a.deps.Config.MinRelevance {
				names = append(names, name)
				continue
			}
			// 阈值不强制时，唯一候选即便低于阈值也保留
			if !a.deps.Config.EnforceRelevance && len(candidates) == 1 {
				names = append(names, name)
			}
		}
		if len(names) > 0 {
			return names, nil
		}
	}
	return nil, nil
}

func (a *FlowActor) fallbackProcesses(all []directory.Process) []string {
	n := a.deps.Config.FallbackProcesses
	if n <= 0 || n > len(all) {
		n = len(all)
	}
	names := make([]string, 0, n)
	for _, p := range all[:n] {
		names = append(names, p.Name)
	}
	return names
}

// answerDirectly 处理无流程命中的闲聊式查询：
// 不扇出，直接用生成服务给出会话级回答。
func (a *FlowActor) answerDirectly(ctx context.Context, text, author string) (*types.ChatMessage, error) {
	userMsg := a.appendUserMessage(ctx, text, author)

	resp, err := a.deps.Conversation.Provider.Completion(ctx, &llm.ChatRequest{
		SessionID: a.session.ID,
		Model:     a.deps.Conversation.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You are a helpful assistant. Answer conversationally and briefly."},
			{Role: llm.RoleUser, Content: text},
		},
	})
	if err != nil {
		a.logger.Error("direct answer failed", zap.Error(err))
		return nil, types.NewError(types.ErrOrchestrationFailed, "failed to answer query").WithCause(err).WithRetryable(true)
	}

	reply := types.NewChatMessage(a.session.ID, types.SourceAssistant, resp.Content)
	reply.ReplyToID = userMsg.ID
	reply.MarkCompleted()

	a.mu.Lock()
	a.session.Messages = append(a.session.Messages, *reply)
	a.persistLocked(ctx)
	a.mu.Unlock()

	if a.deps.Notifier != nil {
		_ = a.deps.Notifier.PushResponse(ctx, notify.ResponseReceived{
			SessionID:      a.session.ID,
			ConversationID: a.session.ID,
			Message:        reply,
			LatestText:     reply.Text,
		})
	}
	return userMsg, nil
}

// fanOut 将查询并行派发给相关流程，并建立扇入聚合。
func (a *FlowActor) fanOut(ctx context.Context, text, author string, processes []string) (*types.ChatMessage, error) {
	grantedLease, err := a.deps.Leases.Acquire(ctx, LeaseCategoryOrchestration, a.session.ID)
	if err != nil {
		return nil, err
	}

	userMsg := a.appendUserMessage(ctx, text, author)

	agg := newAggregationState(
		a.session.ID, userMsg.ID, processes,
		a.deps.Config.PushInterval, a.deps.Config.PushDeltaChars,
		grantedLease, a.deps.Metrics, a.logger,
	)
	agg.onUpdate = a.pushComposite
	agg.onFinalize = a.finalize

	// 关联映射必须在任何 worker 启动前就绪，
	// 否则早到的流式进度会找不到归属
	a.mu.Lock()
	actors := make(map[string]*conversation.Actor, len(processes))
	for _, name := range processes {
		actor, err := a.ensureConversationLocked(ctx, name)
		if err != nil {
			a.mu.Unlock()
			grantedLease.Release()
			return nil, err
		}
		actors[name] = actor
		a.correlation[actor.ID()] = &correlationEntry{process: name, agg: agg}
	}
	a.aggregations[userMsg.ID] = agg
	a.persistLocked(ctx)
	a.mu.Unlock()

	if a.deps.Notifier != nil {
		_ = a.deps.Notifier.PushStatus(ctx, notify.Status{
			SessionID: a.session.ID,
			MessageID: userMsg.ID,
			Text:      fmt.Sprintf("Working on it... (%d processes engaged)", len(processes)),
		})
	}

	for _, name := range processes {
		actor := actors[name]
		if a.deps.Metrics != nil {
			a.deps.Metrics.RecordFanout(name)
		}
		if _, err := actor.Append(ctx, a.session.ID, text, author, agg.onResult); err != nil {
			a.logger.Error("fanout dispatch failed",
				zap.String("process", name),
				zap.Error(err))
			agg.update(ctx, name, "", true)
		}
	}

	return userMsg, nil
}

// ensureConversationLocked 懒创建流程的后端对话 actor，
// 并在注册表与会话状态中登记。
func (a *FlowActor) ensureConversationLocked(ctx context.Context, name string) (*conversation.Actor, error) {
	if actor, ok := a.convs[name]; ok {
		// 复用已有后端时刷新滑动 TTL
		if a.deps.Registry != nil {
			if err := a.deps.Registry.Touch(ctx, actor.ID()); err != nil {
				a.logger.Debug("registry touch failed",
					zap.String("backend_id", actor.ID()),
					zap.Error(err))
			}
		}
		return actor, nil
	}

	process, ok := a.deps.Directory.Get(name)
	if !ok {
		return nil, types.NewError(types.ErrNotFound, "unknown process: "+name)
	}

	convDeps := a.deps.Conversation
	rn := &routingNotifier{actor: a, fallback: a.deps.Notifier}
	convDeps.Notifier = rn
	actor := conversation.NewActorForProcess(*process, convDeps)
	rn.convID = actor.ID()

	a.convs[name] = actor
	a.session.EngageProcess(name)
	a.session.TrackBackend(actor.ID())

	if a.deps.Registry != nil {
		if err := a.deps.Registry.Register(ctx, actor.ID(), name, a.session.ID); err != nil {
			a.logger.Warn("backend registration failed",
				zap.String("conversation_id", actor.ID()),
				zap.Error(err))
		}
	}
	return actor, nil
}

func (a *FlowActor) appendUserMessage(ctx context.Context, text, author string) *types.ChatMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	userMsg := types.NewChatMessage(a.session.ID, types.SourceUser, text)
	userMsg.Author = author
	a.session.Messages = append(a.session.Messages, *userMsg)
	a.session.QueryCount++
	a.session.ModifiedAt = userMsg.CreatedAt
	a.lastQueryMsg = userMsg
	a.persistLocked(ctx)
	return userMsg
}

func (a *FlowActor) persistLocked(ctx context.Context) {
	if err := a.deps.Store.SaveSession(ctx, a.session); err != nil {
		a.logger.Error("persist session failed", zap.Error(err))
	}
}

// pushComposite 推送聚合进度消息，并同步进会话消息列表。
func (a *FlowActor) pushComposite(ctx context.Context, msg types.ChatMessage) {
	a.mu.Lock()
	found := false
	for i := range a.session.Messages {
		if a.session.Messages[i].ID == msg.ID {
			a.session.Messages[i].Text = msg.Text
			a.session.Messages[i].ModifiedAt = msg.ModifiedAt
			found = true
			break
		}
	}
	if !found {
		a.session.Messages = append(a.session.Messages, msg)
	}
	a.mu.Unlock()

	if a.deps.Notifier != nil {
		_ = a.deps.Notifier.PushResponse(ctx, notify.ResponseReceived{
			SessionID:      a.session.ID,
			ConversationID: a.session.ID,
			Message:        &msg,
			LatestText:     msg.Text,
		})
	}
}

// finalize 执行至多一次的最终合成：落最终消息、
// 取代聚合进度消息、释放租约。
func (a *FlowActor) finalize(ctx context.Context, agg *aggregationState, finalText string) {
	defer agg.lease.Release()

	final := types.NewChatMessage(a.session.ID, types.SourceAssistant, finalText)
	final.ReplyToID = agg.userMessageID
	final.MarkCompleted()

	a.mu.Lock()
	a.session.Messages = append(a.session.Messages, *final)
	if agg.message != nil {
		// 聚合进度消息保留存档，历史读取方按取代链只显示最终消息。
		// 同步模式下进度消息从未进入历史，无需取代。
		for i := range a.session.Messages {
			if a.session.Messages[i].ID == agg.message.ID {
				a.session.Messages[i].Completed = true
				a.session.Supersede(agg.message.ID, final.ID)
				break
			}
		}
	}
	for convID, entry := range a.correlation {
		if entry.agg == agg {
			delete(a.correlation, convID)
		}
	}
	delete(a.aggregations, agg.userMessageID)
	a.persistLocked(ctx)
	a.mu.Unlock()

	if a.deps.Metrics != nil {
		a.deps.Metrics.RecordFinal("ok")
	}
	// 同步工具模式的最终文本由调用方同步取回，不走推送通道
	if a.deps.Notifier != nil && !agg.suppressPush {
		_ = a.deps.Notifier.PushResponse(ctx, notify.ResponseReceived{
			SessionID:      a.session.ID,
			ConversationID: a.session.ID,
			Message:        final,
			LatestText:     final.Text,
		})
	}
	a.logger.Info("query finalized",
		zap.String("user_message_id", agg.userMessageID),
		zap.Int("processes", len(agg.expected)))
}

// sweepLoop 周期清理超龄的未完成聚合，释放其租约。
func (a *FlowActor) sweepLoop() {
	interval := a.deps.Config.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopSweep:
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

func (a *FlowActor) sweep() {
	maxAge := a.deps.Config.AggregationMaxAge
	if maxAge <= 0 {
		return
	}

	a.mu.Lock()
	var stale []*aggregationState
	for id, agg := range a.aggregations {
		if agg.age() > maxAge {
			stale = append(stale, agg)
			delete(a.aggregations, id)
		}
	}
	for convID, entry := range a.correlation {
		for _, agg := range stale {
			if entry.agg == agg {
				delete(a.correlation, convID)
			}
		}
	}
	a.mu.Unlock()

	for _, agg := range stale {
		agg.abandon()
		if a.deps.Metrics != nil {
			a.deps.Metrics.RecordAggregationSwept()
		}
		a.logger.Warn("stale aggregation swept",
			zap.String("user_message_id", agg.userMessageID))
	}
}

// Close 停止后台协程并做最后一次持久化。
func (a *FlowActor) Close(ctx context.Context) error {
	a.sweepOnce.Do(func() { close(a.stopSweep) })

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	for _, agg := range a.aggregations {
		agg.abandon()
	}
	a.aggregations = make(map[string]*aggregationState)

	if err := a.deps.Store.SaveSession(ctx, a.session); err != nil {
		return fmt.Errorf("persist session on close: %w", err)
	}
	return nil
}

// routingNotifier 把后端对话 worker 的流式推送路由进所属聚合，
// 状态与引用推送透传给会话级通知器。
// 当前请求的聚合处于同步工具模式时，所有推送一律抑制。
type routingNotifier struct {
	actor    *FlowActor
	convID   string
	fallback notify.Notifier
}

// suppressed 查当前请求的聚合是否抑制推送。
func (r *routingNotifier) suppressed() bool {
	r.actor.mu.Lock()
	entry, ok := r.actor.correlation[r.convID]
	r.actor.mu.Unlock()
	return ok && entry.agg.suppressPush
}

func (r *routingNotifier) PushStatus(ctx context.Context, s notify.Status) error {
	if r.fallback == nil || r.suppressed() {
		return nil
	}
	return r.fallback.PushStatus(ctx, s)
}

func (r *routingNotifier) PushResponse(ctx context.Context, resp notify.ResponseReceived) error {
	r.actor.mu.Lock()
	entry, ok := r.actor.correlation[resp.ConversationID]
	r.actor.mu.Unlock()
	if !ok {
		// 无归属聚合时透传（聚合已完成的迟到增量）
		if r.fallback == nil {
			return nil
		}
		return r.fallback.PushResponse(ctx, resp)
	}
	entry.agg.onProgress(ctx, entry.process, resp.LatestText)
	return nil
}

func (r *routingNotifier) PushChunkUpdate(ctx context.Context, u notify.ContentChunkUpdate) error {
	if r.fallback == nil || r.suppressed() {
		return nil
	}
	return r.fallback.PushChunkUpdate(ctx, u)
}

func (r *routingNotifier) PushReferences(ctx context.Context, refs notify.ReferencesUpdated) error {
	if r.fallback == nil || r.suppressed() {
		return nil
	}
	return r.fallback.PushReferences(ctx, refs)
}
