// Package workflow 实现模板驱动的需求收集工作流。
//
// 一个工作流实例由五个固定角色接力推进（见 roles.go），
// 经历 收集需求 -> 等待确认 -> 执行产出 的状态机，终态只能
// 由路由角色宣告。实例状态与字段值分别由 WorkflowState 与
// TaskStateStore 持有。
package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatforge/chatforge/internal/metrics"
	"github.com/chatforge/chatforge/llm"
	"github.com/chatforge/chatforge/persistence"
	"github.com/chatforge/chatforge/types"
)

// Deps 是工作流 actor 的外部依赖集合。
type Deps struct {
	Provider llm.Provider
	Store    persistence.WorkflowStore
	DocGen   DocumentGenerator
	Metrics  *metrics.Collector
	Logger   *zap.Logger
	Model    string
}

// Actor 独占持有一个工作流实例的状态。
type Actor struct {
	mu       sync.Mutex
	template *Template
	state    *TaskStateStore
	wf       *types.WorkflowState

	provider llm.Provider
	store    persistence.WorkflowStore
	docGen   DocumentGenerator
	metrics  *metrics.Collector
	logger   *zap.Logger
	model    string
}

// NewActor 为一个会话创建工作流实例。初始状态为未开始。
func NewActor(sessionID string, tmpl *Template, deps Deps) *Actor {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Actor{
		template: tmpl,
		state:    NewTaskStateStore(),
		wf: &types.WorkflowState{
			TemplateID: tmpl.ID,
			SessionID:  sessionID,
			Status:     types.WorkflowNotStarted,
		},
		provider: deps.Provider,
		store:    deps.Store,
		docGen:   deps.DocGen,
		metrics:  deps.Metrics,
		logger: logger.With(
			zap.String("component", "workflow_actor"),
			zap.String("template_id", tmpl.ID),
			zap.String("session_id", sessionID),
		),
		model: deps.Model,
	}
}

// Status 返回当前状态。
func (a *Actor) Status() types.WorkflowStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.wf.Status
}

// State 返回实例状态的快照。
func (a *Actor) State() types.WorkflowState {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := *a.wf
	snap.OutputErrors = append([]types.OutputError(nil), a.wf.OutputErrors...)
	return snap
}

// Fields 返回当前收集到的字段值。
func (a *Actor) Fields() map[string]string {
	return a.state.Snapshot()
}

// Start 启动工作流。只允许从未开始状态调用。
// 返回对话者生成的开场消息。
func (a *Actor) Start(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.wf.Status != types.WorkflowNotStarted {
		status := a.wf.Status
		a.mu.Unlock()
		return "", types.NewError(types.ErrWrongState,
			fmt.Sprintf("workflow cannot start from state %q", status))
	}
	a.wf.StartedAt = time.Now()
	a.transitionLocked(ctx, types.WorkflowCollectingRequirements)
	a.mu.Unlock()

	return a.runConversationalist(ctx, "The workflow has just started. Greet the user and ask for the first required field.")
}

// Cancel 从任意非终态取消工作流。
func (a *Actor) Cancel(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.wf.Status.IsTerminal() {
		return types.NewError(types.ErrWrongState,
			fmt.Sprintf("workflow already terminal in state %q", a.wf.Status))
	}
	now := time.Now()
	a.wf.CompletedAt = &now
	a.transitionLocked(ctx, types.WorkflowCancelled)
	return nil
}

// ProcessMessage 处理一条用户消息。
// 只有收集需求与等待确认两个状态接受消息；其余状态返回
// 解释性文本且不改动任何状态。
func (a *Actor) ProcessMessage(ctx context.Context, text string) (string, error) {
	a.mu.Lock()
	status := a.wf.Status
	a.mu.Unlock()

	switch status {
	case types.WorkflowCollectingRequirements:
		return a.processCollecting(ctx, text)
	case types.WorkflowAwaitingConfirmation:
		return a.processAwaiting(ctx, text)
	case types.WorkflowNotStarted:
		return "This workflow has not started yet.", nil
	case types.WorkflowExecutingOutputs:
		return "Your outputs are being generated, please wait.", nil
	default:
		return fmt.Sprintf("This workflow has already finished (%s) and no longer accepts messages.", status), nil
	}
}

// processCollecting 实现收集阶段：提取器先写入字段，
// 完整性检查通过则进入确认阶段，否则由对话者追问。
func (a *Actor) processCollecting(ctx context.Context, text string) (string, error) {
	extracted, err := a.runExtractor(ctx, text)
	if err != nil {
		return "", err
	}
	for key, value := range extracted {
		a.state.Set(key, value)
	}

	ready, err := a.runCompleteness(ctx)
	if err != nil {
		return "", err
	}
	// 检查器只读；就绪裁决还要通过确定性校验，防止误判
	if ready && len(a.state.PendingRequired(a.template)) == 0 {
		a.mu.Lock()
		a.transitionLocked(ctx, types.WorkflowAwaitingConfirmation)
		a.mu.Unlock()
		return a.confirmationSummary(), nil
	}

	return a.runConversationalist(ctx, text)
}

// processAwaiting 实现确认阶段：分类器三分用户回复。
func (a *Actor) processAwaiting(ctx context.Context, text string) (string, error) {
	verdict, err := a.runClassifier(ctx, text)
	if err != nil {
		return "", err
	}

	switch {
	case verdict.Confirmed:
		return a.execute(ctx)

	case verdict.RequestChanges:
		a.mu.Lock()
		a.transitionLocked(ctx, types.WorkflowCollectingRequirements)
		a.mu.Unlock()
		return a.processCollecting(ctx, text)

	default:
		// 问细节或无法分类都留在确认阶段
		return a.runConversationalist(ctx, text)
	}
}

// execute 进入执行阶段并跑完产出清单。
// 首个失败中止整批并使实例进入失败终态；
// 成功与失败都先给路由角色一轮确认，终态才落地。
func (a *Actor) execute(ctx context.Context) (string, error) {
	a.mu.Lock()
	a.transitionLocked(ctx, types.WorkflowExecutingOutputs)
	a.mu.Unlock()

	results, outputErr := a.executeOutputs(ctx)
	now := time.Now()

	if outputErr != nil {
		if _, rerr := a.runRouter(ctx, fmt.Sprintf("Output %q failed: %s", outputErr.OutputName, outputErr.Message)); rerr != nil {
			a.logger.Warn("router round failed after output error", zap.Error(rerr))
		}
		a.mu.Lock()
		a.wf.OutputErrors = append(a.wf.OutputErrors, *outputErr)
		a.wf.CompletedAt = &now
		a.transitionLocked(ctx, types.WorkflowFailed)
		a.mu.Unlock()
		return fmt.Sprintf("I'm sorry, generating %q failed: %s", outputErr.OutputName, outputErr.Message),
			types.NewError(types.ErrOutputFailed, outputErr.Message)
	}

	complete, err := a.runRouter(ctx, "All outputs have been executed.")
	if err != nil {
		return "", err
	}
	if !complete {
		// 终态只能由路由角色宣告
		a.logger.Warn("router withheld completion after outputs executed")
		return strings.Join(results, "\n\n"), nil
	}

	a.mu.Lock()
	a.wf.CompletedAt = &now
	a.transitionLocked(ctx, types.WorkflowCompleted)
	a.mu.Unlock()

	return strings.Join(results, "\n\n"), nil
}

// transitionLocked 记录状态迁移并持久化。调用方持锁。
func (a *Actor) transitionLocked(ctx context.Context, to types.WorkflowStatus) {
	from := a.wf.Status
	a.wf.Status = to
	if a.metrics != nil {
		a.metrics.RecordWorkflowTransition(string(from), string(to))
	}
	if a.store != nil {
		if err := a.store.SaveWorkflow(ctx, a.wf); err != nil {
			a.logger.Error("persist workflow state failed", zap.Error(err))
		}
	}
	a.logger.Info("workflow transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)))
}

// confirmationSummary 生成展示给用户的确认请求。
func (a *Actor) confirmationSummary() string {
	var sb strings.Builder
	sb.WriteString("Here is what I've collected:\n\n")
	snap := a.state.Snapshot()
	for _, f := range a.template.Fields {
		if v, ok := snap[f.Key]; ok {
			fmt.Fprintf(&sb, "  - %s: %s\n", f.Label, v)
		}
	}
	sb.WriteString("\nShall I go ahead and generate the outputs?")
	return sb.String()
}

// ============================================================================
// 角色执行
// ============================================================================

func (a *Actor) runRole(ctx context.Context, role Role, userText string) (string, error) {
	resp, err := a.provider.Completion(ctx, &llm.ChatRequest{
		SessionID: a.wf.SessionID,
		Model:     a.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: rolePrompt(role, a.template, a.state)},
			{Role: llm.RoleUser, Content: userText},
		},
	})
	if err != nil {
		return "", types.NewError(types.ErrOrchestrationFailed,
			fmt.Sprintf("role %s failed", role)).WithCause(err).WithRetryable(true)
	}
	return resp.Content, nil
}

func (a *Actor) runConversationalist(ctx context.Context, userText string) (string, error) {
	out, err := a.runRole(ctx, RoleConversationalist, userText)
	if err != nil {
		return "", err
	}
	_, visible := ParseSignals(out)
	return visible, nil
}

func (a *Actor) runExtractor(ctx context.Context, userText string) (map[string]string, error) {
	out, err := a.runRole(ctx, RoleExtractor, userText)
	if err != nil {
		return nil, err
	}
	return parseExtractedFields(out, a.template), nil
}

func (a *Actor) runCompleteness(ctx context.Context) (bool, error) {
	out, err := a.runRole(ctx, RoleCompleteness, "Review the current field values.")
	if err != nil {
		return false, err
	}
	sig, _ := ParseSignals(out)
	return sig.Ready, nil
}

func (a *Actor) runClassifier(ctx context.Context, userText string) (Signal, error) {
	out, err := a.runRole(ctx, RoleClassifier, userText)
	if err != nil {
		return Signal{}, err
	}
	sig, _ := ParseSignals(out)
	return sig, nil
}

func (a *Actor) runRouter(ctx context.Context, report string) (bool, error) {
	out, err := a.runRole(ctx, RoleRouter, report)
	if err != nil {
		return false, err
	}
	sig, _ := ParseSignals(out)
	return sig.Complete, nil
}
