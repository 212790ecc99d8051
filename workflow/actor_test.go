package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatforge/chatforge/llm"
	"github.com/chatforge/chatforge/persistence"
	"github.com/chatforge/chatforge/testutil/mocks"
	"github.com/chatforge/chatforge/types"
)

// rolePlayer 按角色回放预设输出，模拟五角色各自的行为。
type rolePlayer struct {
	mu      sync.Mutex
	scripts map[Role][]string
	calls   []llm.ChatRequest
}

func newRolePlayer() *rolePlayer {
	return &rolePlayer{scripts: make(map[Role][]string)}
}

func (p *rolePlayer) script(role Role, outputs ...string) *rolePlayer {
	p.scripts[role] = append(p.scripts[role], outputs...)
	return p
}

func (p *rolePlayer) completion(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, *req)

	system := req.Messages[0].Content
	for role, queue := range p.scripts {
		if !strings.Contains(system, fmt.Sprintf("the %s role", role)) {
			continue
		}
		if len(queue) == 0 {
			return &llm.ChatResponse{Content: ""}, nil
		}
		out := queue[0]
		p.scripts[role] = queue[1:]
		return &llm.ChatResponse{Content: out}, nil
	}
	// 产出执行等非角色调用
	return &llm.ChatResponse{Content: "generated text"}, nil
}

func (p *rolePlayer) systemPrompts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, c := range p.calls {
		out = append(out, c.Messages[0].Content)
	}
	return out
}

type fakeDocGen struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (f *fakeDocGen) Generate(_ context.Context, name string, _ map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if err, ok := f.fail[name]; ok {
		return "", err
	}
	return "#(Reference:GeneratedDocument:6e8bc430-9c3a-11d9-9669-0800200c9a66)", nil
}

func newTestActor(t *testing.T, player *rolePlayer, docGen DocumentGenerator, tmpl *Template) *Actor {
	t.Helper()
	provider := mocks.NewMockProvider().WithCompletionFunc(player.completion)
	return NewActor("session-1", tmpl, Deps{
		Provider: provider,
		Store:    persistence.NewMemoryStore(),
		DocGen:   docGen,
		Model:    "test-model",
	})
}

func outputTemplate() *Template {
	tmpl := travelTemplate()
	tmpl.Outputs = []OutputSpec{
		{Name: "summary", Kind: "text_summary", Prompt: "Summarize the travel request."},
		{Name: "itinerary", Kind: "document_generation"},
	}
	return tmpl
}

func TestActor_StartOnlyFromNotStarted(t *testing.T) {
	player := newRolePlayer().script(RoleConversationalist, "Hi! Where would you like to go?")
	actor := newTestActor(t, player, nil, travelTemplate())

	greeting, err := actor.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Hi! Where would you like to go?", greeting)
	assert.Equal(t, types.WorkflowCollectingRequirements, actor.Status())

	_, err = actor.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrWrongState, types.GetErrorCode(err))
}

func TestActor_MessageBeforeStart(t *testing.T) {
	actor := newTestActor(t, newRolePlayer(), nil, travelTemplate())

	reply, err := actor.ProcessMessage(context.Background(), "hello?")
	require.NoError(t, err)
	assert.Contains(t, reply, "not started")
	assert.Equal(t, types.WorkflowNotStarted, actor.Status())
}

func TestActor_HappyPath(t *testing.T) {
	player := newRolePlayer().
		script(RoleConversationalist, "Hi! Where would you like to go?", "When do you want to leave?").
		script(RoleExtractor, "destination: Tokyo", "start_date: 2026-09-01").
		script(RoleCompleteness, "Missing: start_date", "[READY_FOR_CONFIRMATION]").
		script(RoleClassifier, "[CONFIRMED]").
		script(RoleRouter, "[COMPLETE]")
	docGen := &fakeDocGen{}
	actor := newTestActor(t, player, docGen, outputTemplate())

	_, err := actor.Start(context.Background())
	require.NoError(t, err)

	// 第一轮：目的地入库，必填缺一，继续追问
	reply, err := actor.ProcessMessage(context.Background(), "I want to visit Tokyo")
	require.NoError(t, err)
	assert.Equal(t, "When do you want to leave?", reply)
	assert.Equal(t, types.WorkflowCollectingRequirements, actor.Status())
	assert.Equal(t, "Tokyo", actor.Fields()["destination"])

	// 第二轮：必填齐备，进入确认
	reply, err = actor.ProcessMessage(context.Background(), "leaving September 1st")
	require.NoError(t, err)
	assert.Contains(t, reply, "Destination: Tokyo")
	assert.Contains(t, reply, "Shall I go ahead")
	assert.Equal(t, types.WorkflowAwaitingConfirmation, actor.Status())

	// 确认：产出执行，路由器宣告完成
	reply, err = actor.ProcessMessage(context.Background(), "yes, go ahead")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowCompleted, actor.Status())
	assert.Contains(t, reply, "generated text")
	assert.Contains(t, reply, "Document ready:")
	assert.Equal(t, []string{"itinerary"}, docGen.calls)

	state := actor.State()
	require.NotNil(t, state.CompletedAt)
	assert.Empty(t, state.OutputErrors)
}

func TestActor_TerminalStateRejectsWithoutMutation(t *testing.T) {
	player := newRolePlayer().
		script(RoleConversationalist, "hi").
		script(RoleExtractor, "destination: Tokyo\nstart_date: 2026-09-01").
		script(RoleCompleteness, "[READY_FOR_CONFIRMATION]").
		script(RoleClassifier, "[CONFIRMED]").
		script(RoleRouter, "[COMPLETE]")
	actor := newTestActor(t, player, &fakeDocGen{}, outputTemplate())

	_, err := actor.Start(context.Background())
	require.NoError(t, err)
	_, err = actor.ProcessMessage(context.Background(), "Tokyo on September 1st")
	require.NoError(t, err)
	_, err = actor.ProcessMessage(context.Background(), "confirm")
	require.NoError(t, err)
	require.Equal(t, types.WorkflowCompleted, actor.Status())

	before := actor.Fields()
	callsBefore := len(player.systemPrompts())

	reply, err := actor.ProcessMessage(context.Background(), "actually change it to Osaka")
	require.NoError(t, err)
	assert.Contains(t, reply, "already finished")

	// 终态消息不触发任何角色调用，也不改动字段
	assert.Equal(t, callsBefore, len(player.systemPrompts()))
	assert.Equal(t, before, actor.Fields())
	assert.Equal(t, types.WorkflowCompleted, actor.Status())
}

func TestActor_RequestChangesReturnsToCollecting(t *testing.T) {
	player := newRolePlayer().
		script(RoleConversationalist, "hi", "What would you like to change?").
		script(RoleExtractor, "destination: Tokyo\nstart_date: 2026-09-01", "destination: Osaka").
		script(RoleCompleteness, "[READY_FOR_CONFIRMATION]", "Missing: start_date").
		script(RoleClassifier, "[REQUEST_CHANGES]")
	actor := newTestActor(t, player, nil, travelTemplate())

	_, err := actor.Start(context.Background())
	require.NoError(t, err)
	_, err = actor.ProcessMessage(context.Background(), "Tokyo on September 1st")
	require.NoError(t, err)
	require.Equal(t, types.WorkflowAwaitingConfirmation, actor.Status())

	// 改需求：回到收集阶段，提取器立刻复审这条回复
	_, err = actor.ProcessMessage(context.Background(), "make it Osaka instead")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowCollectingRequirements, actor.Status())
	assert.Equal(t, "Osaka", actor.Fields()["destination"])
}

func TestActor_ClarificationStaysAwaiting(t *testing.T) {
	player := newRolePlayer().
		script(RoleConversationalist, "hi", "The itinerary will be a PDF document.").
		script(RoleExtractor, "destination: Tokyo\nstart_date: 2026-09-01").
		script(RoleCompleteness, "[READY_FOR_CONFIRMATION]").
		script(RoleClassifier, "[REQUEST_CLARIFICATION]")
	actor := newTestActor(t, player, nil, travelTemplate())

	_, err := actor.Start(context.Background())
	require.NoError(t, err)
	_, err = actor.ProcessMessage(context.Background(), "Tokyo on September 1st")
	require.NoError(t, err)

	reply, err := actor.ProcessMessage(context.Background(), "what format will the itinerary be?")
	require.NoError(t, err)
	assert.Contains(t, reply, "PDF")
	assert.Equal(t, types.WorkflowAwaitingConfirmation, actor.Status())
}

func TestActor_OutputFailureAbortsRemaining(t *testing.T) {
	tmpl := travelTemplate()
	tmpl.Outputs = []OutputSpec{
		{Name: "summary", Kind: "text_summary", Prompt: "FIRST_SUMMARY"},
		{Name: "itinerary", Kind: "document_generation"},
		{Name: "closing", Kind: "text_summary", Prompt: "THIRD_SUMMARY"},
	}

	player := newRolePlayer().
		script(RoleConversationalist, "hi").
		script(RoleExtractor, "destination: Tokyo\nstart_date: 2026-09-01").
		script(RoleCompleteness, "[READY_FOR_CONFIRMATION]").
		script(RoleClassifier, "[CONFIRMED]").
		script(RoleRouter, "Understood, the run failed.")
	docGen := &fakeDocGen{fail: map[string]error{"itinerary": fmt.Errorf("renderer offline")}}
	actor := newTestActor(t, player, docGen, tmpl)

	_, err := actor.Start(context.Background())
	require.NoError(t, err)
	_, err = actor.ProcessMessage(context.Background(), "Tokyo on September 1st")
	require.NoError(t, err)

	reply, err := actor.ProcessMessage(context.Background(), "confirm")
	require.Error(t, err)
	assert.Equal(t, types.ErrOutputFailed, types.GetErrorCode(err))
	assert.Contains(t, reply, "itinerary")
	assert.Equal(t, types.WorkflowFailed, actor.Status())

	// 单条失败记录，第三个产出未执行
	state := actor.State()
	require.Len(t, state.OutputErrors, 1)
	assert.Equal(t, "itinerary", state.OutputErrors[0].OutputName)
	assert.Equal(t, types.OutputDocumentGeneration, state.OutputErrors[0].Kind)

	for _, prompt := range player.systemPrompts() {
		assert.NotContains(t, prompt, "THIRD_SUMMARY")
	}

	// 失败路径同样让路由角色走一轮确认
	routerRounds := 0
	for _, prompt := range player.systemPrompts() {
		if strings.Contains(prompt, fmt.Sprintf("the %s role", RoleRouter)) {
			routerRounds++
		}
	}
	assert.Equal(t, 1, routerRounds)
}

func TestActor_UnknownOutputKindDegradesToPlaceholder(t *testing.T) {
	tmpl := travelTemplate()
	tmpl.Outputs = []OutputSpec{
		{Name: "mystery", Kind: "telepathy"},
		{Name: "helper", Kind: "mcp_tool_invocation"},
	}

	player := newRolePlayer().
		script(RoleConversationalist, "hi").
		script(RoleExtractor, "destination: Tokyo\nstart_date: 2026-09-01").
		script(RoleCompleteness, "[READY_FOR_CONFIRMATION]").
		script(RoleClassifier, "[CONFIRMED]").
		script(RoleRouter, "[COMPLETE]")
	actor := newTestActor(t, player, nil, tmpl)

	_, err := actor.Start(context.Background())
	require.NoError(t, err)
	_, err = actor.ProcessMessage(context.Background(), "Tokyo on September 1st")
	require.NoError(t, err)

	// 未识别的产出类型不阻断整批，占位结果照常交付
	reply, err := actor.ProcessMessage(context.Background(), "confirm")
	require.NoError(t, err)
	assert.Contains(t, reply, "[mystery]")
	assert.Contains(t, reply, `"telepathy"`)
	assert.Contains(t, reply, "[helper]")
	assert.Equal(t, types.WorkflowCompleted, actor.Status())
	assert.Empty(t, actor.State().OutputErrors)
}

func TestActor_Cancel(t *testing.T) {
	player := newRolePlayer().script(RoleConversationalist, "hi")
	actor := newTestActor(t, player, nil, travelTemplate())

	_, err := actor.Start(context.Background())
	require.NoError(t, err)

	require.NoError(t, actor.Cancel(context.Background()))
	assert.Equal(t, types.WorkflowCancelled, actor.Status())

	// 已终止不能再取消
	err = actor.Cancel(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrWrongState, types.GetErrorCode(err))
}
