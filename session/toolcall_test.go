package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatforge/chatforge/retrieval"
	"github.com/chatforge/chatforge/testutil/mocks"
	"github.com/chatforge/chatforge/types"
)

func TestQueryForTool_ReturnsFinalSynthesisAndBackends(t *testing.T) {
	provider := mocks.NewStreamProvider("the synchronous answer")
	deps, notifier := testFlowDeps(t, provider, &mocks.StaticIntentIndex{Hits: []retrieval.IntentHit{
		{ID: "process:research", Score: 0.9},
	}})
	actor := NewFlowActorForUser("alice", deps)
	defer func() { _ = actor.Close(context.Background()) }()

	final, backends, err := actor.QueryForTool(context.Background(), "what is the answer")
	require.NoError(t, err)
	assert.Equal(t, "the synchronous answer", final)

	// 参与的后端对话 ID 随答案一起返回
	snap := actor.Session()
	assert.ElementsMatch(t, snap.BackendConversationIDs, backends)

	// 本次请求的推送全部被抑制
	assert.Empty(t, notifier.Responses)
	assert.Empty(t, notifier.Statuses)

	// 最终消息照常落入会话历史
	found := false
	for _, m := range snap.Messages {
		if m.Source == types.SourceAssistant && m.Text == final {
			found = true
		}
	}
	assert.True(t, found)
}

func TestQueryForTool_MultiProcess(t *testing.T) {
	provider := mocks.NewStreamProvider("per-process answer")
	deps, _ := testFlowDeps(t, provider, bothProcessesIndex())
	actor := NewFlowActorForUser("alice", deps)
	defer func() { _ = actor.Close(context.Background()) }()

	final, backends, err := actor.QueryForTool(context.Background(), "do both")
	require.NoError(t, err)
	assert.Contains(t, final, "### research")
	assert.Contains(t, final, "### drafting")
	assert.Len(t, backends, 2)
}

func TestQueryForTool_DirectAnswer(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponse("direct reply")
	deps, _ := testFlowDeps(t, provider, &mocks.StaticIntentIndex{})
	actor := NewFlowActorForUser("alice", deps)
	defer func() { _ = actor.Close(context.Background()) }()

	final, backends, err := actor.QueryForTool(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "direct reply", final)
	assert.Empty(t, backends)
}

func TestQueryForTool_SuppressesWorkerStatusPushes(t *testing.T) {
	// 托管文件引用通常触发一条临时状态推送；同步模式下必须抑制
	provider := mocks.NewStreamProvider("resolved answer")
	deps, notifier := testFlowDeps(t, provider, &mocks.StaticIntentIndex{Hits: []retrieval.IntentHit{
		{ID: "process:research", Score: 0.9},
	}})
	actor := NewFlowActorForUser("alice", deps)
	defer func() { _ = actor.Close(context.Background()) }()

	text := "summarize #(Reference:HostedFile:6e8bc430-9c3a-11d9-9669-0800200c9a66)"
	_, _, err := actor.QueryForTool(context.Background(), text)
	require.NoError(t, err)

	assert.Empty(t, notifier.Statuses)
}

func TestQueryForTool_Timeout(t *testing.T) {
	// worker 在超时前无法完成
	provider := mocks.NewStreamProvider("late").WithDelay(time.Hour)
	deps, notifier := testFlowDeps(t, provider, &mocks.StaticIntentIndex{Hits: []retrieval.IntentHit{
		{ID: "process:research", Score: 0.9},
	}})
	deps.Config.ToolTimeout = 200 * time.Millisecond
	actor := NewFlowActorForUser("alice", deps)
	defer func() { _ = actor.Close(context.Background()) }()

	start := time.Now()
	final, backends, err := actor.QueryForTool(context.Background(), "slow question")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, types.ErrTimeout, types.GetErrorCode(err))
	assert.Contains(t, final, "I'm sorry")
	assert.Empty(t, backends)
	assert.Less(t, elapsed, 2*time.Second)

	// 超时也不向推送通道泄漏任何内容
	assert.Empty(t, notifier.Statuses)
}

func TestQueryForTool_CancelledContext(t *testing.T) {
	provider := mocks.NewStreamProvider("late").WithDelay(time.Hour)
	deps, _ := testFlowDeps(t, provider, &mocks.StaticIntentIndex{Hits: []retrieval.IntentHit{
		{ID: "process:research", Score: 0.9},
	}})
	actor := NewFlowActorForUser("alice", deps)
	defer func() { _ = actor.Close(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, _, err := actor.QueryForTool(ctx, "cancelled question")
	require.Error(t, err)
	assert.Equal(t, types.ErrTimeout, types.GetErrorCode(err))
}
