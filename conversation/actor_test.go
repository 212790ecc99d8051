package conversation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatforge/chatforge/config"
	"github.com/chatforge/chatforge/directory"
	"github.com/chatforge/chatforge/llm"
	"github.com/chatforge/chatforge/persistence"
	"github.com/chatforge/chatforge/retrieval"
	"github.com/chatforge/chatforge/testutil/mocks"
	"github.com/chatforge/chatforge/types"
)

func testProcess() directory.Process {
	return directory.Process{
		Name:         "research",
		Description:  "answers research questions",
		SystemPrompt: "You are a research assistant.",
		Temperature:  0.3,
		MaxTokens:    1024,
	}
}

func testDeps(provider llm.Provider) (Deps, *mocks.RecordingNotifier) {
	notifier := mocks.NewRecordingNotifier()
	return Deps{
		Store:    persistence.NewMemoryStore(),
		Provider: provider,
		Builder:  retrieval.NewContextBuilder(&mocks.StaticSearcher{}, nil, 5, 0, nil),
		Resolver: &mocks.StaticResolver{},
		Notifier: notifier,
		Config: config.ConversationConfig{
			SummaryMinMessages:  5,
			SummaryTriggerCount: 10,
			SummaryModulo:       5,
			FlushThreshold:      20,
			ContextPassages:     5,
		},
		Model: "test-model",
	}, notifier
}

func waitForResult(t *testing.T, done <-chan *Result) *Result {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not complete")
		return nil
	}
}

func TestActor_AppendProducesReply(t *testing.T) {
	provider := mocks.NewStreamProvider("The answer ", "is 42.")
	deps, _ := testDeps(provider)
	actor := NewActorForProcess(testProcess(), deps)

	done := make(chan *Result, 1)
	userMsg, err := actor.Append(context.Background(), "session-1", "what is the answer?", "alice", func(_ context.Context, res *Result) {
		done <- res
	})
	require.NoError(t, err)
	assert.True(t, userMsg.Completed)

	res := waitForResult(t, done)
	require.NoError(t, res.Err)
	require.NotNil(t, res.Message)
	assert.Equal(t, "The answer is 42.", res.Message.Text)
	assert.True(t, res.Message.Completed)
	assert.Equal(t, userMsg.ID, res.Message.ReplyToID)

	conv := actor.Conversation()
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, types.SourceUser, conv.Messages[0].Source)
	assert.Equal(t, types.SourceAssistant, conv.Messages[1].Source)
}

func TestActor_AppendPersistsBeforeDispatch(t *testing.T) {
	provider := mocks.NewStreamProvider("reply")
	deps, _ := testDeps(provider)
	actor := NewActorForProcess(testProcess(), deps)

	userMsg, err := actor.Append(context.Background(), "session-1", "hello", "", nil)
	require.NoError(t, err)

	// 用户消息在派发前已经落库
	stored, err := deps.Store.GetConversation(context.Background(), actor.ID())
	require.NoError(t, err)
	require.NotEmpty(t, stored.Messages)
	assert.Equal(t, userMsg.ID, stored.Messages[0].ID)
}

func TestActor_StreamingPushes(t *testing.T) {
	// 每块 12 字符，阈值 20：两块合并后才触发一次中途推送
	provider := mocks.NewStreamProvider("aaaaaaaaaaaa", "bbbbbbbbbbbb", "cccccccccccc")
	deps, notifier := testDeps(provider)
	actor := NewActorForProcess(testProcess(), deps)

	done := make(chan *Result, 1)
	_, err := actor.Append(context.Background(), "session-1", "go", "", func(_ context.Context, res *Result) {
		done <- res
	})
	require.NoError(t, err)
	res := waitForResult(t, done)
	require.NoError(t, res.Err)

	require.GreaterOrEqual(t, notifier.ResponseCount(), 2)
	last := notifier.LastResponse()
	assert.Equal(t, "aaaaaaaaaaaabbbbbbbbbbbbcccccccccccc", last.LatestText)
	assert.True(t, last.Message.Completed)
}

func TestActor_ReferenceExtractionAndMerge(t *testing.T) {
	refID := "6e8bc430-9c3a-11d9-9669-0800200c9a66"
	token := fmt.Sprintf("#(Reference:Document:%s)", refID)

	provider := mocks.NewStreamProvider("noted")
	deps, notifier := testDeps(provider)
	resolver := &mocks.StaticResolver{Entries: map[string]*retrieval.ResolvedReference{
		refID: {ID: refID, TypeName: "Document", Title: "Q3 report"},
	}}
	deps.Resolver = resolver
	actor := NewActorForProcess(testProcess(), deps)

	done := make(chan *Result, 1)
	_, err := actor.Append(context.Background(), "session-1", "see "+token+" and again "+token, "", func(_ context.Context, res *Result) {
		done <- res
	})
	require.NoError(t, err)
	res := waitForResult(t, done)
	require.NoError(t, res.Err)

	// 同一引用在单条消息内只解析一次
	assert.Len(t, resolver.ResolvedTokens(), 1)
	require.Len(t, res.References, 1)
	assert.Equal(t, "Q3 report", res.References[0].Title)

	conv := actor.Conversation()
	assert.Equal(t, []string{refID}, conv.ReferenceIDs)

	// 引用合并后推送一次 references_updated
	require.Len(t, notifier.References, 1)
	assert.Equal(t, "session-1", notifier.References[0].SessionID)
}

func TestActor_HostedFileInterimStatus(t *testing.T) {
	refID := "6e8bc430-9c3a-11d9-9669-0800200c9a66"
	token := fmt.Sprintf("#(Reference:HostedFile:%s)", refID)

	provider := mocks.NewStreamProvider("done")
	deps, notifier := testDeps(provider)
	actor := NewActorForProcess(testProcess(), deps)

	done := make(chan *Result, 1)
	_, err := actor.Append(context.Background(), "session-1", "read "+token, "", func(_ context.Context, res *Result) {
		done <- res
	})
	require.NoError(t, err)
	res := waitForResult(t, done)
	require.NoError(t, res.Err)

	texts := notifier.StatusTexts()
	require.NotEmpty(t, texts)
	assert.Contains(t, texts[0], "Processing referenced file")
}

func TestActor_StreamErrorReported(t *testing.T) {
	provider := mocks.NewStreamProvider("partial").WithStreamError(fmt.Errorf("upstream reset"))
	deps, _ := testDeps(provider)
	actor := NewActorForProcess(testProcess(), deps)

	done := make(chan *Result, 1)
	_, err := actor.Append(context.Background(), "session-1", "go", "", func(_ context.Context, res *Result) {
		done <- res
	})
	require.NoError(t, err)
	res := waitForResult(t, done)

	require.Error(t, res.Err)
	assert.Nil(t, res.Message)

	// 失败的回复不会进入对话历史
	conv := actor.Conversation()
	assert.Len(t, conv.Messages, 1)
}

func TestActor_SummaryTrigger(t *testing.T) {
	var summaryCalls int
	var mu sync.Mutex

	provider := mocks.NewMockProvider().
		WithStreamChunks("ok").
		WithCompletionFunc(func(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
			mu.Lock()
			summaryCalls++
			mu.Unlock()
			return &llm.ChatResponse{Content: "summary of earlier turns"}, nil
		})
	deps, _ := testDeps(provider)
	actor := NewActorForProcess(testProcess(), deps)

	// 每轮落两条消息，count 依次为 2,4,...,20；
	// 20 > 10 且 20 % 5 == 0，第 10 轮触发摘要
	for i := 0; i < 10; i++ {
		done := make(chan *Result, 1)
		_, err := actor.Append(context.Background(), "session-1", fmt.Sprintf("turn %d", i), "", func(_ context.Context, res *Result) {
			done <- res
		})
		require.NoError(t, err)
		waitForResult(t, done)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return summaryCalls >= 1
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		conv := actor.Conversation()
		return len(conv.Summaries) >= 1
	}, 5*time.Second, 20*time.Millisecond)

	conv := actor.Conversation()
	summary := conv.Summaries[0]
	assert.Equal(t, "summary of earlier turns", summary.Text)
	assert.GreaterOrEqual(t, len(summary.MessageIDs), 5)

	// 被摘要覆盖的消息打上 SummaryID
	covered := 0
	for _, m := range conv.Messages {
		if m.SummaryID == summary.ID {
			covered++
		}
	}
	assert.Equal(t, len(summary.MessageIDs), covered)
}

func TestActor_SummaryNoopBelowMinimum(t *testing.T) {
	provider := mocks.NewMockProvider().WithStreamChunks("ok")
	deps, _ := testDeps(provider)
	actor := NewActorForProcess(testProcess(), deps)

	// 消息不足，显式调用也不会生成摘要
	require.NoError(t, actor.GenerateSummary(context.Background()))
	conv := actor.Conversation()
	assert.Empty(t, conv.Summaries)
}
