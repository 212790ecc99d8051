package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/chatforge/chatforge/conversation"
	"github.com/chatforge/chatforge/types"
)

func newTestAggregation(expected []string, pushInterval time.Duration, deltaChars int) *aggregationState {
	return newAggregationState("session-1", "user-msg-1", expected, pushInterval, deltaChars, nil, nil, zap.NewNop())
}

func TestAggregation_SingleProcessFinalVerbatim(t *testing.T) {
	agg := newTestAggregation([]string{"research"}, 0, 0)

	var finalText string
	var finalCount int32
	agg.onFinalize = func(_ context.Context, _ *aggregationState, final string) {
		atomic.AddInt32(&finalCount, 1)
		finalText = final
	}

	agg.onProgress(context.Background(), "research", "partial")
	agg.update(context.Background(), "research", "complete answer", true)

	assert.Equal(t, int32(1), atomic.LoadInt32(&finalCount))
	// 单流程最终合成原样返回，不加标题
	assert.Equal(t, "complete answer", finalText)
}

func TestAggregation_MultiProcessFinalLabeled(t *testing.T) {
	agg := newTestAggregation([]string{"research", "drafting"}, 0, 0)

	var finalText string
	agg.onFinalize = func(_ context.Context, _ *aggregationState, final string) {
		finalText = final
	}

	agg.update(context.Background(), "drafting", "draft text", true)
	agg.update(context.Background(), "research", "research text", true)

	// 分段按扇出顺序排列，与完成顺序无关
	assert.Equal(t, "### research\n\nresearch text\n\n### drafting\n\ndraft text", finalText)
}

func TestAggregation_CompositeShowsProgress(t *testing.T) {
	agg := newTestAggregation([]string{"research", "drafting"}, 0, 0)

	var lastComposite string
	agg.onUpdate = func(_ context.Context, msg types.ChatMessage) {
		lastComposite = msg.Text
	}
	agg.onFinalize = func(_ context.Context, _ *aggregationState, _ string) {}

	agg.update(context.Background(), "research", "research text", true)

	assert.Contains(t, lastComposite, "research text")
	assert.Contains(t, lastComposite, "(1/2 complete)")
	assert.False(t, agg.finalized())
}

func TestAggregation_FailedSectionSkippedInFinal(t *testing.T) {
	agg := newTestAggregation([]string{"research", "drafting"}, 0, 0)

	var finalText string
	agg.onFinalize = func(_ context.Context, _ *aggregationState, final string) {
		finalText = final
	}

	agg.onResult(context.Background(), &conversation.Result{
		Process: "research",
		Err:     fmt.Errorf("provider unavailable"),
	})
	agg.update(context.Background(), "drafting", "draft text", true)

	// 唯一存活分段按单流程规则原样返回
	assert.Equal(t, "draft text", finalText)
}

func TestAggregation_AllFailedFallbackText(t *testing.T) {
	agg := newTestAggregation([]string{"research"}, 0, 0)

	var finalText string
	agg.onFinalize = func(_ context.Context, _ *aggregationState, final string) {
		finalText = final
	}

	agg.update(context.Background(), "research", "", true)
	assert.Contains(t, finalText, "wasn't able to produce a response")
}

func TestAggregation_PushThrottle(t *testing.T) {
	// 推送间隔 1 小时：除首次放行外，只有超过增量阈值才绕过
	agg := newTestAggregation([]string{"research", "drafting"}, time.Hour, 120)

	var pushes int32
	agg.onUpdate = func(_ context.Context, _ types.ChatMessage) {
		atomic.AddInt32(&pushes, 1)
	}
	agg.onFinalize = func(_ context.Context, _ *aggregationState, _ string) {}

	agg.onProgress(context.Background(), "research", "short")
	first := atomic.LoadInt32(&pushes)
	assert.Equal(t, int32(1), first)

	// 小增量被节流
	agg.onProgress(context.Background(), "research", "short text")
	assert.Equal(t, first, atomic.LoadInt32(&pushes))

	// 超过 120 字符的增量绕过节流
	agg.onProgress(context.Background(), "research", strings.Repeat("x", 200))
	assert.Equal(t, first+1, atomic.LoadInt32(&pushes))
}

// 两个流程并发推进时，推送回调拿到的必须是消息快照：
// 回调读 Text 期间另一个流程的分段写入不得与之共享内存。
func TestAggregation_ConcurrentProgressPushesSnapshots(t *testing.T) {
	agg := newTestAggregation([]string{"research", "drafting"}, 0, 0)

	var mu sync.Mutex
	var seen []string
	agg.onUpdate = func(_ context.Context, msg types.ChatMessage) {
		mu.Lock()
		seen = append(seen, msg.Text)
		mu.Unlock()
	}
	agg.onFinalize = func(_ context.Context, _ *aggregationState, _ string) {}

	var wg sync.WaitGroup
	for _, name := range []string{"research", "drafting"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				agg.onProgress(context.Background(), name, fmt.Sprintf("%s-%d", name, i))
			}
		}(name)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for _, text := range seen {
		assert.Contains(t, text, "complete)")
	}
}

func TestAggregation_NoUpdatesAfterFinal(t *testing.T) {
	agg := newTestAggregation([]string{"research"}, 0, 0)

	var finalCount int32
	agg.onFinalize = func(_ context.Context, _ *aggregationState, _ string) {
		atomic.AddInt32(&finalCount, 1)
	}

	agg.update(context.Background(), "research", "answer", true)
	agg.update(context.Background(), "research", "late text", true)
	agg.onProgress(context.Background(), "research", "even later")

	assert.Equal(t, int32(1), atomic.LoadInt32(&finalCount))
}

// 最终合成只取决于每个流程的最后一次完成写入，
// 与中途进度更新的数量和交错顺序无关。
func TestAggregation_OrderInsensitive(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		names := []string{"alpha", "beta", "gamma", "delta"}
		n := rapid.IntRange(1, 4).Draw(t, "processes")
		expected := names[:n]

		finals := make(map[string]string, n)
		for _, name := range expected {
			finals[name] = rapid.StringMatching(`[a-z]{1,12}`).Draw(t, "final_"+name)
		}

		// 生成随机交错的进度更新序列，完成写入随机插入
		type event struct {
			process string
			text    string
			done    bool
		}
		var events []event
		progressCount := rapid.IntRange(0, 10).Draw(t, "progress_count")
		for i := 0; i < progressCount; i++ {
			name := rapid.SampledFrom(expected).Draw(t, "progress_process")
			events = append(events, event{process: name, text: rapid.StringMatching(`[a-z]{0,8}`).Draw(t, "progress_text")})
		}
		for _, name := range expected {
			at := rapid.IntRange(0, len(events)).Draw(t, "insert_"+name)
			done := event{process: name, text: finals[name], done: true}
			events = append(events[:at], append([]event{done}, events[at:]...)...)
		}

		agg := newTestAggregation(expected, 0, 0)
		var finalCount int32
		var finalText string
		agg.onFinalize = func(_ context.Context, _ *aggregationState, final string) {
			atomic.AddInt32(&finalCount, 1)
			finalText = final
		}

		for _, e := range events {
			agg.update(context.Background(), e.process, e.text, e.done)
		}

		require.Equal(t, int32(1), atomic.LoadInt32(&finalCount))

		// 期望文本只由每个流程的完成写入决定
		var want string
		if n == 1 {
			want = finals[expected[0]]
		} else {
			var sb strings.Builder
			for i, name := range expected {
				if i > 0 {
					sb.WriteString("\n\n")
				}
				sb.WriteString("### ")
				sb.WriteString(name)
				sb.WriteString("\n\n")
				sb.WriteString(finals[name])
			}
			want = sb.String()
		}
		assert.Equal(t, want, finalText)
	})
}
