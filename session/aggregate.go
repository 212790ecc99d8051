package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/chatforge/chatforge/conversation"
	"github.com/chatforge/chatforge/internal/metrics"
	"github.com/chatforge/chatforge/lease"
	"github.com/chatforge/chatforge/types"
)

// section 是一个后端流程对聚合消息的当前贡献。
// 同一流程的后续更新整段覆盖之前的内容。
type section struct {
	text string
	done bool
}

// aggregationState 跟踪一次扇出查询的扇入进度。
// 聚合消息懒创建：第一个分段到达时才落一条消息；
// 最终合成最多执行一次。
type aggregationState struct {
	mu sync.Mutex

	sessionID     string
	userMessageID string
	expected      []string // 参与流程，扇出前确定
	sections      map[string]*section

	message   *types.ChatMessage // 聚合进度消息，懒创建
	finalDone bool
	createdAt time.Time

	limiter    *rate.Limiter
	deltaChars int
	lastPushed int // 上次推送时的组合文本长度

	lease *lease.Lease

	// suppressPush 抑制整个请求的进度推送（同步工具模式）。
	suppressPush bool

	// onUpdate 收到的是消息快照，不与后续分段写入共享内存。
	onUpdate   func(ctx context.Context, msg types.ChatMessage)
	onFinalize func(ctx context.Context, state *aggregationState, final string)

	metrics *metrics.Collector
	logger  *zap.Logger
}

func newAggregationState(sessionID, userMessageID string, expected []string, pushInterval time.Duration, deltaChars int, l *lease.Lease, collector *metrics.Collector, logger *zap.Logger) *aggregationState {
	limit := rate.Every(pushInterval)
	if pushInterval <= 0 {
		limit = rate.Inf
	}
	return &aggregationState{
		sessionID:     sessionID,
		userMessageID: userMessageID,
		expected:      append([]string(nil), expected...),
		sections:      make(map[string]*section, len(expected)),
		createdAt:     time.Now(),
		limiter:       rate.NewLimiter(limit, 1),
		deltaChars:    deltaChars,
		lease:         l,
		metrics:       collector,
		logger:        logger,
	}
}

// onResult 接收一个流程的处理结果并推进扇入。
func (s *aggregationState) onResult(ctx context.Context, res *conversation.Result) {
	if res.Err != nil {
		s.logger.Warn("process response failed",
			zap.String("process", res.Process),
			zap.Error(res.Err))
		s.update(ctx, res.Process, "", true)
		return
	}
	s.update(ctx, res.Process, res.Message.Text, true)
}

// onProgress 接收流程的中途流式文本，不改变完成状态。
func (s *aggregationState) onProgress(ctx context.Context, process, text string) {
	s.update(ctx, process, text, false)
}

// update 写入一个流程分段。同一流程后写覆盖先写；完成状态单调。
func (s *aggregationState) update(ctx context.Context, process, text string, done bool) {
	s.mu.Lock()
	if s.finalDone {
		s.mu.Unlock()
		return
	}
	if s.lease != nil {
		s.lease.KeepAlive()
	}

	sec, ok := s.sections[process]
	if !ok {
		sec = &section{}
		s.sections[process] = sec
	}
	// 完成写入粘滞：迟到的进度不再改写已完成的分段
	if sec.done {
		s.mu.Unlock()
		return
	}
	sec.text = text
	sec.done = done

	complete := s.completeCountLocked()
	allDone := complete == len(s.expected)

	if allDone {
		s.finalDone = true
		final := s.finalTextLocked()
		s.mu.Unlock()
		if s.onFinalize != nil {
			s.onFinalize(ctx, s, final)
		}
		return
	}

	composite := s.compositeTextLocked()
	shouldPush := s.shouldPushLocked(len(composite))
	var snapshot types.ChatMessage
	if shouldPush {
		s.lastPushed = len(composite)
		if s.message == nil {
			msg := types.NewChatMessage(s.sessionID, types.SourceAssistant, "")
			msg.Aggregation = true
			msg.ReplyToID = s.userMessageID
			s.message = msg
		}
		s.message.Text = composite
		s.message.ModifiedAt = time.Now()
		// 并发分段还会继续改写 s.message，回调只能拿快照
		snapshot = *s.message
	}
	s.mu.Unlock()

	if shouldPush && s.onUpdate != nil {
		if s.metrics != nil {
			s.metrics.RecordCompositePush()
		}
		s.onUpdate(ctx, snapshot)
	}
}

// shouldPushLocked 推送节流：最小间隔内放行，或文本增量超过阈值时绕过。
func (s *aggregationState) shouldPushLocked(compositeLen int) bool {
	if s.limiter.Allow() {
		return true
	}
	return s.deltaChars > 0 && compositeLen-s.lastPushed > s.deltaChars
}

func (s *aggregationState) completeCountLocked() int {
	n := 0
	for _, name := range s.expected {
		if sec, ok := s.sections[name]; ok && sec.done {
			n++
		}
	}
	return n
}

// compositeTextLocked 组合当前已有分段与进度脚注。
func (s *aggregationState) compositeTextLocked() string {
	var sb strings.Builder
	for _, name := range s.expected {
		sec, ok := s.sections[name]
		if !ok || sec.text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("### ")
		sb.WriteString(name)
		sb.WriteString("\n\n")
		sb.WriteString(sec.text)
	}
	if sb.Len() > 0 {
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "_Assembling responses... (%d/%d complete)_",
		s.completeCountLocked(), len(s.expected))
	return sb.String()
}

// finalTextLocked 生成最终合成文本：单流程原样返回，
// 多流程按扇出顺序加标题拼接。失败的流程被跳过。
func (s *aggregationState) finalTextLocked() string {
	var parts []string
	var names []string
	for _, name := range s.expected {
		sec, ok := s.sections[name]
		if !ok || sec.text == "" {
			continue
		}
		parts = append(parts, sec.text)
		names = append(names, name)
	}

	switch len(parts) {
	case 0:
		return "I wasn't able to produce a response to that. Please try rephrasing your question."
	case 1:
		return parts[0]
	default:
		var sb strings.Builder
		for i, text := range parts {
			if i > 0 {
				sb.WriteString("\n\n")
			}
			sb.WriteString("### ")
			sb.WriteString(names[i])
			sb.WriteString("\n\n")
			sb.WriteString(text)
		}
		return sb.String()
	}
}

// snapshotSections 返回分段完成情况，用于测试与同步模式轮询。
func (s *aggregationState) snapshotSections() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.sections))
	for name, sec := range s.sections {
		out[name] = sec.done
	}
	return out
}

func (s *aggregationState) finalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalDone
}

func (s *aggregationState) age() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.createdAt)
}

// abandon 终止一次未完成的聚合：标记完成并释放租约。
// 清理协程对超龄状态调用。
func (s *aggregationState) abandon() {
	s.mu.Lock()
	s.finalDone = true
	s.mu.Unlock()
	if s.lease != nil {
		s.lease.Release()
	}
}
