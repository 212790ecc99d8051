// RecordingNotifier 记录推送到前端通道的全部消息，供测试断言。
package mocks

import (
	"context"
	"sync"

	"github.com/chatforge/chatforge/notify"
)

// RecordingNotifier 是 notify.Notifier 的记录实现
type RecordingNotifier struct {
	mu         sync.Mutex
	Statuses   []notify.Status
	Responses  []notify.ResponseReceived
	Chunks     []notify.ContentChunkUpdate
	References []notify.ReferencesUpdated
}

// NewRecordingNotifier 创建记录通知器
func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{}
}

func (r *RecordingNotifier) PushStatus(_ context.Context, s notify.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Statuses = append(r.Statuses, s)
	return nil
}

func (r *RecordingNotifier) PushResponse(_ context.Context, resp notify.ResponseReceived) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := resp
	if resp.Message != nil {
		msg := *resp.Message
		copied.Message = &msg
	}
	r.Responses = append(r.Responses, copied)
	return nil
}

func (r *RecordingNotifier) PushChunkUpdate(_ context.Context, u notify.ContentChunkUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Chunks = append(r.Chunks, u)
	return nil
}

func (r *RecordingNotifier) PushReferences(_ context.Context, refs notify.ReferencesUpdated) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.References = append(r.References, refs)
	return nil
}

// StatusTexts 返回全部状态文本
func (r *RecordingNotifier) StatusTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Statuses))
	for _, s := range r.Statuses {
		out = append(out, s.Text)
	}
	return out
}

// LastResponse 返回最后一条响应推送
func (r *RecordingNotifier) LastResponse() *notify.ResponseReceived {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Responses) == 0 {
		return nil
	}
	resp := r.Responses[len(r.Responses)-1]
	return &resp
}

// ResponseCount 返回响应推送次数
func (r *RecordingNotifier) ResponseCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Responses)
}
