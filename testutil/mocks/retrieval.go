// 检索协作者的测试模拟：静态段落、静态意图命中与引用解析。
package mocks

import (
	"context"
	"sync"

	"github.com/chatforge/chatforge/retrieval"
)

// StaticSearcher 返回固定段落列表
type StaticSearcher struct {
	Passages []retrieval.Passage
	Err      error
}

func (s *StaticSearcher) Search(_ context.Context, _ string, _ []string, limit int) ([]retrieval.Passage, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if limit > 0 && len(s.Passages) > limit {
		return s.Passages[:limit], nil
	}
	return s.Passages, nil
}

// StaticIntentIndex 返回得分高于阈值的固定命中
type StaticIntentIndex struct {
	Hits []retrieval.IntentHit
	Err  error
}

func (s *StaticIntentIndex) Search(_ context.Context, _ string, threshold float64, limit int) ([]retrieval.IntentHit, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	var out []retrieval.IntentHit
	for _, h := range s.Hits {
		if h.Score >= threshold {
			out = append(out, h)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// StaticResolver 按引用 ID 查表解析，并记录解析次数
type StaticResolver struct {
	mu       sync.Mutex
	Entries  map[string]*retrieval.ResolvedReference // keyed by reference GUID
	Err      error
	resolved []string
}

func (r *StaticResolver) Resolve(_ context.Context, token retrieval.ReferenceToken) (*retrieval.ResolvedReference, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, token.Raw)
	if r.Err != nil {
		return nil, r.Err
	}
	if ref, ok := r.Entries[token.ID]; ok {
		copied := *ref
		return &copied, nil
	}
	return &retrieval.ResolvedReference{ID: token.ID, TypeName: token.TypeName, Title: token.ID}, nil
}

// ResolvedTokens 返回按顺序记录的解析请求
func (r *StaticResolver) ResolvedTokens() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.resolved...)
}
