package workflow

import (
	"sync"
	"time"
)

// FieldValue 是任务状态中一个字段的当前值。
// Revision 每次写入递增，供审计与并发更新排查。
type FieldValue struct {
	Value     string    `json:"value"`
	Revision  int       `json:"revision"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskStateStore 持有一次工作流实例收集到的字段值。
// 空白值与缺失值在待办判定上等价。
type TaskStateStore struct {
	mu     sync.RWMutex
	fields map[string]FieldValue
}

// NewTaskStateStore 创建空的任务状态。
func NewTaskStateStore() *TaskStateStore {
	return &TaskStateStore{fields: make(map[string]FieldValue)}
}

// Set 写入一个字段值并递增修订号。
func (s *TaskStateStore) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.fields[key]
	s.fields[key] = FieldValue{
		Value:     value,
		Revision:  prev.Revision + 1,
		UpdatedAt: time.Now(),
	}
}

// Get 读取一个字段。第二个返回值表示字段是否存在。
func (s *TaskStateStore) Get(key string) (FieldValue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.fields[key]
	return v, ok
}

// Snapshot 返回当前全部非空字段值的副本。
func (s *TaskStateStore) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.fields))
	for k, v := range s.fields {
		if v.Value != "" {
			out[k] = v.Value
		}
	}
	return out
}

// PendingRequired 返回仍待收集的必填字段键（空白或缺失）。
func (s *TaskStateStore) PendingRequired(tmpl *Template) []string {
	return s.pending(tmpl.RequiredKeys())
}

// PendingOptional 返回仍待收集的可选字段键。
func (s *TaskStateStore) PendingOptional(tmpl *Template) []string {
	return s.pending(tmpl.OptionalKeys())
}

func (s *TaskStateStore) pending(keys []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, key := range keys {
		if v, ok := s.fields[key]; !ok || v.Value == "" {
			out = append(out, key)
		}
	}
	return out
}
