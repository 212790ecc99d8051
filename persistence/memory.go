package persistence

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/chatforge/chatforge/types"
)

// MemoryStore 进程内实现，用于测试与单机运行。
// 读写都经过 JSON 深拷贝，调用方拿到的对象与存储内部不共享内存。
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string][]byte
	sessions      map[string][]byte
	workflows     map[string][]byte
	sessionUsers  map[string]string // session ID -> user ID
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string][]byte),
		sessions:      make(map[string][]byte),
		workflows:     make(map[string][]byte),
		sessionUsers:  make(map[string]string),
	}
}

// NewMemoryStores 返回三个端口均由同一个内存存储支撑的 Stores。
func NewMemoryStores() *Stores {
	m := NewMemoryStore()
	return &Stores{Conversations: m, Sessions: m, Workflows: m}
}

func (m *MemoryStore) SaveConversation(_ context.Context, conv *types.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[conv.ID] = data
	return nil
}

func (m *MemoryStore) GetConversation(_ context.Context, id string) (*types.Conversation, error) {
	m.mu.RLock()
	data, ok := m.conversations[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var conv types.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (m *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conversations, id)
	return nil
}

func (m *MemoryStore) SaveSession(_ context.Context, session *types.FlowSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = data
	m.sessionUsers[session.ID] = session.UserID
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*types.FlowSession, error) {
	m.mu.RLock()
	data, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var session types.FlowSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (m *MemoryStore) ListSessionsByUser(_ context.Context, userID string) ([]*types.FlowSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.FlowSession
	for id, uid := range m.sessionUsers {
		if uid != userID {
			continue
		}
		var session types.FlowSession
		if err := json.Unmarshal(m.sessions[id], &session); err != nil {
			return nil, err
		}
		out = append(out, &session)
	}
	return out, nil
}

func (m *MemoryStore) SaveWorkflow(_ context.Context, state *types.WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[state.SessionID] = data
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, sessionID string) (*types.WorkflowState, error) {
	m.mu.RLock()
	data, ok := m.workflows[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var state types.WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}
