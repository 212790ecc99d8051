package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatforge/chatforge/config"
	"github.com/chatforge/chatforge/types"
)

func newSQLiteStore(t *testing.T) *GormStore {
	t.Helper()
	store, err := NewGormStore(config.DatabaseConfig{
		Driver: "sqlite",
		Name:   ":memory:",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestGormStore_ConversationRoundTrip(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	conv := types.NewConversation("research", "system prompt")
	conv.ReferenceIDs = []string{"ref-1"}
	conv.Messages = append(conv.Messages,
		*types.NewChatMessage(conv.ID, types.SourceUser, "question"),
		*types.NewChatMessage(conv.ID, types.SourceAssistant, "answer"),
	)
	require.NoError(t, store.SaveConversation(ctx, conv))

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "research", got.ProcessName)
	assert.Len(t, got.Messages, 2)
	assert.Equal(t, []string{"ref-1"}, got.ReferenceIDs)
}

func TestGormStore_SaveIsUpsert(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	session := types.NewFlowSession("alice")
	require.NoError(t, store.SaveSession(ctx, session))

	session.EngageProcess("research")
	session.QueryCount = 3
	require.NoError(t, store.SaveSession(ctx, session))

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.QueryCount)
	assert.Equal(t, []string{"research"}, got.EngagedProcesses)
}

func TestGormStore_DeleteConversation(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	conv := types.NewConversation("research", "")
	conv.Messages = append(conv.Messages, *types.NewChatMessage(conv.ID, types.SourceUser, "hi"))
	require.NoError(t, store.SaveConversation(ctx, conv))
	require.NoError(t, store.DeleteConversation(ctx, conv.ID))

	_, err := store.GetConversation(ctx, conv.ID)
	assert.True(t, IsNotFound(err))
}

func TestGormStore_WorkflowUpsert(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	state := &types.WorkflowState{
		TemplateID: "template-1",
		SessionID:  "session-1",
		Status:     types.WorkflowNotStarted,
	}
	require.NoError(t, store.SaveWorkflow(ctx, state))

	state.Status = types.WorkflowFailed
	state.OutputErrors = []types.OutputError{{OutputName: "summary", Kind: types.OutputTextSummary, Message: "provider error"}}
	require.NoError(t, store.SaveWorkflow(ctx, state))

	got, err := store.GetWorkflow(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowFailed, got.Status)
	require.Len(t, got.OutputErrors, 1)
	assert.Equal(t, "summary", got.OutputErrors[0].OutputName)
}
