package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChatMessage_CompletionDependsOnSource(t *testing.T) {
	user := NewChatMessage("conv-1", SourceUser, "hi")
	assert.True(t, user.Completed, "user messages arrive complete")

	reply := NewChatMessage("conv-1", SourceAssistant, "")
	assert.False(t, reply.Completed, "assistant replies start streaming")
	assert.NotEqual(t, user.ID, reply.ID)
}

func TestChatMessage_AppendTextBumpsModifiedAt(t *testing.T) {
	m := NewChatMessage("conv-1", SourceAssistant, "")
	before := m.ModifiedAt

	time.Sleep(time.Millisecond)
	m.AppendText("Hel")
	m.AppendText("lo")

	assert.Equal(t, "Hello", m.Text)
	assert.True(t, m.ModifiedAt.After(before))

	m.MarkCompleted()
	assert.True(t, m.Completed)
}

func TestConversation_OrderedMessagesSortsByCreation(t *testing.T) {
	conv := NewConversation("research", "prompt")
	base := time.Now()

	older := *NewChatMessage(conv.ID, SourceUser, "first")
	older.CreatedAt = base.Add(-time.Minute)
	newer := *NewChatMessage(conv.ID, SourceAssistant, "second")
	newer.CreatedAt = base

	// 故意乱序插入
	conv.Messages = append(conv.Messages, newer, older)

	ordered := conv.OrderedMessages()
	require.Len(t, ordered, 2)
	assert.Equal(t, "first", ordered[0].Text)
	assert.Equal(t, "second", ordered[1].Text)
}

func TestConversation_UnsummarizedBefore(t *testing.T) {
	conv := NewConversation("research", "prompt")
	cutoff := time.Now()

	absorbed := *NewChatMessage(conv.ID, SourceUser, "absorbed")
	absorbed.CreatedAt = cutoff.Add(-time.Hour)
	absorbed.SummaryID = "sum-1"

	eligible := *NewChatMessage(conv.ID, SourceUser, "eligible")
	eligible.CreatedAt = cutoff.Add(-time.Hour)

	recent := *NewChatMessage(conv.ID, SourceUser, "recent")
	recent.CreatedAt = cutoff.Add(time.Hour)

	conv.Messages = append(conv.Messages, absorbed, eligible, recent)

	out := conv.UnsummarizedBefore(cutoff)
	require.Len(t, out, 1)
	assert.Equal(t, "eligible", out[0].Text)
}

func TestFlowSession_EngageAndSupersede(t *testing.T) {
	s := NewFlowSession("user-1")

	assert.True(t, s.EngageProcess("research"))
	assert.False(t, s.EngageProcess("research"), "re-engaging is a no-op")
	assert.Equal(t, []string{"research"}, s.EngagedProcesses)

	s.TrackBackend("conv-1")
	s.TrackBackend("conv-1")
	assert.Equal(t, []string{"conv-1"}, s.BackendConversationIDs)

	s.Supersede("msg-old", "msg-new")
	assert.Equal(t, "msg-new", s.Supersessions["msg-old"])
}
