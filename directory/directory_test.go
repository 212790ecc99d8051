package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatforge/chatforge/config"
)

func testConfigs() []config.ProcessConfig {
	return []config.ProcessConfig{
		{Name: "research", Description: "deep research", SystemPrompt: "You research.", Temperature: 0.2, MaxTokens: 2048},
		{Name: "drafting", Description: "long form drafting", SystemPrompt: "You draft.", Temperature: 0.7},
		{Description: "nameless entries are skipped"},
	}
}

func TestStaticDirectory_GetAndList(t *testing.T) {
	d := NewStaticDirectory(testConfigs(), nil)

	p, ok := d.Get("research")
	require.True(t, ok)
	assert.Equal(t, "You research.", p.SystemPrompt)
	assert.Equal(t, 2048, p.MaxTokens)

	_, ok = d.Get("missing")
	assert.False(t, ok)

	all := d.List()
	require.Len(t, all, 2)
	// 按名称排序
	assert.Equal(t, "drafting", all[0].Name)
	assert.Equal(t, "research", all[1].Name)
}

func TestStaticDirectory_GetReturnsCopy(t *testing.T) {
	d := NewStaticDirectory(testConfigs(), nil)

	p, ok := d.Get("research")
	require.True(t, ok)
	p.SystemPrompt = "mutated"

	again, _ := d.Get("research")
	assert.Equal(t, "You research.", again.SystemPrompt)
}

func TestStaticDirectory_IndexDocuments(t *testing.T) {
	d := NewStaticDirectory(testConfigs(), nil)

	docs := d.IndexDocuments()
	require.Len(t, docs, 2)
	assert.Equal(t, "process:drafting", docs[0].ID)
	assert.Equal(t, "long form drafting", docs[0].Text)
	assert.Equal(t, "process:research", docs[1].ID)
}
