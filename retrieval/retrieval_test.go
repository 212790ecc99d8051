package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSearcher struct {
	passages []Passage
	err      error
	gotRefs  []string
}

func (s *scriptedSearcher) Search(ctx context.Context, query string, referenceIDs []string, limit int) ([]Passage, error) {
	s.gotRefs = referenceIDs
	if s.err != nil {
		return nil, s.err
	}
	if limit > 0 && len(s.passages) > limit {
		return s.passages[:limit], nil
	}
	return s.passages, nil
}

// fixedTokenizer 每个段落固定计 10 token，便于断言预算裁剪。
type fixedTokenizer struct{}

func (fixedTokenizer) CountTokens(text string) (int, error) { return 10, nil }
func (fixedTokenizer) Name() string                         { return "fixed" }

func TestContextBuilder_JoinsPassagesWithSourceTags(t *testing.T) {
	searcher := &scriptedSearcher{passages: []Passage{
		{Source: "doc-a", Text: "first passage"},
		{Source: "", Text: "untagged passage"},
	}}
	b := NewContextBuilder(searcher, fixedTokenizer{}, 5, 0, nil)

	out, err := b.Build(context.Background(), "query", []string{"ref-1"})
	require.NoError(t, err)

	assert.Contains(t, out, "[doc-a]\nfirst passage")
	assert.Contains(t, out, "untagged passage")
	assert.Equal(t, []string{"ref-1"}, searcher.gotRefs)
}

func TestContextBuilder_BudgetDropsWholePassages(t *testing.T) {
	searcher := &scriptedSearcher{passages: []Passage{
		{Source: "a", Text: "one"},
		{Source: "b", Text: "two"},
		{Source: "c", Text: "three"},
	}}
	// 每段 10 token、预算 25：只有前两段进入上下文，第三段整段丢弃
	b := NewContextBuilder(searcher, fixedTokenizer{}, 5, 25, nil)

	out, err := b.Build(context.Background(), "query", nil)
	require.NoError(t, err)

	assert.Contains(t, out, "one")
	assert.Contains(t, out, "two")
	assert.NotContains(t, out, "three")
	assert.False(t, strings.HasSuffix(out, "\n\n"))
}

func TestContextBuilder_FirstPassageAlwaysKept(t *testing.T) {
	searcher := &scriptedSearcher{passages: []Passage{
		{Source: "a", Text: "oversized"},
	}}
	// 预算低于单段成本时仍保留第一段，避免空上下文
	b := NewContextBuilder(searcher, fixedTokenizer{}, 5, 5, nil)

	out, err := b.Build(context.Background(), "query", nil)
	require.NoError(t, err)
	assert.Contains(t, out, "oversized")
}

func TestContextBuilder_SearchErrorPropagates(t *testing.T) {
	searcher := &scriptedSearcher{err: errors.New("pipeline down")}
	b := NewContextBuilder(searcher, fixedTokenizer{}, 5, 0, nil)

	_, err := b.Build(context.Background(), "query", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline down")
}
