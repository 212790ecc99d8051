package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractReferenceTokens(t *testing.T) {
	text := "见 #(Reference:Contract:6ba7b810-9dad-11d1-80b4-00c04fd430c8) 与 " +
		"#(Reference:HostedFile:6ba7b811-9dad-11d1-80b4-00c04fd430c8)，" +
		"再次引用 #(Reference:Contract:6ba7b810-9dad-11d1-80b4-00c04fd430c8)。"

	tokens := ExtractReferenceTokens(text)
	require.Len(t, tokens, 2, "duplicate exact substring resolved at most once")

	assert.Equal(t, "Contract", tokens[0].TypeName)
	assert.False(t, tokens[0].IsHostedFile())
	assert.Equal(t, "HostedFile", tokens[1].TypeName)
	assert.True(t, tokens[1].IsHostedFile())
}

func TestExtractReferenceTokens_NoMatch(t *testing.T) {
	assert.Nil(t, ExtractReferenceTokens("plain text, no tokens"))
	assert.Nil(t, ExtractReferenceTokens("#(Reference:bad)"))
}

type fakeSearcher struct {
	passages []Passage
}

func (f *fakeSearcher) Search(_ context.Context, _ string, _ []string, limit int) ([]Passage, error) {
	if limit < len(f.passages) {
		return f.passages[:limit], nil
	}
	return f.passages, nil
}

func TestContextBuilder_Budget(t *testing.T) {
	searcher := &fakeSearcher{passages: []Passage{
		{Source: "doc-a", Text: "first passage with some words", Score: 0.9},
		{Source: "doc-b", Text: "second passage with some words", Score: 0.8},
		{Source: "doc-c", Text: "third passage that should not fit under a tight budget", Score: 0.7},
	}}

	// 预算只够前两段
	b := NewContextBuilder(searcher, nil, 5, 14, nil)
	out, err := b.Build(context.Background(), "q", nil)
	require.NoError(t, err)

	assert.Contains(t, out, "first passage")
	assert.Contains(t, out, "second passage")
	assert.NotContains(t, out, "third passage")
}

func TestContextBuilder_KeepsAtLeastOne(t *testing.T) {
	searcher := &fakeSearcher{passages: []Passage{
		{Source: "doc-a", Text: "a very long passage that alone exceeds any small budget we configure here", Score: 0.9},
	}}

	b := NewContextBuilder(searcher, nil, 5, 1, nil)
	out, err := b.Build(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Contains(t, out, "a very long passage")
}
