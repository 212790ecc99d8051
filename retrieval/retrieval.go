// Package retrieval defines the retrieval/context collaborator ports and the
// token-budgeted context assembly used by message workers. The embedding and
// vector-search pipeline itself lives outside this service.
package retrieval

import (
	"context"
	"strings"

	"github.com/chatforge/chatforge/llm/tokenizer"
	"go.uber.org/zap"
)

// Passage 是检索返回的一个候选段落。
type Passage struct {
	Source string  `json:"source"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
}

// Searcher 是检索管线的端口：查询 + 受限引用集合 → 排序候选段落。
type Searcher interface {
	Search(ctx context.Context, query string, referenceIDs []string, limit int) ([]Passage, error)
}

// IntentHit 是意图检索的一个命中结果。
// ID 形如 "process:<name>"，由合成索引的文档标识约定。
type IntentHit struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// IntentIndex 是流程描述合成索引的向量检索端口。
type IntentIndex interface {
	Search(ctx context.Context, query string, threshold float64, limit int) ([]IntentHit, error)
}

// =============================================================================
// 上下文组装
// =============================================================================

// ContextBuilder 将排序候选段落组装为受 token 预算约束的上下文字符串。
type ContextBuilder struct {
	searcher Searcher
	tok      tokenizer.Tokenizer
	passages int
	budget   int
	logger   *zap.Logger
}

// NewContextBuilder 创建上下文组装器。
// passages 为候选段落上限（默认 5），budget 为 token 预算（<=0 表示不限）。
func NewContextBuilder(searcher Searcher, tok tokenizer.Tokenizer, passages, budget int, logger *zap.Logger) *ContextBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if passages <= 0 {
		passages = 5
	}
	if tok == nil {
		tok = tokenizer.NewEstimatorTokenizer()
	}
	return &ContextBuilder{
		searcher: searcher,
		tok:      tok,
		passages: passages,
		budget:   budget,
		logger:   logger.With(zap.String("component", "context_builder")),
	}
}

// Build 检索候选段落并拼接为上下文。
// 超出 token 预算的段落被整段丢弃，而不是截断到半句。
func (b *ContextBuilder) Build(ctx context.Context, query string, referenceIDs []string) (string, error) {
	passages, err := b.searcher.Search(ctx, query, referenceIDs, b.passages)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	used := 0
	kept := 0
	for _, p := range passages {
		count, err := b.tok.CountTokens(p.Text)
		if err != nil {
			// 计数失败时退化为不限预算
			count = 0
		}
		if b.budget > 0 && used+count > b.budget && kept > 0 {
			break
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		if p.Source != "" {
			sb.WriteString("[" + p.Source + "]\n")
		}
		sb.WriteString(p.Text)
		used += count
		kept++
	}

	b.logger.Debug("context assembled",
		zap.Int("candidates", len(passages)),
		zap.Int("kept", kept),
		zap.Int("tokens", used),
	)

	return sb.String(), nil
}
