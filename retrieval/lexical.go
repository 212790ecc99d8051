package retrieval

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// =============================================================================
// 🔍 词法检索回退实现
// =============================================================================
// 向量检索管线是外部协作者；未接入时用词法近似兜底：
// 意图检索按查询词覆盖率打分，上下文检索按同样的覆盖率排序段落。
// =============================================================================

var termPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// tokenizeTerms 将文本切分为小写词项集合，丢弃单字符词项。
func tokenizeTerms(text string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, t := range termPattern.FindAllString(strings.ToLower(text), -1) {
		if len(t) < 2 {
			continue
		}
		terms[t] = struct{}{}
	}
	return terms
}

// coverage 返回查询词项被文档词项覆盖的比例（0~1）。
func coverage(query, doc map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	hit := 0
	for t := range query {
		if _, ok := doc[t]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(query))
}

// IndexedDocument 是加入词法意图索引的一份文档。
type IndexedDocument struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type lexicalDoc struct {
	id    string
	terms map[string]struct{}
}

// LexicalIntentIndex 是 IntentIndex 的进程内词法实现。
type LexicalIntentIndex struct {
	docs   []lexicalDoc
	logger *zap.Logger
}

// NewLexicalIntentIndex 从文档集构建索引。
func NewLexicalIntentIndex(docs []IndexedDocument, logger *zap.Logger) *LexicalIntentIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	idx := &LexicalIntentIndex{
		logger: logger.With(zap.String("component", "lexical_intent_index")),
	}
	for _, d := range docs {
		idx.docs = append(idx.docs, lexicalDoc{id: d.ID, terms: tokenizeTerms(d.Text)})
	}
	idx.logger.Info("lexical intent index built", zap.Int("documents", len(idx.docs)))
	return idx
}

// Search 按查询词覆盖率对文档打分，返回不低于阈值的命中（降序）。
func (x *LexicalIntentIndex) Search(ctx context.Context, query string, threshold float64, limit int) ([]IntentHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	queryTerms := tokenizeTerms(query)
	hits := make([]IntentHit, 0, len(x.docs))
	for _, d := range x.docs {
		score := coverage(queryTerms, d.terms)
		if score >= threshold && score > 0 {
			hits = append(hits, IntentHit{ID: d.id, Score: score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// LexicalSearcher 是 Searcher 的进程内词法实现。
// 段落由外部灌入（Add），查询时按查询词覆盖率排序。
type LexicalSearcher struct {
	mu       sync.RWMutex
	passages []struct {
		passage Passage
		terms   map[string]struct{}
	}
	logger *zap.Logger
}

// NewLexicalSearcher 创建空的词法检索器。
func NewLexicalSearcher(logger *zap.Logger) *LexicalSearcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LexicalSearcher{
		logger: logger.With(zap.String("component", "lexical_searcher")),
	}
}

// Add 加入一个可检索段落。
func (s *LexicalSearcher) Add(source, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passages = append(s.passages, struct {
		passage Passage
		terms   map[string]struct{}
	}{
		passage: Passage{Source: source, Text: text},
		terms:   tokenizeTerms(text),
	})
}

// Search 返回覆盖率最高的前 limit 个段落，零分段落被丢弃。
func (s *LexicalSearcher) Search(ctx context.Context, query string, referenceIDs []string, limit int) ([]Passage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	queryTerms := tokenizeTerms(query)
	out := make([]Passage, 0, len(s.passages))
	for _, p := range s.passages {
		score := coverage(queryTerms, p.terms)
		if score <= 0 {
			continue
		}
		scored := p.passage
		scored.Score = score
		out = append(out, scored)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PassthroughResolver 是 Resolver 的占位实现：不访问外部解析缓存，
// 直接把令牌本身回显为已解析引用。生产部署应注入真实解析服务。
type PassthroughResolver struct{}

// Resolve 返回令牌的回显摘要。
func (PassthroughResolver) Resolve(ctx context.Context, token ReferenceToken) (*ResolvedReference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &ResolvedReference{
		ID:       token.ID,
		TypeName: token.TypeName,
		Title:    token.TypeName + " " + token.ID,
	}, nil
}
