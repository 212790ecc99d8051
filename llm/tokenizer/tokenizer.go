// Package tokenizer 提供统一的 token 计数能力，
// 用于检索上下文的 token 预算裁剪。
package tokenizer

// Tokenizer 是统一的 token 计数接口.
type Tokenizer interface {
	// CountTokens 返回给定文本的 token 数.
	CountTokens(text string) (int, error)

	// Name 返回分词器的名称.
	Name() string
}
