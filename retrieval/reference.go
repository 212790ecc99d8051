package retrieval

import (
	"context"
	"regexp"
)

// 引用令牌的字面格式：#(Reference:<TypeName>:<GUID>)
var referencePattern = regexp.MustCompile(`#\(Reference:([A-Za-z0-9_]+):([0-9a-fA-F-]{36})\)`)

// HostedFileType 是外部托管文件的引用类型名。
// 该类型的引用在解析前会先推送一条"处理中"状态。
const HostedFileType = "HostedFile"

// ReferenceToken 是消息文本中出现的一个引用令牌。
type ReferenceToken struct {
	// Raw 是完整匹配子串，作为单条消息内的去重键。
	Raw      string
	TypeName string
	ID       string
}

// IsHostedFile 返回该引用是否指向外部托管文件。
func (t ReferenceToken) IsHostedFile() bool {
	return t.TypeName == HostedFileType
}

// ExtractReferenceTokens 提取文本中的引用令牌。
// 同一精确子串只返回一次：单条消息内每个引用最多解析一次。
func ExtractReferenceTokens(text string) []ReferenceToken {
	matches := referencePattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(matches))
	tokens := make([]ReferenceToken, 0, len(matches))
	for _, m := range matches {
		if _, dup := seen[m[0]]; dup {
			continue
		}
		seen[m[0]] = struct{}{}
		tokens = append(tokens, ReferenceToken{Raw: m[0], TypeName: m[1], ID: m[2]})
	}
	return tokens
}

// ResolvedReference 是解析完成的引用摘要。
type ResolvedReference struct {
	ID       string `json:"id"`
	TypeName string `json:"type_name"`
	Title    string `json:"title"`
	Summary  string `json:"summary,omitempty"`
}

// Resolver 是引用解析缓存的端口（外部协作者）。
type Resolver interface {
	Resolve(ctx context.Context, token ReferenceToken) (*ResolvedReference, error)
}
