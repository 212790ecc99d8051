package workflow

import (
	"regexp"
	"strings"
)

// ============================================================================
// 控制信号
// ============================================================================
//
// 角色通过输出中独占一行的方括号令牌传递控制信号。
// 信号行不会出现在展示给用户的文本里；嵌在普通句子中间的
// 方括号文本不会被当作信号。

var (
	nextPattern = regexp.MustCompile(`^\[NEXT:([A-Za-z_]+)\]$`)

	signalReady    = "[READY_FOR_CONFIRMATION]"
	signalConfirm  = "[CONFIRMED]"
	signalChanges  = "[REQUEST_CHANGES]"
	signalClarify  = "[REQUEST_CLARIFICATION]"
	signalComplete = "[COMPLETE]"
)

// Signal 是从一次角色输出中解析出的控制信号集合。
type Signal struct {
	// Next 是路由角色点名的下一个角色，空表示未指定
	Next Role
	// Ready 表示完整性检查认定必填字段齐备
	Ready bool
	// Confirmed / RequestChanges / RequestClarification 是确认分类器的裁决
	Confirmed            bool
	RequestChanges       bool
	RequestClarification bool
	// Complete 是路由角色的终止信号，唯一的终态授权
	Complete bool
}

// ParseSignals 解析角色输出：提取信号行，返回剩余的用户可见文本。
func ParseSignals(output string) (Signal, string) {
	var sig Signal
	var visible []string

	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == signalReady:
			sig.Ready = true
		case trimmed == signalConfirm:
			sig.Confirmed = true
		case trimmed == signalChanges:
			sig.RequestChanges = true
		case trimmed == signalClarify:
			sig.RequestClarification = true
		case trimmed == signalComplete:
			sig.Complete = true
		default:
			if m := nextPattern.FindStringSubmatch(trimmed); m != nil {
				sig.Next = Role(strings.ToLower(m[1]))
				continue
			}
			visible = append(visible, line)
		}
	}

	return sig, strings.TrimSpace(strings.Join(visible, "\n"))
}
