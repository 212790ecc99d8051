package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// ============================================================================
// 五角色编排
// ============================================================================
//
// 工作流由五个固定角色接力推进，每个角色有确定的职责边界：
//
//   - 对话者: 面向用户的措辞，提出下一个问题或转述说明
//   - 提取器: 从用户回复中抽取机器字段键值，唯一的状态写入者
//   - 完整性检查器: 只读审视任务状态，判断必填字段是否齐备
//   - 确认分类器: 把确认阶段的用户回复分为确认/改需求/问细节三类
//   - 路由器: 决定下一个角色；终态只能由它宣告

// Role 工作流角色
type Role string

const (
	RoleConversationalist Role = "conversationalist"
	RoleExtractor         Role = "extractor"
	RoleCompleteness      Role = "completeness"
	RoleClassifier        Role = "classifier"
	RoleRouter            Role = "router"
)

// FieldSpec 是模板定义的一个需求字段。
type FieldSpec struct {
	// Key 是机器字段键，提取器以此为准输出
	Key      string `json:"key" yaml:"key"`
	Label    string `json:"label" yaml:"label"`
	Required bool   `json:"required" yaml:"required"`
}

// OutputSpec 是模板定义的一个产出项。
type OutputSpec struct {
	Name   string `json:"name" yaml:"name"`
	Kind   string `json:"kind" yaml:"kind"`
	Prompt string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
}

// Template 是一个工作流模板：字段需求与有序产出清单。
type Template struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description" yaml:"description"`
	Fields      []FieldSpec  `json:"fields" yaml:"fields"`
	Outputs     []OutputSpec `json:"outputs" yaml:"outputs"`
}

// RequiredKeys 返回全部必填字段键。
func (t *Template) RequiredKeys() []string {
	var out []string
	for _, f := range t.Fields {
		if f.Required {
			out = append(out, f.Key)
		}
	}
	return out
}

// OptionalKeys 返回全部可选字段键。
func (t *Template) OptionalKeys() []string {
	var out []string
	for _, f := range t.Fields {
		if !f.Required {
			out = append(out, f.Key)
		}
	}
	return out
}

// rolePrompt 为指定角色生成系统提示词。
// 提示词包含模板字段定义与当前任务状态快照，
// 让每个角色都基于同一份事实工作。
func rolePrompt(role Role, tmpl *Template, state *TaskStateStore) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "You are the %s role in a requirements-gathering workflow for %q.\n\n", role, tmpl.Name)

	sb.WriteString("Field definitions:\n")
	for _, f := range tmpl.Fields {
		req := "optional"
		if f.Required {
			req = "required"
		}
		fmt.Fprintf(&sb, "  - %s (%s): %s\n", f.Key, req, f.Label)
	}

	sb.WriteString("\nCurrent field values:\n")
	snap := state.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		sb.WriteString("  (none collected yet)\n")
	}
	for _, k := range keys {
		fmt.Fprintf(&sb, "  - %s: %s\n", k, snap[k])
	}
	sb.WriteString("\n")

	switch role {
	case RoleConversationalist:
		sb.WriteString("Write the next message to the user. Ask for the most important missing field, one topic at a time. Be brief and friendly. Never mention field keys or internal state.")
	case RoleExtractor:
		sb.WriteString("Extract field values from the user's latest reply. Output one line per extracted field in the exact form `KEY: value` using only the defined field keys. Output nothing else. If the reply contains no extractable values, output nothing.")
	case RoleCompleteness:
		sb.WriteString("Check whether every required field has a value. You must not modify any field. If all required fields are filled, output the single line [READY_FOR_CONFIRMATION]. Otherwise list the missing required field keys, one per line.")
	case RoleClassifier:
		sb.WriteString("Classify the user's reply to the confirmation request. Output exactly one of the following lines: [CONFIRMED] if the user approves, [REQUEST_CHANGES] if the user wants to change collected values, [REQUEST_CLARIFICATION] if the user is asking a question before deciding.")
	case RoleRouter:
		sb.WriteString("Decide the next step. Output [NEXT:<role>] to hand off, or [COMPLETE] only when all outputs have been executed and the workflow should terminate. No other role may terminate the workflow.")
	}

	return sb.String()
}

// parseExtractedFields 解析提取器输出的 `KEY: value` 行。
// 未定义的字段键被忽略。
func parseExtractedFields(output string, tmpl *Template) map[string]string {
	defined := make(map[string]struct{}, len(tmpl.Fields))
	for _, f := range tmpl.Fields {
		defined[f.Key] = struct{}{}
	}

	out := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := defined[key]; !ok {
			continue
		}
		out[key] = value
	}
	return out
}
