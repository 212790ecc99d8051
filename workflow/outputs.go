package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chatforge/chatforge/llm"
	"github.com/chatforge/chatforge/types"
)

// DocumentGenerator 是外部文档生成服务的端口。
// 成功时返回指向生成文档的引用链接。
type DocumentGenerator interface {
	Generate(ctx context.Context, name string, fields map[string]string) (string, error)
}

// outputKind 把模板里的产出类型字符串映射到已知类型。
func outputKind(kind string) types.OutputKind {
	switch types.OutputKind(kind) {
	case types.OutputTextSummary, types.OutputDocumentGeneration, types.OutputMcpToolInvocation:
		return types.OutputKind(kind)
	default:
		return types.OutputUnknown
	}
}

// executeOutputs 按模板顺序执行产出清单。
// 第一个失败即中止整批，返回该次失败的结构化记录。
func (a *Actor) executeOutputs(ctx context.Context) (results []string, outputErr *types.OutputError) {
	fields := a.state.Snapshot()

	for _, spec := range a.template.Outputs {
		kind := outputKind(spec.Kind)
		result, err := a.executeOutput(ctx, spec, kind, fields)
		if err != nil {
			a.logger.Error("output execution failed",
				zap.String("output", spec.Name),
				zap.String("kind", string(kind)),
				zap.Error(err))
			return results, &types.OutputError{
				OutputName: spec.Name,
				Kind:       kind,
				Message:    err.Error(),
				OccurredAt: time.Now(),
			}
		}
		results = append(results, result)
	}
	return results, nil
}

func (a *Actor) executeOutput(ctx context.Context, spec OutputSpec, kind types.OutputKind, fields map[string]string) (string, error) {
	switch kind {
	case types.OutputTextSummary:
		return a.generateTextSummary(ctx, spec, fields)

	case types.OutputDocumentGeneration:
		if a.docGen == nil {
			return "", fmt.Errorf("no document generator configured")
		}
		link, err := a.docGen.Generate(ctx, spec.Name, fields)
		if err != nil {
			return "", fmt.Errorf("generate document: %w", err)
		}
		return fmt.Sprintf("Document ready: %s", link), nil

	case types.OutputMcpToolInvocation:
		// MCP 工具调用尚未接入，降级为占位结果
		return fmt.Sprintf("[%s] Tool invocation is not available yet.", spec.Name), nil

	default:
		a.logger.Warn("unrecognized output kind, using placeholder result",
			zap.String("output", spec.Name),
			zap.String("kind", spec.Kind))
		return fmt.Sprintf("[%s] Output kind %q is not supported.", spec.Name, spec.Kind), nil
	}
}

func (a *Actor) generateTextSummary(ctx context.Context, spec OutputSpec, fields map[string]string) (string, error) {
	prompt := spec.Prompt
	if prompt == "" {
		prompt = "Write a concise summary of the collected requirements."
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %s\n", k, fields[k])
	}

	resp, err := a.provider.Completion(ctx, &llm.ChatRequest{
		Model: a.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: prompt},
			{Role: llm.RoleUser, Content: sb.String()},
		},
	})
	if err != nil {
		return "", fmt.Errorf("generate summary: %w", err)
	}
	return resp.Content, nil
}
