// Package directory provides the document-process configuration directory:
// process short-name → system prompt, generation settings, citation tuning.
package directory

import (
	"sort"
	"sync"

	"github.com/chatforge/chatforge/config"
	"go.uber.org/zap"
)

// Process 是一个文档流程的目录条目。
type Process struct {
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	SystemPrompt string  `json:"system_prompt"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
	CitationBias float64 `json:"citation_bias"`
}

// IndexDocument 是提供给意图检索合成索引的文档。
// ID 约定为 "process:<name>"，意图检测按此约定解析命中。
type IndexDocument struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Directory 是流程目录端口。
type Directory interface {
	// Get 按短名查找流程
	Get(name string) (*Process, bool)

	// List 返回所有流程（按名称排序）
	List() []Process
}

// StaticDirectory 是基于配置的目录实现。
type StaticDirectory struct {
	processes map[string]Process
	order     []string
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewStaticDirectory 从配置构建目录。
func NewStaticDirectory(configs []config.ProcessConfig, logger *zap.Logger) *StaticDirectory {
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &StaticDirectory{
		processes: make(map[string]Process, len(configs)),
		logger:    logger.With(zap.String("component", "process_directory")),
	}

	for _, pc := range configs {
		if pc.Name == "" {
			continue
		}
		d.processes[pc.Name] = Process{
			Name:         pc.Name,
			Description:  pc.Description,
			SystemPrompt: pc.SystemPrompt,
			Temperature:  pc.Temperature,
			MaxTokens:    pc.MaxTokens,
			CitationBias: pc.CitationBias,
		}
		d.order = append(d.order, pc.Name)
	}
	sort.Strings(d.order)

	d.logger.Info("process directory loaded", zap.Int("processes", len(d.order)))

	return d
}

// Get 按短名查找流程。
func (d *StaticDirectory) Get(name string) (*Process, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.processes[name]
	if !ok {
		return nil, false
	}
	return &p, true
}

// List 返回所有流程（按名称排序）。
func (d *StaticDirectory) List() []Process {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Process, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.processes[name])
	}
	return out
}

// IndexDocuments 返回用于意图检索合成索引的文档集。
func (d *StaticDirectory) IndexDocuments() []IndexDocument {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]IndexDocument, 0, len(d.order))
	for _, name := range d.order {
		p := d.processes[name]
		out = append(out, IndexDocument{
			ID:   "process:" + p.Name,
			Text: p.Description,
		})
	}
	return out
}
