package types

import "time"

// WorkflowStatus is the execution status of an agentic workflow instance.
type WorkflowStatus string

const (
	WorkflowNotStarted             WorkflowStatus = "not_started"
	WorkflowCollectingRequirements WorkflowStatus = "collecting_requirements"
	WorkflowAwaitingConfirmation   WorkflowStatus = "awaiting_confirmation"
	WorkflowExecutingOutputs       WorkflowStatus = "executing_outputs"
	WorkflowCompleted              WorkflowStatus = "completed"
	WorkflowFailed                 WorkflowStatus = "failed"
	WorkflowCancelled              WorkflowStatus = "cancelled"
)

// IsTerminal returns true for states that accept no further messages.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	default:
		return false
	}
}

// OutputKind identifies a workflow output template entry.
type OutputKind string

const (
	OutputTextSummary        OutputKind = "text_summary"
	OutputDocumentGeneration OutputKind = "document_generation"
	OutputMcpToolInvocation  OutputKind = "mcp_tool_invocation"
	OutputUnknown            OutputKind = "unknown"
)

// OutputError is the structured record of one failed output execution.
type OutputError struct {
	OutputName string    `json:"output_name"`
	Kind       OutputKind `json:"kind"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// WorkflowState is the durable state of one agentic workflow instance.
type WorkflowState struct {
	TemplateID  string         `json:"template_id" gorm:"index;size:64"`
	SessionID   string         `json:"session_id" gorm:"primaryKey;size:64"`
	Status      WorkflowStatus `json:"status" gorm:"size:32"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`

	OutputErrors []OutputError `json:"output_errors,omitempty" gorm:"serializer:json"`
}
