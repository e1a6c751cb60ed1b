// Package events defines the wire-level event union emitted by the
// orchestration handlers and its SSE encoding. Every event except the
// keepalive carries the session/source/request identity triple so a client
// can demultiplex interleaved streams.
package events

import (
	"encoding/json"
	"fmt"
)

// Type names an event on the wire. The SSE `event:` field carries this value
// and clients use it to decode the payload.
type Type string

const (
	TypeTeamExecutionStart  Type = "team-execution-start"
	TypeTeamExecutionEnd    Type = "team-execution-end"
	TypeManagerActionStart  Type = "manager-action-start"
	TypeManagerActionEnd    Type = "manager-action-end"
	TypeManagerResponse     Type = "manager-response"
	TypeAgentRequest        Type = "agent-request"
	TypeAgentTaskStart      Type = "agent-task-start"
	TypeAgentTaskEnd        Type = "agent-task-end"
	TypePlanGenerationEnd   Type = "plan-generation-end"
	TypePlanApprovalPending Type = "plan-approval-pending"
	TypePlanApproved        Type = "plan-approved"
	TypePlanEdited          Type = "plan-edited"
	TypePlanCancelled       Type = "plan-cancelled"
	TypePlanApprovalTimeout Type = "plan-approval-timeout"
	TypePlanExecutionStart  Type = "plan-execution-start"
	TypePlanExecutionEnd    Type = "plan-execution-end"
	TypeStepExecutionStart  Type = "step-execution-start"
	TypeStepExecutionEnd    Type = "step-execution-end"
	TypePartialResponse     Type = "partial-response"
	TypeFinalResponse       Type = "final-response"
	TypeError               Type = "error"
	TypeAbort               Type = "abort-result"
	TypeKeepalive           Type = "keepalive"
)

// Event is implemented by every wire-level event variant.
type Event interface {
	Type() Type
}

// Meta carries the identity fields present on every event except keepalive.
type Meta struct {
	SessionID string `json:"session_id"`
	Source    string `json:"source"`
	RequestID string `json:"request_id"`
}

// TokenUsage reports token consumption for a single agent invocation.
type TokenUsage struct {
	CompletionTokens int `json:"completion_tokens"`
	PromptTokens     int `json:"prompt_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates usage from another invocation.
func (u *TokenUsage) Add(other TokenUsage) {
	u.CompletionTokens += other.CompletionTokens
	u.PromptTokens += other.PromptTokens
	u.TotalTokens += other.TotalTokens
}

// TeamExecutionStart opens a manager-delegation run.
type TeamExecutionStart struct {
	Meta
	Goal string `json:"goal"`
}

// TeamExecutionEnd closes a manager-delegation run. It is emitted on every
// terminal path, success or failure, so telemetry spans close cleanly.
type TeamExecutionEnd struct {
	Meta
}

// ManagerActionStart brackets the beginning of one manager decision round.
type ManagerActionStart struct {
	Meta
	Round int `json:"round"`
}

// ManagerActionEnd brackets the end of one manager decision round, after the
// chosen action has been executed.
type ManagerActionEnd struct {
	Meta
	Round      int    `json:"round"`
	ActionType string `json:"action_type"`
}

// ManagerResponse reports the decision the manager agent made for a round.
type ManagerResponse struct {
	Meta
	Round      int        `json:"round"`
	ActionType string     `json:"action_type"`
	Reasoning  string     `json:"reasoning,omitempty"`
	TokenUsage TokenUsage `json:"token_usage"`
}

// AgentRequest announces that a task is being dispatched to an agent.
type AgentRequest struct {
	Meta
	TaskID    string `json:"task_id"`
	AgentName string `json:"agent_name"`
	TaskGoal  string `json:"task_goal"`
}

// AgentTaskStart brackets the beginning of one task execution.
type AgentTaskStart struct {
	Meta
	TaskID    string `json:"task_id"`
	AgentName string `json:"agent_name"`
}

// AgentTaskEnd brackets the end of one task execution.
type AgentTaskEnd struct {
	Meta
	TaskID    string `json:"task_id"`
	AgentName string `json:"agent_name"`
}

// PlanGenerationEnd reports a generated plan that requires no approval.
type PlanGenerationEnd struct {
	Meta
	Plan any `json:"plan"`
}

// PlanApprovalPending reports a generated plan now awaiting a human decision.
type PlanApprovalPending struct {
	Meta
	Plan any `json:"plan"`
}

// PlanApproved reports that a pending plan was approved unchanged.
type PlanApproved struct {
	Meta
}

// PlanEdited reports that a pending plan was replaced by a user-submitted one.
type PlanEdited struct {
	Meta
	Plan any `json:"plan"`
}

// PlanCancelled reports that a pending plan was cancelled before execution.
type PlanCancelled struct {
	Meta
}

// PlanApprovalTimeout reports that the approval window elapsed with no
// decision. This is an expected outcome, not an error.
type PlanApprovalTimeout struct {
	Meta
}

// PlanExecutionStart opens execution of an (approved) plan.
type PlanExecutionStart struct {
	Meta
	Plan any `json:"plan"`
}

// PlanExecutionEnd closes execution of a plan after all steps completed.
type PlanExecutionEnd struct {
	Meta
}

// StepExecutionStart brackets the beginning of one plan step.
type StepExecutionStart struct {
	Meta
	StepID    int    `json:"step_id"`
	Reasoning string `json:"reasoning,omitempty"`
}

// StepExecutionEnd brackets the end of one plan step.
type StepExecutionEnd struct {
	Meta
	StepID int `json:"step_id"`
}

// PartialResponse carries one streamed token chunk from an agent.
type PartialResponse struct {
	Meta
	OutputPartial string `json:"output_partial"`
}

// InvokeResponse is the terminal success event of an invocation.
type InvokeResponse struct {
	Meta
	TokenUsage TokenUsage `json:"token_usage"`
	OutputRaw  string     `json:"output_raw"`
}

// ErrorResponse is the terminal failure event of an invocation. Stage and
// TaskID give enough context to diagnose without a stack trace.
type ErrorResponse struct {
	Meta
	StatusCode int    `json:"status_code"`
	Detail     string `json:"detail"`
	Stage      string `json:"stage,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
}

// AbortResult is the terminal event of a graceful manager-initiated abort.
// It is not an error: the manager judged the goal unachievable.
type AbortResult struct {
	Meta
	AbortReason string `json:"abort_reason"`
}

// Keepalive is a synthetic progress event emitted while a remote call is
// outstanding. Clients that do not need it may ignore it, but it still
// resets any client-side read timeout.
type Keepalive struct {
	Message string `json:"message"`
}

func (TeamExecutionStart) Type() Type  { return TypeTeamExecutionStart }
func (TeamExecutionEnd) Type() Type    { return TypeTeamExecutionEnd }
func (ManagerActionStart) Type() Type  { return TypeManagerActionStart }
func (ManagerActionEnd) Type() Type    { return TypeManagerActionEnd }
func (ManagerResponse) Type() Type     { return TypeManagerResponse }
func (AgentRequest) Type() Type        { return TypeAgentRequest }
func (AgentTaskStart) Type() Type      { return TypeAgentTaskStart }
func (AgentTaskEnd) Type() Type        { return TypeAgentTaskEnd }
func (PlanGenerationEnd) Type() Type   { return TypePlanGenerationEnd }
func (PlanApprovalPending) Type() Type { return TypePlanApprovalPending }
func (PlanApproved) Type() Type        { return TypePlanApproved }
func (PlanEdited) Type() Type          { return TypePlanEdited }
func (PlanCancelled) Type() Type       { return TypePlanCancelled }
func (PlanApprovalTimeout) Type() Type { return TypePlanApprovalTimeout }
func (PlanExecutionStart) Type() Type  { return TypePlanExecutionStart }
func (PlanExecutionEnd) Type() Type    { return TypePlanExecutionEnd }
func (StepExecutionStart) Type() Type  { return TypeStepExecutionStart }
func (StepExecutionEnd) Type() Type    { return TypeStepExecutionEnd }
func (PartialResponse) Type() Type     { return TypePartialResponse }
func (InvokeResponse) Type() Type      { return TypeFinalResponse }
func (ErrorResponse) Type() Type       { return TypeError }
func (AbortResult) Type() Type         { return TypeAbort }
func (Keepalive) Type() Type           { return TypeKeepalive }

// Encode serializes an event into the SSE wire format:
//
//	event: <type>\ndata: <json>\n\n
func Encode(ev Event) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal %s event: %w", ev.Type(), err)
	}
	return fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type(), data), nil
}
