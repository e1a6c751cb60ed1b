// Package team implements the manager-delegation coordination strategy: a
// decision agent picks, round by round, which task to delegate next until it
// can provide a final answer or must abort.
package team

import (
	"context"
	"fmt"

	"collab/internal/agents"
	"collab/internal/conversation"
	"collab/internal/events"
	"collab/internal/observability"
)

// ActionType discriminates the manager's decision on the wire.
type ActionType string

const (
	ActionAssignNewTask ActionType = "assign_new_task"
	ActionProvideResult ActionType = "provide_result"
	ActionAbort         ActionType = "abort"
)

// Action is the closed union of manager decisions. Only the three variants
// in this package implement it.
type Action interface {
	ActionType() ActionType
}

// AssignNewTask delegates one task to a named agent.
type AssignNewTask struct {
	TaskID        string
	AgentID       string
	AgentName     string
	Inputs        string
	Reasoning     string
	Prerequisites []string
}

// ProvideResult ends the run with a final answer.
type ProvideResult struct {
	Content   string
	Reasoning string
}

// Abort ends the run because the manager judged the goal unachievable.
type Abort struct {
	Reason string
}

func (AssignNewTask) ActionType() ActionType { return ActionAssignNewTask }
func (ProvideResult) ActionType() ActionType { return ActionProvideResult }
func (Abort) ActionType() ActionType         { return ActionAbort }

// ManagerOutput is the manager's decision for one round.
type ManagerOutput struct {
	Action     Action
	TokenUsage events.TokenUsage
}

// UnknownActionError reports a discriminator value outside the action
// union. This is a data-contract violation and fails the round loudly.
type UnknownActionError struct {
	Value string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown manager action: %q", e.Value)
}

// managerRequest is the payload sent to the manager agent.
type managerRequest struct {
	Goal         string              `json:"goal"`
	Agents       []agents.Agent      `json:"agents"`
	Conversation []conversation.Item `json:"conversation"`
}

// managerWire is the flattened response shape the manager agent produces.
type managerWire struct {
	Action        string            `json:"action"`
	TaskID        string            `json:"task_id"`
	AgentID       string            `json:"agent_id"`
	AgentName     string            `json:"agent_name"`
	Inputs        string            `json:"inputs"`
	Reasoning     string            `json:"reasoning"`
	Prerequisites []string          `json:"prerequisites"`
	Content       string            `json:"content"`
	Reason        string            `json:"reason"`
	TokenUsage    events.TokenUsage `json:"token_usage"`
}

// ManagerAgent asks the decision agent what to do next and decodes the
// answer into the action union.
type ManagerAgent struct {
	agent   agents.Agent
	gateway *agents.Gateway
	logger  *observability.Logger
}

// NewManagerAgent builds the decision adapter.
func NewManagerAgent(agent agents.Agent, gateway *agents.Gateway, logger *observability.Logger) *ManagerAgent {
	if logger == nil {
		logger = observability.Nop()
	}
	return &ManagerAgent{agent: agent, gateway: gateway, logger: logger}
}

// DetermineNextAction asks the manager for the next action given the goal,
// the available agents and the conversation so far. Transport failures
// propagate unmodified; the gateway already performed its bounded retry.
func (m *ManagerAgent) DetermineNextAction(ctx context.Context, goal string, available []agents.Agent, history []conversation.Item) (*ManagerOutput, error) {
	raw, err := m.gateway.Invoke(ctx, m.agent.Name, m.agent.Version, managerRequest{
		Goal:         goal,
		Agents:       available,
		Conversation: history,
	})
	if err != nil {
		return nil, err
	}

	var wire managerWire
	if err := agents.UnmarshalLenient(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode manager response: %w", err)
	}

	var action Action
	switch ActionType(wire.Action) {
	case ActionAssignNewTask:
		action = AssignNewTask{
			TaskID:        wire.TaskID,
			AgentID:       wire.AgentID,
			AgentName:     wire.AgentName,
			Inputs:        wire.Inputs,
			Reasoning:     wire.Reasoning,
			Prerequisites: wire.Prerequisites,
		}
	case ActionProvideResult:
		action = ProvideResult{Content: wire.Content, Reasoning: wire.Reasoning}
	case ActionAbort:
		action = Abort{Reason: wire.Reason}
	default:
		return nil, &UnknownActionError{Value: wire.Action}
	}

	m.logger.Debug("manager decided next action", "action", wire.Action)
	return &ManagerOutput{Action: action, TokenUsage: wire.TokenUsage}, nil
}
