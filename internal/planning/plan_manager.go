package planning

import (
	"context"
	"encoding/json"
	"fmt"

	"collab/internal/agents"
	"collab/internal/conversation"
	"collab/internal/events"
	"collab/internal/observability"
)

// InfeasibleError reports the planning agent's own judgment that the goal
// cannot succeed. It is an expected, reported condition carrying the
// agent's stated reason, not a transport fault.
type InfeasibleError struct {
	Reason string
}

func (e *InfeasibleError) Error() string {
	return fmt.Sprintf("planning infeasible: %s", e.Reason)
}

// planRequest is the payload sent to the planning agent.
type planRequest struct {
	RequestID    string              `json:"request_id"`
	UserInput    string              `json:"user_input"`
	Agents       []agents.Agent      `json:"agents"`
	Conversation []conversation.Item `json:"conversation,omitempty"`
}

// planWire is the planning agent's response shape.
type planWire struct {
	CanSucceed        bool              `json:"can_succeed"`
	Reason            string            `json:"reason,omitempty"`
	ShouldWaitForUser bool              `json:"should_wait_for_user"`
	Steps             []Step            `json:"steps"`
	TokenUsage        events.TokenUsage `json:"token_usage"`
}

// Manager generates a complete plan for a goal through the planning agent.
type Manager struct {
	agent    agents.Agent
	gateway  *agents.Gateway
	registry *agents.Registry
	logger   *observability.Logger
}

// NewManager builds the plan-generation adapter.
func NewManager(agent agents.Agent, gateway *agents.Gateway, registry *agents.Registry, logger *observability.Logger) *Manager {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Manager{agent: agent, gateway: gateway, registry: registry, logger: logger}
}

// GeneratePlan asks the planning agent for a plan. An infeasible goal
// surfaces as *InfeasibleError; any other failure is a transport or
// contract fault.
func (m *Manager) GeneratePlan(ctx context.Context, requestID, userInput string, history []conversation.Item) (*Plan, events.TokenUsage, bool, error) {
	raw, err := m.gateway.Invoke(ctx, m.agent.Name, m.agent.Version, planRequest{
		RequestID:    requestID,
		UserInput:    userInput,
		Agents:       m.registry.Agents(),
		Conversation: history,
	})
	if err != nil {
		return nil, events.TokenUsage{}, false, err
	}

	var wire planWire
	if err := agents.UnmarshalLenient(raw, &wire); err != nil {
		return nil, events.TokenUsage{}, false, fmt.Errorf("decode planner response: %w", err)
	}
	if !wire.CanSucceed {
		return nil, wire.TokenUsage, false, &InfeasibleError{Reason: wire.Reason}
	}

	plan := &Plan{Steps: wire.Steps}
	if err := plan.Validate(); err != nil {
		return nil, wire.TokenUsage, false, fmt.Errorf("planner produced an invalid plan: %w", err)
	}

	m.logger.Info("plan generated", "request_id", requestID, "steps", len(plan.Steps), "wait_for_user", wire.ShouldWaitForUser)
	return plan, wire.TokenUsage, wire.ShouldWaitForUser, nil
}

// encodePlan renders a plan for event payloads; events carry the plan as
// decoded JSON so the SSE layer emits it inline.
func encodePlan(plan *Plan) any {
	data, err := json.Marshal(plan)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
