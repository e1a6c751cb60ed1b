package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonrepair"

	"collab/internal/conversation"
	"collab/internal/events"
)

// Agent identifies one remote compute unit reachable through the gateway.
type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
}

// Endpoint returns the registry key form "name:version".
func (a Agent) Endpoint() string {
	return fmt.Sprintf("%s:%s", a.Name, a.Version)
}

// taskRequest is the payload sent to a task agent.
type taskRequest struct {
	SessionID     string                      `json:"session_id,omitempty"`
	TaskGoal      string                      `json:"task_goal"`
	PreRequisites []conversation.PreRequisite `json:"pre_requisites,omitempty"`
}

// TaskAgent binds an agent identity to the gateway for task execution.
type TaskAgent struct {
	Agent   Agent
	gateway *Gateway
}

// NewTaskAgent builds a task agent handle.
func NewTaskAgent(agent Agent, gateway *Gateway) *TaskAgent {
	return &TaskAgent{Agent: agent, gateway: gateway}
}

// PerformTask runs one task through the unary verb and decodes the terminal
// response.
func (a *TaskAgent) PerformTask(ctx context.Context, sessionID, instructions string, prereqs []conversation.PreRequisite) (*events.InvokeResponse, error) {
	raw, err := a.gateway.Invoke(ctx, a.Agent.Name, a.Agent.Version, taskRequest{
		SessionID:     sessionID,
		TaskGoal:      instructions,
		PreRequisites: prereqs,
	})
	if err != nil {
		return nil, err
	}
	var response events.InvokeResponse
	if err := UnmarshalLenient(raw, &response); err != nil {
		return nil, fmt.Errorf("decode response from agent %s: %w", a.Agent.Name, err)
	}
	return &response, nil
}

// PerformTaskStream runs one task through the server-streamed verb.
func (a *TaskAgent) PerformTaskStream(ctx context.Context, sessionID, instructions string, prereqs []conversation.PreRequisite) (<-chan StreamItem, error) {
	return a.gateway.InvokeSSE(ctx, a.Agent.Name, a.Agent.Version, taskRequest{
		SessionID:     sessionID,
		TaskGoal:      instructions,
		PreRequisites: prereqs,
	})
}

// UnmarshalLenient decodes agent JSON, repairing almost-valid output before
// giving up. Remote agents occasionally emit trailing commas or unquoted
// keys; repair keeps those from failing an otherwise successful task.
func UnmarshalLenient(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err == nil {
		return nil
	}
	repaired, repairErr := jsonrepair.JSONRepair(string(raw))
	if repairErr != nil {
		return fmt.Errorf("unparseable agent JSON: %w", repairErr)
	}
	return json.Unmarshal([]byte(repaired), v)
}
