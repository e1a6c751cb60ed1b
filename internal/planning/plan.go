// Package planning implements the plan-then-execute coordination strategy,
// including the human-in-the-loop approval gate with its persisted,
// time-boxed pending state.
package planning

import (
	"encoding/json"
	"fmt"
)

// TaskStatus tracks one task through plan execution.
type TaskStatus string

const (
	StatusPending  TaskStatus = "pending"
	StatusRunning  TaskStatus = "running"
	StatusComplete TaskStatus = "complete"
	StatusFailed   TaskStatus = "failed"
)

// ExecutableTask is one unit of work inside a plan step.
type ExecutableTask struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Reasoning        string     `json:"reasoning,omitempty"`
	AgentID          string     `json:"agent_id"`
	Inputs           string     `json:"inputs"`
	Critique         string     `json:"critique,omitempty"`
	OutputsToPersist []string   `json:"outputs_to_persist,omitempty"`
	Status           TaskStatus `json:"status"`
	Prerequisites    []string   `json:"prerequisites,omitempty"`
}

// Step is an ordered group of tasks executed together.
type Step struct {
	ID        int              `json:"id"`
	Reasoning string           `json:"reasoning,omitempty"`
	Tasks     []ExecutableTask `json:"tasks"`
}

// Plan is the ordered sequence of steps for one goal. Structurally immutable
// once generated; only task statuses transition, except under a HITL edit
// which replaces the whole plan from a validated user submission.
type Plan struct {
	Steps []Step `json:"steps"`
}

// DecodePlan reconstructs and validates a user-submitted plan payload, as
// arrives on the HITL edit path. A malformed payload is a contract
// violation reported to the caller, never silently accepted.
func DecodePlan(raw json.RawMessage) (*Plan, error) {
	var plan Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("malformed plan payload: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// Validate checks the structural invariants a plan must satisfy before
// execution.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	seen := make(map[string]struct{})
	for i := range p.Steps {
		step := &p.Steps[i]
		if len(step.Tasks) == 0 {
			return fmt.Errorf("step %d has no tasks", step.ID)
		}
		for j := range step.Tasks {
			task := &step.Tasks[j]
			if task.ID == "" {
				return fmt.Errorf("step %d contains a task without an id", step.ID)
			}
			if _, dup := seen[task.ID]; dup {
				return fmt.Errorf("duplicate task id: %s", task.ID)
			}
			seen[task.ID] = struct{}{}
			if task.AgentID == "" {
				return fmt.Errorf("task %s has no agent id", task.ID)
			}
			if task.Status == "" {
				task.Status = StatusPending
			}
		}
	}
	return nil
}
