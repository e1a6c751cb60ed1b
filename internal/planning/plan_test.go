package planning

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPlanJSON() json.RawMessage {
	return json.RawMessage(`{
		"steps": [
			{"id": 1, "reasoning": "gather", "tasks": [
				{"id": "t1", "name": "fetch", "agent_id": "a-1", "inputs": "get the data"}
			]},
			{"id": 2, "tasks": [
				{"id": "t2", "name": "report", "agent_id": "a-2", "inputs": "write it up", "prerequisites": ["t1"]}
			]}
		]
	}`)
}

func TestDecodePlan(t *testing.T) {
	plan, err := DecodePlan(validPlanJSON())
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, StatusPending, plan.Steps[0].Tasks[0].Status, "unset status defaults to pending")
	assert.Equal(t, []string{"t1"}, plan.Steps[1].Tasks[0].Prerequisites)
}

func TestDecodePlanRejectsMalformedPayload(t *testing.T) {
	_, err := DecodePlan(json.RawMessage(`{"steps": [`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed plan payload")
}

func TestValidateRejectsEmptyPlan(t *testing.T) {
	plan := &Plan{}
	assert.ErrorContains(t, plan.Validate(), "no steps")
}

func TestValidateRejectsEmptyStep(t *testing.T) {
	plan := &Plan{Steps: []Step{{ID: 1}}}
	assert.ErrorContains(t, plan.Validate(), "no tasks")
}

func TestValidateRejectsDuplicateTaskIDs(t *testing.T) {
	plan := &Plan{Steps: []Step{
		{ID: 1, Tasks: []ExecutableTask{{ID: "t1", AgentID: "a-1"}}},
		{ID: 2, Tasks: []ExecutableTask{{ID: "t1", AgentID: "a-2"}}},
	}}
	assert.ErrorContains(t, plan.Validate(), "duplicate task id")
}

func TestValidateRejectsMissingAgent(t *testing.T) {
	plan := &Plan{Steps: []Step{{ID: 1, Tasks: []ExecutableTask{{ID: "t1"}}}}}
	assert.ErrorContains(t, plan.Validate(), "no agent id")
}

func TestValidateRejectsMissingTaskID(t *testing.T) {
	plan := &Plan{Steps: []Step{{ID: 1, Tasks: []ExecutableTask{{AgentID: "a-1"}}}}}
	assert.ErrorContains(t, plan.Validate(), "without an id")
}
