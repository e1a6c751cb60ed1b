package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWireFormat(t *testing.T) {
	meta := Meta{SessionID: "s1", Source: "collab:dev", RequestID: "r1"}
	encoded, err := Encode(TeamExecutionStart{Meta: meta, Goal: "summarize the report"})
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(encoded, "event: team-execution-start\ndata: "))
	require.True(t, strings.HasSuffix(encoded, "\n\n"))

	data := strings.TrimSuffix(strings.TrimPrefix(encoded, "event: team-execution-start\ndata: "), "\n\n")
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(data), &payload))
	assert.Equal(t, "s1", payload["session_id"])
	assert.Equal(t, "collab:dev", payload["source"])
	assert.Equal(t, "r1", payload["request_id"])
	assert.Equal(t, "summarize the report", payload["goal"])
}

func TestKeepaliveCarriesNoIdentity(t *testing.T) {
	encoded, err := Encode(Keepalive{Message: "connection alive"})
	require.NoError(t, err)
	assert.NotContains(t, encoded, "session_id")
	assert.Contains(t, encoded, "event: keepalive\n")
}

func TestEventTypes(t *testing.T) {
	cases := []struct {
		ev   Event
		want Type
	}{
		{TeamExecutionStart{}, TypeTeamExecutionStart},
		{ManagerResponse{}, TypeManagerResponse},
		{AgentRequest{}, TypeAgentRequest},
		{PlanApprovalPending{}, TypePlanApprovalPending},
		{StepExecutionEnd{}, TypeStepExecutionEnd},
		{PartialResponse{}, TypePartialResponse},
		{InvokeResponse{}, TypeFinalResponse},
		{ErrorResponse{}, TypeError},
		{AbortResult{}, TypeAbort},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.ev.Type())
	}
}

func TestTokenUsageAdd(t *testing.T) {
	total := TokenUsage{CompletionTokens: 5, PromptTokens: 10, TotalTokens: 15}
	total.Add(TokenUsage{CompletionTokens: 1, PromptTokens: 2, TotalTokens: 3})
	assert.Equal(t, TokenUsage{CompletionTokens: 6, PromptTokens: 12, TotalTokens: 18}, total)
}

func TestCollectorRecordsInOrder(t *testing.T) {
	c := NewCollector()
	require.NoError(t, c.Send(context.Background(), ManagerActionStart{Round: 0}))
	require.NoError(t, c.Send(context.Background(), ManagerActionEnd{Round: 0}))

	assert.Equal(t, []Type{TypeManagerActionStart, TypeManagerActionEnd}, c.Types())
}

func TestTeeStopsOnFirstError(t *testing.T) {
	sinkErr := errors.New("consumer gone")
	failing := SinkFunc(func(context.Context, Event) error { return sinkErr })
	second := NewCollector()

	err := Tee(failing, second).Send(context.Background(), Keepalive{})
	require.ErrorIs(t, err, sinkErr)
	assert.Empty(t, second.Events())
}

func TestSynchronizedAllowsConcurrentProducers(t *testing.T) {
	c := NewCollector()
	sink := Synchronized(c)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sink.Send(context.Background(), Keepalive{})
		}()
	}
	wg.Wait()
	assert.Len(t, c.Events(), 16)
}

func TestSynchronizedIsIdempotent(t *testing.T) {
	sink := Synchronized(NewCollector())
	assert.Same(t, sink, Synchronized(sink))
}
