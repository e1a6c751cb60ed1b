package planning

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab/internal/agents"
	"collab/internal/conversation"
	"collab/internal/events"
	"collab/internal/heartbeat"
	"collab/internal/team"
)

func newStepExecutor(t *testing.T, handler http.HandlerFunc) *StepExecutor {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	gateway := agents.NewGateway(agents.GatewayOptions{
		Host:        strings.TrimPrefix(srv.URL, "http://"),
		MaxAttempts: 1,
		Timeout:     5 * time.Second,
		RetryDelay:  time.Millisecond,
	})
	registry := agents.NewRegistry(gateway, []agents.Agent{
		{ID: "w1", Name: "alpha", Version: "v1"},
		{ID: "w2", Name: "beta", Version: "v1"},
	})
	executor := team.NewTaskExecutor(registry, heartbeat.Config{Period: time.Hour}, nil, nil)
	return NewStepExecutor(executor, nil, nil)
}

func TestExecuteStepRunsTasksConcurrently(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0
	stepExec := newStepExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		time.Sleep(50 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		fmt.Fprintf(w, `{"output_raw": "done by %s"}`, r.URL.Path)
	})

	step := &Step{ID: 1, Tasks: []ExecutableTask{
		{ID: "t1", AgentID: "w1", Inputs: "first half"},
		{ID: "t2", AgentID: "w2", Inputs: "second half"},
	}}
	conv := conversation.New()
	sink := events.NewCollector()

	err := stepExec.ExecuteStep(context.Background(), events.Meta{SessionID: "s1"}, step, false, conv, sink)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, peak, "both tasks of a step must run in parallel")

	assert.Equal(t, StatusComplete, step.Tasks[0].Status)
	assert.Equal(t, StatusComplete, step.Tasks[1].Status)

	_, ok := conv.ResultForTask("t1")
	assert.True(t, ok)
	_, ok = conv.ResultForTask("t2")
	assert.True(t, ok)

	types := sink.Types()
	assert.Equal(t, events.TypeStepExecutionStart, types[0])
	assert.Equal(t, events.TypeStepExecutionEnd, types[len(types)-1])
}

func TestExecuteStepFailedTaskKeepsSiblingResult(t *testing.T) {
	stepExec := newStepExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/beta/") {
			http.Error(w, "beta down", http.StatusInternalServerError)
			return
		}
		// The sibling finishes well after beta has already failed.
		time.Sleep(40 * time.Millisecond)
		fmt.Fprint(w, `{"output_raw": "alpha result"}`)
	})

	step := &Step{ID: 1, Tasks: []ExecutableTask{
		{ID: "t1", AgentID: "w1", Inputs: "works"},
		{ID: "t2", AgentID: "w2", Inputs: "breaks"},
	}}
	conv := conversation.New()
	sink := events.NewCollector()

	err := stepExec.ExecuteStep(context.Background(), events.Meta{SessionID: "s1"}, step, false, conv, sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "t2")

	assert.Equal(t, StatusComplete, step.Tasks[0].Status)
	assert.Equal(t, StatusFailed, step.Tasks[1].Status)

	// The completed sibling's output is preserved for later steps.
	content, ok := conv.ResultForTask("t1")
	require.True(t, ok)
	assert.Equal(t, "alpha result", content)

	assert.NotContains(t, sink.Types(), events.TypeStepExecutionEnd)
}

func TestExecuteStepPrerequisiteSnapshot(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	stepExec := newStepExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(buf))
		mu.Unlock()
		fmt.Fprint(w, `{"output_raw": "ok"}`)
	})

	conv := conversation.New()
	require.NoError(t, conv.AddResult(conversation.Item{TaskID: "t0", Content: "earlier result"}))

	step := &Step{ID: 2, Tasks: []ExecutableTask{
		{ID: "t1", AgentID: "w1", Inputs: "depends on t0", Prerequisites: []string{"t0"}},
	}}
	sink := events.NewCollector()
	require.NoError(t, stepExec.ExecuteStep(context.Background(), events.Meta{}, step, false, conv, sink))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "earlier result")
}
