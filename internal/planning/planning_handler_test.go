package planning

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab/internal/agents"
	"collab/internal/events"
	"collab/internal/heartbeat"
)

type plannerBackend struct {
	mu             sync.Mutex
	plannerOutput  string
	workerResponse string
	workerStatus   int
	workerCalls    int
	workerSSECalls int
}

func (b *plannerBackend) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		switch r.URL.Path {
		case "/planner/v1":
			fmt.Fprint(w, b.plannerOutput)
		case "/worker/v1":
			b.workerCalls++
			if b.workerStatus != 0 {
				http.Error(w, "worker failed", b.workerStatus)
				return
			}
			fmt.Fprint(w, b.workerResponse)
		case "/worker/v1/sse":
			b.workerSSECalls++
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprintf(w, "event: final-response\ndata: %s\n\n", b.workerResponse)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
		}
	})
}

func (b *plannerBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.workerCalls
}

func (b *plannerBackend) sseCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.workerSSECalls
}

type handlerFixture struct {
	handler *Handler
	backend *plannerBackend
	store   *MemoryStore
}

func newPlanningFixture(t *testing.T, backend *plannerBackend, hitl bool, approvalTimeout time.Duration) *handlerFixture {
	t.Helper()
	srv := httptest.NewServer(backend.handler(t))
	t.Cleanup(srv.Close)

	gateway := agents.NewGateway(agents.GatewayOptions{
		Host:        strings.TrimPrefix(srv.URL, "http://"),
		MaxAttempts: 1,
		Timeout:     5 * time.Second,
		RetryDelay:  time.Millisecond,
	})
	registry := agents.NewRegistry(gateway, []agents.Agent{{ID: "w1", Name: "worker", Version: "v1"}})
	store := NewMemoryStore()
	handler := NewHandler(HandlerOptions{
		Planner:         NewManager(agents.Agent{Name: "planner", Version: "v1"}, gateway, registry, nil),
		Registry:        registry,
		Store:           store,
		Broker:          NewResumeBroker(),
		Source:          "collab:test",
		HITLEnabled:     hitl,
		ApprovalTimeout: approvalTimeout,
		Beat:            heartbeat.Config{Period: time.Hour},
	})
	return &handlerFixture{handler: handler, backend: backend, store: store}
}

const twoStepPlanner = `{
	"can_succeed": true,
	"should_wait_for_user": true,
	"steps": [
		{"id": 1, "reasoning": "gather", "tasks": [
			{"id": "t1", "name": "fetch", "agent_id": "w1", "inputs": "get the data"}
		]},
		{"id": 2, "tasks": [
			{"id": "t2", "name": "report", "agent_id": "w1", "inputs": "write it up", "prerequisites": ["t1"]}
		]}
	]
}`

func waitForType(t *testing.T, sink *events.Collector, want events.Type) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, typ := range sink.Types() {
			if typ == want {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event %s never arrived; saw %v", want, sink.Types())
}

func TestPlanningExecutesWithoutApprovalGate(t *testing.T) {
	backend := &plannerBackend{
		plannerOutput:  twoStepPlanner,
		workerResponse: `{"output_raw": "step output"}`,
	}
	fx := newPlanningFixture(t, backend, false, 0)

	sink := events.NewCollector()
	fx.handler.Invoke(context.Background(), Request{SessionID: "s1", RequestID: "r1", UserInput: "do it"}, sink)

	want := []events.Type{
		events.TypePlanGenerationEnd,
		events.TypePlanExecutionStart,
		events.TypeStepExecutionStart,
		events.TypeAgentTaskStart,
		events.TypeAgentRequest,
		events.TypeFinalResponse,
		events.TypeAgentTaskEnd,
		events.TypeStepExecutionEnd,
		events.TypeStepExecutionStart,
		events.TypeAgentTaskStart,
		events.TypeAgentRequest,
		events.TypeFinalResponse,
		events.TypeAgentTaskEnd,
		events.TypeStepExecutionEnd,
		events.TypePlanExecutionEnd,
	}
	assert.Equal(t, want, sink.Types())
	assert.Equal(t, 2, backend.calls())
}

func TestPlanningInfeasibleGoal(t *testing.T) {
	backend := &plannerBackend{
		plannerOutput: `{"can_succeed": false, "reason": "no agent can browse the web"}`,
	}
	fx := newPlanningFixture(t, backend, false, 0)

	sink := events.NewCollector()
	fx.handler.Invoke(context.Background(), Request{SessionID: "s1", RequestID: "r1", UserInput: "browse"}, sink)

	recorded := sink.Events()
	require.Len(t, recorded, 1)
	failure, ok := recorded[0].(events.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnprocessableEntity, failure.StatusCode)
	assert.Equal(t, "Planning failed: no agent can browse the web", failure.Detail)
	assert.Zero(t, backend.calls())
}

func TestPlanningApproveResume(t *testing.T) {
	backend := &plannerBackend{
		plannerOutput:  twoStepPlanner,
		workerResponse: `{"output_raw": "step output"}`,
	}
	fx := newPlanningFixture(t, backend, true, time.Minute)

	initial := events.NewCollector()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fx.handler.Invoke(context.Background(), Request{SessionID: "s1", RequestID: "r1", UserInput: "do it"}, initial)
	}()
	waitForType(t, initial, events.TypePlanApprovalPending)

	resume := events.NewCollector()
	fx.handler.Invoke(context.Background(), Request{
		SessionID: "s1",
		RequestID: "r-resume",
		Resume:    &ResumeRequest{Kind: ResumeApprove},
	}, resume)

	types := resume.Types()
	require.NotEmpty(t, types)
	assert.Equal(t, events.TypePlanApproved, types[0])
	assert.Contains(t, types, events.TypePlanExecutionStart)
	assert.Equal(t, events.TypePlanExecutionEnd, types[len(types)-1])

	// Execution continues under the original request identity.
	approved, ok := resume.Events()[0].(events.PlanApproved)
	require.True(t, ok)
	assert.Equal(t, "r1", approved.RequestID)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("initial stream did not finish after the resume")
	}
	// The initial stream ends without running the plan itself.
	assert.NotContains(t, initial.Types(), events.TypePlanExecutionStart)
	assert.Equal(t, 2, backend.calls())
}

func TestPlanningResumeKeepsOriginalStreamingMode(t *testing.T) {
	backend := &plannerBackend{
		plannerOutput:  twoStepPlanner,
		workerResponse: `{"output_raw": "streamed output"}`,
	}
	fx := newPlanningFixture(t, backend, true, time.Minute)

	initial := events.NewCollector()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fx.handler.Invoke(context.Background(), Request{
			SessionID:    "s1",
			RequestID:    "r1",
			UserInput:    "do it",
			StreamTokens: true,
		}, initial)
	}()
	waitForType(t, initial, events.TypePlanApprovalPending)

	// The approve request carries no stream_tokens of its own; execution
	// still uses the mode the plan was generated with.
	resume := events.NewCollector()
	fx.handler.Invoke(context.Background(), Request{
		SessionID: "s1",
		RequestID: "r-resume",
		Resume:    &ResumeRequest{Kind: ResumeApprove},
	}, resume)

	types := resume.Types()
	require.NotEmpty(t, types)
	assert.Equal(t, events.TypePlanExecutionEnd, types[len(types)-1])
	assert.Equal(t, 2, backend.sseCalls(), "approved tasks must run on the streaming verb")
	assert.Zero(t, backend.calls(), "no task may fall back to the unary verb")
	<-done
}

func TestPlanningCancelResume(t *testing.T) {
	backend := &plannerBackend{plannerOutput: twoStepPlanner}
	fx := newPlanningFixture(t, backend, true, time.Minute)

	initial := events.NewCollector()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fx.handler.Invoke(context.Background(), Request{SessionID: "s1", RequestID: "r1", UserInput: "do it"}, initial)
	}()
	waitForType(t, initial, events.TypePlanApprovalPending)

	resume := events.NewCollector()
	fx.handler.Invoke(context.Background(), Request{
		SessionID: "s1",
		Resume:    &ResumeRequest{Kind: ResumeCancel},
	}, resume)

	assert.Equal(t, []events.Type{events.TypePlanCancelled}, resume.Types())
	<-done
	assert.Zero(t, backend.calls())

	// The pending plan was consumed; a second resume finds nothing.
	again := events.NewCollector()
	fx.handler.Invoke(context.Background(), Request{
		SessionID: "s1",
		Resume:    &ResumeRequest{Kind: ResumeApprove},
	}, again)
	failure, ok := again.Events()[0].(events.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, failure.StatusCode)
}

func TestPlanningEditResume(t *testing.T) {
	backend := &plannerBackend{
		plannerOutput:  twoStepPlanner,
		workerResponse: `{"output_raw": "edited output"}`,
	}
	fx := newPlanningFixture(t, backend, true, time.Minute)

	initial := events.NewCollector()
	go fx.handler.Invoke(context.Background(), Request{SessionID: "s1", RequestID: "r1", UserInput: "do it"}, initial)
	waitForType(t, initial, events.TypePlanApprovalPending)

	editedPlan := json.RawMessage(`{"steps": [
		{"id": 1, "tasks": [{"id": "e1", "agent_id": "w1", "inputs": "only this"}]}
	]}`)

	resume := events.NewCollector()
	fx.handler.Invoke(context.Background(), Request{
		SessionID: "s1",
		Resume:    &ResumeRequest{Kind: ResumeEdit, EditedPlan: editedPlan},
	}, resume)

	types := resume.Types()
	require.NotEmpty(t, types)
	assert.Equal(t, events.TypePlanEdited, types[0])
	assert.Equal(t, events.TypePlanExecutionEnd, types[len(types)-1])
	assert.Equal(t, 1, backend.calls(), "the edited single-task plan replaces the generated one")
}

func TestPlanningEditRejectsInvalidPlan(t *testing.T) {
	backend := &plannerBackend{plannerOutput: twoStepPlanner}
	fx := newPlanningFixture(t, backend, true, time.Minute)

	initial := events.NewCollector()
	go fx.handler.Invoke(context.Background(), Request{SessionID: "s1", RequestID: "r1", UserInput: "do it"}, initial)
	waitForType(t, initial, events.TypePlanApprovalPending)

	resume := events.NewCollector()
	fx.handler.Invoke(context.Background(), Request{
		SessionID: "s1",
		Resume:    &ResumeRequest{Kind: ResumeEdit, EditedPlan: json.RawMessage(`{"steps": []}`)},
	}, resume)

	failure, ok := resume.Events()[0].(events.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, failure.StatusCode)
	assert.Zero(t, backend.calls())
}

func TestPlanningApprovalTimeout(t *testing.T) {
	backend := &plannerBackend{plannerOutput: twoStepPlanner}
	fx := newPlanningFixture(t, backend, true, 50*time.Millisecond)

	sink := events.NewCollector()
	fx.handler.Invoke(context.Background(), Request{SessionID: "s1", RequestID: "r1", UserInput: "do it"}, sink)

	types := sink.Types()
	assert.Equal(t, events.TypePlanApprovalTimeout, types[len(types)-1])
	assert.Zero(t, backend.calls())

	// The timeout consumed the pending plan.
	_, err := fx.store.FetchAndDelete(context.Background(), "r1")
	assert.ErrorIs(t, err, ErrPendingNotFound)
}

func TestPlanningResumeWithoutPendingPlan(t *testing.T) {
	backend := &plannerBackend{plannerOutput: twoStepPlanner}
	fx := newPlanningFixture(t, backend, true, time.Minute)

	sink := events.NewCollector()
	fx.handler.Invoke(context.Background(), Request{
		SessionID: "ghost",
		Resume:    &ResumeRequest{Kind: ResumeApprove},
	}, sink)

	failure, ok := sink.Events()[0].(events.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, failure.StatusCode)
	assert.Equal(t, "no pending plan for session", failure.Detail)
}

func TestPlanningStepFailure(t *testing.T) {
	backend := &plannerBackend{
		plannerOutput: twoStepPlanner,
		workerStatus:  http.StatusInternalServerError,
	}
	fx := newPlanningFixture(t, backend, false, 0)

	sink := events.NewCollector()
	fx.handler.Invoke(context.Background(), Request{SessionID: "s1", RequestID: "r1", UserInput: "do it"}, sink)

	types := sink.Types()
	assert.NotContains(t, types, events.TypePlanExecutionEnd)

	errorCount := 0
	for _, ev := range sink.Events() {
		if failure, ok := ev.(events.ErrorResponse); ok {
			errorCount++
			assert.Equal(t, "An unexpected error occurred during step execution", failure.Detail)
			assert.Equal(t, "step", failure.Stage)
		}
	}
	assert.Equal(t, 1, errorCount, "a failed step reports exactly one error event")
	assert.Equal(t, 1, backend.calls(), "the second step never runs")
}
