package team

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"collab/internal/agents"
	"collab/internal/conversation"
	"collab/internal/events"
	"collab/internal/heartbeat"
	"collab/internal/observability"
)

// Assignment describes one task dispatch: who runs what, under which
// request identity, and whether token chunks are streamed back.
type Assignment struct {
	Meta          events.Meta
	TaskID        string
	AgentRef      string   // "name" or "name:version"
	AgentID       string   // set when the task references an agent by id
	Instructions  string
	Prerequisites []string // parent task ids; nil exposes every recorded result
	Round         int
	StreamTokens  bool
}

// TaskExecutor invokes exactly one task through an agent, emitting lifecycle
// events and guarding the caller against a silently-hanging remote call with
// a heartbeat side-channel.
type TaskExecutor struct {
	registry *agents.Registry
	beat     heartbeat.Config
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewTaskExecutor builds an executor over the agent registry.
func NewTaskExecutor(registry *agents.Registry, beat heartbeat.Config, logger *observability.Logger, metrics *observability.Metrics) *TaskExecutor {
	if logger == nil {
		logger = observability.Nop()
	}
	return &TaskExecutor{registry: registry, beat: beat, logger: logger, metrics: metrics}
}

// Execute runs the assignment and finishes with exactly one terminal event:
// the final response on success, or an ErrorResponse carrying the original
// failure detail. The conversation gains the result strictly after the
// terminal event; a failed task appends nothing.
func (e *TaskExecutor) Execute(ctx context.Context, as Assignment, conv *conversation.Conversation, sink events.Sink) error {
	err := e.Dispatch(ctx, as, conv, sink)
	if err == nil {
		return nil
	}
	sendErr := sink.Send(ctx, events.ErrorResponse{
		Meta:       as.Meta,
		StatusCode: http.StatusInternalServerError,
		Detail:     fmt.Sprintf("Unexpected error occurred: %v", err),
		Stage:      "task",
		TaskID:     as.TaskID,
	})
	if sendErr != nil {
		return sendErr
	}
	return err
}

// Dispatch runs the assignment and records the result in the conversation,
// without converting failures into events; the plan executor reports step
// failures at its own boundary.
func (e *TaskExecutor) Dispatch(ctx context.Context, as Assignment, conv *conversation.Conversation, sink events.Sink) error {
	var prereqs []conversation.PreRequisite
	if as.Prerequisites != nil {
		prereqs = conv.PrerequisitesFor(as.Prerequisites)
	} else {
		prereqs = conv.AllPrerequisites()
	}

	final, err := e.Run(ctx, as, prereqs, sink)
	if err != nil {
		return err
	}

	return conv.AddResult(conversation.Item{
		TaskID:    as.TaskID,
		RoundID:   as.Round,
		Content:   final.OutputRaw,
		AgentName: final.Meta.Source,
	})
}

// Run performs the remote invocation and event emission for one assignment:
// an AgentRequest first, keepalives while the call is outstanding, then the
// terminal final response, which is also returned for the caller's
// bookkeeping. The conversation is untouched, so step executors may run
// several assignments concurrently and append afterwards.
func (e *TaskExecutor) Run(ctx context.Context, as Assignment, prereqs []conversation.PreRequisite, sink events.Sink) (*events.InvokeResponse, error) {
	agent, err := e.resolve(as)
	if err != nil {
		return nil, err
	}

	if err := sink.Send(ctx, events.AgentRequest{
		Meta:      as.Meta,
		TaskID:    as.TaskID,
		AgentName: agent.Agent.Name,
		TaskGoal:  as.Instructions,
	}); err != nil {
		return nil, err
	}

	var final *events.InvokeResponse
	if as.StreamTokens {
		final, err = e.performStreaming(ctx, agent, as, prereqs, sink)
	} else {
		final, err = heartbeat.Guard(ctx, e.beat, e.KeepaliveFunc(ctx, sink), func(ctx context.Context) (*events.InvokeResponse, error) {
			return agent.PerformTask(ctx, as.Meta.SessionID, as.Instructions, prereqs)
		})
	}
	if err != nil {
		return nil, err
	}

	final.Meta = as.Meta
	if err := sink.Send(ctx, *final); err != nil {
		return nil, err
	}
	return final, nil
}

// AgentNameFor resolves the display name an assignment will execute under,
// falling back to the raw reference when the registry has no entry.
func (e *TaskExecutor) AgentNameFor(as Assignment) string {
	if agent, err := e.resolve(as); err == nil {
		return agent.Agent.Name
	}
	if as.AgentRef != "" {
		return as.AgentRef
	}
	return as.AgentID
}

func (e *TaskExecutor) resolve(as Assignment) (*agents.TaskAgent, error) {
	if as.AgentID != "" {
		return e.registry.ResolveID(as.AgentID)
	}
	return e.registry.Resolve(as.AgentRef)
}

// KeepaliveFunc returns the heartbeat emission bound to this stream. Send
// failures are logged, not fatal: the real result path surfaces a dead
// consumer on its own.
func (e *TaskExecutor) KeepaliveFunc(ctx context.Context, sink events.Sink) func() {
	return func() {
		e.metrics.IncKeepalive()
		if err := sink.Send(ctx, events.Keepalive{Message: "connection alive"}); err != nil {
			e.logger.Warn("keepalive send failed", "error", err)
		}
	}
}

// performStreaming consumes the server-streamed verb, forwarding partials
// and emitting a keepalive whenever a full period passes with no item.
func (e *TaskExecutor) performStreaming(ctx context.Context, agent *agents.TaskAgent, as Assignment, prereqs []conversation.PreRequisite, sink events.Sink) (*events.InvokeResponse, error) {
	items, err := agent.PerformTaskStream(ctx, as.Meta.SessionID, as.Instructions, prereqs)
	if err != nil {
		return nil, err
	}

	period := e.beat.Period
	if period <= 0 {
		period = 30 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	emitBeat := e.KeepaliveFunc(ctx, sink)
	for {
		select {
		case item, ok := <-items:
			if !ok {
				return nil, fmt.Errorf("agent %s stream ended without a final response", agent.Agent.Name)
			}
			switch {
			case item.Err != nil:
				return nil, item.Err
			case item.Partial != nil:
				item.Partial.Meta = as.Meta
				if err := sink.Send(ctx, *item.Partial); err != nil {
					return nil, err
				}
			case item.Final != nil:
				return item.Final, nil
			case item.Raw != nil:
				// Pass-through events are not part of the orchestration
				// protocol; log and continue.
				e.logger.Debug("ignoring passthrough stream event", "event", item.Raw.Event)
			}
			ticker.Reset(period)
		case <-ticker.C:
			emitBeat()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
