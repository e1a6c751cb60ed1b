package team

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"collab/internal/agents"
	"collab/internal/conversation"
	"collab/internal/events"
	"collab/internal/heartbeat"
	"collab/internal/observability"
)

// Request is one manager-delegation invocation.
type Request struct {
	SessionID    string
	RequestID    string
	Goal         string
	StreamTokens bool
}

// HandlerOptions wires a TeamHandler.
type HandlerOptions struct {
	Manager   *ManagerAgent
	Registry  *agents.Registry
	Source    string
	MaxRounds int
	Beat      heartbeat.Config
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Tracer    trace.Tracer
}

// Handler runs the manager-delegation round loop. Errors crossing the loop
// boundary become terminal ErrorResponse events; nothing is re-raised to
// the transport layer.
type Handler struct {
	manager   *ManagerAgent
	executor  *TaskExecutor
	registry  *agents.Registry
	source    string
	maxRounds int
	beat      heartbeat.Config
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
}

// NewHandler builds the round-loop handler.
func NewHandler(opts HandlerOptions) *Handler {
	if opts.Logger == nil {
		opts.Logger = observability.Nop()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("collab")
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = 10
	}
	return &Handler{
		manager:   opts.Manager,
		executor:  NewTaskExecutor(opts.Registry, opts.Beat, opts.Logger, opts.Metrics),
		registry:  opts.Registry,
		source:    opts.Source,
		maxRounds: opts.MaxRounds,
		beat:      opts.Beat,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
	}
}

// Invoke drives the round state machine, emitting progress to sink. The
// stream always closes with TeamExecutionEnd, success or failure.
func (h *Handler) Invoke(ctx context.Context, req Request, sink events.Sink) {
	meta := events.Meta{SessionID: req.SessionID, Source: h.source, RequestID: req.RequestID}
	logger := h.logger.With("request_id", req.RequestID, "session_id", req.SessionID)

	ctx, span := h.tracer.Start(ctx, "team-invoke", trace.WithAttributes(attribute.String("goal", req.Goal)))
	defer span.End()

	h.metrics.IncActiveRequests()
	started := time.Now()
	defer func() {
		h.metrics.DecActiveRequests()
		h.metrics.ObserveStageDuration("team", "done", time.Since(started))
	}()

	defer func() {
		if err := sink.Send(ctx, events.TeamExecutionEnd{Meta: meta}); err != nil {
			logger.Warn("failed to close event stream", "error", err)
		}
	}()

	if err := sink.Send(ctx, events.TeamExecutionStart{Meta: meta, Goal: req.Goal}); err != nil {
		return
	}

	conv := conversation.New()
	keepalive := h.executor.KeepaliveFunc(ctx, sink)

	for round := 0; ; {
		logger.Info("begin round", "round", round)
		roundCtx, roundSpan := h.tracer.Start(ctx, "determine-next-action")

		if err := sink.Send(ctx, events.ManagerActionStart{Meta: meta, Round: round}); err != nil {
			roundSpan.End()
			return
		}

		output, err := heartbeat.Guard(roundCtx, h.beat, keepalive, func(ctx context.Context) (*ManagerOutput, error) {
			return h.manager.DetermineNextAction(ctx, req.Goal, h.registry.Agents(), conv.Items())
		})
		roundSpan.End()
		if err != nil {
			h.failRound(ctx, meta, sink, err, logger)
			return
		}

		actionType := output.Action.ActionType()
		if err := sink.Send(ctx, events.ManagerResponse{
			Meta:       meta,
			Round:      round,
			ActionType: string(actionType),
			Reasoning:  actionReasoning(output.Action),
			TokenUsage: output.TokenUsage,
		}); err != nil {
			return
		}

		switch action := output.Action.(type) {
		case ProvideResult:
			if err := sink.Send(ctx, events.InvokeResponse{
				Meta:       meta,
				TokenUsage: output.TokenUsage,
				OutputRaw:  action.Content,
			}); err != nil {
				return
			}
			h.endAction(ctx, meta, round, actionType, sink, logger)
			return

		case Abort:
			// Graceful termination: the manager judged the goal
			// unachievable. Not an error path.
			if err := sink.Send(ctx, events.AbortResult{Meta: meta, AbortReason: action.Reason}); err != nil {
				return
			}
			h.endAction(ctx, meta, round, actionType, sink, logger)
			return

		case AssignNewTask:
			if !h.runAssignment(ctx, meta, round, action, req.StreamTokens, conv, sink, logger) {
				return
			}
			h.endAction(ctx, meta, round, actionType, sink, logger)
			h.metrics.IncRound()
			round++
			// The round budget is the sole liveness guarantee against an
			// infinite delegation loop. The conversation append already
			// happened, so history stays consistent even on the limit.
			if round >= h.maxRounds {
				logger.Error("maximum rounds reached", "max_rounds", h.maxRounds)
				h.metrics.IncStageFailure("team")
				_ = sink.Send(ctx, events.ErrorResponse{
					Meta:       meta,
					StatusCode: http.StatusInternalServerError,
					Detail:     "maximum rounds exceeded",
					Stage:      "orchestrator",
				})
				return
			}

		default:
			_ = sink.Send(ctx, events.ErrorResponse{
				Meta:       meta,
				StatusCode: http.StatusBadRequest,
				Detail:     "unknown manager action",
				Stage:      "manager",
			})
			return
		}
	}
}

// runAssignment executes one delegated task. Returns false when the stream
// must terminate (the executor already emitted the terminal error event).
func (h *Handler) runAssignment(ctx context.Context, meta events.Meta, round int, action AssignNewTask, streamTokens bool, conv *conversation.Conversation, sink events.Sink, logger *observability.Logger) bool {
	if err := conv.AddAssignment(conversation.Item{
		TaskID:        action.TaskID,
		RoundID:       round,
		Content:       action.Inputs,
		ActionType:    string(ActionAssignNewTask),
		AgentID:       action.AgentID,
		AgentName:     action.AgentName,
		Prerequisites: conv.PrerequisitesFor(action.Prerequisites),
	}); err != nil {
		h.failRound(ctx, meta, sink, err, logger)
		return false
	}

	if err := sink.Send(ctx, events.AgentTaskStart{Meta: meta, TaskID: action.TaskID, AgentName: action.AgentName}); err != nil {
		return false
	}

	err := h.executor.Execute(ctx, Assignment{
		Meta:          meta,
		TaskID:        action.TaskID,
		AgentRef:      action.AgentName,
		AgentID:       action.AgentID,
		Instructions:  action.Inputs,
		Prerequisites: action.Prerequisites,
		Round:         round,
		StreamTokens:  streamTokens,
	}, conv, sink)
	if err != nil {
		logger.Error("task execution failed", "task_id", action.TaskID, "error", err)
		h.metrics.IncStageFailure("task")
		return false
	}

	return sink.Send(ctx, events.AgentTaskEnd{Meta: meta, TaskID: action.TaskID, AgentName: action.AgentName}) == nil
}

func (h *Handler) endAction(ctx context.Context, meta events.Meta, round int, actionType ActionType, sink events.Sink, logger *observability.Logger) {
	if err := sink.Send(ctx, events.ManagerActionEnd{Meta: meta, Round: round, ActionType: string(actionType)}); err != nil {
		logger.Warn("failed to emit action end", "error", err)
	}
}

// failRound reports a manager-stage failure as the stream's terminal error.
// An unknown action discriminator is a contract violation (400-class);
// everything else is an internal failure.
func (h *Handler) failRound(ctx context.Context, meta events.Meta, sink events.Sink, err error, logger *observability.Logger) {
	logger.Error("manager call failed", "error", err)
	h.metrics.IncStageFailure("manager")

	status := http.StatusInternalServerError
	var unknown *UnknownActionError
	if errors.As(err, &unknown) {
		status = http.StatusBadRequest
	}
	_ = sink.Send(ctx, events.ErrorResponse{
		Meta:       meta,
		StatusCode: status,
		Detail:     err.Error(),
		Stage:      "manager",
	})
}

func actionReasoning(action Action) string {
	switch a := action.(type) {
	case AssignNewTask:
		return a.Reasoning
	case ProvideResult:
		return a.Reasoning
	default:
		return ""
	}
}
