package planning

import (
	"context"
	"encoding/json"
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
	"collab/internal/team"
)

// Request is one plan-then-execute invocation. A nil Resume generates a new
// plan; a non-nil Resume resolves the session's pending plan instead.
type Request struct {
	SessionID    string
	RequestID    string
	UserInput    string
	History      []conversation.Item
	StreamTokens bool
	Resume       *ResumeRequest
}

// ResumeRequest is a human decision on the session's pending plan.
type ResumeRequest struct {
	Kind       ResumeKind
	EditedPlan json.RawMessage // required for ResumeEdit, ignored otherwise
}

// HandlerOptions wires a PlanningHandler.
type HandlerOptions struct {
	Planner  *Manager
	Registry *agents.Registry
	Store    PendingStore
	Broker   *ResumeBroker
	Source   string

	// HITLEnabled gates the approval flow; when false every generated plan
	// executes immediately and resume requests are rejected upstream.
	HITLEnabled     bool
	ApprovalTimeout time.Duration

	Beat    heartbeat.Config
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer
}

// Handler drives plan generation, the optional human approval gate, and
// step-by-step execution. Like the team handler, failures become terminal
// events on the stream, never transport errors.
type Handler struct {
	planner         *Manager
	executor        *team.TaskExecutor
	steps           *StepExecutor
	store           PendingStore
	broker          *ResumeBroker
	source          string
	hitlEnabled     bool
	approvalTimeout time.Duration
	beat            heartbeat.Config
	logger          *observability.Logger
	metrics         *observability.Metrics
	tracer          trace.Tracer
}

// NewHandler builds the planning handler.
func NewHandler(opts HandlerOptions) *Handler {
	if opts.Logger == nil {
		opts.Logger = observability.Nop()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("collab")
	}
	if opts.ApprovalTimeout <= 0 {
		opts.ApprovalTimeout = 5 * time.Minute
	}
	executor := team.NewTaskExecutor(opts.Registry, opts.Beat, opts.Logger, opts.Metrics)
	return &Handler{
		planner:         opts.Planner,
		executor:        executor,
		steps:           NewStepExecutor(executor, opts.Logger, opts.Metrics),
		store:           opts.Store,
		broker:          opts.Broker,
		source:          opts.Source,
		hitlEnabled:     opts.HITLEnabled,
		approvalTimeout: opts.ApprovalTimeout,
		beat:            opts.Beat,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		tracer:          opts.Tracer,
	}
}

// Invoke runs one planning request to its terminal event.
func (h *Handler) Invoke(ctx context.Context, req Request, sink events.Sink) {
	logger := h.logger.With("request_id", req.RequestID, "session_id", req.SessionID)

	ctx, span := h.tracer.Start(ctx, "planning-invoke", trace.WithAttributes(attribute.Bool("resume", req.Resume != nil)))
	defer span.End()

	h.metrics.IncActiveRequests()
	started := time.Now()
	defer func() {
		h.metrics.DecActiveRequests()
		h.metrics.ObserveStageDuration("planning", "done", time.Since(started))
	}()

	if req.Resume != nil {
		h.resume(ctx, req, sink, logger)
		return
	}
	h.generate(ctx, req, sink, logger)
}

// generate produces a plan and either executes it directly or parks it
// behind the approval gate.
func (h *Handler) generate(ctx context.Context, req Request, sink events.Sink, logger *observability.Logger) {
	meta := events.Meta{SessionID: req.SessionID, Source: h.source, RequestID: req.RequestID}
	conv := conversation.New()
	conv.Restore(req.History)

	genCtx, genSpan := h.tracer.Start(ctx, "generate-plan")
	type planOutput struct {
		plan        *Plan
		usage       events.TokenUsage
		waitForUser bool
	}
	output, err := heartbeat.Guard(genCtx, h.beat, h.executor.KeepaliveFunc(ctx, sink), func(ctx context.Context) (planOutput, error) {
		plan, usage, wait, err := h.planner.GeneratePlan(ctx, req.RequestID, req.UserInput, conv.Items())
		return planOutput{plan: plan, usage: usage, waitForUser: wait}, err
	})
	genSpan.End()
	if err != nil {
		h.failPlanning(ctx, meta, sink, err, logger)
		return
	}
	plan := output.plan

	if h.hitlEnabled && output.waitForUser {
		h.awaitApproval(ctx, req, meta, plan, conv, sink, logger)
		return
	}

	if err := sink.Send(ctx, events.PlanGenerationEnd{Meta: meta, Plan: encodePlan(plan)}); err != nil {
		return
	}
	h.executePlan(ctx, meta, plan, req.StreamTokens, conv, sink, logger)
}

// awaitApproval persists the plan, announces it, and waits for whichever
// comes first: a resume signal, the approval deadline, or the client going
// away. The pending store is the single source of truth for who consumes
// the plan; the broker only shortcuts the wait.
func (h *Handler) awaitApproval(ctx context.Context, req Request, meta events.Meta, plan *Plan, conv *conversation.Conversation, sink events.Sink, logger *observability.Logger) {
	pending := PendingPlan{
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		Plan:      plan,
		UserInput: req.UserInput,
		Config:    RequestConfig{StreamTokens: req.StreamTokens},
		History:   conv.Items(),
		ExpiresAt: time.Now().Add(h.approvalTimeout),
	}
	if err := h.store.Save(ctx, pending); err != nil {
		logger.Error("failed to persist pending plan", "error", err)
		h.metrics.IncStageFailure("planning")
		_ = sink.Send(ctx, events.ErrorResponse{
			Meta:       meta,
			StatusCode: http.StatusInternalServerError,
			Detail:     "An unexpected error occurred during planning",
			Stage:      "planning",
		})
		return
	}

	signal := h.broker.Register(req.RequestID)
	defer h.broker.Unregister(req.RequestID)

	if err := sink.Send(ctx, events.PlanApprovalPending{Meta: meta, Plan: encodePlan(plan)}); err != nil {
		return
	}
	logger.Info("plan awaiting approval", "timeout", h.approvalTimeout)

	timer := time.NewTimer(h.approvalTimeout)
	defer timer.Stop()

	keepalivePeriod := h.beat.Period
	if keepalivePeriod <= 0 {
		keepalivePeriod = 30 * time.Second
	}
	ticker := time.NewTicker(keepalivePeriod)
	defer ticker.Stop()
	emitBeat := h.executor.KeepaliveFunc(ctx, sink)

	for {
		select {
		case kind := <-signal:
			// The resume request's own stream carries the decision events
			// and any execution; this stream just finishes.
			logger.Info("pending plan resolved elsewhere", "decision", string(kind))
			return

		case <-timer.C:
			// FetchAndDelete decides the race against a concurrent resume:
			// exactly one side gets the plan, so the timeout event is
			// emitted at most once.
			if _, err := h.store.FetchAndDelete(ctx, req.RequestID); err != nil {
				if !errors.Is(err, ErrPendingNotFound) {
					logger.Error("failed to expire pending plan", "error", err)
				}
				return
			}
			logger.Info("plan approval timed out")
			_ = sink.Send(ctx, events.PlanApprovalTimeout{Meta: meta})
			return

		case <-ticker.C:
			emitBeat()

		case <-ctx.Done():
			// Client gone; the pending plan stays in the store so a later
			// resume request can still consume it before it expires.
			return
		}
	}
}

// resume consumes the session's pending plan with the given decision and,
// for approve/edit, executes it on this stream under the original request
// identity.
func (h *Handler) resume(ctx context.Context, req Request, sink events.Sink, logger *observability.Logger) {
	pending, err := h.store.FetchAndDeleteBySession(ctx, req.SessionID)
	if err != nil {
		status := http.StatusInternalServerError
		detail := "An unexpected error occurred during planning"
		if errors.Is(err, ErrPendingNotFound) {
			status = http.StatusNotFound
			detail = "no pending plan for session"
		} else {
			logger.Error("failed to fetch pending plan", "error", err)
		}
		_ = sink.Send(ctx, events.ErrorResponse{
			Meta:       events.Meta{SessionID: req.SessionID, Source: h.source, RequestID: req.RequestID},
			StatusCode: status,
			Detail:     detail,
			Stage:      "planning",
		})
		return
	}

	// Events continue under the identity the plan was generated with, so a
	// client following the original request sees one coherent stream.
	meta := events.Meta{SessionID: pending.SessionID, Source: h.source, RequestID: pending.RequestID}
	h.broker.Notify(pending.RequestID, req.Resume.Kind)

	plan := pending.Plan
	switch req.Resume.Kind {
	case ResumeCancel:
		logger.Info("pending plan cancelled")
		_ = sink.Send(ctx, events.PlanCancelled{Meta: meta})
		return

	case ResumeEdit:
		edited, err := DecodePlan(req.Resume.EditedPlan)
		if err != nil {
			logger.Warn("rejected edited plan", "error", err)
			_ = sink.Send(ctx, events.ErrorResponse{
				Meta:       meta,
				StatusCode: http.StatusBadRequest,
				Detail:     err.Error(),
				Stage:      "planning",
			})
			return
		}
		plan = edited
		if err := sink.Send(ctx, events.PlanEdited{Meta: meta, Plan: encodePlan(plan)}); err != nil {
			return
		}

	case ResumeApprove:
		if err := sink.Send(ctx, events.PlanApproved{Meta: meta}); err != nil {
			return
		}

	default:
		_ = sink.Send(ctx, events.ErrorResponse{
			Meta:       meta,
			StatusCode: http.StatusBadRequest,
			Detail:     "unknown resume decision",
			Stage:      "planning",
		})
		return
	}

	conv := conversation.New()
	conv.Restore(pending.History)
	// Execution honors the configuration of the request that generated the
	// plan, not the resume request's.
	h.executePlan(ctx, meta, plan, pending.Config.StreamTokens, conv, sink, logger)
}

// executePlan runs the plan's steps in order. The first failing step ends
// the stream with a single error event; steps already completed keep their
// results in the conversation.
func (h *Handler) executePlan(ctx context.Context, meta events.Meta, plan *Plan, streamTokens bool, conv *conversation.Conversation, sink events.Sink, logger *observability.Logger) {
	ctx, span := h.tracer.Start(ctx, "execute-plan", trace.WithAttributes(attribute.Int("steps", len(plan.Steps))))
	defer span.End()

	if err := sink.Send(ctx, events.PlanExecutionStart{Meta: meta, Plan: encodePlan(plan)}); err != nil {
		return
	}

	for i := range plan.Steps {
		step := &plan.Steps[i]
		if err := h.steps.ExecuteStep(ctx, meta, step, streamTokens, conv, sink); err != nil {
			logger.Error("step execution failed", "step_id", step.ID, "error", err)
			_ = sink.Send(ctx, events.ErrorResponse{
				Meta:       meta,
				StatusCode: http.StatusInternalServerError,
				Detail:     "An unexpected error occurred during step execution",
				Stage:      "step",
			})
			return
		}
	}

	if err := sink.Send(ctx, events.PlanExecutionEnd{Meta: meta}); err != nil {
		return
	}
	logger.Info("plan execution complete", "steps", len(plan.Steps))
}

// failPlanning reports a plan-generation failure. An infeasible goal is the
// planner's own judgment and carries its reason; everything else is opaque
// to the client.
func (h *Handler) failPlanning(ctx context.Context, meta events.Meta, sink events.Sink, err error, logger *observability.Logger) {
	logger.Error("plan generation failed", "error", err)
	h.metrics.IncStageFailure("planning")

	status := http.StatusInternalServerError
	detail := "An unexpected error occurred during planning"
	var infeasible *InfeasibleError
	if errors.As(err, &infeasible) {
		status = http.StatusUnprocessableEntity
		detail = "Planning failed: " + infeasible.Reason
	}
	_ = sink.Send(ctx, events.ErrorResponse{
		Meta:       meta,
		StatusCode: status,
		Detail:     detail,
		Stage:      "planning",
	})
}
