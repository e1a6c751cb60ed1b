package planning

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"collab/internal/conversation"
	"collab/internal/events"
	"collab/internal/observability"
	"collab/internal/team"
)

// StepExecutor runs one plan step at a time: the tasks inside a step fan out
// concurrently, and the conversation absorbs their results only after the
// whole step has finished, so a later step always sees the complete output
// of every earlier one.
type StepExecutor struct {
	executor *team.TaskExecutor
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewStepExecutor builds a step executor over the shared task executor.
func NewStepExecutor(executor *team.TaskExecutor, logger *observability.Logger, metrics *observability.Metrics) *StepExecutor {
	if logger == nil {
		logger = observability.Nop()
	}
	return &StepExecutor{executor: executor, logger: logger, metrics: metrics}
}

type taskOutcome struct {
	task  *ExecutableTask
	final *events.InvokeResponse
}

// ExecuteStep runs every task of the step and records the results. Task
// statuses transition pending -> running -> complete/failed in place; a
// failed task fails the step, but its siblings run to completion first so
// their results are not lost. The fan-out therefore uses a bare errgroup
// without context cancellation.
func (e *StepExecutor) ExecuteStep(ctx context.Context, meta events.Meta, step *Step, streamTokens bool, conv *conversation.Conversation, sink events.Sink) error {
	if err := sink.Send(ctx, events.StepExecutionStart{
		Meta:      meta,
		StepID:    step.ID,
		Reasoning: step.Reasoning,
	}); err != nil {
		return err
	}

	shared := events.Synchronized(sink)

	var (
		mu       sync.Mutex
		outcomes []taskOutcome
	)
	var g errgroup.Group
	for i := range step.Tasks {
		task := &step.Tasks[i]
		task.Status = StatusRunning
		as := team.Assignment{
			Meta:          meta,
			TaskID:        task.ID,
			AgentID:       task.AgentID,
			Instructions:  task.Inputs,
			Prerequisites: task.Prerequisites,
			StreamTokens:  streamTokens,
		}
		// Snapshot prerequisites before the fan-out: tasks in the same step
		// never see each other's results.
		var prereqs []conversation.PreRequisite
		if task.Prerequisites != nil {
			prereqs = conv.PrerequisitesFor(task.Prerequisites)
		} else {
			prereqs = conv.AllPrerequisites()
		}
		agentName := e.executor.AgentNameFor(as)

		g.Go(func() error {
			if err := shared.Send(ctx, events.AgentTaskStart{Meta: meta, TaskID: task.ID, AgentName: agentName}); err != nil {
				task.Status = StatusFailed
				return err
			}
			final, err := e.executor.Run(ctx, as, prereqs, shared)
			if err != nil {
				task.Status = StatusFailed
				e.logger.Warn("plan task failed", "task_id", task.ID, "agent", agentName, "error", err)
				return fmt.Errorf("task %s: %w", task.ID, err)
			}
			task.Status = StatusComplete
			mu.Lock()
			outcomes = append(outcomes, taskOutcome{task: task, final: final})
			mu.Unlock()
			return shared.Send(ctx, events.AgentTaskEnd{Meta: meta, TaskID: task.ID, AgentName: agentName})
		})
	}
	err := g.Wait()

	// Completed siblings are recorded even when the step as a whole failed.
	for _, outcome := range outcomes {
		if addErr := conv.AddResult(conversation.Item{
			TaskID:    outcome.task.ID,
			Content:   outcome.final.OutputRaw,
			AgentName: outcome.final.Meta.Source,
		}); addErr != nil && err == nil {
			err = addErr
		}
	}
	if err != nil {
		e.metrics.IncStageFailure("step")
		return err
	}

	return sink.Send(ctx, events.StepExecutionEnd{Meta: meta, StepID: step.ID})
}
