package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkflowExecutor runs the action attached to a matched rule and records
// the outcome. Transitions are one-way: pending -> running -> completed or
// failed. A failed execution is terminal; it is never retried here.
type WorkflowExecutor struct {
	executions ExecutionStore
	actions    ActionExecutor
	logger     Logger
	now        func() time.Time
}

func NewWorkflowExecutor(executions ExecutionStore, actions ActionExecutor, logger Logger) *WorkflowExecutor {
	return &WorkflowExecutor{
		executions: executions,
		actions:    actions,
		logger:     logger,
		now:        time.Now,
	}
}

func (w *WorkflowExecutor) Execute(ctx context.Context, rule TriggerRule, activity Activity) (WorkflowExecution, error) {
	startedAt := w.now()
	execution := WorkflowExecution{
		ID:         uuid.NewString(),
		TriggerID:  rule.ID,
		ActivityID: activity.ID,
		Status:     ExecutionPending,
		StartedAt:  startedAt,
	}
	if err := w.executions.InsertExecution(ctx, execution); err != nil {
		return execution, fmt.Errorf("insert execution: %w", err)
	}

	execution.Status = ExecutionRunning
	if err := w.executions.UpdateExecutionStatus(ctx, execution.ID, ExecutionRunning, ExecutionUpdate{}); err != nil {
		return execution, fmt.Errorf("mark running: %w", err)
	}

	result, actionErr := w.invoke(ctx, rule, activity)
	completedAt := w.now()
	duration := completedAt.Sub(startedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}
	execution.CompletedAt = &completedAt
	execution.DurationMs = duration

	if actionErr != nil {
		execution.Status = ExecutionFailed
		execution.ErrorMessage = actionErr.Error()
		if execution.ErrorMessage == "" {
			execution.ErrorMessage = "action executor failed"
		}
		if err := w.executions.UpdateExecutionStatus(ctx, execution.ID, ExecutionFailed, ExecutionUpdate{
			ErrorMessage: execution.ErrorMessage,
			DurationMs:   duration,
		}); err != nil {
			w.logf("record failed execution %s: %v", execution.ID, err)
		}
		return execution, nil
	}

	execution.Status = ExecutionCompleted
	execution.Result = result
	if err := w.executions.UpdateExecutionStatus(ctx, execution.ID, ExecutionCompleted, ExecutionUpdate{
		Result:     result,
		DurationMs: duration,
	}); err != nil {
		w.logf("record completed execution %s: %v", execution.ID, err)
	}
	return execution, nil
}

// invoke shields the pipeline from a panicking action executor; a panic is
// recorded as a failed execution like any other error.
func (w *WorkflowExecutor) invoke(ctx context.Context, rule TriggerRule, activity Activity) (result map[string]any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = nil
			err = fmt.Errorf("action executor panic: %v", recovered)
		}
	}()
	return w.actions.Execute(ctx, rule.ActionConfig, activity)
}

func (w *WorkflowExecutor) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
