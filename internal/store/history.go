package store

import (
	"context"
	"fmt"
	"time"
)

// ExecutionRecord is one row of the execution history audit log. Nothing
// in the coordinator calls RecordExecutionStart or RecordExecutionFinish,
// so the table is not written at runtime.
type ExecutionRecord struct {
	ExecutionID string
	WorkflowID  string
	Status      string
	StartedAt   time.Time
	FinishedAt  *time.Time
	Error       string
}

// RecordExecutionStart inserts a new in-flight execution row.
func (p *Pool) RecordExecutionStart(ctx context.Context, r ExecutionRecord) error {
	_, err := p.Pool.Exec(ctx, `
INSERT INTO execution_history (execution_id, workflow_id, status, started_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (execution_id) DO NOTHING
`, r.ExecutionID, r.WorkflowID, r.Status, r.StartedAt)
	if err != nil {
		return fmt.Errorf("record execution start: %w", err)
	}
	return nil
}

// RecordExecutionFinish updates the terminal status of an execution.
func (p *Pool) RecordExecutionFinish(ctx context.Context, executionID, status, errMsg string, finishedAt time.Time) error {
	_, err := p.Pool.Exec(ctx, `
UPDATE execution_history
SET status = $2, finished_at = $3, error = NULLIF($4, '')
WHERE execution_id = $1
`, executionID, status, finishedAt, errMsg)
	if err != nil {
		return fmt.Errorf("record execution finish: %w", err)
	}
	return nil
}
