// Package repository keeps the outbox of broker events waiting to be relayed.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusCreated        TaskStatus = "CREATED"
	TaskStatusProcessing     TaskStatus = "PROCESSING"
	TaskStatusFailed         TaskStatus = "FAILED"
	TaskStatusNoAttemptsLeft TaskStatus = "NO_ATTEMPTS_LEFT"
)

type Task struct {
	ID            string
	CreatedAt     time.Time
	Payload       []byte
	Status        TaskStatus
	AttemptCount  int
	NextAttemptAt time.Time
}

type TaskRepository interface {
	CreateTask(ctx context.Context, payload []byte) error
	GetPendingTasks(ctx context.Context, limit, maxAttempts int) ([]*Task, error)
	MarkTaskProcessing(ctx context.Context, taskID string) error
	DeleteTask(ctx context.Context, taskID string) error
	UpdateTaskFailure(ctx context.Context, taskID string, attemptCount int, newStatus TaskStatus, nextAttemptAt time.Time) error
}

// SQLTaskRepository stores tasks in event_tasks. Times are unix nanoseconds so
// the same queries run on postgres and sqlite.
type SQLTaskRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLTaskRepository(db *sql.DB) *SQLTaskRepository {
	return &SQLTaskRepository{db: db, now: time.Now}
}

func (r *SQLTaskRepository) CreateTask(ctx context.Context, payload []byte) error {
	now := r.now().UnixNano()
	query := `
		INSERT INTO event_tasks (id, created_at, updated_at, payload, status, attempt_count, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, 0, 0)
	`
	if _, err := r.db.ExecContext(ctx, query, uuid.NewString(), now, now, string(payload), TaskStatusCreated); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (r *SQLTaskRepository) GetPendingTasks(ctx context.Context, limit, maxAttempts int) ([]*Task, error) {
	query := `
		SELECT id, created_at, payload, status, attempt_count, next_attempt_at
		FROM event_tasks
		WHERE status IN ($1, $2)
		  AND next_attempt_at <= $3
		  AND attempt_count < $4
		ORDER BY created_at
		LIMIT $5
	`
	rows, err := r.db.QueryContext(ctx, query, TaskStatusCreated, TaskStatusFailed, r.now().UnixNano(), maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("pending tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var (
			t               Task
			created, nextAt int64
			payload         string
		)
		if err := rows.Scan(&t.ID, &created, &payload, &t.Status, &t.AttemptCount, &nextAt); err != nil {
			return nil, err
		}
		t.CreatedAt = time.Unix(0, created).UTC()
		t.NextAttemptAt = time.Unix(0, nextAt).UTC()
		t.Payload = []byte(payload)
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

func (r *SQLTaskRepository) MarkTaskProcessing(ctx context.Context, taskID string) error {
	query := `UPDATE event_tasks SET status = $1, updated_at = $2 WHERE id = $3`
	_, err := r.db.ExecContext(ctx, query, TaskStatusProcessing, r.now().UnixNano(), taskID)
	return err
}

func (r *SQLTaskRepository) DeleteTask(ctx context.Context, taskID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM event_tasks WHERE id = $1`, taskID)
	return err
}

func (r *SQLTaskRepository) UpdateTaskFailure(ctx context.Context, taskID string, attemptCount int, newStatus TaskStatus, nextAttemptAt time.Time) error {
	query := `
		UPDATE event_tasks
		SET status = $1, attempt_count = $2, updated_at = $3, next_attempt_at = $4
		WHERE id = $5
	`
	_, err := r.db.ExecContext(ctx, query, newStatus, attemptCount, r.now().UnixNano(), nextAttemptAt.UnixNano(), taskID)
	return err
}

// Status returns the status of one task, for inspection.
func (r *SQLTaskRepository) Status(ctx context.Context, taskID string) (TaskStatus, int, error) {
	var (
		status   TaskStatus
		attempts int
	)
	err := r.db.QueryRowContext(ctx, `SELECT status, attempt_count FROM event_tasks WHERE id = $1`, taskID).Scan(&status, &attempts)
	return status, attempts, err
}
