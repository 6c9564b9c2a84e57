// Package taskprocessor relays outbox events to the broker with retries.
package taskprocessor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gitlab.ozon.dev/qwestard/chaindelivery/internal/broker"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/repository"
)

// Outbox is a broker.Publisher that only records events; a TaskProcessor
// delivers them later.
type Outbox struct {
	repo repository.TaskRepository
}

func NewOutbox(repo repository.TaskRepository) *Outbox {
	return &Outbox{repo: repo}
}

func (o *Outbox) Publish(ctx context.Context, e broker.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return o.repo.CreateTask(ctx, payload)
}

func (o *Outbox) Close() error { return nil }

type TaskProcessor struct {
	repo         repository.TaskRepository
	publisher    broker.Publisher
	logger       *zap.Logger
	pollInterval time.Duration
	limit        int
	maxAttempts  int
	retryDelay   time.Duration
}

func NewTaskProcessor(repo repository.TaskRepository, publisher broker.Publisher, pollInterval time.Duration, limit int, logger *zap.Logger) *TaskProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskProcessor{
		repo:         repo,
		publisher:    publisher,
		logger:       logger,
		pollInterval: pollInterval,
		limit:        limit,
		maxAttempts:  3,
		retryDelay:   2 * time.Second,
	}
}

func (p *TaskProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.processPendingTasks(ctx)
			ticker.Reset(p.pollInterval)
		}
	}
}

func (p *TaskProcessor) processPendingTasks(ctx context.Context) {
	tasks, err := p.repo.GetPendingTasks(ctx, p.limit, p.maxAttempts)
	if err != nil {
		p.logger.Error("fetching pending tasks", zap.Error(err))
		return
	}
	for _, task := range tasks {
		if err := p.repo.MarkTaskProcessing(ctx, task.ID); err != nil {
			p.logger.Error("marking task processing", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}

		var e broker.Event
		if err := json.Unmarshal(task.Payload, &e); err != nil {
			p.logger.Warn("dropping malformed task", zap.String("task_id", task.ID), zap.Error(err))
			p.update(ctx, task, err, p.maxAttempts)
			continue
		}
		if err := p.publisher.Publish(ctx, e); err != nil {
			p.update(ctx, task, err, task.AttemptCount+1)
			continue
		}
		p.logger.Debug("task relayed", zap.String("task_id", task.ID), zap.String("kind", string(e.Kind)))
		if err := p.repo.DeleteTask(ctx, task.ID); err != nil {
			p.logger.Error("deleting relayed task", zap.String("task_id", task.ID), zap.Error(err))
		}
	}
}

func (p *TaskProcessor) update(ctx context.Context, task *repository.Task, err error, newAttempt int) {
	newStatus := repository.TaskStatusFailed
	if newAttempt >= p.maxAttempts {
		newStatus = repository.TaskStatusNoAttemptsLeft
	}
	nextAttempt := time.Now().Add(p.retryDelay)
	if errUpd := p.repo.UpdateTaskFailure(ctx, task.ID, newAttempt, newStatus, nextAttempt); errUpd != nil {
		p.logger.Error("updating failed task", zap.String("task_id", task.ID), zap.Error(errUpd))
	}
	p.logger.Warn("task not relayed",
		zap.String("task_id", task.ID),
		zap.Int("attempt", newAttempt),
		zap.String("status", string(newStatus)),
		zap.Error(err))
}
