package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/classpulse/live-backend/internal/models"
	"github.com/classpulse/live-backend/internal/repository"
	"github.com/classpulse/live-backend/pkg/queue"
)

// OutboundChannel is the Redis channel the delivery service (push/email)
// listens on.
const OutboundChannel = "notifications:out"

// Notice is the message handed to the delivery service.
type Notice struct {
	Kind      queue.JobType `json:"kind"`
	SessionID string        `json:"session_id"`
	CourseID  string        `json:"course_id"`
	Title     string        `json:"title"`
	StartsAt  time.Time     `json:"starts_at"`
	EndsAt    time.Time     `json:"ends_at"`
	SentAt    time.Time     `json:"sent_at"`
}

// NotificationProcessor drains the notification queue: resolve the session,
// build the notice, hand it to the delivery channel. Failed jobs are retried
// with a bounded attempt count.
type NotificationProcessor struct {
	sessions *repository.Sessions
	rdb      *redis.Client
	queue    *queue.Queue
	logger   *zap.Logger
}

// NewNotificationProcessor creates a notification processor.
func NewNotificationProcessor(sessions *repository.Sessions, rdb *redis.Client, q *queue.Queue, logger *zap.Logger) *NotificationProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationProcessor{sessions: sessions, rdb: rdb, queue: q, logger: logger}
}

// Process executes one notification job.
func (p *NotificationProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeSessionFinished && job.Type != queue.JobTypeSessionReminder {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.NotificationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	session, err := p.sessions.GetByID(ctx, payload.SessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		p.logger.Warn("session gone, dropping notification", zap.String("session_id", payload.SessionID.String()))
		return nil
	}
	// A reminder for a session that already finished is stale.
	if job.Type == queue.JobTypeSessionReminder && session.Status == models.StatusFinished {
		return nil
	}

	notice := Notice{
		Kind:      job.Type,
		SessionID: session.ID.String(),
		CourseID:  session.CourseID.String(),
		Title:     session.Title,
		StartsAt:  session.StartsAt,
		EndsAt:    session.EndsAt,
		SentAt:    time.Now(),
	}
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	if err := p.rdb.Publish(ctx, OutboundChannel, body).Err(); err != nil {
		return fmt.Errorf("publish notice: %w", err)
	}

	p.logger.Info("notification dispatched",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Type)),
		zap.String("session_id", session.ID.String()))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *NotificationProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("notification worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
		}
	}
}
