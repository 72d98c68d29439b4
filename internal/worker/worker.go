// Package worker consumes the background task queue. Insight generation
// runs here, outside the request path, through the same orchestrator entry
// point as synchronous calls so the dedup guard holds across both.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"surveygate/internal/domain/entity"
	"surveygate/internal/domain/repository"
	"surveygate/internal/usecase"
)

const systemCaller = "system"

// TemplateIndexer records a finished survey as inspiration for future
// question suggestions.
type TemplateIndexer interface {
	IndexTemplate(ctx context.Context, surveyID, title, description string, questions []entity.Question, completionRate float64) error
}

// Consumer drains the queue into a bounded goroutine pool.
type Consumer struct {
	queue     repository.TaskQueue
	orch      *usecase.Orchestrator
	reports   repository.ReportStore
	templates TemplateIndexer // optional
	pool      *ants.Pool
	log       *slog.Logger

	sweepInterval time.Duration
	surveyMaxAge  time.Duration

	wg sync.WaitGroup
}

func NewConsumer(queue repository.TaskQueue, orch *usecase.Orchestrator, reports repository.ReportStore,
	templates TemplateIndexer, poolSize int, sweepInterval, surveyMaxAge time.Duration, log *slog.Logger) (*Consumer, error) {
	if poolSize <= 0 {
		poolSize = 4
	}
	if log == nil {
		log = slog.Default()
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		queue:         queue,
		orch:          orch,
		reports:       reports,
		templates:     templates,
		pool:          pool,
		log:           log,
		sweepInterval: sweepInterval,
		surveyMaxAge:  surveyMaxAge,
	}, nil
}

// Run blocks, dispatching queue messages to the pool until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) {
	c.log.Info("worker.started", "pool_size", c.pool.Cap())
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := c.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			c.log.Warn("worker.dequeue_failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			continue
		}

		m := *msg
		c.wg.Add(1)
		if err := c.pool.Submit(func() {
			defer c.wg.Done()
			c.process(ctx, m)
		}); err != nil {
			c.wg.Done()
			c.log.Warn("worker.submit_failed", "error", err)
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg entity.QueueMessage) {
	if msg.Operation != entity.OpGenerateInsights {
		c.log.Warn("worker.unknown_operation", "operation", msg.Operation)
		return
	}

	payload, err := c.reports.LoadInsightInput(ctx, msg.SurveyID)
	if err != nil {
		c.log.Error("worker.load_input_failed", "survey_id", msg.SurveyID, "error", err)
		return
	}

	task := entity.AgentTask{
		Operation: entity.OpGenerateInsights,
		CallerID:  systemCaller,
		SurveyID:  msg.SurveyID,
		Payload:   *payload,
	}

	_, err = c.orch.Execute(ctx, task)
	switch {
	case err == nil:
		c.log.Info("worker.insights_generated", "survey_id", msg.SurveyID)
		c.indexTemplate(ctx, msg.SurveyID, payload)
	case errors.Is(err, entity.ErrAlreadyInProgress):
		// Another run holds the survey; this trigger is a no-op.
		c.log.Info("worker.insights_in_progress", "survey_id", msg.SurveyID)
	default:
		c.log.Error("worker.insights_failed", "survey_id", msg.SurveyID,
			"attempt", msg.Attempts+1, "error", err)
		c.retry(ctx, msg)
	}
}

// maxInsightAttempts bounds redelivery of a failing insight job.
const maxInsightAttempts = 3

// retry puts a failed job back on the queue until its attempts run out.
// The message was already popped, so dropping it here loses it for good.
func (c *Consumer) retry(ctx context.Context, msg entity.QueueMessage) {
	if msg.Attempts+1 >= maxInsightAttempts {
		c.log.Error("worker.insights_dropped", "survey_id", msg.SurveyID,
			"attempts", msg.Attempts+1)
		return
	}
	msg.Attempts++
	if err := c.queue.Enqueue(ctx, msg); err != nil {
		c.log.Error("worker.retry_enqueue_failed", "survey_id", msg.SurveyID, "error", err)
	}
}

// indexTemplate feeds a finished survey back into the knowledge base so
// suggest_questions can draw on it. Failures degrade; the insight run
// already succeeded.
func (c *Consumer) indexTemplate(ctx context.Context, surveyID string, payload *entity.TaskPayload) {
	if c.templates == nil {
		return
	}
	err := c.templates.IndexTemplate(ctx, surveyID,
		payload.SurveyTitle, payload.Description, payload.Questions, payload.CompletionRate)
	if err != nil {
		c.log.Warn("worker.template_index_failed", "survey_id", surveyID, "error", err)
	}
}

// RunSweep periodically closes expired surveys and enqueues insight
// generation for each. Blocks until ctx is canceled.
func (c *Consumer) RunSweep(ctx context.Context) {
	interval := c.sweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Consumer) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-c.surveyMaxAge)
	ids, err := c.reports.CloseExpired(ctx, cutoff)
	if err != nil {
		c.log.Error("worker.sweep_failed", "error", err)
		return
	}
	for _, id := range ids {
		msg := entity.QueueMessage{SurveyID: id, Operation: entity.OpGenerateInsights}
		if err := c.queue.Enqueue(ctx, msg); err != nil {
			c.log.Error("worker.sweep_enqueue_failed", "survey_id", id, "error", err)
			continue
		}
		c.log.Info("worker.survey_closed", "survey_id", id)
	}
}

// Close waits for in-flight jobs and releases the pool.
func (c *Consumer) Close() {
	c.wg.Wait()
	c.pool.Release()
}
