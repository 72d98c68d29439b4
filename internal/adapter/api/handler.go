package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"surveygate/internal/domain/entity"
	"surveygate/internal/domain/repository"
	"surveygate/internal/usecase"
)

// AgentHandler is the delivery layer: it maps HTTP requests to agent tasks
// and orchestrator failures to status codes. No policy lives here.
type AgentHandler struct {
	orch  *usecase.Orchestrator
	queue repository.TaskQueue
	guard repository.DedupGuard
}

func NewAgentHandler(orch *usecase.Orchestrator, queue repository.TaskQueue, guard repository.DedupGuard) *AgentHandler {
	return &AgentHandler{orch: orch, queue: queue, guard: guard}
}

type agentRequest struct {
	CallerID  string             `json:"caller_id"`
	SurveyID  string             `json:"survey_id"`
	SessionID string             `json:"session_id"`
	Payload   entity.TaskPayload `json:"payload"`
}

// Handle returns a fiber handler executing op synchronously.
func (h *AgentHandler) Handle(op entity.Operation) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req agentRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}

		task := entity.AgentTask{
			Operation: op,
			CallerID:  req.CallerID,
			SurveyID:  req.SurveyID,
			SessionID: req.SessionID,
			Payload:   req.Payload,
		}

		out, err := h.orch.Execute(c.Context(), task)
		if err != nil {
			return writeError(c, err)
		}

		c.Set("X-Gateway-Cache-Hit", "false")
		if out.Cached {
			c.Set("X-Gateway-Cache-Hit", "true")
		}
		return c.Status(fiber.StatusOK).JSON(out)
	}
}

// TriggerInsights enqueues background insight generation for a survey.
// A run already in flight yields 409 rather than a duplicate job.
func (h *AgentHandler) TriggerInsights(c *fiber.Ctx) error {
	surveyID := c.Params("id")
	if surveyID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "survey id is required"})
	}

	held, err := h.guard.Held(c.Context(), "insight_lock:"+surveyID)
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "temporarily unavailable, please retry"})
	}
	if held {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "insight generation already in progress"})
	}

	msg := entity.QueueMessage{SurveyID: surveyID, Operation: entity.OpGenerateInsights}
	if err := h.queue.Enqueue(c.Context(), msg); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "temporarily unavailable, please retry"})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "queued", "survey_id": surveyID})
}

// writeError maps the error taxonomy to HTTP. Raw upstream error text
// never reaches the caller.
func writeError(c *fiber.Ctx, err error) error {
	var rateErr *entity.RateLimitError
	if errors.As(err, &rateErr) {
		secs := int(rateErr.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		c.Set("Retry-After", strconv.Itoa(secs))
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":               "rate limit exceeded",
			"retry_after_seconds": int(rateErr.RetryAfter.Seconds()),
		})
	}

	var modErr *entity.ModerationError
	if errors.As(err, &modErr) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": modErr.Message})
	}

	switch {
	case errors.Is(err, entity.ErrValidation):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid task payload"})
	case errors.Is(err, entity.ErrModerationBlocked):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "content failed a safety check"})
	case errors.Is(err, entity.ErrRateLimited):
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limit exceeded"})
	case errors.Is(err, entity.ErrAlreadyInProgress):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "already in progress"})
	case errors.Is(err, entity.ErrUpstreamUnavailable):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "temporarily unavailable, please retry"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal gateway error"})
	}
}
