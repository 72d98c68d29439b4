package usecase

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"surveygate/internal/domain/entity"
	"surveygate/internal/domain/repository"
)

// ResilientProvider wraps the model provider with a per-call timeout,
// bounded retries with exponential backoff, and a one-shot fallback model
// tier. Only transient provider errors are retried.
type ResilientProvider struct {
	primary    repository.ModelProvider
	fallback   repository.ModelProvider // optional cheaper tier
	maxRetries int
	baseDelay  time.Duration
	timeout    time.Duration
	log        *slog.Logger
}

func NewResilientProvider(primary, fallback repository.ModelProvider, timeout time.Duration, log *slog.Logger) *ResilientProvider {
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &ResilientProvider{
		primary:    primary,
		fallback:   fallback,
		maxRetries: 2, // 3 attempts total on primary
		baseDelay:  500 * time.Millisecond,
		timeout:    timeout,
		log:        log,
	}
}

func (r *ResilientProvider) Generate(ctx context.Context, prompt string) (*entity.ModelResult, error) {
	// One slow upstream call must not hold the whole request hostage.
	resCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.executeWithRetry(resCtx, r.primary, prompt)
	if err == nil {
		return resp, nil
	}

	if r.fallback == nil || !entity.IsTransient(err) {
		return nil, err
	}

	r.log.Warn("provider.primary_exhausted", "error", err)
	resp, ferr := r.fallback.Generate(resCtx, prompt)
	if ferr != nil {
		return nil, err // surface the primary's classification
	}
	return resp, nil
}

func (r *ResilientProvider) executeWithRetry(ctx context.Context, p repository.ModelProvider, prompt string) (*entity.ModelResult, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		resp, err := p.Generate(ctx, prompt)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !entity.IsTransient(err) || attempt == r.maxRetries {
			break
		}

		select {
		case <-time.After(r.backoff(attempt, err)):
		case <-ctx.Done():
			return nil, &entity.ProviderError{Transient: true, Err: ctx.Err()}
		}
	}
	return nil, lastErr
}

// backoff doubles the base delay per attempt with 20% jitter, honoring a
// provider-reported retry-after when it is longer.
func (r *ResilientProvider) backoff(attempt int, err error) time.Duration {
	wait := float64(r.baseDelay) * float64(int(1)<<attempt)
	wait += rand.Float64() * 0.2 * wait

	var pe *entity.ProviderError
	if errors.As(err, &pe) && pe.RetryAfter > time.Duration(wait) {
		return pe.RetryAfter
	}
	return time.Duration(wait)
}
