package providers

import (
	"context"
	"log/slog"
	"time"

	"github.com/LanternOps/breeze-sub012/internal/llm"
	"github.com/LanternOps/breeze-sub012/internal/retry"
)

// RetryHook observes a retried provider call.
type RetryHook func(provider string, attempt int, reason FailoverReason, delay time.Duration)

// Resilient wraps a provider with bounded retries. A call is retried when
// opening it fails, or when its first chunk is an error, with a retryable
// classification. Once any output has been forwarded the call is never
// repeated.
type Resilient struct {
	provider llm.Provider
	config   retry.Config
	logger   *slog.Logger
	onRetry  RetryHook
}

// ResilientOption configures a Resilient provider.
type ResilientOption func(*Resilient)

// WithRetryConfig overrides the retry schedule.
func WithRetryConfig(config retry.Config) ResilientOption {
	return func(r *Resilient) {
		r.config = config
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ResilientOption {
	return func(r *Resilient) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRetryHook registers a hook invoked before each retry sleep.
func WithRetryHook(hook RetryHook) ResilientOption {
	return func(r *Resilient) {
		r.onRetry = hook
	}
}

// NewResilient wraps provider with retry.ProviderConfig.
func NewResilient(provider llm.Provider, opts ...ResilientOption) *Resilient {
	r := &Resilient{
		provider: provider,
		config:   retry.ProviderConfig(),
		logger:   slog.Default().With("component", "providers"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the wrapped provider's name.
func (r *Resilient) Name() string {
	return r.provider.Name()
}

type primedStream struct {
	first *llm.Chunk
	rest  <-chan *llm.Chunk
}

// Complete runs the wrapped call under the retry policy. A final failure is
// returned as *FailedError carrying a fixed user-facing message.
func (r *Resilient) Complete(ctx context.Context, req *llm.Request) (<-chan *llm.Chunk, error) {
	config := r.config
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		reason := ClassifyError(err)
		r.logger.Warn("provider call failed, retrying",
			"provider", r.Name(),
			"model", req.Model,
			"attempt", attempt,
			"reason", reason,
			"delay", delay,
			"error", err)
		if r.onRetry != nil {
			r.onRetry(r.Name(), attempt, reason, delay)
		}
	}

	primed, result := retry.DoWithValue(ctx, config, func(int) (*primedStream, error) {
		return r.attempt(ctx, req)
	})
	if result.Err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		failed := &FailedError{
			Message:  UserMessage(result.Err),
			Attempts: result.Attempts,
			Cause:    result.Err,
		}
		r.logger.Error("provider call failed",
			"provider", r.Name(),
			"model", req.Model,
			"attempts", result.Attempts,
			"reason", failed.Reason(),
			"error", result.Err)
		return nil, failed
	}

	out := make(chan *llm.Chunk)
	go r.forward(ctx, primed, out)
	return out, nil
}

// attempt opens one call and waits for its first chunk.
func (r *Resilient) attempt(ctx context.Context, req *llm.Request) (*primedStream, error) {
	chunks, err := r.provider.Complete(ctx, req)
	if err != nil {
		return nil, r.classify(err, req.Model)
	}

	select {
	case <-ctx.Done():
		go drain(chunks)
		return nil, retry.Permanent(ctx.Err())
	case first, ok := <-chunks:
		if !ok {
			return &primedStream{rest: chunks}, nil
		}
		if first.Error != nil {
			go drain(chunks)
			return nil, r.classify(first.Error, req.Model)
		}
		return &primedStream{first: first, rest: chunks}, nil
	}
}

func (r *Resilient) classify(err error, model string) error {
	providerErr, ok := GetProviderError(err)
	if !ok {
		providerErr = NewProviderError(r.Name(), model, err)
	}
	if !providerErr.Reason.IsRetryable() {
		return retry.Permanent(providerErr)
	}
	return providerErr
}

func (r *Resilient) forward(ctx context.Context, stream *primedStream, out chan<- *llm.Chunk) {
	defer close(out)

	if stream.first != nil && !send(ctx, out, stream.first) {
		go drain(stream.rest)
		return
	}
	for chunk := range stream.rest {
		if chunk.Error != nil {
			chunk = &llm.Chunk{
				Error: &FailedError{Message: UserMessage(chunk.Error), Attempts: 1, Cause: chunk.Error},
				Done:  true,
			}
		}
		if !send(ctx, out, chunk) {
			go drain(stream.rest)
			return
		}
	}
}

func drain(chunks <-chan *llm.Chunk) {
	for range chunks {
	}
}
