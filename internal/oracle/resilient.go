package oracle

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/deskflow/internal/retry"
)

// Resilient wraps an Oracle with retry logic, a request timeout, and a rate
// limiter shared across all conversations.
type Resilient struct {
	inner   Oracle
	cfg     retry.Config
	limiter *rate.Limiter
	timeout time.Duration
}

// ResilientOptions configures the resilient wrapper.
type ResilientOptions struct {
	Retry         retry.Config
	RatePerSecond float64
	Timeout       time.Duration
}

// NewResilient wraps inner with retries, rate limiting, and timeouts.
func NewResilient(inner Oracle, opts ResilientOptions) *Resilient {
	if opts.Retry.MaxRetries == 0 && opts.Retry.BaseDelay == 0 {
		opts.Retry = retry.OracleConfig()
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 90 * time.Second
	}
	return &Resilient{
		inner:   inner,
		cfg:     opts.Retry,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1),
		timeout: opts.Timeout,
	}
}

func (r *Resilient) do(ctx context.Context, op func(context.Context) error) error {
	result := retry.Do(ctx, r.cfg, func() error {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return op(attemptCtx)
	})
	if !result.Success {
		return result.LastError
	}
	return nil
}

// Ask implements Oracle.
func (r *Resilient) Ask(ctx context.Context, prompt string) (string, error) {
	var response string
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		response, err = r.inner.Ask(ctx, prompt)
		return err
	})
	return response, err
}

// Classify implements Oracle.
func (r *Resilient) Classify(ctx context.Context, prompt string, out any) error {
	return r.do(ctx, func(ctx context.Context) error {
		return r.inner.Classify(ctx, prompt, out)
	})
}

// Resolve implements Oracle.
func (r *Resilient) Resolve(ctx context.Context, transcript []TranscriptEntry, tools []ToolSpec) (*Turn, error) {
	var turn *Turn
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		turn, err = r.inner.Resolve(ctx, transcript, tools)
		return err
	})
	return turn, err
}
