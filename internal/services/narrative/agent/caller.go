package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/louisbranch/taleloom/internal/platform/logging"
	"github.com/louisbranch/taleloom/internal/platform/timeouts"
	"go.uber.org/zap"
)

// Observer receives one report per completed call.
type Observer interface {
	ObserveAgentCall(role string, attempts int, elapsed time.Duration, err error)
}

// CallerConfig tunes Caller.
type CallerConfig struct {
	// Timeout bounds each attempt.
	Timeout time.Duration
	// MaxTries counts the first attempt; transient failures are retried
	// until it is reached.
	MaxTries uint
	// RetryDelay is the initial backoff between tries.
	RetryDelay time.Duration
}

// Caller invokes an Agent with per-attempt timeouts and bounded retries.
type Caller struct {
	agent    Agent
	cfg      CallerConfig
	logger   *zap.Logger
	observer Observer
}

// NewCaller wraps agent. A zero config selects one retry and the shared
// agent timeout.
func NewCaller(agent Agent, cfg CallerConfig, logger *zap.Logger, observer Observer) *Caller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = timeouts.AgentCall
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 2
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	logger = logging.OrNop(logger)
	return &Caller{agent: agent, cfg: cfg, logger: logger, observer: observer}
}

// Call performs req and returns the response with the number of attempts made.
func (c *Caller) Call(ctx context.Context, req Request) (Response, int, error) {
	started := time.Now()
	attempts := 0
	operation := func() (Response, error) {
		attempts++
		res, err := c.attempt(ctx, req)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil || !(errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)) {
			return Response{}, backoff.Permanent(err)
		}
		c.logger.Warn("agent call failed",
			zap.String("role", req.Role),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		return Response{}, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.RetryDelay
	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(c.cfg.MaxTries),
	)
	if c.observer != nil {
		c.observer.ObserveAgentCall(req.Role, attempts, time.Since(started), err)
	}
	return res, attempts, err
}

func (c *Caller) attempt(ctx context.Context, req Request) (Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	res, err := c.agent.Invoke(callCtx, req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return Response{}, fmt.Errorf("%w: %s after %s", ErrTimeout, req.Role, c.cfg.Timeout)
		}
		return Response{}, err
	}
	if strings.TrimSpace(res.Text) == "" {
		return Response{}, fmt.Errorf("%w: %s returned empty text", ErrUnavailable, req.Role)
	}
	return res, nil
}

// Structured calls the agent for a JSON document, decodes it into T and
// runs check. Decode or check failures are fed back as repair hints up to
// maxRepairs extra calls. The returned count includes every attempt.
func Structured[T any](ctx context.Context, c *Caller, req Request, check func(T) error, maxRepairs int) (T, int, error) {
	var zero T
	req.Shape = ShapeJSON
	total := 0
	var lastErr error
	var lastRaw string
	for repair := 0; repair <= maxRepairs; repair++ {
		res, attempts, err := c.Call(ctx, req)
		total += attempts
		if err != nil {
			return zero, total, err
		}
		lastRaw = res.Text
		value, err := decode[T](res.Text)
		if err == nil && check != nil {
			err = check(value)
		}
		if err == nil {
			return value, total, nil
		}
		lastErr = err
		req.RepairHint = err.Error()
		c.logger.Info("agent response rejected",
			zap.String("role", req.Role),
			zap.Int("repair", repair),
			zap.Error(err),
		)
	}
	return zero, total, &ValidationError{Role: req.Role, Raw: lastRaw, Attempts: total, Err: lastErr}
}

func decode[T any](text string) (T, error) {
	var value T
	raw, err := ExtractJSON(text)
	if err != nil {
		return value, err
	}
	decoder := json.NewDecoder(strings.NewReader(raw))
	if err := decoder.Decode(&value); err != nil {
		return value, fmt.Errorf("decode %T: %w", value, err)
	}
	return value, nil
}
