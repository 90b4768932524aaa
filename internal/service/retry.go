package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"kasirledger/backend/internal/store"
)

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: 25 * time.Millisecond, MaxDelay: 400 * time.Millisecond}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// backoff returns base*2^(attempt-1) capped at MaxDelay, with up to 50% jitter.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := p.BaseDelay << (attempt - 1)
	if delay <= 0 || delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	half := int64(delay / 2)
	if half < 1 {
		return delay
	}
	return time.Duration(half + rand.Int64N(half+1))
}

// inTx runs fn in a fresh store transaction per attempt, handing it the attempt's
// deadline-bound context. Only store.ErrConflict is retried; fn must therefore
// rebuild all of its state on every call.
func (s *Service) inTx(ctx context.Context, op string, fn func(ctx context.Context, tx store.Tx) error) error {
	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.txTimeout)
		err := s.repo.WithinTx(attemptCtx, func(tx store.Tx) error {
			return fn(attemptCtx, tx)
		})
		deadlineHit := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if deadlineHit || errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("transaction attempt timed out", zap.String("op", op), zap.Int("attempt", attempt), zap.Duration("budget", s.txTimeout))
			return fmt.Errorf("%w: %s", ErrTimeout, op)
		}
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		if attempt >= s.retry.MaxAttempts {
			s.logger.Warn("write conflicts exhausted retries", zap.String("op", op), zap.Int("attempts", attempt), zap.Error(err))
			return fmt.Errorf("%w: %s gave up after %d attempts", ErrConflict, op, attempt)
		}

		delay := s.retry.backoff(attempt)
		s.logger.Debug("retrying after write conflict", zap.String("op", op), zap.Int("attempt", attempt), zap.Duration("delay", delay))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
