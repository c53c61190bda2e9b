// Package resilience оборачивает внешние вызовы (LLM, коннекторы CRM) в Rate Limiter,
// Circuit Breaker, Retry с бэкоффом и таймаут на попытку.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/studiocrm-agent/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrUnavailable предохранитель разомкнут, вызов не выполнялся.
var ErrUnavailable = errors.New("dependency unavailable")

// ThrottleError внешняя система попросила подождать (Retry-After).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent помечает ошибку как не подлежащую повтору. Предохранитель ее не считает отказом:
// зависимость ответила, просто ответ отрицательный.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type Settings struct {
	Name             string
	MaxRequests      uint32        // пропускная способность в half-open
	Interval         time.Duration // период сброса счетчиков в closed
	Timeout          time.Duration // через сколько CB попробует "закрыться"
	FailureThreshold uint32        // ошибок подряд до размыкания
	Attempts         uint
	AttemptTimeout   time.Duration
	RateLimit        float64 // запросов в секунду, 0 без ограничения
	Burst            int
}

type Guard struct {
	name           string
	cb             *gobreaker.CircuitBreaker
	limiter        *rate.Limiter
	attempts       uint
	attemptTimeout time.Duration
	logger         *zap.Logger
}

func New(s Settings, m *metrics.Metrics, logger *zap.Logger) *Guard {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.Attempts == 0 {
		s.Attempts = 1
	}
	if s.Burst <= 0 {
		s.Burst = 1
	}
	logger = logger.Named("resilience").With(zap.String("breaker", s.Name))

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			var p *permanentError
			return err == nil || errors.As(err, &p) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
			if m != nil {
				m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})

	limiter := rate.NewLimiter(rate.Inf, s.Burst)
	if s.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.RateLimit), s.Burst)
	}

	return &Guard{
		name:           s.Name,
		cb:             cb,
		limiter:        limiter,
		attempts:       s.Attempts,
		attemptTimeout: s.AttemptTimeout,
		logger:         logger,
	}
}

// Do выполняет fn под защитой. fn получает контекст с таймаутом попытки.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	// 1. Rate Limiter
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limit exceeded: %w", g.name, err)
	}

	// 2. Circuit Breaker
	_, err := g.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(g.attempts),
			// Умный расчет задержки
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		// Последнюю ошибку храним сами: форма ошибки retry-go нам не важна
		var lastErr error
		retryErr := r.Do(func() error {
			aCtx, cancel := ctx, context.CancelFunc(func() {})
			if g.attemptTimeout > 0 {
				aCtx, cancel = context.WithTimeout(ctx, g.attemptTimeout)
			}
			defer cancel()

			lastErr = fn(aCtx)
			var p *permanentError
			if errors.As(lastErr, &p) {
				return nil // повторять бессмысленно
			}
			return lastErr
		})
		if lastErr == nil && retryErr != nil {
			lastErr = retryErr
		}
		return nil, lastErr
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%s: %w", g.name, ErrUnavailable)
	}

	var p *permanentError
	if errors.As(err, &p) {
		return p.err
	}
	return err
}

// Call типизированный вариант Do.
func Call[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// State текущее состояние предохранителя для health-check.
func (g *Guard) State() string { return g.cb.State().String() }
