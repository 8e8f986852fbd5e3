// Package retry wraps a single remote operation with bounded exponential
// backoff. It knows nothing about conversations: callers hand it an operation
// returning a value or an error, and only overload-classified errors are
// retried.
package retry

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrOverloaded marks an error as a transient overload so callers can signal
// retry eligibility without string inspection.
var ErrOverloaded = errors.New("upstream overloaded")

// overloadIndicators are the textual failure signals the AI proxy emits. The
// proxy reports overload inside the error payload, so string matching cannot
// be avoided entirely; it is confined to Overloaded below.
var overloadIndicators = []string{
	"overloaded",
	"resource_exhausted",
	"resource exhausted",
	"status code: 503",
	"status: 503",
	"code = 503",
	"error 529",
}

// Policy bounds the retry loop. The zero value is unusable; use DefaultPolicy.
type Policy struct {
	Attempts int           // total attempts, including the first
	Base     time.Duration // delay before retry N is Base << (N-1)

	// Sleep replaces the real wait in tests. Nil means a timer honoring ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy is three attempts with a one second base delay, doubling
// before each retry.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Base: time.Second}
}

// Do runs op up to p.Attempts times. Failures classified by Overloaded are
// retried after Base, 2*Base, ... waits; any other failure propagates
// immediately. Exhausting the attempts returns the last error.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = wait
	}

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if attempt > 1 {
			delay := p.Base << (attempt - 2)
			if err := sleep(ctx, delay); err != nil {
				return zero, err
			}
		}
		out, err := op(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !Overloaded(err) {
			return zero, err
		}
	}
	return zero, lastErr
}

// Overloaded is the one boundary that classifies a failure as transient
// overload: an explicit ErrOverloaded wrap, an HTTP-style status carrier
// reporting 503, or an error payload naming overload or resource exhaustion.
func Overloaded(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOverloaded) {
		return true
	}
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) && sc.StatusCode() == 503 {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, indicator := range overloadIndicators {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
