package engine

import (
	"context"
	"math"
	"time"
)

// Clock abstracts wall-clock time so retry and wait scheduling can be tested
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// RealClock returns the system clock
func RealClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// BackoffStrategy selects how the delay grows between coordinator retries
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
)

// BackoffPolicy computes the delay before the next coordinator-level retry
type BackoffPolicy struct {
	Strategy  BackoffStrategy
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultBackoffPolicy is exponential from 30s, capped at 30m
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Strategy:  BackoffExponential,
		BaseDelay: 30 * time.Second,
		MaxDelay:  30 * time.Minute,
	}
}

// Delay returns the wait before retry number retryCount+1.
// Exponential: base * 2^retryCount. Linear: base * (retryCount+1).
func (p BackoffPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	var d time.Duration
	switch p.Strategy {
	case BackoffLinear:
		d = base * time.Duration(retryCount+1)
	default:
		factor := math.Pow(2, float64(retryCount))
		if factor > float64(math.MaxInt64)/float64(base) {
			d = time.Duration(math.MaxInt64)
		} else {
			d = time.Duration(float64(base) * factor)
		}
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
