package reliability

import (
	"context"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	NetworkMaxRetries  = 3
	ResourceMaxRetries = 2
	MaxBackoff         = 60 * time.Second
	ResourcePause      = 5 * time.Second
)

// RecoveryPolicy retries a failed call for one error category.
type RecoveryPolicy struct {
	MaxRetries int
	// NewBackOff returns a fresh delay schedule for one recovery.
	NewBackOff func() backoff.BackOff
	// Applies gates the policy on the error itself. Nil means always.
	Applies func(err error) bool
	// BeforeRetry runs ahead of every pause, e.g. to free resources.
	BeforeRetry func(ctx context.Context)
}

func (p RecoveryPolicy) applies(err error) bool {
	return p.Applies == nil || p.Applies(err)
}

// NetworkBackOff doubles from one second up to MaxBackoff, without jitter.
func NetworkBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// ReclaimMemory asks the runtime to return freed memory to the OS.
func ReclaimMemory(context.Context) {
	runtime.GC()
	debug.FreeOSMemory()
}

// IsConnectionFailure reports whether the error text describes a failed
// or lost connection.
func IsConnectionFailure(err error) bool {
	msg := strings.ToLower(err.Error())
	return containsAny(msg, "connection", "connect", "dial", "refused", "broken pipe", "reset by peer")
}

// DefaultPolicies covers the recoverable categories. Every other category
// propagates on first failure.
func DefaultPolicies() map[Category]RecoveryPolicy {
	return map[Category]RecoveryPolicy{
		CategoryNetwork: {
			MaxRetries: NetworkMaxRetries,
			NewBackOff: NetworkBackOff,
		},
		CategoryResource: {
			MaxRetries:  ResourceMaxRetries,
			NewBackOff:  func() backoff.BackOff { return backoff.NewConstantBackOff(ResourcePause) },
			BeforeRetry: ReclaimMemory,
		},
		CategoryDatabase: {
			MaxRetries: NetworkMaxRetries,
			NewBackOff: NetworkBackOff,
			Applies:    IsConnectionFailure,
		},
	}
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retry re-runs op under the policy. It reports how many retries ran and
// whether one of them succeeded.
func (p RecoveryPolicy) retry(ctx context.Context, sleep Sleeper, op func(context.Context) error) (int, bool) {
	b := backoff.WithContext(backoff.WithMaxRetries(p.NewBackOff(), uint64(p.MaxRetries)), ctx)
	b.Reset()

	retries := 0
	for {
		d := b.NextBackOff()
		if d == backoff.Stop {
			return retries, false
		}
		if p.BeforeRetry != nil {
			p.BeforeRetry(ctx)
		}
		if err := sleep(ctx, d); err != nil {
			return retries, false
		}
		retries++
		if err := op(ctx); err == nil {
			return retries, true
		}
	}
}
