// Package backoff computes retry_at delays for requeued tasks.
//
// spec.md leaves the default retry delay formula (2^(n+1) seconds,
// zero-indexed attempt n) unbounded and unjittered, and flags that as
// an open question for a production implementation. This package wires
// github.com/sethvargo/go-retry's exponential backoff to answer it: the
// same 2^(n+1) growth, now capped and optionally jittered.
package backoff

import (
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

// DefaultBase matches spec.md's formula: the first retry (attempt 0)
// waits 2s = 2^(0+1)s, the second waits 4s, and so on.
const DefaultBase = 2 * time.Second

// DefaultCap bounds the unbounded growth spec.md's open question warns
// about.
const DefaultCap = time.Hour

// DefaultJitterPercent is applied on top of the capped exponential
// delay to avoid synchronized retries across tasks that failed at the
// same moment.
const DefaultJitterPercent = 10

// Policy computes the retry_at delay for a given zero-indexed retry
// attempt.
type Policy struct {
	Base          time.Duration
	Cap           time.Duration
	JitterPercent uint64
}

// Default returns the policy used when an embedder doesn't configure
// one explicitly: 2^(n+1)s growth, capped at one hour, +/-10% jitter.
func Default() Policy {
	return Policy{Base: DefaultBase, Cap: DefaultCap, JitterPercent: DefaultJitterPercent}
}

// WithoutJitter returns a policy with deterministic delays, for tests
// that assert exact retry_at timestamps (spec.md §8's round-trip and
// end-to-end scenarios rely on this).
func WithoutJitter(cap time.Duration) Policy {
	return Policy{Base: DefaultBase, Cap: cap, JitterPercent: 0}
}

// Delay returns the backoff duration for the given zero-indexed retry
// attempt (retry_count before this retry is recorded).
func (p Policy) Delay(attempt int) (time.Duration, error) {
	if attempt < 0 {
		attempt = 0
	}

	if p.Base <= 0 {
		return 0, fmt.Errorf("backoff: build exponential: base must be positive, got %s", p.Base)
	}
	b := retry.NewExponential(p.Base)
	if p.Cap > 0 {
		b = retry.WithCappedDuration(p.Cap, b)
	}
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}

	var d time.Duration
	for i := 0; i <= attempt; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d, nil
}

// RetryAt returns now + Delay(attempt).
func (p Policy) RetryAt(now time.Time, attempt int) (time.Time, error) {
	d, err := p.Delay(attempt)
	if err != nil {
		return time.Time{}, err
	}
	return now.Add(d), nil
}
