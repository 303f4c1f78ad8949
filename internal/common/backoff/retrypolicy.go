// The MIT License
//
// Copyright (c) 2020 Temporal Technologies Inc.  All rights reserved.
//
// Copyright (c) 2020 Uber Technologies, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package backoff

import "time"

// NoInterval, used as MaximumInterval or ExpirationInterval, means the
// corresponding cap does not apply.
const NoInterval = 0

// Clock is the time source a Retrier uses to compute elapsed time. Tests
// substitute a fake clock to assert backoff schedules without sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the default, wall-clock-backed Clock.
var SystemClock Clock = systemClock{}

// RetryPolicy describes an exponential backoff schedule: NextBackOff grows
// the previous interval by BackoffCoefficient each attempt, capped at
// MaximumInterval, until either MaximumAttempts or ExpirationInterval is
// exceeded.
type RetryPolicy interface {
	InitialInterval() time.Duration
	BackoffCoefficient() float64
	MaximumInterval() time.Duration
	ExpirationInterval() time.Duration
	MaximumAttempts() int
}

// ExponentialRetryPolicy is the RetryPolicy used throughout this SDK for
// RPC retries and local-activity in-task backoff.
type ExponentialRetryPolicy struct {
	initialInterval     time.Duration
	backoffCoefficient  float64
	maximumInterval     time.Duration
	expirationInterval  time.Duration
	maximumAttempts     int
}

// NewExponentialRetryPolicy builds a policy with a 2.0 backoff coefficient
// and no maximum interval/expiration/attempt cap; callers narrow it with
// the Set* methods.
func NewExponentialRetryPolicy(initialInterval time.Duration) *ExponentialRetryPolicy {
	return &ExponentialRetryPolicy{
		initialInterval:    initialInterval,
		backoffCoefficient: 2.0,
	}
}

func (p *ExponentialRetryPolicy) InitialInterval() time.Duration { return p.initialInterval }
func (p *ExponentialRetryPolicy) BackoffCoefficient() float64    { return p.backoffCoefficient }
func (p *ExponentialRetryPolicy) MaximumInterval() time.Duration { return p.maximumInterval }
func (p *ExponentialRetryPolicy) ExpirationInterval() time.Duration {
	return p.expirationInterval
}
func (p *ExponentialRetryPolicy) MaximumAttempts() int { return p.maximumAttempts }

func (p *ExponentialRetryPolicy) SetBackoffCoefficient(c float64) { p.backoffCoefficient = c }
func (p *ExponentialRetryPolicy) SetMaximumInterval(d time.Duration) { p.maximumInterval = d }
func (p *ExponentialRetryPolicy) SetExpirationInterval(d time.Duration) { p.expirationInterval = d }
func (p *ExponentialRetryPolicy) SetMaximumAttempts(n int) { p.maximumAttempts = n }

// done is the sentinel NextBackOff returns once the policy is exhausted.
const done time.Duration = -1

// Retrier tracks the mutable progress (elapsed time, attempt count,
// current interval) through one run of a RetryPolicy. It is not
// goroutine-safe; callers needing concurrent throttling wrap it (see
// ConcurrentRetrier).
type Retrier struct {
	policy     RetryPolicy
	clock      Clock
	startTime  time.Time
	currentAttempt int
	currentInterval time.Duration
}

// NewRetrier starts a fresh Retrier against policy, anchored at clock.Now().
func NewRetrier(policy RetryPolicy, clock Clock) Retrier {
	return Retrier{
		policy:          policy,
		clock:           clock,
		startTime:       clock.Now(),
		currentInterval: policy.InitialInterval(),
	}
}

// NextBackOff returns the next interval to sleep, or the done sentinel once
// MaximumAttempts or ExpirationInterval has been exceeded.
func (r *Retrier) NextBackOff() time.Duration {
	if max := r.policy.MaximumAttempts(); max > 0 && r.currentAttempt >= max {
		return done
	}
	if exp := r.policy.ExpirationInterval(); exp > NoInterval && r.clock.Now().Sub(r.startTime) > exp {
		return done
	}

	interval := r.currentInterval
	r.currentAttempt++
	next := time.Duration(float64(r.currentInterval) * r.policy.BackoffCoefficient())
	if max := r.policy.MaximumInterval(); max > NoInterval && next > max {
		next = max
	}
	r.currentInterval = next
	return interval
}

// Reset zeroes the attempt count and restarts the elapsed-time clock, as if
// a fresh Retrier had been created against the same policy.
func (r *Retrier) Reset() {
	r.currentAttempt = 0
	r.currentInterval = r.policy.InitialInterval()
	r.startTime = r.clock.Now()
}
