// Copyright (c) 2017 Uber Technologies, Inc.
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

package metrics

import (
	"time"

	"github.com/uber-go/tally"
)

// Clock is the narrow time source replayAwareScope needs, so tests can swap
// in a deterministic one instead of wall-clock time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// TaggedScope is a tally.Scope that remembers its own tags, so repeated
// per-task-poller Tagged(...) calls (domain, task list, worker identity) only
// have to be computed once at construction.
type TaggedScope struct {
	tally.Scope
}

// NewTaggedScope wraps scope (falling back to tally.NoopScope if nil, so a
// worker started without a metrics scope configured never has to nil-check
// metricsScope before every Counter/Timer call).
func NewTaggedScope(scope tally.Scope) *TaggedScope {
	if scope == nil {
		scope = tally.NoopScope
	}
	return &TaggedScope{Scope: scope}
}

// GetTaggedScope returns a child scope with the given key/value tag pairs
// applied, mirroring the variadic tagging convention used throughout
// internal_task_pollers.go's poller setup.
func (ts *TaggedScope) GetTaggedScope(keyValueTags ...string) *TaggedScope {
	if len(keyValueTags)%2 != 0 {
		panic("odd number of key/value tags to GetTaggedScope")
	}
	if len(keyValueTags) == 0 {
		return ts
	}
	tagMap := make(map[string]string, len(keyValueTags)/2)
	for i := 0; i < len(keyValueTags); i += 2 {
		tagMap[keyValueTags[i]] = keyValueTags[i+1]
	}
	return &TaggedScope{Scope: ts.Scope.Tagged(tagMap)}
}

// replayAwareScope suppresses counters while a decider is replaying history
// (§4.1's replaying flag) so a cache-cold rebuild doesn't re-report every
// metric the first run already reported; timers, gauges and histograms pass
// through unchanged since replay's own latency is still worth measuring.
type replayAwareScope struct {
	scope    tally.Scope
	isReplay *bool
	clock    Clock
}

// WrapScope adapts scope into a replay-aware one. clock is accepted for
// parity with the counters/timers this package may add that need to measure
// elapsed replay time directly rather than through the caller's own
// time.Since bookkeeping.
func WrapScope(isReplay *bool, scope tally.Scope, clock Clock) tally.Scope {
	if clock == nil {
		clock = realClock{}
	}
	return &replayAwareScope{scope: scope, isReplay: isReplay, clock: clock}
}

func (r *replayAwareScope) Counter(name string) tally.Counter {
	return &replayAwareCounter{counter: r.scope.Counter(name), isReplay: r.isReplay}
}

func (r *replayAwareScope) Gauge(name string) tally.Gauge {
	return r.scope.Gauge(name)
}

func (r *replayAwareScope) Timer(name string) tally.Timer {
	return r.scope.Timer(name)
}

func (r *replayAwareScope) Histogram(name string, b tally.Buckets) tally.Histogram {
	return r.scope.Histogram(name, b)
}

func (r *replayAwareScope) Tagged(tags map[string]string) tally.Scope {
	return WrapScope(r.isReplay, r.scope.Tagged(tags), r.clock)
}

func (r *replayAwareScope) SubScope(name string) tally.Scope {
	return WrapScope(r.isReplay, r.scope.SubScope(name), r.clock)
}

func (r *replayAwareScope) Capabilities() tally.Capabilities {
	return r.scope.Capabilities()
}

// replayAwareCounter drops Inc calls made while isReplay reports true.
type replayAwareCounter struct {
	counter  tally.Counter
	isReplay *bool
}

func (c *replayAwareCounter) Inc(delta int64) {
	if c.isReplay != nil && *c.isReplay {
		return
	}
	c.counter.Inc(delta)
}
