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

package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/facebookgo/clock"
	commonpb "go.temporal.io/temporal-proto/common"
)

const localActivityHeaderActivityIDField = "activityId"

type (
	// LocalActivityRetryPolicy governs in-task retry of a local activity
	// (§4.5). Unlike a server-scheduled activity's retry policy, this one is
	// consulted entirely on the client side by localActivityExecutor.
	LocalActivityRetryPolicy struct {
		InitialInterval    time.Duration
		BackoffCoefficient float64
		MaximumInterval    time.Duration
		MaximumAttempts    int32
	}

	// LocalActivityOptions configures a local activity invocation.
	LocalActivityOptions struct {
		ScheduleToCloseTimeout time.Duration
		StartToCloseTimeout    time.Duration
		RetryPolicy            *LocalActivityRetryPolicy
	}

	// localActivityTask is the unit of work handed to the local-activity
	// worker by scheduleLocalActivity.
	localActivityTask struct {
		activityID  string
		attempt     int32
		options     LocalActivityOptions
		fn          func(ctx context.Context) (*commonpb.Payloads, error)
		header      *commonpb.Header
		elapsedTime time.Duration
	}

	// localActivityMarkerMetadata is the structured half of a local-activity
	// marker's Details (§4.5): (activityId, result|failure, attempt,
	// backoff, replayTimeMillis). The raw successful result payload, when
	// present, is concatenated after this value's own encoded payload.
	localActivityMarkerMetadata struct {
		ActivityID       string
		Attempt          int32
		BackoffMillis    int64
		ReplayTimeMillis int64
		FailureMessage   string // empty on success
	}

	// localActivityResult is what the worker posts back once an attempt
	// either succeeds, exhausts retries, or exhausts this task's budget.
	localActivityResult struct {
		task     *localActivityTask
		result   *commonpb.Payloads
		err      error
		backoff  time.Duration // > 0 means: reschedule via timer, do not mark done yet
		attempts int32
	}

	// localActivityExecutor runs a local activity's in-task retry loop
	// (§4.5). clock is injectable so retry-budget tests don't sleep for
	// real.
	localActivityExecutor struct {
		clock clock.Clock
	}
)

func newLocalActivityExecutor(c clock.Clock) *localActivityExecutor {
	if c == nil {
		c = clock.New()
	}
	return &localActivityExecutor{clock: c}
}

// execute runs task to completion or until its retry budget no longer fits
// inside the remaining workflow task time, per §4.5's retry-inside-the-task
// rule (REDESIGN FLAG, Open Question 3: once the budget is exhausted the
// residual backoff is embedded in the result rather than blocking on
// time.Sleep past the deadline).
func (e *localActivityExecutor) execute(ctx context.Context, task *localActivityTask, workflowTaskDeadline time.Time) *localActivityResult {
	attempt := task.attempt
	for {
		start := e.clock.Now()
		result, err := task.fn(ctx)
		task.elapsedTime += e.clock.Now().Sub(start)
		attempt++

		if err == nil {
			return &localActivityResult{task: task, result: result, attempts: attempt}
		}

		backoff, retryable := task.nextBackoff(attempt, err)
		if !retryable {
			return &localActivityResult{task: task, err: err, attempts: attempt}
		}

		remaining := workflowTaskDeadline.Sub(e.clock.Now())
		if backoff >= remaining {
			return &localActivityResult{task: task, err: err, backoff: backoff, attempts: attempt}
		}

		e.clock.Sleep(backoff)
		task.elapsedTime += backoff
	}
}

// nextBackoff reports the delay before the next attempt and whether one
// should happen at all, given task's retry policy.
func (t *localActivityTask) nextBackoff(nextAttempt int32, err error) (time.Duration, bool) {
	policy := t.options.RetryPolicy
	if policy == nil {
		return 0, false
	}
	if policy.MaximumAttempts > 0 && nextAttempt >= policy.MaximumAttempts {
		return 0, false
	}
	interval := policy.InitialInterval
	coeff := policy.BackoffCoefficient
	if coeff <= 0 {
		coeff = 1
	}
	for i := int32(1); i < nextAttempt; i++ {
		interval = time.Duration(float64(interval) * coeff)
		if policy.MaximumInterval > 0 && interval > policy.MaximumInterval {
			interval = policy.MaximumInterval
			break
		}
	}
	return interval, true
}

// localActivityMarkerHandler matches replayed local-activity markers to
// their pending local activities by activityId, the side-map lookup §4.5
// calls for instead of routing through initialCommandEventID like other
// command events.
type localActivityMarkerHandler struct {
	buffer        *commandBuffer
	dataConverter DataConverter
	resolved      map[string]*localActivityMarkerMetadata
	resolvedData  map[string]*commonpb.Payloads
}

func newLocalActivityMarkerHandler(buffer *commandBuffer, dataConverter DataConverter) *localActivityMarkerHandler {
	return &localActivityMarkerHandler{
		buffer:        buffer,
		dataConverter: dataConverter,
		resolved:      make(map[string]*localActivityMarkerMetadata),
		resolvedData:  make(map[string]*commonpb.Payloads),
	}
}

// handleMarkerEvent decodes a replayed local-activity marker and caches its
// resolution by activityId.
func (h *localActivityMarkerHandler) handleMarkerEvent(e *Event) error {
	attrs := e.GetMarkerRecordedEventAttributes()
	var metadata localActivityMarkerMetadata
	if err := decodeArg(h.dataConverter, attrs.GetDetails(), 0, &metadata); err != nil {
		return fmt.Errorf("decoding local activity marker metadata: %w", err)
	}
	h.resolved[metadata.ActivityID] = &metadata
	h.resolvedData[metadata.ActivityID] = payloadAt(attrs.GetDetails(), 1)
	return nil
}

// lookup returns the cached resolution for activityID, if the current
// replay has already reached its marker.
func (h *localActivityMarkerHandler) lookup(activityID string) (*localActivityMarkerMetadata, *commonpb.Payloads, bool) {
	metadata, ok := h.resolved[activityID]
	if !ok {
		return nil, nil, false
	}
	return metadata, h.resolvedData[activityID], true
}

// recordResult posts result as a local-activity marker, keyed by activityId
// in the marker's header so replay can find it without an event id (§4.5).
func (h *localActivityMarkerHandler) recordResult(result *localActivityResult) commandStateMachine {
	failureMessage := ""
	if result.err != nil {
		failureMessage = result.err.Error()
	}
	metadata := localActivityMarkerMetadata{
		ActivityID:     result.task.activityID,
		Attempt:        result.attempts,
		BackoffMillis:  result.backoff.Milliseconds(),
		FailureMessage: failureMessage,
	}
	encoded, err := encodeArgs(h.dataConverter, []interface{}{metadata})
	if err != nil {
		panic(err)
	}
	details := encoded
	if result.result != nil {
		details = concatPayloads(encoded, result.result)
	}
	header := &commonpb.Header{Fields: map[string][]byte{
		localActivityHeaderActivityIDField: []byte(result.task.activityID),
	}}
	return h.buffer.recordLocalActivityMarker(result.task.activityID, details, header)
}
