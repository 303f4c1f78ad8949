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
	"errors"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/require"

	commonpb "go.temporal.io/temporal-proto/common"
	decisionpb "go.temporal.io/temporal-proto/decision"
)

func newTestLocalActivityTask(id string, fn func(ctx context.Context) (*commonpb.Payloads, error), policy *LocalActivityRetryPolicy) *localActivityTask {
	return &localActivityTask{
		activityID: id,
		options:    LocalActivityOptions{RetryPolicy: policy},
		fn:         fn,
	}
}

// TestLocalActivityExecutor_SucceedsFirstAttempt covers the no-retry-needed
// path: one call to fn, attempts=1, no backoff.
func TestLocalActivityExecutor_SucceedsFirstAttempt(t *testing.T) {
	mockClock := clock.NewMock()
	executor := newLocalActivityExecutor(mockClock)

	encoded, err := encodeArgs(nil, []interface{}{"ok"})
	require.NoError(t, err)

	var calls int
	task := newTestLocalActivityTask("1", func(ctx context.Context) (*commonpb.Payloads, error) {
		calls++
		return encoded, nil
	}, nil)

	result := executor.execute(context.Background(), task, mockClock.Now().Add(time.Hour))
	require.NoError(t, result.err)
	require.Equal(t, int32(1), result.attempts)
	require.Equal(t, time.Duration(0), result.backoff)
	require.Equal(t, 1, calls)
}

// TestLocalActivityExecutor_NoRetryPolicy_FailsImmediately covers §4.5's
// rule that a local activity without a retry policy never gets a second
// attempt, regardless of remaining budget.
func TestLocalActivityExecutor_NoRetryPolicy_FailsImmediately(t *testing.T) {
	mockClock := clock.NewMock()
	executor := newLocalActivityExecutor(mockClock)

	wantErr := errors.New("boom")
	var calls int
	task := newTestLocalActivityTask("1", func(ctx context.Context) (*commonpb.Payloads, error) {
		calls++
		return nil, wantErr
	}, nil)

	result := executor.execute(context.Background(), task, mockClock.Now().Add(time.Hour))
	require.Equal(t, wantErr, result.err)
	require.Equal(t, int32(1), result.attempts)
	require.Equal(t, time.Duration(0), result.backoff)
	require.Equal(t, 1, calls)
}

// TestLocalActivityExecutor_MaximumAttemptsExhausted covers the retry-policy
// cap: once MaximumAttempts is reached, no further attempt is made even
// though budget remains.
func TestLocalActivityExecutor_MaximumAttemptsExhausted(t *testing.T) {
	mockClock := clock.NewMock()
	executor := newLocalActivityExecutor(mockClock)

	wantErr := errors.New("boom")
	var calls int
	task := newTestLocalActivityTask("1", func(ctx context.Context) (*commonpb.Payloads, error) {
		calls++
		return nil, wantErr
	}, &LocalActivityRetryPolicy{
		InitialInterval: time.Millisecond,
		MaximumAttempts: 1,
	})

	result := executor.execute(context.Background(), task, mockClock.Now().Add(time.Hour))
	require.Equal(t, wantErr, result.err)
	require.Equal(t, int32(1), result.attempts)
	require.Equal(t, 1, calls)
}

// TestLocalActivityExecutor_BackoffExceedsRemainingBudget covers the
// REDESIGN FLAG / Open Question 3 path: when the next backoff would run
// past the workflow task deadline, execute returns immediately with the
// residual backoff embedded in the result instead of sleeping past it.
func TestLocalActivityExecutor_BackoffExceedsRemainingBudget(t *testing.T) {
	mockClock := clock.NewMock()
	executor := newLocalActivityExecutor(mockClock)

	wantErr := errors.New("boom")
	var calls int
	task := newTestLocalActivityTask("1", func(ctx context.Context) (*commonpb.Payloads, error) {
		calls++
		return nil, wantErr
	}, &LocalActivityRetryPolicy{
		InitialInterval:    time.Minute,
		BackoffCoefficient: 2,
		MaximumAttempts:    5,
	})

	deadline := mockClock.Now().Add(time.Second)
	result := executor.execute(context.Background(), task, deadline)
	require.Equal(t, wantErr, result.err)
	require.Equal(t, int32(1), result.attempts)
	require.Equal(t, time.Minute, result.backoff)
	require.Equal(t, 1, calls)
}

// TestLocalActivityTask_NextBackoff_CapsAtMaximumInterval walks nextBackoff
// directly across several attempts to confirm the coefficient growth caps
// at MaximumInterval rather than growing unbounded.
func TestLocalActivityTask_NextBackoff_CapsAtMaximumInterval(t *testing.T) {
	task := &localActivityTask{options: LocalActivityOptions{RetryPolicy: &LocalActivityRetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2,
		MaximumInterval:    3 * time.Second,
		MaximumAttempts:    10,
	}}}

	backoff, retryable := task.nextBackoff(1, errors.New("x"))
	require.True(t, retryable)
	require.Equal(t, time.Second, backoff)

	backoff, retryable = task.nextBackoff(2, errors.New("x"))
	require.True(t, retryable)
	require.Equal(t, 2*time.Second, backoff)

	backoff, retryable = task.nextBackoff(3, errors.New("x"))
	require.True(t, retryable)
	require.Equal(t, 3*time.Second, backoff)

	backoff, retryable = task.nextBackoff(4, errors.New("x"))
	require.True(t, retryable)
	require.Equal(t, 3*time.Second, backoff)
}

// TestLocalActivityMarkerHandler_RecordThenReplayRoundTrips confirms the
// activityId-keyed side map (§4.5): recordResult's marker, once replayed
// through handleMarkerEvent, resolves lookup for the same activityId without
// going through initialCommandEventID.
func TestLocalActivityMarkerHandler_RecordThenReplayRoundTrips(t *testing.T) {
	commands := newCommandBuffer()
	recorder := newLocalActivityMarkerHandler(commands, nil)

	encoded, err := encodeArgs(nil, []interface{}{"done"})
	require.NoError(t, err)

	cmd := recorder.recordResult(&localActivityResult{
		task:     &localActivityTask{activityID: "1"},
		result:   encoded,
		attempts: 2,
	})
	command := cmd.getCommand()
	require.NotNil(t, command)
	require.Equal(t, decisionpb.DecisionType_RecordMarker, command.GetDecisionType())
	attrs := command.GetRecordMarkerDecisionAttributes()
	require.Equal(t, localActivityMarkerName, attrs.GetMarkerName())

	replay := newLocalActivityMarkerHandler(newCommandBuffer(), nil)
	event := newTestEventMarkerRecorded(5, attrs.GetMarkerName(), attrs.GetDetails())

	require.NoError(t, replay.handleMarkerEvent(event))
	metadata, data, ok := replay.lookup("1")
	require.True(t, ok)
	require.Equal(t, int32(2), metadata.Attempt)
	require.Empty(t, metadata.FailureMessage)

	var got string
	require.NoError(t, decodeArg(nil, data, 0, &got))
	require.Equal(t, "done", got)
}
