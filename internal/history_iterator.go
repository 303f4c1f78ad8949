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
	"fmt"

	eventpb "go.temporal.io/temporal-proto/event"
)

type (
	// EventReader is the lazy event source a HistoryIterator chops into
	// workflow-task slices. The long-poll transport and history-paging
	// client (out of scope per §1) are expected to implement this by
	// fetching pages on demand; tests implement it directly over an
	// in-memory slice.
	EventReader interface {
		// Next returns the next history event in order, or ok=false once
		// the stream is exhausted.
		Next() (event *Event, ok bool, err error)
	}

	sliceEventReader struct {
		events []*Event
		pos    int
	}

	// WorkflowTaskSlice is one workflow task's worth of history, as chopped
	// out by the iterator (§3 "Workflow-task slice").
	WorkflowTaskSlice struct {
		// Events is the new non-command events delivered to the workflow
		// since its last task.
		Events []*Event
		// CommandEvents is the command events produced as a result of the
		// previous task, present so the decider can replay its state
		// machines deterministically before running new code.
		CommandEvents []*Event
		// Replay is false only for the freshest (most recently written)
		// task in the history.
		Replay bool
		// ReplayCurrentTimeMillis is the WorkflowTaskStarted timestamp for
		// this slice, in epoch milliseconds.
		ReplayCurrentTimeMillis int64
		// NextCommandEventID is the event id the first new command emitted
		// from this slice's task will occupy.
		NextCommandEventID int64
	}

	// HistoryIterator produces the lazy sequence of WorkflowTaskSlice
	// described in §4.1.
	HistoryIterator interface {
		HasNextWorkflowTask() bool
		NextWorkflowTask() (*WorkflowTaskSlice, error)
	}

	historyIterator struct {
		reader   EventReader
		peeked   *Event
		hasPeek  bool
		peekErr  error
		finished bool
	}
)

// NewSliceEventReader adapts an in-memory event slice (as used by golden
// replay tests, §8 property 1) to EventReader.
func NewSliceEventReader(events []*Event) EventReader {
	return &sliceEventReader{events: events}
}

func (r *sliceEventReader) Next() (*Event, bool, error) {
	if r.pos >= len(r.events) {
		return nil, false, nil
	}
	e := r.events[r.pos]
	r.pos++
	return e, true, nil
}

// NewHistoryIterator wraps a raw event stream into a HistoryIterator.
func NewHistoryIterator(reader EventReader) HistoryIterator {
	return &historyIterator{reader: reader}
}

func (it *historyIterator) peek() (*Event, bool, error) {
	if !it.hasPeek {
		it.peeked, it.hasPeek, it.peekErr = it.reader.Next()
	}
	return it.peeked, it.hasPeek, it.peekErr
}

func (it *historyIterator) consumePeek() *Event {
	e := it.peeked
	it.peeked = nil
	it.hasPeek = false
	it.peekErr = nil
	return e
}

func (it *historyIterator) HasNextWorkflowTask() bool {
	if it.finished {
		return false
	}
	_, ok, err := it.peek()
	return ok && err == nil
}

// NextWorkflowTask implements §4.1 steps 1-5.
func (it *historyIterator) NextWorkflowTask() (*WorkflowTaskSlice, error) {
	var events []*Event

	for {
		e, ok, err := it.peek()
		if err != nil {
			return nil, err
		}
		if !ok {
			it.finished = true
			if len(events) == 0 {
				return nil, nil
			}
			return nil, newNonDeterministicError(fmt.Sprintf(
				"history ended mid workflow task after %d pending event(s) with no WorkflowTaskStarted", len(events)))
		}
		it.consumePeek()

		if e.GetEventType() != eventpb.EventType_WorkflowTaskStarted {
			events = append(events, e)
			continue
		}

		replayClockMillis := e.GetTimestamp()

		next, hasNext, err := it.peek()
		if err != nil {
			return nil, err
		}
		if !hasNext {
			// This is the freshest task: reserve space for the WorkflowTaskCompleted
			// event the server is about to write once this task's commands are sent.
			return &WorkflowTaskSlice{
				Events:                  events,
				Replay:                  false,
				ReplayCurrentTimeMillis: replayClockMillis,
				NextCommandEventID:      e.GetEventId() + 2,
			}, nil
		}

		switch next.GetEventType() {
		case eventpb.EventType_WorkflowTaskTimedOut, eventpb.EventType_WorkflowTaskFailed:
			// This task attempt never produced commands; treat it as if it never
			// happened and keep accumulating non-command events for the next attempt.
			it.consumePeek()
			continue

		case eventpb.EventType_WorkflowTaskCompleted:
			completed := it.consumePeek()
			nextCommandEventID := completed.GetEventId() + 1

			var commandEvents []*Event
			for {
				ce, hasMore, err := it.peek()
				if err != nil {
					return nil, err
				}
				if !hasMore || !isCommandEvent(ce) {
					break
				}
				it.consumePeek()
				commandEvents = append(commandEvents, ce)
			}

			return &WorkflowTaskSlice{
				Events:                  events,
				CommandEvents:           commandEvents,
				Replay:                  true,
				ReplayCurrentTimeMillis: replayClockMillis,
				NextCommandEventID:      nextCommandEventID,
			}, nil

		default:
			return nil, newNonDeterministicError(fmt.Sprintf(
				"unexpected event type %v following WorkflowTaskStarted", next.GetEventType()))
		}
	}
}
