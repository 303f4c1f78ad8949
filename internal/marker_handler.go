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

	commonpb "go.temporal.io/temporal-proto/common"
)

type (
	// mutableSideEffectRecord is the in-memory (last value, accessCount)
	// pair §4.4 describes for a single mutableSideEffect id.
	mutableSideEffectRecord struct {
		lastValue         *commonpb.Payloads
		markerAccessCount int64 // accessCount carried by the most recently consumed marker, 0 if none
		liveAccessCount   int64 // calls made against this id so far this run
	}

	// markerHandler implements the side-effect, mutable-side-effect, and
	// version marker semantics of §4.4. All three marker kinds are recorded
	// through the same markerCommandStateMachine in commandBuffer and are
	// differentiated here purely by MarkerName.
	markerHandler struct {
		buffer        *commandBuffer
		dataConverter DataConverter

		sideEffectResults  map[int64]*commonpb.Payloads
		mutableSideEffects map[string]*mutableSideEffectRecord
		versions           map[string]Version

		// pendingVersionChangeIDs holds change ids whose version marker has
		// been observed in history (via handleMarkerEvent) but not yet
		// claimed by a matching version() call during this replay, in the
		// order their markers appear in history. A change id is claimed,
		// and drops off the front of this list, the moment code calls
		// version() for it; anything still here when a brand-new
		// non-marker command is about to be emitted belonged to a
		// getVersion call site the workflow code no longer has.
		pendingVersionChangeIDs []string
	}
)

func newMarkerHandler(buffer *commandBuffer, dataConverter DataConverter) *markerHandler {
	return &markerHandler{
		buffer:             buffer,
		dataConverter:      dataConverter,
		sideEffectResults:  make(map[int64]*commonpb.Payloads),
		mutableSideEffects: make(map[string]*mutableSideEffectRecord),
		versions:           make(map[string]Version),
	}
}

// handleMarkerEvent processes a replayed MarkerRecorded command event (§4.3
// step 2a), populating the caches that sideEffect/mutableSideEffect/version
// consult once workflow code resumes running in the same workflow task.
func (m *markerHandler) handleMarkerEvent(e *Event) error {
	attrs := e.GetMarkerRecordedEventAttributes()
	switch attrs.GetMarkerName() {
	case sideEffectMarkerName:
		m.sideEffectResults[e.GetEventId()] = attrs.GetDetails()

	case mutableSideEffectMarkerName:
		var id string
		var accessCount int64
		if err := decodeArg(m.dataConverter, attrs.GetDetails(), 0, &id); err != nil {
			return fmt.Errorf("decoding mutableSideEffect marker id: %w", err)
		}
		if err := decodeArg(m.dataConverter, attrs.GetDetails(), 1, &accessCount); err != nil {
			return fmt.Errorf("decoding mutableSideEffect marker accessCount: %w", err)
		}
		rec := m.mutableSideEffectRecord(id)
		if accessCount >= rec.markerAccessCount {
			rec.markerAccessCount = accessCount
			rec.lastValue = payloadAt(attrs.GetDetails(), 2)
		}

	case versionMarkerName:
		var changeID string
		var version Version
		if err := decodeArg(m.dataConverter, attrs.GetDetails(), 0, &changeID); err != nil {
			return fmt.Errorf("decoding version marker changeID: %w", err)
		}
		if err := decodeArg(m.dataConverter, attrs.GetDetails(), 1, &version); err != nil {
			return fmt.Errorf("decoding version marker version: %w", err)
		}
		m.versions[changeID] = version
		m.pendingVersionChangeIDs = append(m.pendingVersionChangeIDs, changeID)
	}
	return nil
}

func (m *markerHandler) mutableSideEffectRecord(id string) *mutableSideEffectRecord {
	rec, ok := m.mutableSideEffects[id]
	if !ok {
		rec = &mutableSideEffectRecord{}
		m.mutableSideEffects[id] = rec
	}
	return rec
}

// sideEffect implements §4.4's sideEffect(f): the first call this run
// reserves the event id the eventual RecordMarker event will occupy and
// either replays the recorded result or invokes f and records one.
func (m *markerHandler) sideEffect(replaying bool, f func() (*commonpb.Payloads, error)) (*commonpb.Payloads, error) {
	id := m.buffer.getNextID()
	if replaying {
		result, ok := m.sideEffectResults[id]
		if !ok {
			return nil, newNonDeterministicError(fmt.Sprintf("missing side effect marker for event id %v", id))
		}
		return result, nil
	}
	result, err := f()
	if err != nil {
		return nil, err
	}
	m.buffer.recordSideEffectMarker(id, result)
	m.sideEffectResults[id] = result
	return result, nil
}

// mutableSideEffect implements §4.4's mutableSideEffect(id, f). f receives
// the last stored value (nil on the first call) and returns the candidate
// new value plus whether it differs from what's stored; a marker is only
// recorded when it does.
func (m *markerHandler) mutableSideEffect(replaying bool, id string, f func(stored *commonpb.Payloads) (*commonpb.Payloads, bool)) (*commonpb.Payloads, error) {
	rec := m.mutableSideEffectRecord(id)
	rec.liveAccessCount++
	current := rec.liveAccessCount

	if replaying {
		// The marker (if any) for this call index was already folded into
		// rec by handleMarkerEvent during the command-event replay pass
		// that preceded this workflow code resuming (§4.3 steps 2a/3).
		if rec.markerAccessCount <= current {
			return rec.lastValue, nil
		}
		return rec.lastValue, nil
	}

	newValue, changed := f(rec.lastValue)
	if changed {
		header, err := encodeArgs(m.dataConverter, []interface{}{id, current})
		if err != nil {
			return nil, err
		}
		m.buffer.recordMutableSideEffectMarker(id, concatPayloads(header, newValue), nil)
		rec.lastValue = newValue
		rec.markerAccessCount = current
	}
	return rec.lastValue, nil
}

// version implements §4.4's version(changeId, min, max). The first call for
// a changeId within this run either replays the recorded version or, when
// not replaying, picks maxSupported and records it.
func (m *markerHandler) version(replaying bool, changeID string, minSupported, maxSupported Version) (Version, error) {
	if v, ok := m.versions[changeID]; ok {
		m.claimVersionMarker(changeID)
		return v, nil
	}
	if replaying {
		return DefaultVersion, nil
	}
	m.buffer.recordVersionMarker(changeID, maxSupported, m.dataConverter)
	m.versions[changeID] = maxSupported
	return maxSupported, nil
}

// claimVersionMarker backfills markers for any change ids whose history
// marker precedes changeID's but were never claimed — call sites the
// workflow code has since deleted — then drops changeID itself off the
// pending list (Open Question 1).
func (m *markerHandler) claimVersionMarker(changeID string) {
	idx := -1
	for i, cid := range m.pendingVersionChangeIDs {
		if cid == changeID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	for _, orphaned := range m.pendingVersionChangeIDs[:idx] {
		m.buffer.recordVersionMarker(orphaned, m.versions[orphaned], m.dataConverter)
	}
	m.pendingVersionChangeIDs = m.pendingVersionChangeIDs[idx+1:]
}

// addAllMissingVersionMarkers implements §4.4's missing-marker
// reconciliation: called by the decider core immediately before any
// non-marker command is added to the buffer, it backfills every version
// marker still pending (i.e. whose getVersion call site no longer exists)
// so the emitted command stream stays positionally aligned with history.
func (m *markerHandler) addAllMissingVersionMarkers() {
	for _, changeID := range m.pendingVersionChangeIDs {
		m.buffer.recordVersionMarker(changeID, m.versions[changeID], m.dataConverter)
	}
	m.pendingVersionChangeIDs = nil
}
