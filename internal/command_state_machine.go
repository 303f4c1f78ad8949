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
	"container/list"
	"fmt"

	commonpb "go.temporal.io/temporal-proto/common"
	decisionpb "go.temporal.io/temporal-proto/decision"
	eventpb "go.temporal.io/temporal-proto/event"
	executionpb "go.temporal.io/temporal-proto/execution"

	"github.com/flowruntime/sdk/internal/common/util"
)

// Command is the buffered intent a command state machine produces for the
// current workflow task (§3). The wire representation is still named
// Decision by the pinned proto package; Command is the name the rest of
// this codebase uses.
type Command = decisionpb.Decision

// CommandType distinguishes command kinds.
type CommandType = decisionpb.DecisionType

type (
	commandState int32
	commandType  int32

	commandID struct {
		commandType commandType
		id          string
	}

	// commandStateMachine is implemented by every entity tracked in §4.2:
	// activity, timer, child workflow, signal-external, cancel-external,
	// marker and upsert-search-attributes. Local activities do not ride
	// this interface: they never emit a scheduling command, so their
	// bookkeeping lives entirely in local_activity.go; only their terminal
	// result marker is routed through the marker command state machine
	// below.
	commandStateMachine interface {
		getState() commandState
		getID() commandID
		isDone() bool
		getCommand() *Command // nil if nothing to emit in the current state
		cancel()

		handleStartedEvent()
		handleCancelInitiatedEvent()
		handleCanceledEvent()
		handleCancelFailedEvent()
		handleCompletedEvent()
		handleInitiationFailedEvent()
		handleInitiatedEvent()

		handleCommandSent()

		setData(data interface{})
		getData() interface{}
	}

	commandStateMachineBase struct {
		id      commandID
		state   commandState
		history []string
		data    interface{}
		buffer  *commandBuffer
	}

	activityCommandStateMachine struct {
		*commandStateMachineBase
		scheduleID int64
		attributes *decisionpb.ScheduleActivityTaskDecisionAttributes
	}

	timerCommandStateMachine struct {
		*commandStateMachineBase
		attributes *decisionpb.StartTimerDecisionAttributes
		canceled   bool
	}

	childWorkflowCommandStateMachine struct {
		*commandStateMachineBase
		attributes *decisionpb.StartChildWorkflowExecutionDecisionAttributes
	}

	naiveCommandStateMachine struct {
		*commandStateMachineBase
		command *Command
	}

	// only possible state transition is: CREATED->SENT->INITIATED->COMPLETED
	cancelExternalCommandStateMachine struct {
		*naiveCommandStateMachine
	}

	signalExternalCommandStateMachine struct {
		*naiveCommandStateMachine
	}

	// only possible state transition is: CREATED->COMPLETED, taken when the command is sent
	markerCommandStateMachine struct {
		*naiveCommandStateMachine
	}

	upsertSearchAttributesCommandStateMachine struct {
		*naiveCommandStateMachine
	}

	// commandBuffer is the FIFO of pending commands for the current
	// workflow task (§3 "Command buffer"), plus the side maps used to
	// resolve a command event back to the state machine that owns it.
	commandBuffer struct {
		nextCommandEventID int64
		orderedCommands    *list.List
		commands           map[commandID]*list.Element

		scheduledEventIDToActivityID     map[int64]string
		scheduledEventIDToCancellationID map[int64]string
		scheduledEventIDToSignalID       map[int64]string

		// beforeNonMarkerCommand, when set, is invoked just before any
		// non-marker command is added to the buffer -- the hook
		// markerHandler.addAllMissingVersionMarkers (§4.4) needs to keep the
		// emitted command stream positionally aligned with history. Wired by
		// the decider that owns both the buffer and the marker handler.
		beforeNonMarkerCommand func()
	}

	// panic when a command state machine is in an illegal state
	stateMachineIllegalStatePanic struct {
		message string
	}
)

const (
	commandStateCreated                                commandState = 0
	commandStateCommandSent                             commandState = 1
	commandStateCanceledBeforeInitiated                 commandState = 2
	commandStateInitiated                               commandState = 3
	commandStateStarted                                 commandState = 4
	commandStateCanceledAfterInitiated                  commandState = 5
	commandStateCanceledAfterStarted                    commandState = 6
	commandStateCancellationCommandSent                 commandState = 7
	commandStateCompletedAfterCancellationCommandSent   commandState = 8
	commandStateCompleted                               commandState = 9
)

const (
	commandTypeActivity               commandType = 0
	commandTypeChildWorkflow          commandType = 1
	commandTypeCancellation           commandType = 2
	commandTypeMarker                 commandType = 3
	commandTypeTimer                  commandType = 4
	commandTypeSignal                 commandType = 5
	commandTypeUpsertSearchAttributes commandType = 6
)

const (
	eventCancel           = "cancel"
	eventCommandSent      = "handleCommandSent"
	eventInitiated        = "handleInitiatedEvent"
	eventInitiationFailed = "handleInitiationFailedEvent"
	eventStarted          = "handleStartedEvent"
	eventCompletion       = "handleCompletedEvent"
	eventCancelInitiated  = "handleCancelInitiatedEvent"
	eventCancelFailed     = "handleCancelFailedEvent"
	eventCanceled         = "handleCanceledEvent"
)

const (
	sideEffectMarkerName        = "SideEffect"
	versionMarkerName           = "Version"
	localActivityMarkerName     = "LocalActivity"
	mutableSideEffectMarkerName = "MutableSideEffect"

	// forceImmediateDecisionTimerID is the textual sentinel used for the
	// §4.3 overflow timer. It is deliberately non-numeric so it can never
	// collide with a counter-derived timer/activity id (Open Question 2).
	forceImmediateDecisionTimerID = "FORCE_IMMEDIATE_DECISION"

	// maxCommandsPerWorkflowTask is N in §4.3's overflow rule.
	maxCommandsPerWorkflowTask = 10000
)

func (d commandState) String() string {
	switch d {
	case commandStateCreated:
		return "Created"
	case commandStateCommandSent:
		return "CommandSent"
	case commandStateCanceledBeforeInitiated:
		return "CanceledBeforeInitiated"
	case commandStateInitiated:
		return "Initiated"
	case commandStateStarted:
		return "Started"
	case commandStateCanceledAfterInitiated:
		return "CanceledAfterInitiated"
	case commandStateCanceledAfterStarted:
		return "CanceledAfterStarted"
	case commandStateCancellationCommandSent:
		return "CancellationCommandSent"
	case commandStateCompletedAfterCancellationCommandSent:
		return "CompletedAfterCancellationCommandSent"
	case commandStateCompleted:
		return "Completed"
	default:
		return "Unknown"
	}
}

func (d commandType) String() string {
	switch d {
	case commandTypeActivity:
		return "Activity"
	case commandTypeChildWorkflow:
		return "ChildWorkflow"
	case commandTypeCancellation:
		return "Cancellation"
	case commandTypeMarker:
		return "Marker"
	case commandTypeTimer:
		return "Timer"
	case commandTypeSignal:
		return "Signal"
	default:
		return "Unknown"
	}
}

func (d commandID) String() string {
	return fmt.Sprintf("CommandType: %v, ID: %v", d.commandType, d.id)
}

func makeCommandID(commandType commandType, id string) commandID {
	return commandID{commandType: commandType, id: id}
}

func (h *commandBuffer) newCommandStateMachineBase(commandType commandType, id string) *commandStateMachineBase {
	return &commandStateMachineBase{
		id:      makeCommandID(commandType, id),
		state:   commandStateCreated,
		history: []string{commandStateCreated.String()},
		buffer:  h,
	}
}

func (h *commandBuffer) newActivityCommandStateMachine(
	scheduleID int64,
	attributes *decisionpb.ScheduleActivityTaskDecisionAttributes,
) *activityCommandStateMachine {
	base := h.newCommandStateMachineBase(commandTypeActivity, attributes.GetActivityId())
	return &activityCommandStateMachine{
		commandStateMachineBase: base,
		scheduleID:              scheduleID,
		attributes:              attributes,
	}
}

func (h *commandBuffer) newTimerCommandStateMachine(attributes *decisionpb.StartTimerDecisionAttributes) *timerCommandStateMachine {
	base := h.newCommandStateMachineBase(commandTypeTimer, attributes.GetTimerId())
	return &timerCommandStateMachine{
		commandStateMachineBase: base,
		attributes:              attributes,
	}
}

func (h *commandBuffer) newChildWorkflowCommandStateMachine(attributes *decisionpb.StartChildWorkflowExecutionDecisionAttributes) *childWorkflowCommandStateMachine {
	base := h.newCommandStateMachineBase(commandTypeChildWorkflow, attributes.GetWorkflowId())
	return &childWorkflowCommandStateMachine{
		commandStateMachineBase: base,
		attributes:              attributes,
	}
}

func (h *commandBuffer) newNaiveCommandStateMachine(commandType commandType, id string, command *Command) *naiveCommandStateMachine {
	base := h.newCommandStateMachineBase(commandType, id)
	return &naiveCommandStateMachine{
		commandStateMachineBase: base,
		command:                 command,
	}
}

func (h *commandBuffer) newMarkerCommandStateMachine(id string, attributes *decisionpb.RecordMarkerDecisionAttributes) *markerCommandStateMachine {
	d := newCommand(decisionpb.DecisionType_RecordMarker)
	d.Attributes = &decisionpb.Decision_RecordMarkerDecisionAttributes{RecordMarkerDecisionAttributes: attributes}
	return &markerCommandStateMachine{
		naiveCommandStateMachine: h.newNaiveCommandStateMachine(commandTypeMarker, id, d),
	}
}

func (h *commandBuffer) newCancelExternalCommandStateMachine(attributes *decisionpb.RequestCancelExternalWorkflowExecutionDecisionAttributes, cancellationID string) *cancelExternalCommandStateMachine {
	d := newCommand(decisionpb.DecisionType_RequestCancelExternalWorkflowExecution)
	d.Attributes = &decisionpb.Decision_RequestCancelExternalWorkflowExecutionDecisionAttributes{RequestCancelExternalWorkflowExecutionDecisionAttributes: attributes}
	return &cancelExternalCommandStateMachine{
		naiveCommandStateMachine: h.newNaiveCommandStateMachine(commandTypeCancellation, cancellationID, d),
	}
}

func (h *commandBuffer) newSignalExternalCommandStateMachine(attributes *decisionpb.SignalExternalWorkflowExecutionDecisionAttributes, signalID string) *signalExternalCommandStateMachine {
	d := newCommand(decisionpb.DecisionType_SignalExternalWorkflowExecution)
	d.Attributes = &decisionpb.Decision_SignalExternalWorkflowExecutionDecisionAttributes{SignalExternalWorkflowExecutionDecisionAttributes: attributes}
	return &signalExternalCommandStateMachine{
		naiveCommandStateMachine: h.newNaiveCommandStateMachine(commandTypeSignal, signalID, d),
	}
}

func (h *commandBuffer) newUpsertSearchAttributesCommandStateMachine(attributes *decisionpb.UpsertWorkflowSearchAttributesDecisionAttributes, upsertID string) *upsertSearchAttributesCommandStateMachine {
	d := newCommand(decisionpb.DecisionType_UpsertWorkflowSearchAttributes)
	d.Attributes = &decisionpb.Decision_UpsertWorkflowSearchAttributesDecisionAttributes{UpsertWorkflowSearchAttributesDecisionAttributes: attributes}
	return &upsertSearchAttributesCommandStateMachine{
		naiveCommandStateMachine: h.newNaiveCommandStateMachine(commandTypeUpsertSearchAttributes, upsertID, d),
	}
}

func (d *commandStateMachineBase) getState() commandState {
	return d.state
}

func (d *commandStateMachineBase) getID() commandID {
	return d.id
}

func (d *commandStateMachineBase) isDone() bool {
	return d.state == commandStateCompleted || d.state == commandStateCompletedAfterCancellationCommandSent
}

func (d *commandStateMachineBase) setData(data interface{}) {
	d.data = data
}

func (d *commandStateMachineBase) getData() interface{} {
	return d.data
}

func (d *commandStateMachineBase) moveState(newState commandState, event string) {
	d.history = append(d.history, event)
	d.state = newState
	d.history = append(d.history, newState.String())

	if newState == commandStateCompleted {
		if elem, ok := d.buffer.commands[d.getID()]; ok {
			d.buffer.orderedCommands.Remove(elem)
			delete(d.buffer.commands, d.getID())
		}
	}
}

func (d stateMachineIllegalStatePanic) String() string {
	return d.message
}

func panicIllegalState(message string) {
	panic(stateMachineIllegalStatePanic{message: message})
}

func (d *commandStateMachineBase) failStateTransition(event string) {
	// detected an illegal state transition, likely an ill-formed history or a non-deterministic workflow
	panicIllegalState(fmt.Sprintf("invalid state transition: attempt to %v, %v", event, d))
}

func (d *commandStateMachineBase) handleCommandSent() {
	switch d.state {
	case commandStateCreated:
		d.moveState(commandStateCommandSent, eventCommandSent)
	}
}

func (d *commandStateMachineBase) cancel() {
	switch d.state {
	case commandStateCompleted, commandStateCompletedAfterCancellationCommandSent:
		// no-op: a future can be canceled after the activity/timer already completed
	case commandStateCreated:
		d.moveState(commandStateCompleted, eventCancel)
	case commandStateCommandSent:
		d.moveState(commandStateCanceledBeforeInitiated, eventCancel)
	case commandStateInitiated:
		d.moveState(commandStateCanceledAfterInitiated, eventCancel)
	default:
		d.failStateTransition(eventCancel)
	}
}

func (d *commandStateMachineBase) handleInitiatedEvent() {
	switch d.state {
	case commandStateCommandSent:
		d.moveState(commandStateInitiated, eventInitiated)
	case commandStateCanceledBeforeInitiated:
		d.moveState(commandStateCanceledAfterInitiated, eventInitiated)
	default:
		d.failStateTransition(eventInitiated)
	}
}

func (d *commandStateMachineBase) handleInitiationFailedEvent() {
	switch d.state {
	case commandStateInitiated, commandStateCommandSent, commandStateCanceledBeforeInitiated:
		d.moveState(commandStateCompleted, eventInitiationFailed)
	default:
		d.failStateTransition(eventInitiationFailed)
	}
}

func (d *commandStateMachineBase) handleStartedEvent() {
	d.history = append(d.history, eventStarted)
}

func (d *commandStateMachineBase) handleCompletedEvent() {
	switch d.state {
	case commandStateCanceledAfterInitiated, commandStateInitiated:
		d.moveState(commandStateCompleted, eventCompletion)
	case commandStateCancellationCommandSent:
		d.moveState(commandStateCompletedAfterCancellationCommandSent, eventCompletion)
	default:
		d.failStateTransition(eventCompletion)
	}
}

func (d *commandStateMachineBase) handleCancelInitiatedEvent() {
	d.history = append(d.history, eventCancelInitiated)
	switch d.state {
	case commandStateCancellationCommandSent:
		// no state change
	default:
		d.failStateTransition(eventCancelInitiated)
	}
}

func (d *commandStateMachineBase) handleCancelFailedEvent() {
	switch d.state {
	case commandStateCompletedAfterCancellationCommandSent:
		d.moveState(commandStateCompleted, eventCancelFailed)
	default:
		d.failStateTransition(eventCancelFailed)
	}
}

func (d *commandStateMachineBase) handleCanceledEvent() {
	switch d.state {
	case commandStateCancellationCommandSent:
		d.moveState(commandStateCompleted, eventCanceled)
	default:
		d.failStateTransition(eventCanceled)
	}
}

func (d *commandStateMachineBase) String() string {
	return fmt.Sprintf("%v, state=%v, isDone()=%v, history=%v",
		d.id, d.state, d.isDone(), d.history)
}

func (d *activityCommandStateMachine) getCommand() *Command {
	switch d.state {
	case commandStateCreated:
		command := newCommand(decisionpb.DecisionType_ScheduleActivityTask)
		command.Attributes = &decisionpb.Decision_ScheduleActivityTaskDecisionAttributes{ScheduleActivityTaskDecisionAttributes: d.attributes}
		return command
	case commandStateCanceledAfterInitiated:
		command := newCommand(decisionpb.DecisionType_RequestCancelActivityTask)
		command.Attributes = &decisionpb.Decision_RequestCancelActivityTaskDecisionAttributes{RequestCancelActivityTaskDecisionAttributes: &decisionpb.RequestCancelActivityTaskDecisionAttributes{
			ScheduledEventId: d.scheduleID,
		}}
		return command
	default:
		return nil
	}
}

func (d *activityCommandStateMachine) handleCommandSent() {
	switch d.state {
	case commandStateCanceledAfterInitiated:
		d.moveState(commandStateCancellationCommandSent, eventCommandSent)
	default:
		d.commandStateMachineBase.handleCommandSent()
	}
}

func (d *activityCommandStateMachine) handleCancelFailedEvent() {
	// Cancellation of an activity can never be rejected by the server: it always resolves into
	// the activity completing, failing, timing out, or transitioning to canceled.
	d.failStateTransition(eventCancelFailed)
}

func (d *timerCommandStateMachine) cancel() {
	d.canceled = true
	d.commandStateMachineBase.cancel()
}

func (d *timerCommandStateMachine) isDone() bool {
	return d.state == commandStateCompleted || d.canceled
}

func (d *timerCommandStateMachine) handleCommandSent() {
	switch d.state {
	case commandStateCanceledAfterInitiated:
		d.moveState(commandStateCancellationCommandSent, eventCommandSent)
	default:
		d.commandStateMachineBase.handleCommandSent()
	}
}

func (d *timerCommandStateMachine) handleCancelFailedEvent() {
	switch d.state {
	case commandStateCancellationCommandSent:
		d.moveState(commandStateInitiated, eventCancelFailed)
	default:
		d.commandStateMachineBase.handleCancelFailedEvent()
	}
}

func (d *timerCommandStateMachine) getCommand() *Command {
	switch d.state {
	case commandStateCreated:
		command := newCommand(decisionpb.DecisionType_StartTimer)
		command.Attributes = &decisionpb.Decision_StartTimerDecisionAttributes{StartTimerDecisionAttributes: d.attributes}
		return command
	case commandStateCanceledAfterInitiated:
		command := newCommand(decisionpb.DecisionType_CancelTimer)
		command.Attributes = &decisionpb.Decision_CancelTimerDecisionAttributes{CancelTimerDecisionAttributes: &decisionpb.CancelTimerDecisionAttributes{
			TimerId: d.attributes.TimerId,
		}}
		return command
	default:
		return nil
	}
}

func (d *childWorkflowCommandStateMachine) getCommand() *Command {
	switch d.state {
	case commandStateCreated:
		command := newCommand(decisionpb.DecisionType_StartChildWorkflowExecution)
		command.Attributes = &decisionpb.Decision_StartChildWorkflowExecutionDecisionAttributes{StartChildWorkflowExecutionDecisionAttributes: d.attributes}
		return command
	case commandStateCanceledAfterStarted:
		command := newCommand(decisionpb.DecisionType_RequestCancelExternalWorkflowExecution)
		command.Attributes = &decisionpb.Decision_RequestCancelExternalWorkflowExecutionDecisionAttributes{RequestCancelExternalWorkflowExecutionDecisionAttributes: &decisionpb.RequestCancelExternalWorkflowExecutionDecisionAttributes{
			Namespace:         d.attributes.Namespace,
			WorkflowId:        d.attributes.WorkflowId,
			ChildWorkflowOnly: true,
		}}
		return command
	default:
		return nil
	}
}

func (d *childWorkflowCommandStateMachine) handleCommandSent() {
	switch d.state {
	case commandStateCanceledAfterStarted:
		d.moveState(commandStateCancellationCommandSent, eventCommandSent)
	default:
		d.commandStateMachineBase.handleCommandSent()
	}
}

func (d *childWorkflowCommandStateMachine) handleStartedEvent() {
	switch d.state {
	case commandStateInitiated:
		d.moveState(commandStateStarted, eventStarted)
	case commandStateCanceledAfterInitiated:
		d.moveState(commandStateCanceledAfterStarted, eventStarted)
	default:
		d.commandStateMachineBase.handleStartedEvent()
	}
}

func (d *childWorkflowCommandStateMachine) handleCancelFailedEvent() {
	switch d.state {
	case commandStateCancellationCommandSent:
		d.moveState(commandStateStarted, eventCancelFailed)
	default:
		d.commandStateMachineBase.handleCancelFailedEvent()
	}
}

// cancel implements the client-side cancellation-type policy described in
// §4.2: ABANDON detaches with no command at all (handled one layer up, in
// the decider core, before cancel() is even called); TRY_CANCEL and
// WAIT_CANCELLATION_REQUESTED/COMPLETED all route through this state
// machine and differ only in when the completion callback fires, which is
// the decider core's concern, not this machine's.
func (d *childWorkflowCommandStateMachine) cancel() {
	switch d.state {
	case commandStateStarted:
		d.moveState(commandStateCanceledAfterStarted, eventCancel)
	default:
		d.commandStateMachineBase.cancel()
	}
}

func (d *childWorkflowCommandStateMachine) handleCanceledEvent() {
	switch d.state {
	case commandStateStarted:
		d.moveState(commandStateCompleted, eventCanceled)
	default:
		d.commandStateMachineBase.handleCanceledEvent()
	}
}

func (d *childWorkflowCommandStateMachine) handleCompletedEvent() {
	switch d.state {
	case commandStateStarted, commandStateCanceledAfterStarted:
		d.moveState(commandStateCompleted, eventCompletion)
	default:
		d.commandStateMachineBase.handleCompletedEvent()
	}
}

func (d *naiveCommandStateMachine) getCommand() *Command {
	switch d.state {
	case commandStateCreated:
		return d.command
	default:
		return nil
	}
}

func (d *naiveCommandStateMachine) cancel() {
	panic("unsupported operation")
}

func (d *naiveCommandStateMachine) handleCompletedEvent() {
	panic("unsupported operation")
}

func (d *naiveCommandStateMachine) handleInitiatedEvent() {
	panic("unsupported operation")
}

func (d *naiveCommandStateMachine) handleInitiationFailedEvent() {
	panic("unsupported operation")
}

func (d *naiveCommandStateMachine) handleStartedEvent() {
	panic("unsupported operation")
}

func (d *naiveCommandStateMachine) handleCanceledEvent() {
	panic("unsupported operation")
}

func (d *naiveCommandStateMachine) handleCancelFailedEvent() {
	panic("unsupported operation")
}

func (d *naiveCommandStateMachine) handleCancelInitiatedEvent() {
	panic("unsupported operation")
}

func (d *cancelExternalCommandStateMachine) handleInitiatedEvent() {
	switch d.state {
	case commandStateCommandSent:
		d.moveState(commandStateInitiated, eventInitiated)
	default:
		d.failStateTransition(eventInitiated)
	}
}

func (d *cancelExternalCommandStateMachine) handleCompletedEvent() {
	switch d.state {
	case commandStateInitiated:
		d.moveState(commandStateCompleted, eventCompletion)
	default:
		d.failStateTransition(eventCompletion)
	}
}

// signal-external per §4.2: cancel before the command is sent collapses the
// machine straight to COMPLETED with no network effect; once the command has
// been sent, cancel leaves the state unchanged and the machine waits for
// ExternalWorkflowExecutionSignaled or SignalExternalWorkflowExecutionFailed.
func (d *signalExternalCommandStateMachine) cancel() {
	switch d.state {
	case commandStateCreated:
		d.moveState(commandStateCompleted, eventCancel)
	case commandStateCommandSent, commandStateInitiated:
	default:
		d.failStateTransition(eventCancel)
	}
}

func (d *signalExternalCommandStateMachine) handleInitiatedEvent() {
	switch d.state {
	case commandStateCommandSent:
		d.moveState(commandStateInitiated, eventInitiated)
	default:
		d.failStateTransition(eventInitiated)
	}
}

func (d *signalExternalCommandStateMachine) handleCompletedEvent() {
	switch d.state {
	case commandStateInitiated:
		d.moveState(commandStateCompleted, eventCompletion)
	default:
		d.failStateTransition(eventCompletion)
	}
}

func (d *markerCommandStateMachine) handleCommandSent() {
	// A marker command is considered complete as soon as it is sent: there is no
	// corresponding "started"/"completed" history event to wait for, only the
	// MarkerRecorded event itself, which the marker handler consumes directly.
	switch d.state {
	case commandStateCreated:
		d.moveState(commandStateCompleted, eventCommandSent)
	}
}

func (d *upsertSearchAttributesCommandStateMachine) handleCommandSent() {
	switch d.state {
	case commandStateCreated:
		d.moveState(commandStateCompleted, eventCommandSent)
	}
}

func newCommandBuffer() *commandBuffer {
	return &commandBuffer{
		orderedCommands: list.New(),
		commands:        make(map[commandID]*list.Element),

		scheduledEventIDToActivityID:     make(map[int64]string),
		scheduledEventIDToCancellationID: make(map[int64]string),
		scheduledEventIDToSignalID:       make(map[int64]string),
	}
}

func (h *commandBuffer) setCurrentWorkflowTaskStartedEventID(workflowTaskStartedEventID int64) {
	// The server processes commands in the order the client produced them, and each
	// command results in a corresponding history event right after processing. So
	// startedEventID + 2 (started, then completed) is the first id a freshly emitted
	// command event will occupy, matching §4.1 rule 4.
	h.nextCommandEventID = workflowTaskStartedEventID + 2
}

func (h *commandBuffer) getNextID() int64 {
	return h.nextCommandEventID
}

func (h *commandBuffer) getCommand(id commandID) commandStateMachine {
	command, ok := h.commands[id]
	if !ok {
		panicMsg := fmt.Sprintf("unknown command %v, possible causes are a non-deterministic workflow definition"+
			" or an incompatible change in the workflow definition", id)
		panicIllegalState(panicMsg)
	}
	// Move the most recently touched state machine to the back of the list so related
	// commands (e.g. a timer cancellation) stay in creation order relative to each other.
	h.orderedCommands.MoveToBack(command)
	return command.Value.(commandStateMachine)
}

func (h *commandBuffer) addCommand(command commandStateMachine) {
	if _, ok := h.commands[command.getID()]; ok {
		panicMsg := fmt.Sprintf("adding duplicate command %v", command)
		panicIllegalState(panicMsg)
	}
	if command.getID().commandType != commandTypeMarker && h.beforeNonMarkerCommand != nil {
		h.beforeNonMarkerCommand()
	}
	element := h.orderedCommands.PushBack(command)
	h.commands[command.getID()] = element

	h.nextCommandEventID++
}

func (h *commandBuffer) scheduleActivityTask(
	scheduleID int64,
	attributes *decisionpb.ScheduleActivityTaskDecisionAttributes,
) commandStateMachine {
	h.scheduledEventIDToActivityID[scheduleID] = attributes.GetActivityId()
	command := h.newActivityCommandStateMachine(scheduleID, attributes)
	h.addCommand(command)
	return command
}

func (h *commandBuffer) requestCancelActivityTask(activityID string) commandStateMachine {
	id := makeCommandID(commandTypeActivity, activityID)
	command := h.getCommand(id)
	command.cancel()
	return command
}

func (h *commandBuffer) handleActivityTaskClosed(activityID string) commandStateMachine {
	command := h.getCommand(makeCommandID(commandTypeActivity, activityID))
	command.handleCompletedEvent()
	return command
}

func (h *commandBuffer) handleActivityTaskScheduled(scheduledEventID int64, activityID string) {
	if _, ok := h.scheduledEventIDToActivityID[scheduledEventID]; !ok {
		panicMsg := fmt.Sprintf("lookup failed for scheduledID to activityID: scheduleID: %v, activity: %v",
			scheduledEventID, activityID)
		panicIllegalState(panicMsg)
	}

	command := h.getCommand(makeCommandID(commandTypeActivity, activityID))
	command.handleInitiatedEvent()
}

func (h *commandBuffer) handleActivityTaskCancelRequested(scheduledEventID int64) {
	activityID, ok := h.scheduledEventIDToActivityID[scheduledEventID]
	if !ok {
		panicIllegalState(fmt.Sprintf("unable to find activity ID for the scheduledEventID %v", scheduledEventID))
	}
	command := h.getCommand(makeCommandID(commandTypeActivity, activityID))
	command.handleCancelInitiatedEvent()
}

func (h *commandBuffer) handleActivityTaskCanceled(activityID string) commandStateMachine {
	command := h.getCommand(makeCommandID(commandTypeActivity, activityID))
	command.handleCanceledEvent()
	return command
}

func (h *commandBuffer) getActivityID(event *eventpb.HistoryEvent) string {
	var scheduledEventID int64 = -1
	switch event.GetEventType() {
	case eventpb.EventType_ActivityTaskCanceled:
		scheduledEventID = event.GetActivityTaskCanceledEventAttributes().GetScheduledEventId()
	case eventpb.EventType_ActivityTaskCompleted:
		scheduledEventID = event.GetActivityTaskCompletedEventAttributes().GetScheduledEventId()
	case eventpb.EventType_ActivityTaskFailed:
		scheduledEventID = event.GetActivityTaskFailedEventAttributes().GetScheduledEventId()
	case eventpb.EventType_ActivityTaskTimedOut:
		scheduledEventID = event.GetActivityTaskTimedOutEventAttributes().GetScheduledEventId()
	default:
		panicIllegalState(fmt.Sprintf("unexpected event type %v", event.GetEventType()))
	}

	activityID, ok := h.scheduledEventIDToActivityID[scheduledEventID]
	if !ok {
		panicIllegalState(fmt.Sprintf("unable to find activity ID for the event %v", util.HistoryEventToString(event)))
	}
	return activityID
}

func (h *commandBuffer) recordVersionMarker(changeID string, version Version, dataConverter DataConverter) commandStateMachine {
	markerID := fmt.Sprintf("%v_%v", versionMarkerName, changeID)
	details, err := encodeArgs(dataConverter, []interface{}{changeID, version})
	if err != nil {
		panic(err)
	}

	recordMarker := &decisionpb.RecordMarkerDecisionAttributes{
		MarkerName: versionMarkerName,
		Details:    details,
	}

	command := h.newMarkerCommandStateMachine(markerID, recordMarker)
	h.addCommand(command)
	return command
}

func (h *commandBuffer) recordSideEffectMarker(sideEffectID int64, data *commonpb.Payloads) commandStateMachine {
	markerID := fmt.Sprintf("%v_%v", sideEffectMarkerName, sideEffectID)
	attributes := &decisionpb.RecordMarkerDecisionAttributes{
		MarkerName: sideEffectMarkerName,
		Details:    data,
	}
	command := h.newMarkerCommandStateMachine(markerID, attributes)
	h.addCommand(command)
	return command
}

func (h *commandBuffer) recordLocalActivityMarker(activityID string, result *commonpb.Payloads, header *commonpb.Header) commandStateMachine {
	markerID := fmt.Sprintf("%v_%v", localActivityMarkerName, activityID)
	attributes := &decisionpb.RecordMarkerDecisionAttributes{
		MarkerName: localActivityMarkerName,
		Details:    result,
		Header:     header,
	}
	command := h.newMarkerCommandStateMachine(markerID, attributes)
	h.addCommand(command)
	return command
}

func (h *commandBuffer) recordMutableSideEffectMarker(mutableSideEffectID string, data *commonpb.Payloads, header *commonpb.Header) commandStateMachine {
	markerID := fmt.Sprintf("%v_%v", mutableSideEffectMarkerName, mutableSideEffectID)
	attributes := &decisionpb.RecordMarkerDecisionAttributes{
		MarkerName: mutableSideEffectMarkerName,
		Details:    data,
		Header:     header,
	}
	command := h.newMarkerCommandStateMachine(markerID, attributes)
	h.addCommand(command)
	return command
}

func (h *commandBuffer) startChildWorkflowExecution(attributes *decisionpb.StartChildWorkflowExecutionDecisionAttributes) commandStateMachine {
	command := h.newChildWorkflowCommandStateMachine(attributes)
	h.addCommand(command)
	return command
}

func (h *commandBuffer) handleStartChildWorkflowExecutionInitiated(workflowID string) {
	command := h.getCommand(makeCommandID(commandTypeChildWorkflow, workflowID))
	command.handleInitiatedEvent()
}

func (h *commandBuffer) handleStartChildWorkflowExecutionFailed(workflowID string) commandStateMachine {
	command := h.getCommand(makeCommandID(commandTypeChildWorkflow, workflowID))
	command.handleInitiationFailedEvent()
	return command
}

func (h *commandBuffer) requestCancelExternalWorkflowExecution(namespace, workflowID, runID string, cancellationID string, childWorkflowOnly bool) commandStateMachine {
	if childWorkflowOnly {
		// Cancellation of a child workflow goes through the existing child workflow
		// state machine keyed by workflow id; no cancellation id or run id is used
		// because the child may continue-as-new onto a different run id.
		if len(cancellationID) != 0 {
			panic("cancellation on a child workflow should not use a cancellation id")
		}
		if len(runID) != 0 {
			panic("cancellation on a child workflow should not use a run id")
		}
		command := h.getCommand(makeCommandID(commandTypeChildWorkflow, workflowID))
		command.cancel()
		return command
	}

	// Cancellation of an arbitrary external workflow is keyed by a client-generated
	// cancellation id so the response history event can be paired back up.
	if len(cancellationID) == 0 {
		panic("cancellation on an external workflow should use a cancellation id")
	}
	attributes := &decisionpb.RequestCancelExternalWorkflowExecutionDecisionAttributes{
		Namespace:         namespace,
		WorkflowId:        workflowID,
		RunId:             runID,
		Control:           cancellationID,
		ChildWorkflowOnly: false,
	}
	command := h.newCancelExternalCommandStateMachine(attributes, cancellationID)
	h.addCommand(command)

	return command
}

func (h *commandBuffer) handleRequestCancelExternalWorkflowExecutionInitiated(initiatedEventID int64, workflowID, cancellationID string) {
	if h.isCancelExternalWorkflowEventForChildWorkflow(cancellationID) {
		command := h.getCommand(makeCommandID(commandTypeChildWorkflow, workflowID))
		command.handleCancelInitiatedEvent()
	} else {
		h.scheduledEventIDToCancellationID[initiatedEventID] = cancellationID
		command := h.getCommand(makeCommandID(commandTypeCancellation, cancellationID))
		command.handleInitiatedEvent()
	}
}

func (h *commandBuffer) handleExternalWorkflowExecutionCancelRequested(initiatedEventID int64, workflowID string) (bool, commandStateMachine) {
	var command commandStateMachine
	cancellationID, isExternal := h.scheduledEventIDToCancellationID[initiatedEventID]
	if !isExternal {
		command = h.getCommand(makeCommandID(commandTypeChildWorkflow, workflowID))
		// no state change: the child workflow command is still in CancellationCommandSent
	} else {
		command = h.getCommand(makeCommandID(commandTypeCancellation, cancellationID))
		command.handleCompletedEvent()
	}
	return isExternal, command
}

func (h *commandBuffer) handleRequestCancelExternalWorkflowExecutionFailed(initiatedEventID int64, workflowID string) (bool, commandStateMachine) {
	var command commandStateMachine
	cancellationID, isExternal := h.scheduledEventIDToCancellationID[initiatedEventID]
	if !isExternal {
		command = h.getCommand(makeCommandID(commandTypeChildWorkflow, workflowID))
		command.handleCancelFailedEvent()
	} else {
		command = h.getCommand(makeCommandID(commandTypeCancellation, cancellationID))
		command.handleCompletedEvent()
	}
	return isExternal, command
}

func (h *commandBuffer) signalExternalWorkflowExecution(namespace, workflowID, runID, signalName string, input *commonpb.Payloads, signalID string, childWorkflowOnly bool) commandStateMachine {
	attributes := &decisionpb.SignalExternalWorkflowExecutionDecisionAttributes{
		Namespace: namespace,
		Execution: &executionpb.WorkflowExecution{
			WorkflowId: workflowID,
			RunId:      runID,
		},
		SignalName:        signalName,
		Input:             input,
		Control:           signalID,
		ChildWorkflowOnly: childWorkflowOnly,
	}
	command := h.newSignalExternalCommandStateMachine(attributes, signalID)
	h.addCommand(command)
	return command
}

func (h *commandBuffer) upsertSearchAttributes(upsertID string, searchAttr *commonpb.SearchAttributes) commandStateMachine {
	attributes := &decisionpb.UpsertWorkflowSearchAttributesDecisionAttributes{
		SearchAttributes: searchAttr,
	}
	command := h.newUpsertSearchAttributesCommandStateMachine(attributes, upsertID)
	h.addCommand(command)
	return command
}

func (h *commandBuffer) handleSignalExternalWorkflowExecutionInitiated(initiatedEventID int64, signalID string) {
	h.scheduledEventIDToSignalID[initiatedEventID] = signalID
	command := h.getCommand(makeCommandID(commandTypeSignal, signalID))
	command.handleInitiatedEvent()
}

func (h *commandBuffer) handleSignalExternalWorkflowExecutionCompleted(initiatedEventID int64) commandStateMachine {
	command := h.getCommand(makeCommandID(commandTypeSignal, h.getSignalID(initiatedEventID)))
	command.handleCompletedEvent()
	return command
}

func (h *commandBuffer) handleSignalExternalWorkflowExecutionFailed(initiatedEventID int64) commandStateMachine {
	command := h.getCommand(makeCommandID(commandTypeSignal, h.getSignalID(initiatedEventID)))
	command.handleCompletedEvent()
	return command
}

func (h *commandBuffer) getSignalID(initiatedEventID int64) string {
	signalID, ok := h.scheduledEventIDToSignalID[initiatedEventID]
	if !ok {
		panic(fmt.Sprintf("unable to find signal ID: %v", initiatedEventID))
	}
	return signalID
}

func (h *commandBuffer) startTimer(attributes *decisionpb.StartTimerDecisionAttributes) commandStateMachine {
	command := h.newTimerCommandStateMachine(attributes)
	h.addCommand(command)
	return command
}

func (h *commandBuffer) cancelTimer(timerID string) commandStateMachine {
	command := h.getCommand(makeCommandID(commandTypeTimer, timerID))
	command.cancel()
	return command
}

func (h *commandBuffer) handleTimerClosed(timerID string) commandStateMachine {
	command := h.getCommand(makeCommandID(commandTypeTimer, timerID))
	command.handleCompletedEvent()
	return command
}

func (h *commandBuffer) handleTimerStarted(timerID string) {
	command := h.getCommand(makeCommandID(commandTypeTimer, timerID))
	command.handleInitiatedEvent()
}

func (h *commandBuffer) handleTimerCanceled(timerID string) {
	command := h.getCommand(makeCommandID(commandTypeTimer, timerID))
	command.handleCanceledEvent()
}

func (h *commandBuffer) handleCancelTimerFailed(timerID string) {
	command := h.getCommand(makeCommandID(commandTypeTimer, timerID))
	command.handleCancelFailedEvent()
}

func (h *commandBuffer) handleChildWorkflowExecutionStarted(workflowID string) commandStateMachine {
	command := h.getCommand(makeCommandID(commandTypeChildWorkflow, workflowID))
	command.handleStartedEvent()
	return command
}

func (h *commandBuffer) handleChildWorkflowExecutionClosed(workflowID string) commandStateMachine {
	command := h.getCommand(makeCommandID(commandTypeChildWorkflow, workflowID))
	command.handleCompletedEvent()
	return command
}

func (h *commandBuffer) handleChildWorkflowExecutionCanceled(workflowID string) commandStateMachine {
	command := h.getCommand(makeCommandID(commandTypeChildWorkflow, workflowID))
	command.handleCanceledEvent()
	return command
}

// getCommands flushes the buffer in creation order, per §3 invariant 2. When
// markAsSent is true (always, except unit tests inspecting pending state),
// every machine is advanced through handleCommandSent, which is how CREATED
// machines reach DECISION_SENT (§4.2's getCommand()-then-handleCommandSent
// pairing) and completed/naive machines get pruned from the buffer.
func (h *commandBuffer) getCommands(markAsSent bool) []*Command {
	var result []*Command
	for curr := h.orderedCommands.Front(); curr != nil; {
		next := curr.Next() // capture next before curr might be removed
		d := curr.Value.(commandStateMachine)
		command := d.getCommand()
		if command != nil {
			result = append(result, command)
		}

		if markAsSent {
			d.handleCommandSent()
		}

		if d.getState() == commandStateCompleted {
			h.orderedCommands.Remove(curr)
			delete(h.commands, d.getID())
		}

		curr = next
	}

	// §4.3 overflow: truncate to N-1 commands and append the force-immediate-decision
	// timer, unless the very last command already terminates the workflow.
	if len(result) > maxCommandsPerWorkflowTask {
		if !isWorkflowTerminatingCommand(result[len(result)-1]) {
			result = result[:maxCommandsPerWorkflowTask-1]
			result = append(result, newForceImmediateDecisionCommand())
		}
	}

	return result
}

func newForceImmediateDecisionCommand() *Command {
	command := newCommand(decisionpb.DecisionType_StartTimer)
	command.Attributes = &decisionpb.Decision_StartTimerDecisionAttributes{StartTimerDecisionAttributes: &decisionpb.StartTimerDecisionAttributes{
		TimerId:                   forceImmediateDecisionTimerID,
		StartToFireTimeoutSeconds: 0,
	}}
	return command
}

func isWorkflowTerminatingCommand(command *Command) bool {
	switch command.GetDecisionType() {
	case decisionpb.DecisionType_CompleteWorkflowExecution,
		decisionpb.DecisionType_FailWorkflowExecution,
		decisionpb.DecisionType_CancelWorkflowExecution,
		decisionpb.DecisionType_ContinueAsNewWorkflowExecution:
		return true
	default:
		return false
	}
}

func (h *commandBuffer) isCancelExternalWorkflowEventForChildWorkflow(cancellationID string) bool {
	// Control on RequestCancelExternalWorkflowExecutionInitiatedEventAttributes is empty
	// when the event targets a child workflow; for a true external workflow it carries a
	// client-generated sequence id.
	return len(cancellationID) == 0
}
