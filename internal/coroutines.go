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
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"time"
)

// Context carries deadline, cancellation and value propagation through
// workflow code the same way context.Context does for goroutines, but its
// values are only ever observed by coroutines owned by a single dispatcher
// (§4.6/§5) — it must never be passed to a real goroutine or used outside
// workflow code.
type Context interface {
	Deadline() (deadline time.Time, ok bool)
	Done() Channel
	Err() error
	Value(key interface{}) interface{}
}

// CancelFunc cancels a Context produced by WithCancel.
type CancelFunc func()

// Channel is the deterministic analogue of a native Go channel (§4.6):
// sends and receives block the calling coroutine without ever parking a
// real OS thread, so the scheduler can run to quiescence deterministically.
type Channel interface {
	Receive(ctx Context, valuePtr interface{}) (more bool)
	ReceiveAsync(valuePtr interface{}) (ok bool)
	ReceiveAsyncWithMoreFlag(valuePtr interface{}) (ok bool, more bool)
	Send(ctx Context, v interface{})
	SendAsync(v interface{}) (ok bool)
	Close()
}

// Future represents the result of an asynchronous operation (an activity,
// timer, child workflow, or any other command the decider tracks). Settable
// is its producer-side counterpart.
type Future interface {
	Get(ctx Context, valuePtr interface{}) error
	IsReady() bool
}

// Settable resolves a Future created alongside it by NewFuture.
type Settable interface {
	Set(value interface{}, err error)
	SetValue(value interface{})
	SetError(err error)
	Chain(future Future)
}

// Selector evaluates the first of several Channel/Future cases to become
// ready, the deterministic analogue of a `select` statement.
type Selector interface {
	AddReceive(c Channel, f func(c Channel, more bool)) Selector
	AddSend(c Channel, v interface{}, f func()) Selector
	AddFuture(future Future, f func(future Future)) Selector
	AddDefault(f func())
	Select(ctx Context)
}

type (
	valueCallbackPair struct {
		value    interface{}
		callback func() bool
	}

	receiveCallback func(v interface{}, more bool) bool

	channelImpl struct {
		name            string
		size            int
		buffer          []interface{}
		blockedSends    []valueCallbackPair
		blockedReceives []receiveCallback
		closed          bool
		recValue        *interface{}
	}

	asyncFuture interface {
		Future
		GetAsync(callback receiveCallback) (v interface{}, ok bool, err error)
		ChainFuture(f Future)
		GetValueAndError() (v interface{}, err error)
		Set(value interface{}, err error)
	}

	futureImpl struct {
		value   interface{}
		err     error
		ready   bool
		channel *channelImpl
		chained []asyncFuture
	}

	// decodeFutureImpl is a futureImpl tagged with fn, which names (for
	// diagnostics only) the operation it waits on; Get is futureImpl's,
	// assigning the stored value by reflection without any decoding.
	decodeFutureImpl struct {
		*futureImpl
		fn interface{}
	}

	selectCase struct {
		channel     *channelImpl
		receiveFunc *func(c Channel, more bool)

		sendFunc   *func()
		sendValue  *interface{}
		future     asyncFuture
		futureFunc *func(f Future)
	}

	selectorImpl struct {
		name        string
		cases       []*selectCase
		defaultFunc *func()
	}

	unblockFunc func(status string, stackDepth int) (keepBlocked bool)

	coroutineState struct {
		name         string
		dispatcher   *dispatcherImpl
		aboutToBlock chan bool
		unblock      chan unblockFunc
		keptBlocked  bool
		closed       bool
		panicError   *PanicError
	}

	dispatcher interface {
		ExecuteUntilAllBlocked() (err *workflowPanicError)
		IsDone() bool
		Close()
		StackTrace() string
	}

	dispatcherImpl struct {
		sequence         int
		channelSequence  int
		selectorSequence int
		coroutines       []*coroutineState
		executing        bool
		mutex            sync.Mutex
		closed           bool
	}

	contextKey string
)

const (
	coroutinesContextKey contextKey = "coroutines"
	cancelContextKey     contextKey = "cancel"
	doneChannelContextKey contextKey = "done"
)

var _ Channel = (*channelImpl)(nil)
var _ Selector = (*selectorImpl)(nil)
var _ dispatcher = (*dispatcherImpl)(nil)
var _ asyncFuture = (*futureImpl)(nil)

// valueCtx is the Context implementation backing WithValue/WithCancel;
// deliberately not context.Context-compatible (§4.6 requires the whole
// value/cancellation tree be replay-deterministic, which a real
// context.Context with wall-clock deadlines is not).
type valueCtx struct {
	Context
	key, val interface{}
}

func (c *valueCtx) Value(key interface{}) interface{} {
	if c.key == key {
		return c.val
	}
	return c.Context.Value(key)
}

func (c *valueCtx) Deadline() (time.Time, bool) { return c.Context.Deadline() }
func (c *valueCtx) Done() Channel                { return c.Context.Done() }
func (c *valueCtx) Err() error                   { return c.Context.Err() }

// WithValue returns a copy of parent with key associated with val.
func WithValue(parent Context, key interface{}, val interface{}) Context {
	return &valueCtx{Context: parent, key: key, val: val}
}

type backgroundCtx struct{}

func (backgroundCtx) Deadline() (time.Time, bool)       { return time.Time{}, false }
func (backgroundCtx) Done() Channel                     { return nil }
func (backgroundCtx) Err() error                        { return nil }
func (backgroundCtx) Value(key interface{}) interface{} { return nil }

// background is the root Context newDispatcher's caller builds the
// workflow's Context tree on top of.
var background Context = backgroundCtx{}

type cancelCtx struct {
	Context
	done     *channelImpl
	err      error
}

func (c *cancelCtx) Done() Channel { return c.done }
func (c *cancelCtx) Err() error    { return c.err }

// WithCancel returns a copy of parent with a new Done channel, and a
// CancelFunc that closes it. Cancellation is observed by any coroutine that
// Selects on, or Receives from, ctx.Done() (§4.6's cooperative cancellation
// model — nothing is pre-empted, code must check in).
func WithCancel(parent Context) (Context, CancelFunc) {
	c := &cancelCtx{Context: parent, done: &channelImpl{name: "cancel"}}
	return c, func() {
		if c.err == nil {
			c.err = NewCanceledError()
			c.done.Close()
		}
	}
}

func getState(ctx Context) *coroutineState {
	s := ctx.Value(coroutinesContextKey)
	if s == nil {
		panic("getState: not workflow context")
	}
	return s.(*coroutineState)
}

func getDispatcher(ctx Context) dispatcher {
	return getState(ctx).dispatcher
}

// Go spawns f as a new coroutine (§4.6), scheduled cooperatively within the
// same dispatcher as ctx. It never blocks the caller.
func Go(ctx Context, f func(ctx Context)) {
	state := getState(ctx)
	state.dispatcher.newCoroutine(ctx, f)
}

// GoNamed is Go with an explicit coroutine name, surfaced in stack traces.
func GoNamed(ctx Context, name string, f func(ctx Context)) {
	state := getState(ctx)
	state.dispatcher.newNamedCoroutine(ctx, name, f)
}

// NewChannel creates an unbuffered Channel.
func NewChannel(ctx Context) Channel {
	state := getState(ctx)
	state.dispatcher.channelSequence++
	return &channelImpl{name: fmt.Sprintf("chan-%v", state.dispatcher.channelSequence)}
}

// NewNamedChannel creates an unbuffered Channel with a name surfaced in
// stack traces.
func NewNamedChannel(ctx Context, name string) Channel {
	return &channelImpl{name: name}
}

// NewBufferedChannel creates a Channel that accepts size sends before
// blocking.
func NewBufferedChannel(ctx Context, size int) Channel {
	state := getState(ctx)
	state.dispatcher.channelSequence++
	return &channelImpl{name: fmt.Sprintf("chan-%v", state.dispatcher.channelSequence), size: size}
}

// NewNamedBufferedChannel is NewBufferedChannel with an explicit name.
func NewNamedBufferedChannel(ctx Context, name string, size int) Channel {
	return &channelImpl{name: name, size: size}
}

// NewSelector creates a Selector.
func NewSelector(ctx Context) Selector {
	state := getState(ctx)
	state.dispatcher.selectorSequence++
	return &selectorImpl{name: fmt.Sprintf("selector-%v", state.dispatcher.selectorSequence)}
}

// NewNamedSelector is NewSelector with an explicit name.
func NewNamedSelector(ctx Context, name string) Selector {
	return &selectorImpl{name: name}
}

// NewFuture creates a Future/Settable pair. The Future blocks Get until its
// Settable is resolved.
func NewFuture(ctx Context) (Future, Settable) {
	impl := &futureImpl{channel: &channelImpl{name: "future"}}
	return impl, impl
}

// newDecodeFuture creates a Future whose fn identifies, for diagnostics
// only, the operation it is waiting on (an activity or child workflow
// type name).
func newDecodeFuture(ctx Context, fn interface{}) (Future, Settable) {
	impl := &decodeFutureImpl{futureImpl: &futureImpl{channel: &channelImpl{name: "future"}}, fn: fn}
	return impl, impl
}

// Await blocks the calling coroutine until condition returns true or ctx is
// canceled (§4.6). condition is re-evaluated after any other coroutine makes
// progress, never pre-emptively.
func Await(ctx Context, condition func() bool) error {
	state := getState(ctx)
	for !condition() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		state.yield("blocked on Await")
	}
	return nil
}

func (c *channelImpl) Receive(ctx Context, valuePtr interface{}) (more bool) {
	state := getState(ctx)
	hasResult := false
	var result interface{}
	callback := func(v interface{}, m bool) bool {
		result = v
		hasResult = true
		more = m
		return true
	}
	v, ok, more := c.receiveAsyncImpl(callback)
	if ok || !more {
		c.assignValue(v, valuePtr)
		return more
	}
	for {
		if hasResult {
			state.unblocked()
			c.assignValue(result, valuePtr)
			return more
		}
		state.yield(fmt.Sprintf("blocked on %s.Receive", c.name))
	}
}

func (c *channelImpl) ReceiveAsync(valuePtr interface{}) (ok bool) {
	ok, _ = c.ReceiveAsyncWithMoreFlag(valuePtr)
	return ok
}

func (c *channelImpl) ReceiveAsyncWithMoreFlag(valuePtr interface{}) (ok bool, more bool) {
	v, ok, more := c.receiveAsyncImpl(nil)
	c.assignValue(v, valuePtr)
	return ok, more
}

func (c *channelImpl) receiveAsyncImpl(callback receiveCallback) (v interface{}, ok bool, more bool) {
	if c.recValue != nil {
		r := *c.recValue
		c.recValue = nil
		return r, true, true
	}
	if len(c.buffer) > 0 {
		r := c.buffer[0]
		c.buffer = c.buffer[1:]
		return r, true, true
	}
	if c.closed {
		return nil, false, false
	}
	for len(c.blockedSends) > 0 {
		b := c.blockedSends[0]
		c.blockedSends = c.blockedSends[1:]
		if b.callback() {
			return b.value, true, true
		}
	}
	if callback != nil {
		c.blockedReceives = append(c.blockedReceives, callback)
	}
	return nil, false, true
}

func (c *channelImpl) Send(ctx Context, v interface{}) {
	state := getState(ctx)
	valueConsumed := false
	pair := &valueCallbackPair{
		value: v,
		callback: func() bool {
			valueConsumed = true
			return true
		},
	}
	ok := c.sendAsyncImpl(v, pair)
	if ok {
		state.unblocked()
		return
	}
	for {
		if c.closed {
			panic("Closed channel")
		}
		if valueConsumed {
			state.unblocked()
			return
		}
		state.yield(fmt.Sprintf("blocked on %s.Send", c.name))
	}
}

func (c *channelImpl) SendAsync(v interface{}) (ok bool) {
	return c.sendAsyncImpl(v, nil)
}

func (c *channelImpl) sendAsyncImpl(v interface{}, pair *valueCallbackPair) (ok bool) {
	if c.closed {
		panic("Closed channel")
	}
	for len(c.blockedReceives) > 0 {
		blockedGet := c.blockedReceives[0]
		c.blockedReceives = c.blockedReceives[1:]
		if blockedGet(v, true) {
			return true
		}
	}
	if len(c.buffer) < c.size {
		c.buffer = append(c.buffer, v)
		return true
	}
	if pair != nil {
		c.blockedSends = append(c.blockedSends, *pair)
	}
	return false
}

func (c *channelImpl) Close() {
	c.closed = true
	for i := 0; i < len(c.blockedReceives); i++ {
		c.blockedReceives[i](nil, false)
	}
	for i := 0; i < len(c.blockedSends); i++ {
		c.blockedSends[i].callback()
	}
}

func (c *channelImpl) assignValue(from interface{}, to interface{}) {
	if to == nil || from == nil {
		return
	}
	rv := reflect.ValueOf(to)
	if rv.Kind() != reflect.Ptr {
		panic("value parameter is not a pointer")
	}
	fv := reflect.ValueOf(from)
	if fv.IsValid() {
		rv.Elem().Set(fv)
	}
}

func (f *futureImpl) Get(ctx Context, valuePtr interface{}) error {
	more := f.channel.Receive(ctx, nil)
	if more {
		panic("not closed")
	}
	if !f.ready {
		panic("not ready")
	}
	if f.err != nil || f.value == nil || valuePtr == nil {
		return f.err
	}
	rv := reflect.ValueOf(valuePtr)
	if rv.Kind() != reflect.Ptr {
		return errors.New("value parameter is not a pointer")
	}
	fv := reflect.ValueOf(f.value)
	if fv.IsValid() {
		rv.Elem().Set(fv)
	}
	return f.err
}

func (f *futureImpl) GetAsync(callback receiveCallback) (v interface{}, ok bool, err error) {
	_, _, more := f.channel.receiveAsyncImpl(callback)
	if more {
		return nil, false, nil
	}
	if !f.ready {
		panic("not ready")
	}
	return f.value, true, f.err
}

func (f *futureImpl) IsReady() bool {
	return f.ready
}

func (f *futureImpl) Set(value interface{}, err error) {
	if f.ready {
		panic("already set")
	}
	f.value = value
	f.err = err
	f.ready = true
	f.channel.Close()
	for _, ch := range f.chained {
		ch.Set(f.value, f.err)
	}
}

func (f *futureImpl) SetValue(value interface{}) {
	if f.ready {
		panic("already set")
	}
	f.Set(value, nil)
}

func (f *futureImpl) SetError(err error) {
	if f.ready {
		panic("already set")
	}
	f.Set(nil, err)
}

func (f *futureImpl) Chain(future Future) {
	if f.ready {
		panic("already set")
	}
	ch, ok := future.(asyncFuture)
	if !ok {
		panic("cannot chain a Future that wasn't created with NewFuture")
	}
	if !ch.IsReady() {
		ch.ChainFuture(f)
		return
	}
	val, err := ch.GetValueAndError()
	f.value = val
	f.err = err
	f.ready = true
}

func (f *futureImpl) ChainFuture(future Future) {
	f.chained = append(f.chained, future.(asyncFuture))
}

func (f *futureImpl) GetValueAndError() (interface{}, error) {
	return f.value, f.err
}

func (s *coroutineState) initialYield(stackDepth int, status string) {
	keepBlocked := true
	for keepBlocked {
		f := <-s.unblock
		keepBlocked = f(status, stackDepth+1)
	}
}

// yield indicates the coroutine cannot make progress right now and hands
// control back to the dispatcher (§4.6). It blocks until the dispatcher
// calls back into this coroutine again.
func (s *coroutineState) yield(status string) {
	s.aboutToBlock <- true
	s.initialYield(3, status)
	s.keptBlocked = true
}

// unblocked marks that this coroutine made progress since its last yield,
// so the dispatcher's run-to-quiescence loop keeps iterating.
func (s *coroutineState) unblocked() {
	s.keptBlocked = false
}

func (s *coroutineState) call() {
	s.unblock <- func(status string, stackDepth int) bool {
		return false
	}
	<-s.aboutToBlock
}

func (s *coroutineState) close() {
	s.closed = true
	s.aboutToBlock <- true
}

func (s *coroutineState) exit() {
	if !s.closed {
		s.unblock <- func(status string, stackDepth int) bool {
			runtime.Goexit()
			return true
		}
	}
}

func (s *coroutineState) stackTrace() string {
	if s.closed {
		return ""
	}
	stackCh := make(chan string, 1)
	s.unblock <- func(status string, stackDepth int) bool {
		stackCh <- getStackTrace(s.name, status, stackDepth+2)
		return true
	}
	return <-stackCh
}

// newDispatcher creates a dispatcher owning a single root coroutine running
// root, and returns a Context carrying that coroutine's state for root to
// use as its own argument's parent.
func newDispatcher(rootCtx Context, root func(ctx Context)) (dispatcher, Context) {
	result := &dispatcherImpl{}
	ctx := result.newCoroutine(rootCtx, root)
	return result, ctx
}

func (d *dispatcherImpl) newCoroutine(ctx Context, f func(ctx Context)) Context {
	return d.newNamedCoroutine(ctx, fmt.Sprintf("%v", d.sequence+1), f)
}

func (d *dispatcherImpl) newNamedCoroutine(ctx Context, name string, f func(ctx Context)) Context {
	state := d.newState(name)
	spawned := WithValue(ctx, coroutinesContextKey, state)
	go func(crt *coroutineState) {
		defer crt.close()
		defer func() {
			if r := recover(); r != nil {
				st := getStackTrace(name, "panic", 4)
				crt.panicError = newPanicError(r, st)
			}
		}()
		crt.initialYield(1, "")
		f(spawned)
	}(state)
	return spawned
}

func (d *dispatcherImpl) newState(name string) *coroutineState {
	c := &coroutineState{
		name:         name,
		dispatcher:   d,
		aboutToBlock: make(chan bool, 1),
		unblock:      make(chan unblockFunc),
	}
	d.sequence++
	d.coroutines = append(d.coroutines, c)
	return c
}

// ExecuteUntilAllBlocked runs every live coroutine in deterministic order
// until each one is blocked or finished, implementing the run-to-quiescence
// step the decider performs once per workflow task (§4.6/§5).
func (d *dispatcherImpl) ExecuteUntilAllBlocked() (err *workflowPanicError) {
	d.mutex.Lock()
	if d.closed {
		panic("dispatcher is closed")
	}
	if d.executing {
		panic("call to ExecuteUntilAllBlocked (possibly from a coroutine) while it is already running")
	}
	d.executing = true
	d.mutex.Unlock()
	defer func() { d.executing = false }()

	allBlocked := false
	for !allBlocked {
		allBlocked = true
		lastSequence := d.sequence
		for i := 0; i < len(d.coroutines); i++ {
			c := d.coroutines[i]
			if !c.closed {
				c.call()
			}
			if c.closed {
				d.coroutines = append(d.coroutines[:i], d.coroutines[i+1:]...)
				i--
				if c.panicError != nil {
					return newWorkflowPanicError(c.panicError.value, c.panicError.stackTrace)
				}
				allBlocked = false
			} else {
				allBlocked = allBlocked && (c.keptBlocked || c.closed)
			}
		}
		allBlocked = allBlocked && lastSequence == d.sequence
		if len(d.coroutines) == 0 {
			break
		}
	}
	return nil
}

func (d *dispatcherImpl) IsDone() bool {
	return len(d.coroutines) == 0
}

func (d *dispatcherImpl) Close() {
	d.mutex.Lock()
	if d.closed {
		d.mutex.Unlock()
		return
	}
	d.closed = true
	d.mutex.Unlock()
	for i := 0; i < len(d.coroutines); i++ {
		c := d.coroutines[i]
		if !c.closed {
			c.exit()
		}
	}
}

func (d *dispatcherImpl) StackTrace() string {
	var result string
	for i := 0; i < len(d.coroutines); i++ {
		c := d.coroutines[i]
		if !c.closed {
			if len(result) > 0 {
				result += "\n\n"
			}
			result += c.stackTrace()
		}
	}
	return result
}

func (s *selectorImpl) AddReceive(c Channel, f func(c Channel, more bool)) Selector {
	s.cases = append(s.cases, &selectCase{channel: c.(*channelImpl), receiveFunc: &f})
	return s
}

func (s *selectorImpl) AddSend(c Channel, v interface{}, f func()) Selector {
	s.cases = append(s.cases, &selectCase{channel: c.(*channelImpl), sendFunc: &f, sendValue: &v})
	return s
}

func (s *selectorImpl) AddFuture(future Future, f func(future Future)) Selector {
	asyncF, ok := future.(asyncFuture)
	if !ok {
		panic("cannot chain a Future that wasn't created with NewFuture")
	}
	s.cases = append(s.cases, &selectCase{future: asyncF, futureFunc: &f})
	return s
}

func (s *selectorImpl) AddDefault(f func()) {
	s.defaultFunc = &f
}

func (s *selectorImpl) Select(ctx Context) {
	state := getState(ctx)
	var readyBranch func()
	for _, pair := range s.cases {
		switch {
		case pair.receiveFunc != nil:
			f := *pair.receiveFunc
			c := pair.channel
			callback := func(v interface{}, more bool) bool {
				if readyBranch != nil {
					return false
				}
				readyBranch = func() {
					c.recValue = &v
					f(c, more)
				}
				return true
			}
			v, ok, more := pair.channel.receiveAsyncImpl(callback)
			if ok || !more {
				c.recValue = &v
				f(c, more)
				return
			}

		case pair.sendFunc != nil:
			f := *pair.sendFunc
			p := &valueCallbackPair{
				value: *pair.sendValue,
				callback: func() bool {
					if readyBranch != nil {
						return false
					}
					readyBranch = func() { f() }
					return true
				},
			}
			ok := pair.channel.sendAsyncImpl(*pair.sendValue, p)
			if ok {
				f()
				return
			}

		case pair.futureFunc != nil:
			p := pair
			f := *p.futureFunc
			callback := func(v interface{}, more bool) bool {
				if readyBranch != nil {
					return false
				}
				p.futureFunc = nil
				readyBranch = func() { f(p.future) }
				return true
			}
			_, ok, _ := p.future.GetAsync(callback)
			if ok {
				p.futureFunc = nil
				f(p.future)
				return
			}
		}
	}
	if s.defaultFunc != nil {
		f := *s.defaultFunc
		f()
		return
	}
	for {
		if readyBranch != nil {
			readyBranch()
			state.unblocked()
			return
		}
		state.yield(fmt.Sprintf("blocked on %s.Select", s.name))
	}
}
