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
	"reflect"
	"runtime"
	"sync"

	commonpb "go.temporal.io/temporal-proto/common"
)

type (
	// WorkflowType identifies a workflow function by its registered name.
	WorkflowType struct {
		Name string
	}

	// RegisterWorkflowOptions configures how a workflow function is entered
	// into a registry.
	RegisterWorkflowOptions struct {
		// Name overrides the name the function would otherwise be registered
		// under (its fully qualified Go name). Optional.
		Name string
	}

	// RegisterActivityOptions configures how an activity function is entered
	// into a registry.
	RegisterActivityOptions struct {
		// Name overrides the name the function would otherwise be registered
		// under (its fully qualified Go name). Optional.
		Name string
	}

	// ExecuteWorkflowParams is the fully-resolved request to start (or
	// continue-as-new into) one workflow run: a validated WorkflowType, its
	// already-encoded Input, and the wire Header to carry across.
	ExecuteWorkflowParams struct {
		WorkflowOptions StartWorkflowOptions
		WorkflowType    *WorkflowType
		Input           *commonpb.Payloads
		Header          *commonpb.Header
	}

	// registry maps workflow/activity type names to the Go functions that
	// implement them. A decider or test harness consults it to turn the
	// type name recorded in history back into something it can invoke.
	registry struct {
		mu         sync.RWMutex
		workflows  map[string]interface{}
		activities map[string]interface{}
	}
)

func newRegistry() *registry {
	return &registry{
		workflows:  make(map[string]interface{}),
		activities: make(map[string]interface{}),
	}
}

// RegisterWorkflow adds fn to the registry under its inferred name.
func (r *registry) RegisterWorkflow(fn interface{}) {
	r.RegisterWorkflowWithOptions(fn, RegisterWorkflowOptions{})
}

// RegisterWorkflowWithOptions adds fn to the registry, overriding its name
// when options.Name is set.
func (r *registry) RegisterWorkflowWithOptions(fn interface{}, options RegisterWorkflowOptions) {
	name := options.Name
	if name == "" {
		name = functionName(fn)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[name] = fn
}

// RegisterActivity adds fn to the registry under its inferred name.
func (r *registry) RegisterActivity(fn interface{}) {
	r.RegisterActivityWithOptions(fn, RegisterActivityOptions{})
}

// RegisterActivityWithOptions adds fn to the registry, overriding its name
// when options.Name is set.
func (r *registry) RegisterActivityWithOptions(fn interface{}, options RegisterActivityOptions) {
	name := options.Name
	if name == "" {
		name = functionName(fn)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities[name] = fn
}

// GetWorkflowFn looks up a registered workflow function by name.
func (r *registry) GetWorkflowFn(name string) (interface{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.workflows[name]
	return fn, ok
}

// GetActivityFn looks up a registered activity function by name.
func (r *registry) GetActivityFn(name string) (interface{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.activities[name]
	return fn, ok
}

// functionName returns the fully qualified name of a function value, the
// same identity getErrorType's reflect-based lookup uses for error types.
func functionName(fn interface{}) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return fmt.Sprintf("%v", fn)
	}
	if pc := runtime.FuncForPC(v.Pointer()); pc != nil {
		return pc.Name()
	}
	return v.Type().String()
}

// getValidatedWorkflowFunction resolves wfn (a function value or a
// registered type name) against r, encodes args with dc, and returns the
// WorkflowType/Input pair an ExecuteWorkflowParams needs.
func getValidatedWorkflowFunction(wfn interface{}, args []interface{}, dc DataConverter, r *registry) (*WorkflowType, *commonpb.Payloads, error) {
	var name string
	switch fn := wfn.(type) {
	case string:
		name = fn
	default:
		v := reflect.ValueOf(wfn)
		if v.Kind() != reflect.Func {
			return nil, nil, fmt.Errorf("invalid workflow function type: %T", wfn)
		}
		if r != nil {
			if registered, ok := lookupByValue(r, wfn); ok {
				name = registered
				break
			}
		}
		name = functionName(wfn)
	}

	input, err := encodeArgs(dc, args)
	if err != nil {
		return nil, nil, err
	}
	return &WorkflowType{Name: name}, input, nil
}

// lookupByValue finds the registered name for an already-registered workflow
// function value, so two different callers handed the same function object
// (rather than its string name) resolve to the same wire type name.
func lookupByValue(r *registry, fn interface{}) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	target := reflect.ValueOf(fn).Pointer()
	for name, registered := range r.workflows {
		if reflect.ValueOf(registered).Pointer() == target {
			return name, true
		}
	}
	return "", false
}

type (
	// workflowEnvironmentInterface is the minimal surface NewContinueAsNewError
	// and the test harness need from a running workflow's environment: its
	// registry (to resolve continue-as-new/child workflow targets), data
	// converter, and context propagators.
	workflowEnvironmentInterface interface {
		GetRegistry() *registry
		GetDataConverter() DataConverter
		GetContextPropagators() []ContextPropagator
	}
)

const (
	workflowEnvironmentContextKey contextKey = "workflowEnvironment"
	workflowOptionsContextKey     contextKey = "workflowOptions"
)

// WithWorkflowEnvironment attaches env to ctx so getWorkflowEnvironment can
// recover it deeper in the call stack.
func WithWorkflowEnvironment(ctx Context, env workflowEnvironmentInterface) Context {
	return WithValue(ctx, workflowEnvironmentContextKey, env)
}

func getWorkflowEnvironment(ctx Context) workflowEnvironmentInterface {
	env, _ := ctx.Value(workflowEnvironmentContextKey).(workflowEnvironmentInterface)
	return env
}

// WithWorkflowOptions attaches the StartWorkflowOptions in effect for ctx
// (the options a continue-as-new/child workflow inherits unless overridden).
func WithWorkflowOptions(ctx Context, options StartWorkflowOptions) Context {
	return WithValue(ctx, workflowOptionsContextKey, &options)
}

func getWorkflowEnvOptions(ctx Context) *StartWorkflowOptions {
	options, _ := ctx.Value(workflowOptionsContextKey).(*StartWorkflowOptions)
	return options
}
