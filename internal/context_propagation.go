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

	"github.com/opentracing/opentracing-go"
	"go.uber.org/zap"

	commonpb "go.temporal.io/temporal-proto/common"
)

type (
	// HeaderWriter is the write side of the wire Header a ContextPropagator
	// injects into, carried alongside a workflow/activity task's input.
	HeaderWriter interface {
		Set(key string, value []byte)
	}

	// HeaderReader is the read side of the wire Header a ContextPropagator
	// extracts from.
	HeaderReader interface {
		ForEachKey(handler func(key string, value []byte) error) error
	}

	// ContextPropagator carries out-of-band context (request IDs, trace
	// spans, auth principals) across the boundary between a caller's
	// context.Context and a workflow's replay-deterministic Context, via the
	// wire Header attached to StartWorkflowExecution/commands. The
	// four-method split exists because the two sides use different Context
	// types and different directions (Inject goes onto the wire, Extract
	// comes off it).
	ContextPropagator interface {
		Inject(ctx context.Context, writer HeaderWriter) error
		InjectFromWorkflow(ctx Context, writer HeaderWriter) error
		Extract(ctx context.Context, reader HeaderReader) (context.Context, error)
		ExtractToWorkflow(ctx Context, reader HeaderReader) (Context, error)
	}

	headerWriter struct {
		header *commonpb.Header
	}

	headerReader struct {
		header *commonpb.Header
	}

	stringMapPropagator struct {
		keys map[string]struct{}
	}

	tracingContextPropagator struct {
		logger *zap.Logger
		tracer opentracing.Tracer
	}
)

func (hw *headerWriter) Set(key string, value []byte) {
	if hw.header.Fields == nil {
		hw.header.Fields = make(map[string][]byte)
	}
	hw.header.Fields[key] = value
}

func (hr *headerReader) ForEachKey(handler func(key string, value []byte) error) error {
	for key, value := range hr.header.GetFields() {
		if err := handler(key, value); err != nil {
			return err
		}
	}
	return nil
}

// NewHeaderWriter wraps header (allocating Fields if necessary) as a HeaderWriter.
func NewHeaderWriter(header *commonpb.Header) HeaderWriter {
	return &headerWriter{header: header}
}

// NewHeaderReader wraps header as a HeaderReader.
func NewHeaderReader(header *commonpb.Header) HeaderReader {
	return &headerReader{header: header}
}

// getWorkflowHeader runs every propagator's InjectFromWorkflow against a
// fresh Header, used whenever workflow code starts a new execution (new run,
// child workflow, continue-as-new) and needs to carry its context forward.
func getWorkflowHeader(ctx Context, propagators []ContextPropagator) *commonpb.Header {
	header := &commonpb.Header{Fields: make(map[string][]byte)}
	writer := NewHeaderWriter(header)
	for _, propagator := range propagators {
		if err := propagator.InjectFromWorkflow(ctx, writer); err != nil {
			panic(err)
		}
	}
	return header
}

// getHeader runs every propagator's client-side Inject against a fresh
// Header, used whenever a Client call starts or signals a workflow.
func getHeader(ctx context.Context, propagators []ContextPropagator) (*commonpb.Header, error) {
	header := &commonpb.Header{Fields: make(map[string][]byte)}
	writer := NewHeaderWriter(header)
	for _, propagator := range propagators {
		if err := propagator.Inject(ctx, writer); err != nil {
			return nil, err
		}
	}
	return header, nil
}

// NewStringMapPropagator returns a ContextPropagator that copies a fixed set
// of string-valued context keys onto the wire Header and back, unmodified.
func NewStringMapPropagator(keys []string) ContextPropagator {
	keySet := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		keySet[key] = struct{}{}
	}
	return &stringMapPropagator{keys: keySet}
}

func (s *stringMapPropagator) Inject(ctx context.Context, writer HeaderWriter) error {
	for key := range s.keys {
		if value, ok := ctx.Value(contextKey(key)).(string); ok {
			writer.Set(key, []byte(value))
		}
	}
	return nil
}

func (s *stringMapPropagator) InjectFromWorkflow(ctx Context, writer HeaderWriter) error {
	for key := range s.keys {
		if value, ok := ctx.Value(contextKey(key)).(string); ok {
			writer.Set(key, []byte(value))
		}
	}
	return nil
}

func (s *stringMapPropagator) Extract(ctx context.Context, reader HeaderReader) (context.Context, error) {
	err := reader.ForEachKey(func(key string, value []byte) error {
		if _, ok := s.keys[key]; ok {
			ctx = context.WithValue(ctx, contextKey(key), string(value))
		}
		return nil
	})
	return ctx, err
}

func (s *stringMapPropagator) ExtractToWorkflow(ctx Context, reader HeaderReader) (Context, error) {
	err := reader.ForEachKey(func(key string, value []byte) error {
		if _, ok := s.keys[key]; ok {
			ctx = WithValue(ctx, contextKey(key), string(value))
		}
		return nil
	})
	return ctx, err
}

// NewTracingContextPropagator carries an opentracing span across the
// workflow boundary by serializing it into the wire Header with tracer's own
// TextMap codec. Workflow-side injection has nothing to attach to (replay
// code never holds a live span of its own), so InjectFromWorkflow/
// ExtractToWorkflow are no-ops; only the client-facing Inject/Extract pair
// does real work.
func NewTracingContextPropagator(logger *zap.Logger, tracer opentracing.Tracer) ContextPropagator {
	return &tracingContextPropagator{logger: logger, tracer: tracer}
}

func (t *tracingContextPropagator) Inject(ctx context.Context, writer HeaderWriter) error {
	span := opentracing.SpanFromContext(ctx)
	if span == nil {
		return nil
	}
	carrier := make(opentracing.TextMapCarrier)
	if err := t.tracer.Inject(span.Context(), opentracing.TextMap, carrier); err != nil {
		return err
	}
	for key, value := range carrier {
		writer.Set(key, []byte(value))
	}
	return nil
}

func (t *tracingContextPropagator) InjectFromWorkflow(ctx Context, writer HeaderWriter) error {
	return nil
}

func (t *tracingContextPropagator) Extract(ctx context.Context, reader HeaderReader) (context.Context, error) {
	carrier := make(opentracing.TextMapCarrier)
	if err := reader.ForEachKey(func(key string, value []byte) error {
		carrier[key] = string(value)
		return nil
	}); err != nil {
		return ctx, err
	}
	spanContext, err := t.tracer.Extract(opentracing.TextMap, carrier)
	if err != nil {
		// No span on the wire is the common case (e.g. the starting client
		// had no tracer configured); nothing to attach.
		return ctx, nil
	}
	span := t.tracer.StartSpan("ReplayWorkflow", opentracing.ChildOf(spanContext))
	return opentracing.ContextWithSpan(ctx, span), nil
}

func (t *tracingContextPropagator) ExtractToWorkflow(ctx Context, reader HeaderReader) (Context, error) {
	return ctx, nil
}
