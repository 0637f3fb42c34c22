// Copyright 2021 Molecula Corp. All rights reserved.

// Package tracing abstracts the tracer behind the transaction machinery's
// spans, so the core packages never import a tracing backend directly. The
// wrapper in tracing/opentracing plugs in an OpenTracing tracer; everything
// defaults to the no-op tracer.
package tracing

import (
	"context"
)

// GlobalTracer is the tracer the transaction machinery reports spans to.
// Commands overwrite it during setup when tracing is configured; the
// default drops everything.
var GlobalTracer Tracer = NopTracer()

// Tracer starts spans. The spans of interest here wrap block bodies and
// the commit/rollback calls underneath them, so nesting follows the block
// structure: a nested block's span is a child of its enclosing block's.
type Tracer interface {
	// Returns a new child span and context from a given context.
	StartSpanFromContext(ctx context.Context, operationName string) (Span, context.Context)
}

// Span is one traced operation, e.g. a block body or a commit.
type Span interface {
	// Sets the end timestamp and finalizes Span state.
	Finish()

	// Adds key/value pairs to the span.
	LogKV(alternatingKeyValues ...interface{})
}

// NopTracer returns a tracer that doesn't do anything.
func NopTracer() Tracer {
	return &nopTracer{}
}

type nopTracer struct{}

func (t *nopTracer) StartSpanFromContext(ctx context.Context, operationName string) (Span, context.Context) {
	return &nopSpan{}, ctx
}

type nopSpan struct{}

func (s *nopSpan) Finish()                                   {}
func (s *nopSpan) LogKV(alternatingKeyValues ...interface{}) {}
