package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type nopLogger struct{}

func (nopLogger) With(_ ...Field) Logger { return nopLogger{} }
func (nopLogger) Debug(string, ...Field) {}
func (nopLogger) Info(string, ...Field)  {}
func (nopLogger) Warn(string, ...Field)  {}
func (nopLogger) Error(string, ...Field) {}

// NopLogger returns a logger that discards all logs. Useful as a safe fallback.
func NopLogger() Logger { return nopLogger{} }

type nopTracer struct{}

func (nopTracer) Start(ctx context.Context, _ string, _ ...attribute.KeyValue) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

// NopTracer returns a tracer that simply propagates the existing span from the context.
func NopTracer() Tracer { return nopTracer{} }

type nopBoundCounter struct{}

func (nopBoundCounter) Add(float64) {}

func NopCounter() Counter { return counterNop{} }

type counterNop struct{}

func (counterNop) Add(float64, ...Label)      {}
func (counterNop) Bind(...Label) BoundCounter { return nopBoundCounter{} }

type histogramNop struct{}

func (histogramNop) Observe(float64, ...Label)    {}
func (histogramNop) Bind(...Label) BoundHistogram { return nopBoundHistogram{} }

type nopBoundHistogram struct{}

func (nopBoundHistogram) Observe(float64) {}

func NopHistogram() Histogram { return histogramNop{} }

type nopMetrics struct{}

func (nopMetrics) Counter(MetricKey) Counter     { return counterNop{} }
func (nopMetrics) Histogram(MetricKey) Histogram { return histogramNop{} }

// NopMetrics returns a metrics provider whose instruments discard all values.
func NopMetrics() Metrics { return nopMetrics{} }
