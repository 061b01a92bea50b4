// Package attempt carries per-attempt execution data for provider calls: the
// trace the attempt belongs to, its own span, which attempt this is and the
// idempotency key every attempt of the same transaction shares.
package attempt

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

type ctxKey struct{}

// Context is derived by the executor for each provider attempt.
type Context struct {
	TraceID        string    // Taken from the active span, or freshly generated
	SpanID         string    // Span for this attempt
	StartTime      time.Time // When this attempt began
	Number         int       // 1 for the first attempt, 2 for the second, ...
	IdempotencyKey string    // The transaction's stable reference
	Deadline       time.Time // Zero when the caller set no deadline
}

// Derive builds the attempt context for attempt number n of the transaction
// identified by reference. Trace ids come from the OpenTelemetry span in ctx
// when there is one.
func Derive(ctx context.Context, reference string, n int) Context {
	a := Context{
		StartTime:      time.Now(),
		Number:         n,
		IdempotencyKey: reference,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		a.TraceID = sc.TraceID().String()
		a.SpanID = sc.SpanID().String()
	} else {
		a.TraceID = uuid.NewString()
		a.SpanID = uuid.NewString()
	}
	if dl, ok := ctx.Deadline(); ok {
		a.Deadline = dl
	}
	return a
}

// RemainingBudget is how long the attempt may still run. Zero means exhausted;
// a negative value means no deadline was set.
func (a Context) RemainingBudget() time.Duration {
	if a.Deadline.IsZero() {
		return -1
	}
	rem := time.Until(a.Deadline)
	if rem < 0 {
		return 0
	}
	return rem
}

// With stores a in ctx.
func With(ctx context.Context, a Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// From returns the attempt stored in ctx, if any.
func From(ctx context.Context) (Context, bool) {
	a, ok := ctx.Value(ctxKey{}).(Context)
	return a, ok
}
