package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes feed metric series, so only bounded values belong here:
// operation names, component names, status. Artifact ids, filenames and
// storage locations go to logs instead.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation runs fn inside a span named operationName.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentRegistryOperation instruments registry operations. Outcomes the
// caller treats as normal control flow (a missing handle, for example) should
// be reported through isExpected so they are not counted as errors.
func (t *Telemetry) InstrumentRegistryOperation(ctx context.Context, operation string, isExpected func(error) bool, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	var fnErr error

	_ = t.InstrumentOperation(ctx, "registry_"+operation, "registry", func(ctx context.Context) error {
		fnErr = fn(ctx)
		if fnErr != nil && isExpected != nil && isExpected(fnErr) {
			return nil
		}

		return fnErr
	})

	status := "success"

	switch {
	case fnErr == nil:
	case isExpected != nil && isExpected(fnErr):
		status = "miss"
	default:
		status = "error"
	}

	t.RecordRegistryOperation(operation, status, time.Since(start))

	return fnErr
}
