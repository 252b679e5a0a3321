package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stepflow-io/stepflow/backend"
	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/internal/log"
	"github.com/stepflow-io/stepflow/internal/tracing"
)

type RunOptions struct {
	// RunID overrides the generated run id. Useful for external idempotency
	// keys.
	RunID string
}

type Client struct {
	store   backend.Store
	clock   clock.Clock
	options backend.Options
	tracer  trace.Tracer
}

func New(store backend.Store, opts ...backend.Option) *Client {
	options := backend.ApplyOptions(opts...)

	return &Client{
		store:   store,
		clock:   clock.New(),
		options: options,
		tracer:  options.TracerProvider.Tracer(tracing.TracerName),
	}
}

// CreateRun persists a new run of the given workflow, triggered by the given
// event. It does not tick the run; the external scheduler does that.
func (c *Client) CreateRun(ctx context.Context, options RunOptions, workflowName string, event any) (*core.Run, error) {
	input, err := c.options.Converter.To(event)
	if err != nil {
		return nil, fmt.Errorf("converting event: %w", err)
	}

	run := core.NewRun(workflowName, input, c.clock.Now())
	if options.RunID != "" {
		run.ID = options.RunID
	}

	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("CreateRun: %s", workflowName), trace.WithAttributes(
		attribute.String(log.RunIDKey, run.ID),
		attribute.String(log.WorkflowNameKey, workflowName),
	))
	defer span.End()

	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, tracing.WithSpanError(span, fmt.Errorf("creating run: %w", err))
	}

	c.options.Logger.Debug(
		"Created run",
		log.RunIDKey, run.ID,
		log.WorkflowNameKey, workflowName,
	)

	return run, nil
}

// GetRun returns the current state of the given run.
func (c *Client) GetRun(ctx context.Context, runID string) (*core.Run, error) {
	return c.store.GetRun(ctx, runID)
}

// WaitForRun waits for the given run to reach a terminal status, or until the
// given timeout has expired.
func (c *Client) WaitForRun(ctx context.Context, runID string, timeout time.Duration) error {
	if timeout == 0 {
		timeout = time.Second * 20
	}

	ctx, span := c.tracer.Start(ctx, "WaitForRun", trace.WithAttributes(
		attribute.String(log.RunIDKey, runID),
	))
	defer span.End()

	b := backoff.ExponentialBackOff{
		InitialInterval:     time.Millisecond * 1,
		MaxInterval:         time.Second * 1,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		MaxElapsedTime:      timeout,
		Stop:                backoff.Stop,
		Clock:               c.clock,
	}
	b.Reset()

	ticker := backoff.NewTicker(&b)
	defer ticker.Stop()

	for range ticker.C {
		run, err := c.store.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("getting run: %w", err)
		}

		if run.Status.Final() {
			return nil
		}
	}

	return errors.New("run did not finish in specified timeout")
}

// GetRunResult returns the result of the given run. It first waits for the
// run to finish or until the given timeout has expired. A failed run returns
// its terminal error.
func GetRunResult[T any](ctx context.Context, c *Client, runID string, timeout time.Duration) (T, error) {
	ctx, span := c.tracer.Start(ctx, "GetRunResult", trace.WithAttributes(
		attribute.String(log.RunIDKey, runID),
	))
	defer span.End()

	if err := c.WaitForRun(ctx, runID, timeout); err != nil {
		return *new(T), fmt.Errorf("run did not finish in time: %w", err)
	}

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return *new(T), fmt.Errorf("getting run: %w", err)
	}

	if run.Status == core.RunStatusFailed {
		return *new(T), run.Error
	}

	var r T
	if err := c.options.Converter.From(run.Result, &r); err != nil {
		return *new(T), fmt.Errorf("converting result: %w", err)
	}

	return r, nil
}
