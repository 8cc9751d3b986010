// Package pipeline runs the steps that turn a decoded source into a
// derivative, with hooks, tracing and retry of transient failures.
package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
)

const tracerName = "github.com/Skryldev/derivcache/pipeline"

// maxRetryDelay caps the doubling delay between attempts.
const maxRetryDelay = 5 * time.Second

// Timing records one executed step. A list may hold the same operation more
// than once, so timings are kept in order rather than by name.
type Timing struct {
	Step     string
	Duration time.Duration
	Attempts int
}

// Pipeline executes a sequence of Steps. It is not safe to mutate while Run
// is in progress; build one per derivative.
type Pipeline struct {
	steps      []core.Step
	hooks      []core.Hook
	maxRetries int
	retryDelay time.Duration
	tracer     trace.Tracer
}

// New returns an empty Pipeline.
func New() *Pipeline { return &Pipeline{} }

// Use appends steps in application order.
func (p *Pipeline) Use(s ...core.Step) *Pipeline {
	p.steps = append(p.steps, s...)
	return p
}

// AddHook registers an observer.
func (p *Pipeline) AddHook(h core.Hook) *Pipeline {
	p.hooks = append(p.hooks, h)
	return p
}

// WithRetry retries retryable step failures up to maxRetries times. The
// delay doubles after every attempt.
func (p *Pipeline) WithRetry(maxRetries int, delay time.Duration) *Pipeline {
	p.maxRetries = maxRetries
	p.retryDelay = delay
	return p
}

// WithTracer replaces the global tracer.
func (p *Pipeline) WithTracer(t trace.Tracer) *Pipeline {
	p.tracer = t
	return p
}

// Run applies every step to img in order and returns the last result. Each
// step runs in its own span, a child of whatever span ctx carries.
func (p *Pipeline) Run(ctx context.Context, img *core.ImageData) (*core.ImageData, []Timing, error) {
	tracer := p.tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	timings := make([]Timing, 0, len(p.steps))
	current := img

	for _, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return nil, timings, apperrors.Wrap(apperrors.CategoryPipeline, step.Name(), err)
		}
		result, t, err := p.runStep(ctx, tracer, step, current)
		timings = append(timings, t)
		if err != nil {
			return nil, timings, err
		}
		current = result
	}
	return current, timings, nil
}

func (p *Pipeline) runStep(ctx context.Context, tracer trace.Tracer, step core.Step, img *core.ImageData) (*core.ImageData, Timing, error) {
	name := step.Name()
	ctx, span := tracer.Start(ctx, "pipeline."+name, trace.WithAttributes(sizeAttrs("in", img)...))
	defer span.End()

	for _, h := range p.hooks {
		h.BeforeStep(ctx, name, img)
	}

	var (
		result *core.ImageData
		err    error
		t      = Timing{Step: name}
		delay  = p.retryDelay
	)
	start := time.Now()
	for t.Attempts < p.maxRetries+1 {
		t.Attempts++
		result, err = step.Execute(ctx, img)
		if err == nil || !apperrors.IsRetryable(err) || t.Attempts > p.maxRetries {
			break
		}
		span.AddEvent("retry", trace.WithAttributes(
			attribute.Int("derivcache.attempt", t.Attempts),
			attribute.String("derivcache.error", err.Error()),
		))
		if waitErr := wait(ctx, delay); waitErr != nil {
			err = apperrors.Wrap(apperrors.CategoryPipeline, name, waitErr)
			break
		}
		delay = min(delay*2, maxRetryDelay)
	}
	t.Duration = time.Since(start)

	for _, h := range p.hooks {
		h.AfterStep(ctx, name, result, t.Duration, err)
	}

	span.SetAttributes(attribute.Int("derivcache.attempts", t.Attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, t, err
	}
	span.SetAttributes(sizeAttrs("out", result)...)
	return result, t, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func sizeAttrs(prefix string, img *core.ImageData) []attribute.KeyValue {
	if img == nil || img.Image == nil {
		return nil
	}
	b := img.Image.Bounds()
	return []attribute.KeyValue{
		attribute.Int("derivcache."+prefix+".width", b.Dx()),
		attribute.Int("derivcache."+prefix+".height", b.Dy()),
		attribute.Int("derivcache.reduction_factor", img.ReductionFactor),
	}
}
