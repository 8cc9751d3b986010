// Package hooks provides Hook, Logger and MetricsCollector implementations.
package hooks

import (
	"context"
	"time"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
)

// ── Logging hook ──────────────────────────────────────────────────────────────

// LoggingHook logs each pipeline step at debug level and failures at error
// level. Fields attached to the context with WithFields lead every line.
type LoggingHook struct {
	logger core.Logger
}

var _ core.Hook = (*LoggingHook)(nil)

// NewLoggingHook creates a LoggingHook.
func NewLoggingHook(l core.Logger) *LoggingHook { return &LoggingHook{logger: l} }

func (h *LoggingHook) BeforeStep(ctx context.Context, stepName string, img *core.ImageData) {
	kv := append(Fields(ctx), "step", stepName)
	h.logger.Debug("pipeline.step.start", append(kv, dims("in", img)...)...)
}

func (h *LoggingHook) AfterStep(ctx context.Context, stepName string, img *core.ImageData, d time.Duration, err error) {
	kv := append(Fields(ctx), "step", stepName, "duration_ms", d.Milliseconds())
	if err != nil {
		kv = append(kv, "category", errorCategory(err), "retryable", apperrors.IsRetryable(err), "error", err.Error())
		h.logger.Error("pipeline.step.error", kv...)
		return
	}
	h.logger.Debug("pipeline.step.done", append(kv, dims("out", img)...)...)
}

// dims describes img as prefix_width, prefix_height and the reduction factor
// it was decoded at. A nil image, as produced by the encode step, has none.
func dims(prefix string, img *core.ImageData) []any {
	if img == nil || img.Image == nil {
		return nil
	}
	b := img.Image.Bounds()
	return []any{
		prefix + "_width", b.Dx(),
		prefix + "_height", b.Dy(),
		"format", img.Format,
		"reduction_factor", img.ReductionFactor,
	}
}

// ── Metrics hook ──────────────────────────────────────────────────────────────

// MetricsHook feeds pipeline events into a MetricsCollector.
type MetricsHook struct {
	collector core.MetricsCollector
}

var _ core.Hook = (*MetricsHook)(nil)

// NewMetricsHook creates a MetricsHook.
func NewMetricsHook(c core.MetricsCollector) *MetricsHook { return &MetricsHook{collector: c} }

func (h *MetricsHook) BeforeStep(_ context.Context, _ string, _ *core.ImageData) {}

func (h *MetricsHook) AfterStep(_ context.Context, stepName string, img *core.ImageData, d time.Duration, err error) {
	h.collector.RecordProcessingTime(stepName, d)
	if err != nil {
		h.collector.RecordError(stepName, string(errorCategory(err)))
		return
	}
	if img != nil && img.Image != nil {
		b := img.Image.Bounds()
		h.collector.RecordMemory(int64(b.Dx()) * int64(b.Dy()) * 4)
	}
}

func errorCategory(err error) apperrors.Category {
	for _, c := range []apperrors.Category{
		apperrors.CategoryValidation, apperrors.CategorySource, apperrors.CategoryUnsupported,
		apperrors.CategoryDecode, apperrors.CategoryEncode, apperrors.CategoryCache,
		apperrors.CategoryTransient,
	} {
		if apperrors.IsCategory(err, c) {
			return c
		}
	}
	return apperrors.CategoryPipeline
}
