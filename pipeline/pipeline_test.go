package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Skryldev/derivcache/adapters/encoder"
	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
	"github.com/Skryldev/derivcache/operation"
	"github.com/Skryldev/derivcache/pipeline"
)

// ── Test helpers ──────────────────────────────────────────────────────────────

func solid(w, h int, c color.NRGBA) *core.ImageData {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return &core.ImageData{Image: img, Full: img, Meta: core.Metadata{Width: w, Height: h}}
}

func size(img *core.ImageData) core.Size { return core.SizeOf(img.Image.Bounds()) }

func run(t *testing.T, img *core.ImageData, steps ...core.Step) *core.ImageData {
	t.Helper()
	out, _, err := pipeline.New().Use(steps...).Run(context.Background(), img)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

// ── Runner ────────────────────────────────────────────────────────────────────

type flakyStep struct{ calls atomic.Int32 }

func (f *flakyStep) Name() string { return "flaky" }
func (f *flakyStep) Execute(_ context.Context, img *core.ImageData) (*core.ImageData, error) {
	if f.calls.Add(1) < 3 {
		return nil, apperrors.Transient("flaky", errors.New("try again"))
	}
	return img, nil
}

type recordingHook struct{ before, after []string }

func (h *recordingHook) BeforeStep(_ context.Context, name string, _ *core.ImageData) {
	h.before = append(h.before, name)
}
func (h *recordingHook) AfterStep(_ context.Context, name string, _ *core.ImageData, _ time.Duration, _ error) {
	h.after = append(h.after, name)
}

func TestRetryAndHooks(t *testing.T) {
	step := &flakyStep{}
	hook := &recordingHook{}
	p := pipeline.New().Use(step, &pipeline.TransposeStep{}).AddHook(hook).WithRetry(3, time.Millisecond)
	_, timings, err := p.Run(context.Background(), solid(2, 2, color.NRGBA{A: 255}))
	if err != nil {
		t.Fatal(err)
	}
	if len(timings) != 2 || timings[0].Step != "flaky" || timings[0].Attempts != 3 || timings[1].Step != "transpose" {
		t.Fatalf("timings %+v", timings)
	}
	if step.calls.Load() != 3 {
		t.Fatalf("calls = %d", step.calls.Load())
	}
	if len(hook.before) != 2 || hook.after[1] != "transpose" {
		t.Fatalf("hooks saw %v / %v", hook.before, hook.after)
	}
}

func TestRunHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := pipeline.New().Use(&pipeline.TransposeStep{}).Run(ctx, solid(2, 2, color.NRGBA{}))
	if err == nil {
		t.Fatal("expected error")
	}
}

type alwaysTransient struct{ calls atomic.Int32 }

func (a *alwaysTransient) Name() string { return "fetch" }
func (a *alwaysTransient) Execute(context.Context, *core.ImageData) (*core.ImageData, error) {
	a.calls.Add(1)
	return nil, apperrors.Transient("fetch", errors.New("unavailable"))
}

func TestRetriesExhaustedAreTraced(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	step := &alwaysTransient{}
	_, timings, err := pipeline.New().
		Use(&pipeline.TransposeStep{}, step).
		WithRetry(2, time.Millisecond).
		WithTracer(tp.Tracer("test")).
		Run(context.Background(), solid(4, 2, color.NRGBA{A: 255}))
	if !apperrors.IsRetryable(err) {
		t.Fatalf("got %v, want the transient error", err)
	}
	if step.calls.Load() != 3 || timings[1].Attempts != 3 {
		t.Fatalf("calls = %d, timings %+v", step.calls.Load(), timings)
	}

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("%d spans", len(spans))
	}
	transpose, fetch := spans[0], spans[1]
	if transpose.Name() != "pipeline.transpose" || transpose.Status().Code != codes.Unset {
		t.Errorf("transpose span %s %v", transpose.Name(), transpose.Status())
	}
	if fetch.Name() != "pipeline.fetch" || fetch.Status().Code != codes.Error {
		t.Errorf("fetch span %s %v", fetch.Name(), fetch.Status())
	}
	if n := len(fetch.Events()); n != 3 { // two retries and the recorded error
		t.Errorf("fetch span has %d events", n)
	}
	want := map[attribute.Key]int64{"derivcache.out.width": 4, "derivcache.out.height": 2}
	for _, kv := range transpose.Attributes() {
		if v, ok := want[kv.Key]; ok && kv.Value.AsInt64() != v {
			t.Errorf("%s = %d, want %d", kv.Key, kv.Value.AsInt64(), v)
		}
	}
}

// ── Geometry steps ────────────────────────────────────────────────────────────

func TestCropHonoursReductionFactor(t *testing.T) {
	img := solid(300, 200, color.NRGBA{A: 255})
	img.ReductionFactor = 1
	out := run(t, img, &pipeline.CropStep{
		Crop: operation.NewCropPixels(100, 50, 300, 200),
		In:   core.Size{Width: 600, Height: 400},
	})
	if got := size(out); got != (core.Size{Width: 150, Height: 100}) {
		t.Fatalf("cropped to %s", got)
	}
}

func TestScaleResetsReduction(t *testing.T) {
	img := solid(150, 100, color.NRGBA{A: 255})
	img.ReductionFactor = 1
	out := run(t, img, &pipeline.ScaleStep{Target: core.Size{Width: 150, Height: 100}})
	if out.ReductionFactor != 0 {
		t.Fatal("reduction factor survived scale")
	}
	out = run(t, out, &pipeline.ScaleStep{Target: core.Size{Width: 30, Height: 20}})
	if got := size(out); got != (core.Size{Width: 30, Height: 20}) {
		t.Fatalf("scaled to %s", got)
	}
}

func TestRotateRightAngle(t *testing.T) {
	img := solid(4, 2, color.NRGBA{A: 255})
	img.Image.(*image.NRGBA).Set(0, 0, color.NRGBA{R: 255, A: 255})
	out := run(t, img, &pipeline.RotateStep{Rotate: operation.Rotate{Degrees: 90}})
	if got := size(out); got != (core.Size{Width: 2, Height: 4}) {
		t.Fatalf("rotated to %s", got)
	}
	if r, _, _, _ := out.Image.At(1, 0).RGBA(); r != 0xFFFF {
		t.Fatal("top-left pixel did not move to top-right")
	}
}

func TestRotateArbitrary(t *testing.T) {
	out := run(t, solid(100, 100, color.NRGBA{A: 255}), &pipeline.RotateStep{Rotate: operation.Rotate{Degrees: 45}})
	if got := size(out); got != (core.Size{Width: 141, Height: 141}) {
		t.Fatalf("rotated to %s", got)
	}
	if _, _, _, a := out.Image.At(0, 0).RGBA(); a != 0 {
		t.Fatal("corner should be transparent")
	}
}

func TestTransposeVertical(t *testing.T) {
	img := solid(2, 2, color.NRGBA{A: 255})
	img.Image.(*image.NRGBA).Set(0, 0, color.NRGBA{G: 255, A: 255})
	out := run(t, img, &pipeline.TransposeStep{Axis: operation.Vertical})
	if _, g, _, _ := out.Image.At(0, 1).RGBA(); g != 0xFFFF {
		t.Fatal("pixel not flipped")
	}
}

// ── Color steps ───────────────────────────────────────────────────────────────

func TestBitonal(t *testing.T) {
	out := run(t, solid(3, 3, color.NRGBA{R: 200, G: 200, B: 200, A: 255}), &pipeline.ColorStep{Kind: operation.Bitonal})
	gray, ok := out.Image.(*image.Gray)
	if !ok {
		t.Fatalf("got %T", out.Image)
	}
	for _, v := range gray.Pix {
		if v != 255 {
			t.Fatalf("pixel %d not binarised", v)
		}
	}
}

func TestNormalizeUsesFullImage(t *testing.T) {
	full := image.NewNRGBA(image.Rect(0, 0, 10, 1))
	for x := 0; x < 10; x++ {
		v := uint8(100 + x*10) // 100..190
		full.SetNRGBA(x, 0, color.NRGBA{R: v, G: v, B: v, A: 255})
	}
	crop := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	crop.SetNRGBA(0, 0, color.NRGBA{R: 190, G: 190, B: 190, A: 255})
	out := run(t, &core.ImageData{Image: crop, Full: full}, &pipeline.NormalizeStep{})
	if r, _, _, _ := out.Image.At(0, 0).RGBA(); r>>8 != 255 {
		t.Fatalf("brightest sample mapped to %d", r>>8)
	}
}

func TestSharpenKeepsFlatAreas(t *testing.T) {
	out := run(t, solid(5, 5, color.NRGBA{R: 90, G: 90, B: 90, A: 255}), &pipeline.SharpenStep{Amount: 2})
	if r, _, _, _ := out.Image.At(2, 2).RGBA(); r>>8 != 90 {
		t.Fatalf("flat area changed to %d", r>>8)
	}
}

// ── Overlays & redaction ──────────────────────────────────────────────────────

func TestRedactionThroughGeometry(t *testing.T) {
	g := pipeline.NewGeometry()
	g.Crop(image.Rect(100, 100, 300, 300))
	g.Scale(core.Size{Width: 200, Height: 200}, core.Size{Width: 100, Height: 100})
	got := g.MapRect(image.Rect(120, 140, 160, 180))
	if want := image.Rect(10, 20, 30, 40); got != want {
		t.Fatalf("mapped to %v, want %v", got, want)
	}

	out := run(t, solid(100, 100, color.NRGBA{R: 255, G: 255, B: 255, A: 255}), &pipeline.RedactionStep{Region: got})
	if r, _, _, _ := out.Image.At(15, 25).RGBA(); r != 0 {
		t.Fatal("region not blanked")
	}
	if r, _, _, _ := out.Image.At(50, 50).RGBA(); r == 0 {
		t.Fatal("outside region blanked")
	}
}

func TestGeometryQuarterTurn(t *testing.T) {
	g := pipeline.NewGeometry()
	g.Rotate(operation.Rotate{Degrees: 90}, core.Size{Width: 40, Height: 20})
	if got := g.MapRect(image.Rect(0, 0, 10, 5)); got != image.Rect(15, 0, 20, 10) {
		t.Fatalf("mapped to %v", got)
	}
}

func TestImageOverlayPosition(t *testing.T) {
	mark := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	for i := range mark.Pix {
		mark.Pix[i] = 255
	}
	out := run(t, solid(10, 10, color.NRGBA{A: 255}), &pipeline.ImageOverlayStep{
		Overlay: operation.ImageOverlay{Image: mark, Position: operation.BottomRight, Inset: 1},
	})
	if r, _, _, _ := out.Image.At(8, 8).RGBA(); r != 0xFFFF {
		t.Fatal("overlay missing at bottom right")
	}
	if r, _, _, _ := out.Image.At(9, 9).RGBA(); r != 0 {
		t.Fatal("inset ignored")
	}
}

func TestStringOverlayDrawsPixels(t *testing.T) {
	out := run(t, solid(80, 30, color.NRGBA{R: 255, G: 255, B: 255, A: 255}), &pipeline.StringOverlayStep{
		Overlay: operation.StringOverlay{Text: "IIIF", Position: operation.Center},
	})
	dark := 0
	b := out.Image.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if r, _, _, _ := out.Image.At(x, y).RGBA(); r < 0x8000 {
				dark++
			}
		}
	}
	if dark == 0 {
		t.Fatal("no text drawn")
	}
}

// ── Encode ────────────────────────────────────────────────────────────────────

func TestFlattenAndEncode(t *testing.T) {
	reg := core.NewRegistry()
	reg.RegisterEncoder(core.FormatPNG, encoder.NewPNG())

	var buf bytes.Buffer
	out := run(t, solid(4, 4, color.NRGBA{}),
		&pipeline.FlattenStep{Background: color.RGBA{R: 255, G: 255, B: 255}},
		&pipeline.EncodeStep{Registry: reg, Format: core.FormatPNG, W: &buf},
	)
	if out.Meta.SizeBytes != int64(buf.Len()) {
		t.Fatal("size not recorded")
	}
	decoded, err := png.Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if r, _, _, a := decoded.At(0, 0).RGBA(); r != 0xFFFF || a != 0xFFFF {
		t.Fatal("transparency not flattened onto white")
	}
}

func TestEncodeUnknownFormat(t *testing.T) {
	_, _, err := pipeline.New().Use(&pipeline.EncodeStep{Registry: core.NewRegistry(), Format: core.FormatJP2, W: &bytes.Buffer{}}).
		Run(context.Background(), solid(1, 1, color.NRGBA{}))
	if !apperrors.IsUnsupported(err) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestDepthStep(t *testing.T) {
	img := &core.ImageData{Image: image.NewRGBA64(image.Rect(0, 0, 2, 2))}
	out := run(t, img, &pipeline.DepthStep{})
	if _, ok := out.Image.(*image.NRGBA); !ok {
		t.Fatalf("got %T", out.Image)
	}
}
