package processor_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
	"github.com/Skryldev/derivcache/operation"
	"github.com/Skryldev/derivcache/processor"
	"github.com/Skryldev/derivcache/utils"
)

// ── Test helpers ──────────────────────────────────────────────────────────────

func newJPEGSource(t *testing.T, w, h int) *core.BytesSource {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 50, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode test jpeg: %v", err)
	}
	return &core.BytesSource{ID: "cats", Fmt: core.FormatJPEG, Data: buf.Bytes()}
}

func build(t *testing.T, ops ...operation.Operation) *operation.List {
	t.Helper()
	b := operation.NewBuilder("cats")
	if err := b.Add(ops...); err != nil {
		t.Fatal(err)
	}
	l, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func newImaging() *processor.Imaging {
	return processor.NewImaging(processor.ImagingConfig{Codecs: processor.NewCodecs(85)})
}

func process(t *testing.T, p processor.Processor, src core.Source, list *operation.List) []byte {
	t.Helper()
	ctx := context.Background()
	info, err := p.ReadInfo(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := p.Process(ctx, list, info, src, &out); err != nil {
		t.Fatal(err)
	}
	return out.Bytes()
}

// ── Scenarios ─────────────────────────────────────────────────────────────────

func TestCropThenHalfScale(t *testing.T) {
	list := build(t,
		operation.NewCropPixels(0, 0, 300, 200),
		operation.NewScalePercent(0.5),
		operation.Encode{Format: core.FormatJPEG},
	)
	out := process(t, newImaging(), newJPEGSource(t, 600, 400), list)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Width != 150 || cfg.Height != 100 {
		t.Fatalf("got %dx%d, want 150x100", cfg.Width, cfg.Height)
	}
}

func TestUpscaleNeverAreaAverages(t *testing.T) {
	working := core.Size{Width: 100, Height: 100}
	for _, target := range []core.Size{{Width: 101, Height: 100}, {Width: 400, Height: 400}} {
		if s := processor.SelectScaleStrategy(working, target, core.FormatJPEG, core.CompressionJPEG); s == processor.AreaAverage {
			t.Fatalf("upscale to %s selected %s", target, s)
		}
	}
}

func TestStrategySelection(t *testing.T) {
	cases := []struct {
		name        string
		working     core.Size
		target      core.Size
		format      core.Format
		compression core.Compression
		want        processor.ScaleStrategy
	}{
		{"downscale", core.Size{Width: 100, Height: 100}, core.Size{Width: 50, Height: 50}, core.FormatPNG, "", processor.AreaAverage},
		{"tiny", core.Size{Width: 2, Height: 100}, core.Size{Width: 1, Height: 50}, core.FormatPNG, "", processor.Bilinear},
		{"lzw tiff", core.Size{Width: 100, Height: 100}, core.Size{Width: 50, Height: 50}, core.FormatTIFF, core.CompressionLZW, processor.NearestNeighbor},
		{"plain tiff", core.Size{Width: 100, Height: 100}, core.Size{Width: 50, Height: 50}, core.FormatTIFF, core.CompressionNone, processor.AreaAverage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := processor.SelectScaleStrategy(tc.working, tc.target, tc.format, tc.compression); got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidatePage(t *testing.T) {
	p := newImaging()
	b := operation.NewBuilder("cats")
	_ = b.Add(operation.Encode{Format: core.FormatPNG})
	_ = b.SetOption(processor.PageOption, "3")
	list, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	info := core.Info{Width: 10, Height: 10, NumPages: 2, Format: core.FormatGIF}
	if err := p.Validate(list, info); !apperrors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	info.NumPages = 4
	if err := p.Validate(list, info); err != nil {
		t.Fatal(err)
	}
}

func TestValidateCropOutside(t *testing.T) {
	list := build(t, operation.NewCropPixels(700, 0, 10, 10), operation.Encode{Format: core.FormatPNG})
	err := newImaging().Validate(list, core.Info{Width: 600, Height: 400, Format: core.FormatJPEG})
	if !apperrors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUnsupportedOutput(t *testing.T) {
	list := build(t, operation.Encode{Format: core.FormatWebP})
	src := newJPEGSource(t, 8, 8)
	info, err := newImaging().ReadInfo(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	err = newImaging().Process(context.Background(), list, info, src, &bytes.Buffer{})
	if !apperrors.IsUnsupported(err) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestCorruptSource(t *testing.T) {
	src := &core.BytesSource{ID: "bad", Fmt: core.FormatPNG, Data: []byte("garbage")}
	_, err := newImaging().ReadInfo(context.Background(), src)
	if !apperrors.IsSourceRead(err) {
		t.Fatalf("expected source error, got %v", err)
	}
}

// ── Processing ────────────────────────────────────────────────────────────────

func TestFormatSniffedWhenUndeclared(t *testing.T) {
	src := newJPEGSource(t, 16, 8)
	src.Fmt = core.FormatUnknown
	info, err := newImaging().ReadInfo(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	want := core.Info{Identifier: "cats", Width: 16, Height: 8, NumResolutions: 1, NumPages: 1, Format: core.FormatJPEG}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Fatalf("info mismatch (-want +got):\n%s", diff)
	}
}

func TestRedactionFollowsCropAndScale(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 200, 200))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	src := &core.BytesSource{ID: "white", Fmt: core.FormatPNG, Data: buf.Bytes()}

	list := build(t,
		operation.NewCropPixels(100, 100, 100, 100),
		operation.NewScalePercent(0.5),
		operation.Redaction{Region: image.Rect(100, 100, 120, 120)},
		operation.Encode{Format: core.FormatPNG},
	)
	out, err := png.Decode(bytes.NewReader(process(t, newImaging(), src, list)))
	if err != nil {
		t.Fatal(err)
	}
	if out.Bounds().Dx() != 50 {
		t.Fatalf("width %d", out.Bounds().Dx())
	}
	if r, _, _, _ := out.At(5, 5).RGBA(); r != 0 {
		t.Fatal("redacted area visible")
	}
	if r, _, _, _ := out.At(30, 30).RGBA(); r == 0 {
		t.Fatal("unredacted area blanked")
	}
}

func TestMetadataCopy(t *testing.T) {
	src := newJPEGSource(t, 8, 8)
	exif := append([]byte("Exif\x00\x00"), []byte("II*\x00\x08\x00\x00\x00\x00\x00\x00\x00\x00\x00")...)
	var withExif bytes.Buffer
	_, _ = (&utils.EXIFWriter{W: &withExif, EXIF: exif}).Write(src.Data)
	src.Data = withExif.Bytes()

	list := build(t, operation.MetadataCopy{}, operation.Encode{Format: core.FormatJPEG})
	if got := utils.JPEGEXIF(process(t, newImaging(), src, list)); !bytes.Equal(got, exif) {
		t.Fatal("metadata not copied")
	}
	plain := build(t, operation.Rotate{Degrees: 90}, operation.Encode{Format: core.FormatJPEG})
	if utils.JPEGEXIF(process(t, newImaging(), src, plain)) != nil {
		t.Fatal("metadata copied without MetadataCopy")
	}
}

func TestProcessClosesSource(t *testing.T) {
	src := &countingSource{BytesSource: newJPEGSource(t, 8, 8)}
	list := build(t, operation.Encode{Format: core.FormatPNG})
	process(t, newImaging(), src, list)
	if src.open != 0 {
		t.Fatalf("%d readers left open", src.open)
	}
}

type countingSource struct {
	*core.BytesSource
	open int
}

func (s *countingSource) Open(ctx context.Context) (io.ReadCloser, error) {
	rc, err := s.BytesSource.Open(ctx)
	if err != nil {
		return nil, err
	}
	s.open++
	return &closer{ReadCloser: rc, done: func() { s.open-- }}, nil
}

type closer struct {
	io.ReadCloser
	done func()
}

func (c *closer) Close() error {
	c.done()
	return c.ReadCloser.Close()
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistryFallback(t *testing.T) {
	reg := processor.NewRegistry()
	reg.Register(newImaging())
	reg.Register(processor.NewImaging(processor.ImagingConfig{Name: "empty"}))
	if err := reg.Assign(core.FormatJPEG, "empty"); err != nil {
		t.Fatal(err)
	}
	list := build(t, operation.Encode{Format: core.FormatPNG})

	p, err := reg.For(core.FormatJPEG)
	if err != nil || p.Name() != "empty" {
		t.Fatalf("For = %v, %v", p, err)
	}
	p, err = reg.ForList(core.FormatJPEG, list)
	if err != nil || p.Name() != "imaging" {
		t.Fatalf("ForList = %v, %v", p, err)
	}
	if err := reg.Assign(core.FormatPNG, "missing"); err == nil {
		t.Fatal("assigning an unknown processor should fail")
	}
	if diff := cmp.Diff([]string{"empty", "imaging"}, reg.Names()); diff != "" {
		t.Fatal(diff)
	}
}

// regionDecoder records the hints it receives and, when honour is set,
// crops to the region itself the way a region-aware backend would.
type regionDecoder struct {
	core.Decoder
	honour bool
	hints  core.DecodeHints
}

func (d *regionDecoder) Decode(ctx context.Context, r io.Reader, hints core.DecodeHints) (*core.ImageData, error) {
	d.hints = hints
	img, err := d.Decoder.Decode(ctx, r, core.DecodeHints{})
	if err != nil || !d.honour || hints.Region.Empty() {
		return img, err
	}
	sub := image.NewNRGBA(image.Rect(0, 0, hints.Region.Dx(), hints.Region.Dy()))
	draw.Draw(sub, sub.Bounds(), img.Image, hints.Region.Min, draw.Src)
	out := *img
	out.Image, out.Full, out.Cropped = sub, sub, true
	return &out, nil
}

func withRegionDecoder(t *testing.T, honour bool) (*processor.Imaging, *regionDecoder) {
	t.Helper()
	codecs := processor.NewCodecs(85)
	jpegDec, ok := codecs.DecoderFor(core.FormatJPEG)
	if !ok {
		t.Fatal("no jpeg decoder")
	}
	rd := &regionDecoder{Decoder: jpegDec, honour: honour}
	codecs.RegisterDecoder(core.FormatJPEG, rd)
	return processor.NewImaging(processor.ImagingConfig{Codecs: codecs}), rd
}

func TestDecoderCropIsNotRepeated(t *testing.T) {
	p, rd := withRegionDecoder(t, true)
	list := build(t, operation.NewCropPixels(10, 10, 40, 20), operation.Encode{Format: core.FormatPNG})

	out, err := png.Decode(bytes.NewReader(process(t, p, newJPEGSource(t, 100, 50), list)))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(image.Rect(10, 10, 50, 30), rd.hints.Region); diff != "" {
		t.Fatalf("region hint (-want +got):\n%s", diff)
	}
	if b := out.Bounds(); b.Dx() != 40 || b.Dy() != 20 {
		t.Fatalf("got %dx%d, want 40x20", b.Dx(), b.Dy())
	}
}

func TestNormalizeSuppressesRegionHint(t *testing.T) {
	p, rd := withRegionDecoder(t, true)
	list := build(t,
		operation.NewCropPixels(10, 10, 40, 20),
		operation.Normalize{},
		operation.Encode{Format: core.FormatPNG},
	)

	out, err := png.Decode(bytes.NewReader(process(t, p, newJPEGSource(t, 100, 50), list)))
	if err != nil {
		t.Fatal(err)
	}
	if !rd.hints.Region.Empty() {
		t.Fatalf("region hint %v sent with normalize", rd.hints.Region)
	}
	if b := out.Bounds(); b.Dx() != 40 || b.Dy() != 20 {
		t.Fatalf("got %dx%d, want 40x20", b.Dx(), b.Dy())
	}
}
