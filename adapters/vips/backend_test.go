package vips_test

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Skryldev/derivcache/adapters/decoder"
	"github.com/Skryldev/derivcache/adapters/vips"
	"github.com/Skryldev/derivcache/core"
)

var backend = vips.NewBackend(vips.BackendConfig{DefaultQuality: 85})

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 128, A: 255})
		}
	}
	return img
}

func makeJPEG(tb testing.TB, w, h int) []byte {
	tb.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, gradient(w, h), &jpeg.Options{Quality: 92}); err != nil {
		tb.Fatal(err)
	}
	return buf.Bytes()
}

func makePNG(tb testing.TB, w, h int) []byte {
	tb.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, gradient(w, h)); err != nil {
		tb.Fatal(err)
	}
	return buf.Bytes()
}

func TestDecodeShrinkOnLoad(t *testing.T) {
	tests := []struct {
		name       string
		raw        []byte
		requested  int
		wantFactor int
		wantW      int
		wantH      int
	}{
		{"full", makeJPEG(t, 800, 600), 0, 0, 800, 600},
		{"quarter", makeJPEG(t, 800, 600), 2, 2, 200, 150},
		{"clamped to 1/8", makeJPEG(t, 1024, 512), 6, 3, 128, 64},
		{"png has no pyramid", makePNG(t, 64, 32), 2, 0, 64, 32},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := backend.Decode(context.Background(), bytes.NewReader(tc.raw), core.DecodeHints{ReductionFactor: tc.requested})
			if err != nil {
				t.Fatal(err)
			}
			if out.ReductionFactor != tc.wantFactor {
				t.Errorf("applied factor %d, want %d", out.ReductionFactor, tc.wantFactor)
			}
			if b := out.Image.Bounds(); b.Dx() != tc.wantW || b.Dy() != tc.wantH {
				t.Errorf("decoded %v, want %dx%d", b, tc.wantW, tc.wantH)
			}
		})
	}
}

func TestDecodeExtractsRegion(t *testing.T) {
	raw := makeJPEG(t, 800, 600)
	hints := core.DecodeHints{ReductionFactor: 1, Region: image.Rect(100, 50, 500, 350)}
	out, err := backend.Decode(context.Background(), bytes.NewReader(raw), hints)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Cropped {
		t.Fatal("region not reported as applied")
	}
	if b := out.Image.Bounds(); b.Dx() != 200 || b.Dy() != 150 {
		t.Fatalf("decoded %v, want 200x150", b)
	}

	whole, err := backend.Decode(context.Background(), bytes.NewReader(raw), core.DecodeHints{})
	if err != nil {
		t.Fatal(err)
	}
	if whole.Cropped {
		t.Fatal("no region requested but decode reports a crop")
	}
}

func TestReadInfo(t *testing.T) {
	info, err := backend.ReadInfo(context.Background(), bytes.NewReader(makeJPEG(t, 64, 32)))
	if err != nil {
		t.Fatal(err)
	}
	want := core.Info{Width: 64, Height: 32, Format: core.FormatJPEG, NumResolutions: 4, NumPages: 1, Orientation: info.Orientation}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Fatalf("info (-want +got):\n%s", diff)
	}
}

func TestEncodeWebP(t *testing.T) {
	img := &core.ImageData{Image: gradient(16, 16), Format: core.FormatWebP}
	var buf bytes.Buffer
	if err := backend.Encode(context.Background(), img, core.EncodeOptions{Quality: 80}, &buf); err != nil {
		t.Fatal(err)
	}
	got, err := decoder.NewWebP().ReadInfo(context.Background(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Width != 16 || got.Height != 16 {
		t.Fatalf("round trip %dx%d", got.Width, got.Height)
	}
}

func TestEncodeRejectsUnknownFormat(t *testing.T) {
	img := &core.ImageData{Image: gradient(4, 4), Format: core.FormatGIF}
	if err := backend.Encode(context.Background(), img, core.EncodeOptions{}, io.Discard); err == nil {
		t.Fatal("gif encode accepted")
	}
}

func TestRegisterBackendTakesOverFormats(t *testing.T) {
	reg := core.NewRegistry()
	reg.RegisterDecoder(core.FormatPNG, decoder.NewPNG())
	vips.RegisterBackend(reg, backend)

	for _, f := range []core.Format{core.FormatPNG, core.FormatJP2, core.FormatPDF} {
		if d, ok := reg.DecoderFor(f); !ok || d != core.Decoder(backend) {
			t.Errorf("decoder for %s not replaced", f)
		}
	}
	want := []core.Format{core.FormatJPEG, core.FormatPNG, core.FormatWebP}
	got := reg.EncodableFormats()
	for _, f := range want {
		if e, ok := reg.EncoderFor(f); !ok || e != core.Encoder(backend) {
			t.Errorf("encoder for %s not registered", f)
		}
	}
	if len(got) != len(want) {
		t.Errorf("encodable %v", got)
	}
}

// ── Benchmarks ────────────────────────────────────────────────────────────────

func BenchmarkDecode_1920x1080(b *testing.B) {
	raw := makeJPEG(b, 1920, 1080)
	decoders := []struct {
		name string
		dec  core.Decoder
		rf   int
	}{
		{"stdlib", decoder.NewJPEG(), 0},
		{"vips", backend, 0},
		{"vips/shrink2", backend, 1},
		{"vips/shrink8", backend, 3},
	}
	for _, d := range decoders {
		b.Run(d.name, func(b *testing.B) {
			b.ReportAllocs()
			b.SetBytes(int64(len(raw)))
			for i := 0; i < b.N; i++ {
				if _, err := d.dec.Decode(context.Background(), bytes.NewReader(raw), core.DecodeHints{ReductionFactor: d.rf}); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkEncode_800x600(b *testing.B) {
	img := gradient(800, 600)
	for _, f := range []core.Format{core.FormatJPEG, core.FormatPNG, core.FormatWebP} {
		b.Run(fmt.Sprint(f), func(b *testing.B) {
			data := &core.ImageData{Image: img, Format: f}
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if err := backend.Encode(context.Background(), data, core.EncodeOptions{Quality: 80}, io.Discard); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
