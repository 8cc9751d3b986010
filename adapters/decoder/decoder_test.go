package decoder_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"golang.org/x/image/tiff"

	"github.com/Skryldev/derivcache/adapters/decoder"
	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
)

func TestReadInfoMatchesDecode(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	var jpg, pngBuf, tif bytes.Buffer
	_ = jpeg.Encode(&jpg, img, nil)
	_ = png.Encode(&pngBuf, img)
	_ = tiff.Encode(&tif, img, &tiff.Options{Compression: tiff.Deflate})

	cases := []struct {
		name string
		dec  core.Decoder
		data []byte
	}{
		{"jpeg", decoder.NewJPEG(), jpg.Bytes()},
		{"png", decoder.NewPNG(), pngBuf.Bytes()},
		{"tiff", decoder.NewTIFF(), tif.Bytes()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			info, err := tc.dec.ReadInfo(context.Background(), bytes.NewReader(tc.data))
			if err != nil {
				t.Fatal(err)
			}
			if info.Width != 40 || info.Height != 30 || info.NumPages != 1 {
				t.Fatalf("info %+v", info)
			}
			out, err := tc.dec.Decode(context.Background(), bytes.NewReader(tc.data), core.DecodeHints{})
			if err != nil {
				t.Fatal(err)
			}
			if out.Full == nil || out.Meta.Width != 40 {
				t.Fatalf("decoded meta %+v", out.Meta)
			}
			if tc.dec.MaxReductionFactor(info.Format) != 0 {
				t.Fatal("pure-Go decoders cannot reduce on load")
			}
		})
	}
}

func TestTIFFCompressionReported(t *testing.T) {
	var buf bytes.Buffer
	_ = tiff.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8)), &tiff.Options{Compression: tiff.Deflate})
	info, err := decoder.NewTIFF().ReadInfo(context.Background(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	if info.Compression != core.CompressionDeflate {
		t.Fatalf("compression = %q", info.Compression)
	}
}

func TestGIFPages(t *testing.T) {
	pal := color.Palette{color.Black, color.White}
	anim := &gif.GIF{
		Image: []*image.Paletted{
			image.NewPaletted(image.Rect(0, 0, 4, 4), pal),
			image.NewPaletted(image.Rect(0, 0, 4, 4), pal),
		},
		Delay: []int{0, 0},
	}
	anim.Image[1].SetColorIndex(0, 0, 1)
	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, anim); err != nil {
		t.Fatal(err)
	}
	dec := decoder.NewGIF()

	info, err := dec.ReadInfo(context.Background(), bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if info.NumPages != 2 {
		t.Fatalf("pages = %d", info.NumPages)
	}
	page, err := dec.Decode(context.Background(), bytes.NewReader(buf.Bytes()), core.DecodeHints{Page: 1})
	if err != nil {
		t.Fatal(err)
	}
	if r, _, _, _ := page.Image.At(0, 0).RGBA(); r != 0xFFFF {
		t.Fatal("second frame not composited")
	}
	_, err = dec.Decode(context.Background(), bytes.NewReader(buf.Bytes()), core.DecodeHints{Page: 5})
	if !apperrors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCorruptInputIsSourceError(t *testing.T) {
	_, err := decoder.NewPNG().Decode(context.Background(), bytes.NewReader([]byte("not a png")), core.DecodeHints{})
	if !apperrors.IsSourceRead(err) {
		t.Fatalf("expected source error, got %v", err)
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := decoder.NewJPEG().Decode(ctx, bytes.NewReader(nil), core.DecodeHints{}); err == nil {
		t.Fatal("expected error on cancelled context")
	}
}
