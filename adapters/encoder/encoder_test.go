package encoder_test

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"testing"

	"github.com/Skryldev/derivcache/adapters/encoder"
	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
	"github.com/Skryldev/derivcache/utils"
)

func data(format core.Format) *core.ImageData {
	return &core.ImageData{Image: image.NewRGBA(image.Rect(0, 0, 12, 9)), Format: format}
}

func TestEncodersProduceTheirFormat(t *testing.T) {
	cases := []struct {
		format core.Format
		enc    core.Encoder
	}{
		{core.FormatJPEG, encoder.NewJPEG(0)},
		{core.FormatPNG, encoder.NewPNG()},
		{core.FormatGIF, encoder.NewGIF()},
		{core.FormatTIFF, encoder.NewTIFF()},
		{core.FormatBMP, encoder.NewBMP()},
	}
	for _, tc := range cases {
		t.Run(string(tc.format), func(t *testing.T) {
			if !tc.enc.CanEncode(tc.format) {
				t.Fatal("CanEncode = false")
			}
			var buf bytes.Buffer
			if err := tc.enc.Encode(context.Background(), data(tc.format), core.EncodeOptions{}, &buf); err != nil {
				t.Fatal(err)
			}
			if got := utils.DetectFormat(buf.Bytes()); got != tc.format {
				t.Fatalf("output sniffed as %s", got)
			}
		})
	}
}

func TestJPEGCarriesEXIF(t *testing.T) {
	exif := []byte("Exif\x00\x00II*\x00\x08\x00\x00\x00\x00\x00\x00\x00\x00\x00")
	var buf bytes.Buffer
	if err := encoder.NewJPEG(90).Encode(context.Background(), data(core.FormatJPEG), core.EncodeOptions{EXIF: exif}, &buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(utils.JPEGEXIF(buf.Bytes()), exif) {
		t.Fatal("exif block missing")
	}
	if _, err := jpeg.Decode(&buf); err != nil {
		t.Fatal(err)
	}
}

func TestTIFFRejectsUnwritableCompression(t *testing.T) {
	err := encoder.NewTIFF().Encode(context.Background(), data(core.FormatTIFF),
		core.EncodeOptions{Compression: core.CompressionLZW}, &bytes.Buffer{})
	if !apperrors.IsUnsupported(err) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestNilImage(t *testing.T) {
	err := encoder.NewPNG().Encode(context.Background(), &core.ImageData{}, core.EncodeOptions{}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected error")
	}
}
