package utils_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/Skryldev/derivcache/core"
	"github.com/Skryldev/derivcache/utils"
)

func encodeJPEG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8)), nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// tiffWithOrientation builds a little-endian TIFF header with one IFD holding
// the orientation and compression tags.
func tiffWithOrientation(orientation, compression uint16) []byte {
	b := make([]byte, 0, 64)
	b = append(b, 'I', 'I', 42, 0)
	b = binary.LittleEndian.AppendUint32(b, 8)
	b = binary.LittleEndian.AppendUint16(b, 2)
	entry := func(tag, v uint16) {
		b = binary.LittleEndian.AppendUint16(b, tag)
		b = binary.LittleEndian.AppendUint16(b, 3)
		b = binary.LittleEndian.AppendUint32(b, 1)
		b = binary.LittleEndian.AppendUint16(b, v)
		b = append(b, 0, 0)
	}
	entry(0x0103, compression)
	entry(0x0112, orientation)
	return binary.LittleEndian.AppendUint32(b, 0)
}

func TestDetectFormat(t *testing.T) {
	var pngBuf bytes.Buffer
	_ = png.Encode(&pngBuf, image.NewGray(image.Rect(0, 0, 1, 1)))
	cases := map[core.Format][]byte{
		core.FormatJPEG:    encodeJPEG(t),
		core.FormatPNG:     pngBuf.Bytes(),
		core.FormatGIF:     []byte("GIF89a...."),
		core.FormatTIFF:    tiffWithOrientation(1, 1),
		core.FormatWebP:    []byte("RIFF\x00\x00\x00\x00WEBPVP8 "),
		core.FormatUnknown: []byte("hello world"),
	}
	for want, data := range cases {
		if got := utils.DetectFormat(data); got != want {
			t.Errorf("DetectFormat = %s, want %s", got, want)
		}
	}
}

func TestProbeTIFF(t *testing.T) {
	p, err := utils.ProbeTIFF(tiffWithOrientation(6, 5))
	if err != nil {
		t.Fatal(err)
	}
	if p.Orientation != 6 || p.Compression != core.CompressionLZW || p.Pages != 1 {
		t.Fatalf("unexpected probe %+v", p)
	}
	if _, err := utils.ProbeTIFF([]byte("XX\x00\x00\x00\x00\x00\x00")); err == nil {
		t.Fatal("expected error for bad byte order")
	}
}

func TestProbeTIFFTilesAndPages(t *testing.T) {
	le := binary.LittleEndian
	b := []byte{'I', 'I', 42, 0}
	b = le.AppendUint32(b, 8)
	b = le.AppendUint16(b, 2)
	b = le.AppendUint16(b, 0x0142) // TileWidth, SHORT
	b = le.AppendUint16(b, 3)
	b = le.AppendUint32(b, 1)
	b = le.AppendUint16(b, 256)
	b = append(b, 0, 0)
	b = le.AppendUint16(b, 0x0143) // TileLength, LONG
	b = le.AppendUint16(b, 4)
	b = le.AppendUint32(b, 1)
	b = le.AppendUint32(b, 128)
	b = le.AppendUint32(b, uint32(len(b)+4)) // second IFD follows
	b = le.AppendUint16(b, 0)
	b = le.AppendUint32(b, 0)

	p, err := utils.ProbeTIFF(b)
	if err != nil {
		t.Fatal(err)
	}
	if p.TileWidth != 256 || p.TileHeight != 128 || p.Pages != 2 {
		t.Fatalf("unexpected probe %+v", p)
	}
}

func TestProbeJPEGWithoutEXIF(t *testing.T) {
	if payload, orientation := utils.ProbeJPEG(encodeJPEG(t)); payload != nil || orientation != 0 {
		t.Fatalf("got %d bytes, orientation %d", len(payload), orientation)
	}
	if utils.JPEGEXIF([]byte("not a jpeg")) != nil {
		t.Fatal("exif found in non-jpeg")
	}
}

func TestEXIFWriterRoundTrip(t *testing.T) {
	exif := append([]byte("Exif\x00\x00"), tiffWithOrientation(3, 1)...)
	src := encodeJPEG(t)

	var out bytes.Buffer
	w := &utils.EXIFWriter{W: &out, EXIF: exif}
	// Write one byte at a time to exercise the SOI split.
	for i := range src {
		if _, err := w.Write(src[i : i+1]); err != nil {
			t.Fatal(err)
		}
	}
	got, orientation := utils.ProbeJPEG(out.Bytes())
	if !bytes.Equal(got, exif) || orientation != 3 {
		t.Fatalf("exif not carried over: orientation=%d", orientation)
	}
	if _, err := jpeg.Decode(bytes.NewReader(out.Bytes())); err != nil {
		t.Fatalf("output no longer decodes: %v", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestTeeWriterDetachesSecondary(t *testing.T) {
	var client bytes.Buffer
	tee := &utils.TeeWriter{Ctx: context.Background(), Primary: &client, Secondary: failingWriter{}}
	if _, err := tee.Write([]byte("abc")); err != nil {
		t.Fatalf("secondary failure leaked to client: %v", err)
	}
	if tee.Err() == nil {
		t.Fatal("secondary error not recorded")
	}
	if client.String() != "abc" || tee.Written() != 3 {
		t.Fatalf("client got %q", client.String())
	}
}

func TestTeeWriterFailsOnPrimary(t *testing.T) {
	var cache bytes.Buffer
	tee := &utils.TeeWriter{Primary: failingWriter{}, Secondary: &cache}
	if _, err := tee.Write([]byte("abc")); err == nil {
		t.Fatal("expected client error")
	}
	if cache.Len() != 0 {
		t.Fatal("cache received bytes the client never got")
	}
}

func TestReadAllLimit(t *testing.T) {
	_, err := utils.ReadAll(context.Background(), bytes.NewReader(make([]byte, 100)), 10, 4)
	if err == nil {
		t.Fatal("expected size limit error")
	}
	b, err := utils.ReadAll(context.Background(), bytes.NewReader(make([]byte, 10)), 0, 4)
	if err != nil || len(b) != 10 {
		t.Fatalf("got %d bytes, %v", len(b), err)
	}
}
