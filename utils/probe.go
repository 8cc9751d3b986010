package utils

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"

	"github.com/Skryldev/derivcache/core"
)

var exifHeader = []byte("Exif\x00\x00")

const (
	tagCompression = 0x0103
	tagOrientation = 0x0112
	tagTileWidth   = 0x0142
	tagTileLength  = 0x0143
)

// TIFFProbe is what ProbeTIFF learned from a TIFF structure's first IFD.
type TIFFProbe struct {
	Compression core.Compression
	Orientation int
	TileWidth   int
	TileHeight  int
	Pages       int
}

// JPEGEXIF returns the APP1 Exif payload of a JPEG, including its
// "Exif\0\0" header, or nil.
func JPEGEXIF(data []byte) []byte {
	payload, _ := ProbeJPEG(data)
	return payload
}

// ProbeJPEG returns a JPEG's Exif payload and its orientation; 0 when
// absent.
func ProbeJPEG(data []byte) (payload []byte, orientation int) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil, 0
	}
	// A parser error past IFD0 still returns the decoded directory.
	x, _ := exif.Decode(bytes.NewReader(data))
	if x == nil || len(x.Raw) == 0 {
		return nil, 0
	}
	payload = make([]byte, 0, len(exifHeader)+len(x.Raw))
	payload = append(append(payload, exifHeader...), x.Raw...)
	if tag, err := x.Get(exif.Orientation); err == nil {
		orientation = tagInt(tag)
	}
	return payload, orientation
}

// ProbeTIFF reads the first IFD's structural tags and counts the IFD chain.
func ProbeTIFF(data []byte) (TIFFProbe, error) {
	var out TIFFProbe
	t, err := tiff.Decode(bytes.NewReader(data))
	if err != nil {
		return out, err
	}
	if len(t.Dirs) == 0 {
		return out, errors.New("tiff: no image file directory")
	}
	out.Pages = len(t.Dirs)
	for _, tag := range t.Dirs[0].Tags {
		switch tag.Id {
		case tagCompression:
			out.Compression = compressionName(tagInt(tag))
		case tagOrientation:
			out.Orientation = tagInt(tag)
		case tagTileWidth:
			out.TileWidth = tagInt(tag)
		case tagTileLength:
			out.TileHeight = tagInt(tag)
		}
	}
	return out, nil
}

// tagInt returns the first value of an integer tag; 0 otherwise.
func tagInt(tag *tiff.Tag) int {
	if tag == nil || tag.Count == 0 {
		return 0
	}
	v, err := tag.Int(0)
	if err != nil {
		return 0
	}
	return v
}

func compressionName(v int) core.Compression {
	switch v {
	case 1:
		return core.CompressionNone
	case 2, 3, 4:
		return core.CompressionCCITT
	case 5:
		return core.CompressionLZW
	case 6, 7:
		return core.CompressionJPEG
	case 8, 32946:
		return core.CompressionDeflate
	case 32773:
		return core.CompressionPackBits
	}
	return core.CompressionUnknown
}

// EXIFWriter injects an APP1 Exif segment right after the SOI marker of the
// JPEG stream written through it.
type EXIFWriter struct {
	W    io.Writer
	EXIF []byte

	seen     int
	injected bool
}

func (e *EXIFWriter) Write(p []byte) (int, error) {
	if e.injected || len(e.EXIF) == 0 || len(e.EXIF)+2 > 0xFFFF {
		return e.W.Write(p)
	}
	head := 2 - e.seen
	if head > len(p) {
		head = len(p)
	}
	if head > 0 {
		if _, err := e.W.Write(p[:head]); err != nil {
			return 0, err
		}
		e.seen += head
	}
	if e.seen < 2 {
		return len(p), nil
	}
	seg := make([]byte, 4, 4+len(e.EXIF))
	seg[0], seg[1] = 0xFF, 0xE1
	binary.BigEndian.PutUint16(seg[2:], uint16(len(e.EXIF)+2))
	seg = append(seg, e.EXIF...)
	if _, err := e.W.Write(seg); err != nil {
		return head, err
	}
	e.injected = true
	n, err := e.W.Write(p[head:])
	return head + n, err
}
