package utils

import (
	"bytes"
	"net/http"

	"github.com/Skryldev/derivcache/core"
)

// DetectFormat sniffs the leading bytes of data and returns the image format.
func DetectFormat(data []byte) core.Format {
	if len(data) < 4 {
		return core.FormatUnknown
	}
	switch {
	// JPEG: FF D8 FF
	case data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return core.FormatJPEG
	// PNG: 89 50 4E 47
	case data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47:
		return core.FormatPNG
	case bytes.HasPrefix(data, []byte("GIF8")):
		return core.FormatGIF
	case bytes.HasPrefix(data, []byte("II*\x00")), bytes.HasPrefix(data, []byte("MM\x00*")):
		return core.FormatTIFF
	case bytes.HasPrefix(data, []byte("BM")):
		return core.FormatBMP
	case bytes.HasPrefix(data, []byte("%PDF")):
		return core.FormatPDF
	case len(data) >= 12 && bytes.Equal(data[4:12], []byte("jP  \r\n\x87\n")):
		return core.FormatJP2
	// WebP: RIFF....WEBP
	case len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return core.FormatWebP
	}
	// Fallback to net/http sniffing.
	return core.FormatFromMediaType(http.DetectContentType(data))
}

// CloneBytes returns a copy of b (safe for use after the source buffer is released).
func CloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
