package core

import (
	"context"
	"fmt"
	"image"
	"math"
	"strings"
	"time"
)

// Identifier names a source image as the resolver knows it.
type Identifier string

func (i Identifier) String() string { return string(i) }

// Format identifies an image codec. Values double as file extensions.
type Format string

const (
	FormatJPEG    Format = "jpg"
	FormatPNG     Format = "png"
	FormatGIF     Format = "gif"
	FormatWebP    Format = "webp"
	FormatTIFF    Format = "tif"
	FormatBMP     Format = "bmp"
	FormatJP2     Format = "jp2"
	FormatPDF     Format = "pdf"
	FormatUnknown Format = "unknown"
)

var mediaTypes = map[Format]string{
	FormatJPEG: "image/jpeg",
	FormatPNG:  "image/png",
	FormatGIF:  "image/gif",
	FormatWebP: "image/webp",
	FormatTIFF: "image/tiff",
	FormatBMP:  "image/bmp",
	FormatJP2:  "image/jp2",
	FormatPDF:  "application/pdf",
}

// MediaType returns the IANA media type, or application/octet-stream.
func (f Format) MediaType() string {
	if mt, ok := mediaTypes[f]; ok {
		return mt
	}
	return "application/octet-stream"
}

// Extension returns the preferred file extension without a dot.
func (f Format) Extension() string {
	if f == FormatUnknown || f == "" {
		return ""
	}
	return string(f)
}

// SupportsTransparency reports whether the format can carry an alpha channel.
func (f Format) SupportsTransparency() bool {
	switch f {
	case FormatPNG, FormatGIF, FormatWebP, FormatTIFF:
		return true
	}
	return false
}

// MaxSampleSize is the largest bits-per-sample the format can store.
func (f Format) MaxSampleSize() int {
	switch f {
	case FormatPNG, FormatTIFF, FormatJP2:
		return 16
	}
	return 8
}

// FormatFromExtension maps "jpeg", ".JPG", "tiff" and friends to a Format.
func FormatFromExtension(ext string) Format {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	switch ext {
	case "jpg", "jpeg":
		return FormatJPEG
	case "tif", "tiff", "ptif":
		return FormatTIFF
	case "png", "gif", "webp", "bmp", "jp2", "pdf":
		return Format(ext)
	}
	return FormatUnknown
}

// FormatFromMediaType maps a MIME type to a Format.
func FormatFromMediaType(mt string) Format {
	mt = strings.ToLower(strings.TrimSpace(strings.SplitN(mt, ";", 2)[0]))
	if mt == "image/jpg" {
		return FormatJPEG
	}
	for f, m := range mediaTypes {
		if m == mt {
			return f
		}
	}
	return FormatUnknown
}

// Compression is the scheme a source stores its pixels with.
type Compression string

const (
	CompressionUndefined Compression = ""
	CompressionNone      Compression = "none"
	CompressionLZW       Compression = "lzw"
	CompressionDeflate   Compression = "deflate"
	CompressionJPEG      Compression = "jpeg"
	CompressionPackBits  Compression = "packbits"
	CompressionCCITT     Compression = "ccitt"
	CompressionUnknown   Compression = "unknown"
)

// ColorSpace represents the image colour model.
type ColorSpace string

const (
	ColorSpaceRGB  ColorSpace = "rgb"
	ColorSpaceRGBA ColorSpace = "rgba"
	ColorSpaceCMYK ColorSpace = "cmyk"
	ColorSpaceGray ColorSpace = "gray"
)

// Size is a pixel dimension pair.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// IsEmpty reports whether either dimension is non-positive.
func (s Size) IsEmpty() bool { return s.Width <= 0 || s.Height <= 0 }

// Scale multiplies both dimensions by f, rounding and keeping at least 1px.
func (s Size) Scale(f float64) Size {
	return Size{Width: scaleDim(s.Width, f), Height: scaleDim(s.Height, f)}
}

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.Width, s.Height) }

// Rect converts the size to an image.Rectangle anchored at the origin.
func (s Size) Rect() image.Rectangle { return image.Rect(0, 0, s.Width, s.Height) }

func scaleDim(v int, f float64) int {
	out := int(float64(v)*f + 0.5)
	if out < 1 && v > 0 {
		return 1
	}
	return out
}

// SizeOf returns the dimensions of r.
func SizeOf(r image.Rectangle) Size { return Size{Width: r.Dx(), Height: r.Dy()} }

// ScaleRegion maps a full-resolution region onto an image decoded at
// 1/2^rf, widened outward to whole pixels.
func ScaleRegion(r image.Rectangle, rf int) image.Rectangle {
	if rf <= 0 {
		return r
	}
	s := math.Ldexp(1, -rf)
	return image.Rect(
		int(math.Floor(float64(r.Min.X)*s)), int(math.Floor(float64(r.Min.Y)*s)),
		int(math.Ceil(float64(r.Max.X)*s)), int(math.Ceil(float64(r.Max.Y)*s)),
	)
}

// Info describes a source image. It is immutable once read; re-reading
// replaces the cached copy.
type Info struct {
	Identifier     Identifier  `json:"identifier"`
	Width          int         `json:"width"`
	Height         int         `json:"height"`
	TileWidth      int         `json:"tileWidth,omitempty"`
	TileHeight     int         `json:"tileHeight,omitempty"`
	Orientation    int         `json:"orientation,omitempty"` // EXIF 1-8; 0 when absent
	NumResolutions int         `json:"numResolutions"`
	NumPages       int         `json:"numPages"`
	Format         Format      `json:"format"`
	Compression    Compression `json:"compression,omitempty"`
}

// Size returns the full-resolution dimensions.
func (i Info) Size() Size { return Size{Width: i.Width, Height: i.Height} }

// Metadata holds what a decoder learned about the pixels it produced.
type Metadata struct {
	Width       int
	Height      int
	Format      Format
	ColorSpace  ColorSpace
	HasAlpha    bool
	SizeBytes   int64
	Orientation int    // EXIF orientation tag (1-8)
	EXIF        []byte // raw APP1 payload, nil when absent
}

// ImageData is the in-memory representation passed through a pipeline.
type ImageData struct {
	Image  image.Image
	Format Format
	Meta   Metadata

	// Full is the image exactly as decoded, before any step ran. Steps that
	// need global statistics read it instead of the working image.
	Full image.Image

	// ReductionFactor the decoder applied; 0 = full resolution.
	ReductionFactor int

	// Cropped is set when the decoder honoured the region hint; the crop
	// step then has nothing left to do.
	Cropped bool
}

// Step is the fundamental pipeline building block. Each Step transforms an
// *ImageData value and must be safe for concurrent use across goroutines.
type Step interface {
	Name() string
	Execute(ctx context.Context, img *ImageData) (*ImageData, error)
}

// Hook is an optional observer invoked around pipeline steps.
type Hook interface {
	BeforeStep(ctx context.Context, stepName string, img *ImageData)
	AfterStep(ctx context.Context, stepName string, img *ImageData, d time.Duration, err error)
}
