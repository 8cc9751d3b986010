// Package operation models a requested transformation chain: the individual
// operations, the frozen list they form and the canonical key derived from it.
package operation

import (
	"image"
	"image/color"
	"math"

	"github.com/Skryldev/derivcache/core"
)

// Operation is one step of a transformation chain. The set of variants is
// closed; behaviour is dispatched with type switches in effect.go.
type Operation interface {
	operation()
}

// ── Crop ──────────────────────────────────────────────────────────────────────

// CropMode selects how a Crop's coordinates are interpreted.
type CropMode int

const (
	CropFull CropMode = iota
	CropPixels
	CropPercent
	CropSquare
)

// Crop selects a region of the full-size image. Pixel coordinates are whole
// numbers; percent coordinates are fractions in [0, 1].
type Crop struct {
	Mode                CropMode
	X, Y, Width, Height float64
}

// NewCropPixels crops an absolute pixel rectangle.
func NewCropPixels(x, y, w, h int) Crop {
	return Crop{Mode: CropPixels, X: float64(x), Y: float64(y), Width: float64(w), Height: float64(h)}
}

// NewCropPercent crops a rectangle given as fractions of the full size.
func NewCropPercent(x, y, w, h float64) Crop {
	return Crop{Mode: CropPercent, X: x, Y: y, Width: w, Height: h}
}

// NewCropSquare crops the largest centred square.
func NewCropSquare() Crop { return Crop{Mode: CropSquare} }

// Region is the crop area in full-size coordinates, clipped to the image.
func (c Crop) Region(full core.Size) image.Rectangle {
	bounds := full.Rect()
	switch c.Mode {
	case CropPixels:
		x, y := int(c.X), int(c.Y)
		return image.Rect(x, y, x+int(c.Width), y+int(c.Height)).Intersect(bounds)
	case CropPercent:
		fw, fh := float64(full.Width), float64(full.Height)
		return image.Rect(
			int(math.Round(c.X*fw)), int(math.Round(c.Y*fh)),
			int(math.Round((c.X+c.Width)*fw)), int(math.Round((c.Y+c.Height)*fh)),
		).Intersect(bounds)
	case CropSquare:
		if full.Width > full.Height {
			x := (full.Width - full.Height) / 2
			return image.Rect(x, 0, x+full.Height, full.Height)
		}
		y := (full.Height - full.Width) / 2
		return image.Rect(0, y, full.Width, y+full.Width)
	}
	return bounds
}

// Rectangle is the crop area on an image decoded at reduction factor rf:
// the full-size region scaled by 1/2^rf, widened outward to whole pixels.
func (c Crop) Rectangle(full core.Size, rf ReductionFactor) image.Rectangle {
	region := c.Region(full)
	if rf.Factor == 0 {
		return region
	}
	s := rf.Scale()
	reduced := image.Rect(0, 0,
		int(math.Ceil(float64(full.Width)*s)), int(math.Ceil(float64(full.Height)*s)))
	return core.ScaleRegion(region, rf.Factor).Intersect(reduced)
}

func (Crop) operation() {}

// ── Scale ─────────────────────────────────────────────────────────────────────

// ScaleMode selects how a Scale's target is interpreted.
type ScaleMode int

const (
	ScaleFull ScaleMode = iota
	ScaleFitWidth
	ScaleFitHeight
	ScaleFitInside
	ScaleNonAspectFill
	ScalePercent
)

// Scale resizes its input. Percent is a fraction where 1 is 100%.
type Scale struct {
	Mode          ScaleMode
	Width, Height int
	Percent       float64
	// AllowUpscale permits results larger than the input.
	AllowUpscale bool
}

// NewScalePercent scales both axes by p (0.5 = 50%).
func NewScalePercent(p float64) Scale { return Scale{Mode: ScalePercent, Percent: p} }

// ResultingScale is the larger of the two per-axis ratios between the result
// and in, so decoding at that scale never starves either axis.
func (s Scale) ResultingScale(in core.Size) float64 {
	if s.Mode == ScalePercent {
		return s.Percent
	}
	if in.IsEmpty() {
		return 1
	}
	out := resultingSize(s, in)
	return math.Max(float64(out.Width)/float64(in.Width), float64(out.Height)/float64(in.Height))
}

// IsUpscale reports whether the result is larger than in on either axis.
func (s Scale) IsUpscale(in core.Size) bool {
	out := resultingSize(s, in)
	return out.Width > in.Width || out.Height > in.Height
}

func (Scale) operation() {}

// ── Rotate ────────────────────────────────────────────────────────────────────

// Rotate turns the image clockwise by Degrees, mirroring it horizontally
// first when Mirror is set.
type Rotate struct {
	Degrees float64
	Mirror  bool
}

// Normalized is Degrees folded into [0, 360).
func (r Rotate) Normalized() float64 {
	d := math.Mod(r.Degrees, 360)
	if d < 0 {
		d += 360
	}
	return d
}

// IsRightAngle reports whether the rotation is a multiple of 90 degrees.
func (r Rotate) IsRightAngle() bool { return math.Mod(r.Normalized(), 90) == 0 }

func (Rotate) operation() {}

// ── Transpose ─────────────────────────────────────────────────────────────────

// Axis is a transpose direction.
type Axis int

const (
	Horizontal Axis = iota
	Vertical
)

// Transpose flips the image across an axis.
type Transpose struct {
	Axis Axis
}

func (Transpose) operation() {}

// ── Color ─────────────────────────────────────────────────────────────────────

// ColorKind is a color transform.
type ColorKind int

const (
	Gray ColorKind = iota + 1
	Bitonal
)

// ColorTransform converts the image to gray or black and white.
type ColorTransform struct {
	Kind ColorKind
}

func (ColorTransform) operation() {}

// Sharpen applies an unsharp mask of the given amount.
type Sharpen struct {
	Amount float64
}

func (Sharpen) operation() {}

// Normalize stretches contrast using levels sampled from the full image.
type Normalize struct{}

func (Normalize) operation() {}

// ── Overlays & redactions ─────────────────────────────────────────────────────

// Position anchors an overlay on the output image.
type Position int

const (
	TopLeft Position = iota
	TopCenter
	TopRight
	LeftCenter
	Center
	RightCenter
	BottomLeft
	BottomCenter
	BottomRight
)

var positionNames = [...]string{
	"tl", "tc", "tr", "lc", "c", "rc", "bl", "bc", "br",
}

func (p Position) String() string {
	if p < 0 || int(p) >= len(positionNames) {
		return "c"
	}
	return positionNames[p]
}

// ParsePosition maps names like "top-left" or "br" to a Position.
func ParsePosition(s string) (Position, bool) {
	switch s {
	case "top-left", "tl":
		return TopLeft, true
	case "top-center", "tc":
		return TopCenter, true
	case "top-right", "tr":
		return TopRight, true
	case "left-center", "lc":
		return LeftCenter, true
	case "center", "c":
		return Center, true
	case "right-center", "rc":
		return RightCenter, true
	case "bottom-left", "bl":
		return BottomLeft, true
	case "bottom-center", "bc":
		return BottomCenter, true
	case "bottom-right", "br":
		return BottomRight, true
	}
	return Center, false
}

// ImageOverlay composites Image onto the output. Name identifies the overlay
// image in cache keys.
type ImageOverlay struct {
	Name     string
	Image    image.Image
	Position Position
	Inset    int
	// MinSize suppresses the overlay on outputs smaller than it.
	MinSize core.Size
}

func (ImageOverlay) operation() {}

// StringOverlay draws Text onto the output.
type StringOverlay struct {
	Text       string
	Color      color.RGBA
	Background color.RGBA
	Position   Position
	Inset      int
	MinSize    core.Size
}

func (StringOverlay) operation() {}

// Redaction blanks a rectangle given in full-size coordinates.
type Redaction struct {
	Region image.Rectangle
}

func (Redaction) operation() {}

// MetadataCopy carries the source's embedded metadata into the output.
type MetadataCopy struct{}

func (MetadataCopy) operation() {}

// ── Encode ────────────────────────────────────────────────────────────────────

// Encode designates the output format and its parameters. Every list ends
// with exactly one.
type Encode struct {
	Format      core.Format
	Quality     int // 0 = encoder default
	Compression core.Compression
	// MaxSampleSize limits bits per sample; 0 = format maximum.
	MaxSampleSize int
	// Background flattens transparency when the format has no alpha. Nil
	// means white.
	Background *color.RGBA
	Interlace  bool
}

// BackgroundColor returns the flattening colour, white by default.
func (e Encode) BackgroundColor() color.RGBA {
	if e.Background == nil {
		return color.RGBA{R: 255, G: 255, B: 255, A: 255}
	}
	return *e.Background
}

func (Encode) operation() {}
