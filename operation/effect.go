package operation

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	digest "github.com/opencontainers/go-digest"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
)

// Name is the short, stable name of op's variant.
func Name(op Operation) string {
	switch op.(type) {
	case Crop:
		return "crop"
	case Scale:
		return "scale"
	case Rotate:
		return "rotate"
	case Transpose:
		return "transpose"
	case ColorTransform:
		return "colortransform"
	case Sharpen:
		return "sharpen"
	case Normalize:
		return "normalize"
	case ImageOverlay, StringOverlay:
		return "overlay"
	case Redaction:
		return "redaction"
	case MetadataCopy:
		return "mdcopy"
	case Encode:
		return "encode"
	}
	return "unknown"
}

// HasEffect reports whether op could change the image, judged without
// knowing the source. Encode reports false: a list compares output and
// source formats itself.
func HasEffect(op Operation) bool {
	switch o := op.(type) {
	case Crop:
		if o.Mode == CropPercent {
			return !(o.X == 0 && o.Y == 0 && o.Width >= 1 && o.Height >= 1)
		}
		return o.Mode != CropFull
	case Scale:
		return !(o.Mode == ScaleFull || (o.Mode == ScalePercent && o.Percent == 1))
	case Rotate:
		return o.Mirror || o.Normalized() != 0
	case Sharpen:
		return o.Amount > 0
	case Transpose, ColorTransform, Normalize, MetadataCopy:
		return true
	case ImageOverlay:
		return o.Image != nil
	case StringOverlay:
		return strings.TrimSpace(o.Text) != ""
	case Redaction:
		return !o.Region.Empty()
	}
	return false
}

// HasEffectIn reports whether op changes the image when the source is full
// pixels large and op sits in list. An empty full falls back to HasEffect.
func HasEffectIn(op Operation, full core.Size, list *List) bool {
	if !HasEffect(op) {
		return false
	}
	if full.IsEmpty() {
		return true
	}
	switch o := op.(type) {
	case Crop:
		return o.Region(full) != full.Rect()
	case Scale:
		in := full
		if list != nil {
			in = list.sizeBefore(o, full)
		}
		return resultingSize(o, in) != in
	case Redaction:
		region := full.Rect()
		if list != nil {
			if c, ok := First[Crop](list); ok {
				region = c.Region(full)
			}
		}
		return o.Region.Overlaps(region)
	case ImageOverlay:
		return outputLargeEnough(o.MinSize, full, list)
	case StringOverlay:
		return outputLargeEnough(o.MinSize, full, list)
	}
	return true
}

func outputLargeEnough(minSize, full core.Size, list *List) bool {
	out := full
	if list != nil {
		out = list.ResultingSize(full)
	}
	return out.Width >= minSize.Width && out.Height >= minSize.Height
}

// ResultingSize is the size op produces from an input of size in.
func ResultingSize(op Operation, in core.Size) core.Size {
	switch o := op.(type) {
	case Crop:
		return core.SizeOf(o.Region(in))
	case Scale:
		return resultingSize(o, in)
	case Rotate:
		return rotatedSize(o, in)
	}
	return in
}

func resultingSize(s Scale, in core.Size) core.Size {
	if in.IsEmpty() {
		return in
	}
	switch s.Mode {
	case ScaleFitWidth:
		return core.Size{Width: s.Width, Height: atLeastOne(float64(in.Height) * float64(s.Width) / float64(in.Width))}
	case ScaleFitHeight:
		return core.Size{Width: atLeastOne(float64(in.Width) * float64(s.Height) / float64(in.Height)), Height: s.Height}
	case ScaleFitInside:
		r := math.Min(float64(s.Width)/float64(in.Width), float64(s.Height)/float64(in.Height))
		return core.Size{Width: atLeastOne(float64(in.Width) * r), Height: atLeastOne(float64(in.Height) * r)}
	case ScaleNonAspectFill:
		return core.Size{Width: s.Width, Height: s.Height}
	case ScalePercent:
		return core.Size{Width: atLeastOne(float64(in.Width) * s.Percent), Height: atLeastOne(float64(in.Height) * s.Percent)}
	}
	return in
}

func rotatedSize(r Rotate, in core.Size) core.Size {
	deg := r.Normalized()
	if r.IsRightAngle() {
		if deg == 90 || deg == 270 {
			return core.Size{Width: in.Height, Height: in.Width}
		}
		return in
	}
	rad := deg * math.Pi / 180
	sin, cos := math.Abs(math.Sin(rad)), math.Abs(math.Cos(rad))
	w, h := float64(in.Width), float64(in.Height)
	return core.Size{Width: atLeastOne(w*cos + h*sin), Height: atLeastOne(w*sin + h*cos)}
}

func atLeastOne(v float64) int {
	n := int(math.Round(v))
	if n < 1 {
		return 1
	}
	return n
}

// Validate checks op against the size of its input. It returns a validation
// error naming the operation.
func Validate(op Operation, in core.Size) error {
	name := Name(op)
	switch o := op.(type) {
	case Crop:
		switch o.Mode {
		case CropPixels:
			if o.Width <= 0 || o.Height <= 0 {
				return apperrors.Validation(name, "width and height must be positive, got %gx%g", o.Width, o.Height)
			}
			if o.X < 0 || o.Y < 0 {
				return apperrors.Validation(name, "origin %g,%g is negative", o.X, o.Y)
			}
			if int(o.X) >= in.Width || int(o.Y) >= in.Height {
				return apperrors.Validation(name, "origin %g,%g is outside the %s image", o.X, o.Y, in)
			}
		case CropPercent:
			if o.Width <= 0 || o.Height <= 0 {
				return apperrors.Validation(name, "width and height must be positive")
			}
			if o.X < 0 || o.Y < 0 || o.X >= 1 || o.Y >= 1 {
				return apperrors.Validation(name, "origin %g%%,%g%% is outside the image", o.X*100, o.Y*100)
			}
		}
		if o.Region(in).Empty() {
			return apperrors.Validation(name, "resulting region is empty")
		}
	case Scale:
		switch o.Mode {
		case ScalePercent:
			if o.Percent <= 0 || math.IsNaN(o.Percent) || math.IsInf(o.Percent, 0) {
				return apperrors.Validation(name, "percent must be positive, got %g", o.Percent*100)
			}
		case ScaleFitWidth:
			if o.Width <= 0 {
				return apperrors.Validation(name, "width must be positive, got %d", o.Width)
			}
		case ScaleFitHeight:
			if o.Height <= 0 {
				return apperrors.Validation(name, "height must be positive, got %d", o.Height)
			}
		case ScaleFitInside, ScaleNonAspectFill:
			if o.Width <= 0 || o.Height <= 0 {
				return apperrors.Validation(name, "dimensions must be positive, got %dx%d", o.Width, o.Height)
			}
		}
		out := resultingSize(o, in)
		if out.IsEmpty() {
			return apperrors.Validation(name, "resulting size %s is empty", out)
		}
		if !o.AllowUpscale && o.IsUpscale(in) {
			return apperrors.Validation(name, "upscaling %s to %s is not allowed", in, out)
		}
	case Rotate:
		if o.Degrees < 0 || o.Degrees > 360 || math.IsNaN(o.Degrees) {
			return apperrors.Validation(name, "degrees must be within 0-360, got %g", o.Degrees)
		}
	case Sharpen:
		if o.Amount < 0 {
			return apperrors.Validation(name, "amount must not be negative, got %g", o.Amount)
		}
	case Encode:
		if o.Format == "" || o.Format == core.FormatUnknown {
			return apperrors.Validation(name, "output format is required")
		}
		if o.Quality < 0 || o.Quality > 100 {
			return apperrors.Validation(name, "quality must be within 0-100, got %d", o.Quality)
		}
	}
	return nil
}

// Canonical is op's contribution to a cache key.
func Canonical(op Operation) string {
	switch o := op.(type) {
	case Crop:
		switch o.Mode {
		case CropSquare:
			return "crop:square"
		case CropPercent:
			return fmt.Sprintf("crop:%s%%,%s%%,%s%%,%s%%",
				num(o.X*100), num(o.Y*100), num(o.Width*100), num(o.Height*100))
		case CropPixels:
			return fmt.Sprintf("crop:%s,%s,%s,%s", num(o.X), num(o.Y), num(o.Width), num(o.Height))
		}
		return "crop:full"
	case Scale:
		switch o.Mode {
		case ScaleFitWidth:
			return fmt.Sprintf("scale:%d,", o.Width)
		case ScaleFitHeight:
			return fmt.Sprintf("scale:,%d", o.Height)
		case ScaleFitInside:
			return fmt.Sprintf("scale:!%d,%d", o.Width, o.Height)
		case ScaleNonAspectFill:
			return fmt.Sprintf("scale:%d,%d", o.Width, o.Height)
		case ScalePercent:
			return "scale:" + num(o.Percent*100) + "%"
		}
		return "scale:full"
	case Rotate:
		if o.Mirror {
			return "rotate:!" + num(o.Normalized())
		}
		return "rotate:" + num(o.Normalized())
	case Transpose:
		if o.Axis == Vertical {
			return "transpose:v"
		}
		return "transpose:h"
	case ColorTransform:
		if o.Kind == Bitonal {
			return "colortransform:bitonal"
		}
		return "colortransform:gray"
	case Sharpen:
		return "sharpen:" + num(o.Amount)
	case Normalize:
		return "normalize"
	case ImageOverlay:
		return fmt.Sprintf("overlay:%s:%d:%s", o.Position, o.Inset, o.Name)
	case StringOverlay:
		d := digest.FromString(fmt.Sprintf("%s|%v|%v", o.Text, o.Color, o.Background))
		return fmt.Sprintf("overlay:%s:%d:%s", o.Position, o.Inset, d.Encoded()[:16])
	case Redaction:
		r := o.Region
		return fmt.Sprintf("redaction:%d,%d,%d,%d", r.Min.X, r.Min.Y, r.Dx(), r.Dy())
	case MetadataCopy:
		return "mdcopy"
	case Encode:
		return canonicalEncode(o)
	}
	return ""
}

// canonicalEncode lists only parameters that differ from the defaults; the
// format itself is carried by the key's extension.
func canonicalEncode(e Encode) string {
	var parts []string
	if e.Quality > 0 {
		parts = append(parts, "q"+strconv.Itoa(e.Quality))
	}
	if e.Compression != core.CompressionUndefined {
		parts = append(parts, string(e.Compression))
	}
	if e.MaxSampleSize > 0 && e.MaxSampleSize < e.Format.MaxSampleSize() {
		parts = append(parts, strconv.Itoa(e.MaxSampleSize)+"bit")
	}
	if e.Background != nil {
		bg := *e.Background
		parts = append(parts, fmt.Sprintf("bg%02x%02x%02x", bg.R, bg.G, bg.B))
	}
	if e.Interlace {
		parts = append(parts, "interlace")
	}
	if len(parts) == 0 {
		return ""
	}
	return "encode:" + strings.Join(parts, ":")
}

func num(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
