// Package pipeline provides the pixel steps a processor chains together for
// an operation list, plus the runner that executes them.
package pipeline

import (
	"context"
	"image"
	"image/draw"
	"math"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
	"github.com/Skryldev/derivcache/operation"
)

// working returns the image a step operates on, failing on empty input.
func working(ctx context.Context, name string, img *core.ImageData) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryPipeline, name, err)
	}
	if img == nil || img.Image == nil {
		return nil, apperrors.New(apperrors.CategoryPipeline, name, apperrors.ErrEmptyInput)
	}
	return img.Image, nil
}

// replace returns a copy of img holding dst as its working image.
func replace(img *core.ImageData, dst image.Image) *core.ImageData {
	out := *img
	out.Image = dst
	b := dst.Bounds()
	out.Meta.Width = b.Dx()
	out.Meta.Height = b.Dy()
	return &out
}

// toNRGBA copies src into a fresh NRGBA anchored at the origin.
func toNRGBA(src image.Image) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// ── Crop ──────────────────────────────────────────────────────────────────────

// CropStep crops the working image. In is the logical size entering the
// crop; when the decoder reduced the image, the region is rescaled to match.
type CropStep struct {
	Crop operation.Crop
	In   core.Size
}

func (s *CropStep) Name() string { return "crop" }

func (s *CropStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	src, err := working(ctx, s.Name(), img)
	if err != nil {
		return nil, err
	}
	if img.Cropped {
		out := *img
		out.Cropped = false
		return &out, nil
	}

	rect := s.Crop.Rectangle(s.In, operation.ReductionFactor{Factor: img.ReductionFactor})
	rect = rect.Add(src.Bounds().Min).Intersect(src.Bounds())
	if rect.Empty() {
		return nil, apperrors.New(apperrors.CategoryPipeline, s.Name(), apperrors.ErrInvalidDimensions)
	}
	dst := image.NewNRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), src, rect.Min, draw.Src)
	return replace(img, dst), nil
}

// ── Scale ─────────────────────────────────────────────────────────────────────

// ScaleStep resamples the working image to Target. Because Target is in
// logical pixels, any residual left by decode-time reduction is absorbed
// here and the image is back at full logical resolution afterwards.
type ScaleStep struct {
	Target core.Size
	// Choose picks the interpolator for a working image of the given size.
	// Nil means bilinear.
	Choose func(working core.Size) xdraw.Interpolator
}

func (s *ScaleStep) Name() string { return "scale" }

func (s *ScaleStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	src, err := working(ctx, s.Name(), img)
	if err != nil {
		return nil, err
	}
	if s.Target.IsEmpty() {
		return nil, apperrors.New(apperrors.CategoryPipeline, s.Name(), apperrors.ErrInvalidDimensions)
	}
	srcB := src.Bounds()
	out := img
	if srcB.Dx() != s.Target.Width || srcB.Dy() != s.Target.Height {
		var sampler xdraw.Interpolator = xdraw.BiLinear
		if s.Choose != nil {
			sampler = s.Choose(core.SizeOf(srcB))
		}
		dst := image.NewNRGBA(s.Target.Rect())
		sampler.Scale(dst, dst.Bounds(), src, srcB, xdraw.Src, nil)
		out = replace(img, dst)
	} else {
		cp := *img
		out = &cp
	}
	out.ReductionFactor = 0
	return out, nil
}

// ── Rotate ────────────────────────────────────────────────────────────────────

// RotateStep mirrors (optionally) then rotates clockwise. Right angles are
// exact pixel moves; other angles resample bilinearly onto a transparent
// canvas large enough to hold the rotated image.
type RotateStep struct {
	Rotate operation.Rotate
}

func (s *RotateStep) Name() string { return "rotate" }

func (s *RotateStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	src, err := working(ctx, s.Name(), img)
	if err != nil {
		return nil, err
	}
	if s.Rotate.Mirror {
		src = flip(src, operation.Horizontal)
	}
	deg := s.Rotate.Normalized()
	switch {
	case deg == 0:
		return replace(img, src), nil
	case s.Rotate.IsRightAngle():
		return replace(img, rotateRight(src, int(deg)/90)), nil
	}

	in := core.SizeOf(src.Bounds())
	size := operation.ResultingSize(operation.Rotate{Degrees: deg}, in)
	dst := image.NewNRGBA(size.Rect())
	xdraw.BiLinear.Transform(dst, rotation(deg, src.Bounds(), size), src, src.Bounds(), xdraw.Src, nil)
	return replace(img, dst), nil
}

// rotation maps source pixels onto a canvas of size out, turning clockwise
// about the centres of both.
func rotation(deg float64, src image.Rectangle, out core.Size) f64.Aff3 {
	rad := deg * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)
	cx := float64(src.Min.X) + float64(src.Dx())/2
	cy := float64(src.Min.Y) + float64(src.Dy())/2
	dx, dy := float64(out.Width)/2, float64(out.Height)/2
	return f64.Aff3{
		cos, -sin, dx - (cos*cx - sin*cy),
		sin, cos, dy - (sin*cx + cos*cy),
	}
}

// rotateRight turns src clockwise by quarter turns.
func rotateRight(src image.Image, quarters int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	var dst *image.NRGBA
	if quarters%2 == 1 {
		dst = image.NewNRGBA(image.Rect(0, 0, h, w))
	} else {
		dst = image.NewNRGBA(image.Rect(0, 0, w, h))
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := src.At(b.Min.X+x, b.Min.Y+y)
			switch quarters {
			case 1:
				dst.Set(h-1-y, x, c)
			case 2:
				dst.Set(w-1-x, h-1-y, c)
			case 3:
				dst.Set(y, w-1-x, c)
			}
		}
	}
	return dst
}

// ── Transpose ─────────────────────────────────────────────────────────────────

// TransposeStep flips the working image across an axis.
type TransposeStep struct {
	Axis operation.Axis
}

func (s *TransposeStep) Name() string { return "transpose" }

func (s *TransposeStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	src, err := working(ctx, s.Name(), img)
	if err != nil {
		return nil, err
	}
	return replace(img, flip(src, s.Axis)), nil
}

func flip(src image.Image, axis operation.Axis) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := src.At(b.Min.X+x, b.Min.Y+y)
			if axis == operation.Horizontal {
				dst.Set(w-1-x, y, c)
			} else {
				dst.Set(x, h-1-y, c)
			}
		}
	}
	return dst
}

// compile-time interface checks
var (
	_ core.Step = (*CropStep)(nil)
	_ core.Step = (*ScaleStep)(nil)
	_ core.Step = (*RotateStep)(nil)
	_ core.Step = (*TransposeStep)(nil)
)
