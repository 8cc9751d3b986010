package pipeline

import (
	"context"
	"image"
	"image/color"
	"image/draw"

	"github.com/Skryldev/derivcache/core"
	"github.com/Skryldev/derivcache/operation"
)

// ── Color transforms ──────────────────────────────────────────────────────────

// ColorStep converts the working image to gray, or to pure black and white
// when Kind is Bitonal.
type ColorStep struct {
	Kind operation.ColorKind
}

func (s *ColorStep) Name() string { return "color" }

func (s *ColorStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	src, err := working(ctx, s.Name(), img)
	if err != nil {
		return nil, err
	}

	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	if s.Kind == operation.Bitonal {
		for i, v := range dst.Pix {
			if v < 128 {
				dst.Pix[i] = 0
			} else {
				dst.Pix[i] = 255
			}
		}
	}

	out := replace(img, dst)
	out.Meta.ColorSpace = core.ColorSpaceGray
	out.Meta.HasAlpha = false
	return out, nil
}

// ── Sharpen ───────────────────────────────────────────────────────────────────

// SharpenStep applies an unsharp mask over a 3x3 box blur.
type SharpenStep struct {
	Amount float64
}

func (s *SharpenStep) Name() string { return "sharpen" }

func (s *SharpenStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	src, err := working(ctx, s.Name(), img)
	if err != nil {
		return nil, err
	}
	if s.Amount <= 0 {
		return img, nil
	}

	in := toNRGBA(src)
	b := in.Bounds()
	dst := image.NewNRGBA(b)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			var sum [3]int
			n := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					px, py := x+dx, y+dy
					if px < 0 || py < 0 || px >= b.Dx() || py >= b.Dy() {
						continue
					}
					o := in.PixOffset(px, py)
					sum[0] += int(in.Pix[o])
					sum[1] += int(in.Pix[o+1])
					sum[2] += int(in.Pix[o+2])
					n++
				}
			}
			o := in.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				v := float64(in.Pix[o+c])
				blur := float64(sum[c]) / float64(n)
				dst.Pix[o+c] = clamp8(v + s.Amount*(v-blur))
			}
			dst.Pix[o+3] = in.Pix[o+3]
		}
	}
	return replace(img, dst), nil
}

// ── Normalize ─────────────────────────────────────────────────────────────────

// normalizeClip is the fraction of samples ignored at each end of a channel
// histogram when picking the stretch limits.
const normalizeClip = 0.005

// NormalizeStep stretches each channel so its sampled range spans 0-255.
// Levels come from the image as decoded (ImageData.Full) so a crop earlier
// in the chain does not skew them.
type NormalizeStep struct{}

func (s *NormalizeStep) Name() string { return "normalize" }

func (s *NormalizeStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	src, err := working(ctx, s.Name(), img)
	if err != nil {
		return nil, err
	}
	sample := img.Full
	if sample == nil {
		sample = src
	}
	lo, hi := levels(sample)

	dst := toNRGBA(src)
	for i := 0; i < len(dst.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			if hi[c] <= lo[c] {
				continue
			}
			v := float64(int(dst.Pix[i+c])-lo[c]) * 255 / float64(hi[c]-lo[c])
			dst.Pix[i+c] = clamp8(v)
		}
	}
	return replace(img, dst), nil
}

// levels returns per-channel low and high values after clipping.
func levels(img image.Image) (lo, hi [3]int) {
	var hist [3][256]int
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			hist[0][c.R]++
			hist[1][c.G]++
			hist[2][c.B]++
		}
	}
	cut := int(float64(b.Dx()*b.Dy()) * normalizeClip)
	for c := 0; c < 3; c++ {
		lo[c], hi[c] = 0, 255
		for n := 0; lo[c] < 255; lo[c]++ {
			n += hist[c][lo[c]]
			if n > cut {
				break
			}
		}
		for n := 0; hi[c] > 0; hi[c]-- {
			n += hist[c][hi[c]]
			if n > cut {
				break
			}
		}
	}
	return lo, hi
}

func clamp8(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v + 0.5)
}

// compile-time interface checks
var (
	_ core.Step = (*ColorStep)(nil)
	_ core.Step = (*SharpenStep)(nil)
	_ core.Step = (*NormalizeStep)(nil)
)
