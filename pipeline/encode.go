package pipeline

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"io"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
	"github.com/Skryldev/derivcache/utils"
)

// ── Flatten ───────────────────────────────────────────────────────────────────

// FlattenStep composites the working image over an opaque background. It
// runs before encoding to formats without an alpha channel.
type FlattenStep struct {
	Background color.RGBA
}

func (s *FlattenStep) Name() string { return "flatten" }

func (s *FlattenStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	src, err := working(ctx, s.Name(), img)
	if err != nil {
		return nil, err
	}
	if opaque, ok := src.(interface{ Opaque() bool }); ok && opaque.Opaque() {
		return img, nil
	}
	b := src.Bounds()
	bg := s.Background
	bg.A = 255
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)

	out := replace(img, dst)
	out.Meta.HasAlpha = false
	return out, nil
}

// ── Sample depth ──────────────────────────────────────────────────────────────

// DepthStep reduces 16-bit images to 8 bits per sample.
type DepthStep struct{}

func (s *DepthStep) Name() string { return "depth" }

func (s *DepthStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	src, err := working(ctx, s.Name(), img)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	var dst draw.Image
	switch src.(type) {
	case *image.Gray16:
		dst = image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	case *image.RGBA64, *image.NRGBA64:
		dst = image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	default:
		return img, nil
	}
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return replace(img, dst), nil
}

// ── Encode ────────────────────────────────────────────────────────────────────

// EncodeStep serialises the working image to W with the encoder registered
// for Format. It is the last step; the returned ImageData is unchanged.
type EncodeStep struct {
	Registry core.Registry
	Format   core.Format
	Options  core.EncodeOptions
	W        io.Writer
}

func (s *EncodeStep) Name() string { return "encode" }

func (s *EncodeStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	if _, err := working(ctx, s.Name(), img); err != nil {
		return nil, err
	}
	enc, ok := s.Registry.EncoderFor(s.Format)
	if !ok {
		return nil, apperrors.Unsupported(s.Name(), s.Format)
	}

	out := *img
	out.Format = s.Format
	out.Meta.Format = s.Format
	cw := &utils.CountingWriter{W: s.W}
	if err := enc.Encode(ctx, &out, s.Options, cw); err != nil {
		return nil, err
	}
	out.Meta.SizeBytes = cw.N
	return &out, nil
}

// compile-time interface checks
var (
	_ core.Step = (*FlattenStep)(nil)
	_ core.Step = (*DepthStep)(nil)
	_ core.Step = (*EncodeStep)(nil)
)
