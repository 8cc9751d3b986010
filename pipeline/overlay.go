package pipeline

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/Skryldev/derivcache/core"
	"github.com/Skryldev/derivcache/operation"
)

// anchor is the top-left corner of a box of size placed on canvas at pos,
// kept inset pixels away from the edges it touches.
func anchor(canvas image.Rectangle, size image.Point, pos operation.Position, inset int) image.Point {
	var x, y int
	switch pos {
	case operation.TopLeft, operation.LeftCenter, operation.BottomLeft:
		x = canvas.Min.X + inset
	case operation.TopRight, operation.RightCenter, operation.BottomRight:
		x = canvas.Max.X - size.X - inset
	default:
		x = canvas.Min.X + (canvas.Dx()-size.X)/2
	}
	switch pos {
	case operation.TopLeft, operation.TopCenter, operation.TopRight:
		y = canvas.Min.Y + inset
	case operation.BottomLeft, operation.BottomCenter, operation.BottomRight:
		y = canvas.Max.Y - size.Y - inset
	default:
		y = canvas.Min.Y + (canvas.Dy()-size.Y)/2
	}
	return image.Pt(x, y)
}

// ── Image overlay ─────────────────────────────────────────────────────────────

// ImageOverlayStep composites an overlay image over the working image.
type ImageOverlayStep struct {
	Overlay operation.ImageOverlay
}

func (s *ImageOverlayStep) Name() string { return "overlay" }

func (s *ImageOverlayStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	src, err := working(ctx, s.Name(), img)
	if err != nil {
		return nil, err
	}
	if s.Overlay.Image == nil {
		return img, nil
	}
	dst := toNRGBA(src)
	ob := s.Overlay.Image.Bounds()
	at := anchor(dst.Bounds(), ob.Size(), s.Overlay.Position, s.Overlay.Inset)
	draw.Draw(dst, image.Rectangle{Min: at, Max: at.Add(ob.Size())}, s.Overlay.Image, ob.Min, draw.Over)
	return replace(img, dst), nil
}

// ── String overlay ────────────────────────────────────────────────────────────

// StringOverlayStep draws text in the basic 7x13 bitmap face, one line per
// newline, over an optional background box.
type StringOverlayStep struct {
	Overlay operation.StringOverlay
}

func (s *StringOverlayStep) Name() string { return "overlay" }

func (s *StringOverlayStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	src, err := working(ctx, s.Name(), img)
	if err != nil {
		return nil, err
	}
	text := strings.TrimRight(s.Overlay.Text, "\n")
	if strings.TrimSpace(text) == "" {
		return img, nil
	}

	face := basicfont.Face7x13
	lines := strings.Split(text, "\n")
	lineHeight := face.Metrics().Height.Ceil()
	width := 0
	for _, line := range lines {
		width = max(width, font.MeasureString(face, line).Ceil())
	}
	box := image.Pt(width, lineHeight*len(lines))

	dst := toNRGBA(src)
	at := anchor(dst.Bounds(), box, s.Overlay.Position, s.Overlay.Inset)
	if s.Overlay.Background.A > 0 {
		draw.Draw(dst, image.Rectangle{Min: at, Max: at.Add(box)},
			image.NewUniform(s.Overlay.Background), image.Point{}, draw.Over)
	}
	fg := s.Overlay.Color
	if fg == (color.RGBA{}) {
		fg = color.RGBA{A: 255}
	}
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(fg), Face: face}
	ascent := face.Metrics().Ascent.Ceil()
	for i, line := range lines {
		d.Dot = fixed.P(at.X, at.Y+ascent+i*lineHeight)
		d.DrawString(line)
	}
	return replace(img, dst), nil
}

// ── Redaction ─────────────────────────────────────────────────────────────────

// RedactionStep paints opaque black over Region, which must already be in
// output coordinates (see Geometry).
type RedactionStep struct {
	Region image.Rectangle
}

func (s *RedactionStep) Name() string { return "redaction" }

func (s *RedactionStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	src, err := working(ctx, s.Name(), img)
	if err != nil {
		return nil, err
	}
	dst := toNRGBA(src)
	r := s.Region.Intersect(dst.Bounds())
	if r.Empty() {
		return img, nil
	}
	draw.Draw(dst, r, image.NewUniform(color.Black), image.Point{}, draw.Src)
	return replace(img, dst), nil
}

// compile-time interface checks
var (
	_ core.Step = (*ImageOverlayStep)(nil)
	_ core.Step = (*StringOverlayStep)(nil)
	_ core.Step = (*RedactionStep)(nil)
)
