package pipeline

import (
	"image"
	"math"

	"golang.org/x/image/math/f64"

	"github.com/Skryldev/derivcache/core"
	"github.com/Skryldev/derivcache/operation"
)

// Geometry accumulates the affine transform the geometric steps apply, so
// rectangles given in full-size source coordinates can be located on the
// output. Its methods take sizes in logical (unreduced) pixels.
type Geometry struct {
	m f64.Aff3
}

// NewGeometry returns the identity mapping.
func NewGeometry() *Geometry {
	return &Geometry{m: f64.Aff3{1, 0, 0, 0, 1, 0}}
}

// then composes next after the current transform.
func (g *Geometry) then(next f64.Aff3) {
	a, b := next, g.m
	g.m = f64.Aff3{
		a[0]*b[0] + a[1]*b[3], a[0]*b[1] + a[1]*b[4], a[0]*b[2] + a[1]*b[5] + a[2],
		a[3]*b[0] + a[4]*b[3], a[3]*b[1] + a[4]*b[4], a[3]*b[2] + a[4]*b[5] + a[5],
	}
}

// Crop moves the origin to region's corner.
func (g *Geometry) Crop(region image.Rectangle) {
	g.then(f64.Aff3{1, 0, -float64(region.Min.X), 0, 1, -float64(region.Min.Y)})
}

// Scale stretches from one size to another.
func (g *Geometry) Scale(from, to core.Size) {
	if from.IsEmpty() {
		return
	}
	g.then(f64.Aff3{
		float64(to.Width) / float64(from.Width), 0, 0,
		0, float64(to.Height) / float64(from.Height), 0,
	})
}

// Rotate applies the optional mirror and the clockwise turn of r to an
// image of size in.
func (g *Geometry) Rotate(r operation.Rotate, in core.Size) {
	if r.Mirror {
		g.Transpose(operation.Horizontal, in)
	}
	deg := r.Normalized()
	if deg == 0 {
		return
	}
	src := in.Rect()
	out := operation.ResultingSize(operation.Rotate{Degrees: deg}, in)
	if r.IsRightAngle() {
		// Exact quarter turns map pixel edges onto pixel edges.
		switch int(deg) {
		case 90:
			g.then(f64.Aff3{0, -1, float64(in.Height), 1, 0, 0})
		case 180:
			g.then(f64.Aff3{-1, 0, float64(in.Width), 0, -1, float64(in.Height)})
		case 270:
			g.then(f64.Aff3{0, 1, 0, -1, 0, float64(in.Width)})
		}
		return
	}
	g.then(rotation(deg, src, out))
}

// Transpose flips across axis within an image of size in.
func (g *Geometry) Transpose(axis operation.Axis, in core.Size) {
	if axis == operation.Horizontal {
		g.then(f64.Aff3{-1, 0, float64(in.Width), 0, 1, 0})
		return
	}
	g.then(f64.Aff3{1, 0, 0, 0, -1, float64(in.Height)})
}

// MapRect returns the bounding box of r after the accumulated transform,
// widened to whole pixels.
func (g *Geometry) MapRect(r image.Rectangle) image.Rectangle {
	corners := [4][2]float64{
		{float64(r.Min.X), float64(r.Min.Y)},
		{float64(r.Max.X), float64(r.Min.Y)},
		{float64(r.Min.X), float64(r.Max.Y)},
		{float64(r.Max.X), float64(r.Max.Y)},
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, c := range corners {
		x := g.m[0]*c[0] + g.m[1]*c[1] + g.m[2]
		y := g.m[3]*c[0] + g.m[4]*c[1] + g.m[5]
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	return image.Rect(
		int(math.Floor(minX+1e-9)), int(math.Floor(minY+1e-9)),
		int(math.Ceil(maxX-1e-9)), int(math.Ceil(maxY-1e-9)),
	)
}
