package processor

import (
	xdraw "golang.org/x/image/draw"

	"github.com/Skryldev/derivcache/core"
)

// ScaleStrategy is the resampling method used by a software scale.
type ScaleStrategy int

const (
	// AreaAverage averages every source pixel under each output pixel.
	AreaAverage ScaleStrategy = iota
	Bilinear
	NearestNeighbor
)

func (s ScaleStrategy) String() string {
	switch s {
	case AreaAverage:
		return "area-average"
	case Bilinear:
		return "bilinear"
	case NearestNeighbor:
		return "nearest-neighbor"
	}
	return "unknown"
}

// boxKernel is a unit box; x/image/draw widens its support by the downscale
// ratio, which turns it into an area average.
var boxKernel = &xdraw.Kernel{Support: 0.5, At: func(float64) float64 { return 1 }}

// Interpolator returns the x/image/draw implementation of s.
func (s ScaleStrategy) Interpolator() xdraw.Interpolator {
	switch s {
	case AreaAverage:
		return boxKernel
	case NearestNeighbor:
		return xdraw.NearestNeighbor
	}
	return xdraw.BiLinear
}

// minAreaAverageSide is the smallest working image side area averaging
// accepts.
const minAreaAverageSide = 3

// AreaAverageDenylist lists source compressions whose edge tiles break area
// averaging. An empty Compression list denies every scheme except none and
// undefined.
var AreaAverageDenylist = map[core.Format][]core.Compression{
	core.FormatTIFF: nil,
}

// Denied reports whether (format, compression) is on the denylist.
func Denied(format core.Format, compression core.Compression) bool {
	schemes, ok := AreaAverageDenylist[format]
	if !ok {
		return false
	}
	if len(schemes) == 0 {
		return compression != core.CompressionNone && compression != core.CompressionUndefined
	}
	for _, c := range schemes {
		if c == compression {
			return true
		}
	}
	return false
}

// SelectScaleStrategy picks how to resample a working image to target.
// Denylisted sources get nearest-neighbor; upscales and images under three
// pixels on a side get bilinear; everything else is area-averaged.
func SelectScaleStrategy(working, target core.Size, format core.Format, compression core.Compression) ScaleStrategy {
	switch {
	case Denied(format, compression):
		return NearestNeighbor
	case target.Width > working.Width || target.Height > working.Height:
		return Bilinear
	case working.Width < minAreaAverageSide || working.Height < minAreaAverageSide:
		return Bilinear
	}
	return AreaAverage
}
