package processor

import (
	"github.com/Skryldev/derivcache/adapters/decoder"
	"github.com/Skryldev/derivcache/adapters/encoder"
	"github.com/Skryldev/derivcache/core"
)

// NewCodecs returns a registry holding the pure-Go codecs. WebP can be read
// but not written without the vips backend.
func NewCodecs(defaultQuality int) *core.DefaultRegistry {
	reg := core.NewRegistry()
	reg.RegisterDecoder(core.FormatJPEG, decoder.NewJPEG())
	reg.RegisterDecoder(core.FormatPNG, decoder.NewPNG())
	reg.RegisterDecoder(core.FormatGIF, decoder.NewGIF())
	reg.RegisterDecoder(core.FormatWebP, decoder.NewWebP())
	reg.RegisterDecoder(core.FormatTIFF, decoder.NewTIFF())
	reg.RegisterDecoder(core.FormatBMP, decoder.NewBMP())

	reg.RegisterEncoder(core.FormatJPEG, encoder.NewJPEG(defaultQuality))
	reg.RegisterEncoder(core.FormatPNG, encoder.NewPNG())
	reg.RegisterEncoder(core.FormatGIF, encoder.NewGIF())
	reg.RegisterEncoder(core.FormatTIFF, encoder.NewTIFF())
	reg.RegisterEncoder(core.FormatBMP, encoder.NewBMP())
	return reg
}
