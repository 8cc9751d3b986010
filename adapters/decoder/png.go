package decoder

import (
	"context"
	"image/png"
	"io"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
)

// PNG decodes PNG images using the standard library.
type PNG struct{ fullResolution }

func NewPNG() *PNG { return &PNG{} }

func (p *PNG) CanDecode(format core.Format) bool { return format == core.FormatPNG }

func (p *PNG) ReadInfo(ctx context.Context, r io.Reader) (core.Info, error) {
	if err := ctx.Err(); err != nil {
		return core.Info{}, apperrors.Wrap(apperrors.CategoryDecode, "png.info", err)
	}
	cfg, err := png.DecodeConfig(r)
	if err != nil {
		return core.Info{}, apperrors.SourceRead("png.info", err)
	}
	return configInfo(cfg, core.FormatPNG), nil
}

func (p *PNG) Decode(ctx context.Context, r io.Reader, _ core.DecodeHints) (*core.ImageData, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, "png.decode", err)
	}
	img, err := png.Decode(r)
	if err != nil {
		return nil, apperrors.SourceRead("png.decode", err)
	}
	return imageData(img, core.FormatPNG), nil
}
