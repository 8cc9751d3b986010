package decoder

import (
	"context"
	"io"

	"golang.org/x/image/bmp"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
)

// BMP decodes Windows bitmaps using golang.org/x/image/bmp.
type BMP struct{ fullResolution }

func NewBMP() *BMP { return &BMP{} }

func (b *BMP) CanDecode(format core.Format) bool { return format == core.FormatBMP }

func (b *BMP) ReadInfo(ctx context.Context, r io.Reader) (core.Info, error) {
	if err := ctx.Err(); err != nil {
		return core.Info{}, apperrors.Wrap(apperrors.CategoryDecode, "bmp.info", err)
	}
	cfg, err := bmp.DecodeConfig(r)
	if err != nil {
		return core.Info{}, apperrors.SourceRead("bmp.info", err)
	}
	return configInfo(cfg, core.FormatBMP), nil
}

func (b *BMP) Decode(ctx context.Context, r io.Reader, _ core.DecodeHints) (*core.ImageData, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, "bmp.decode", err)
	}
	img, err := bmp.Decode(r)
	if err != nil {
		return nil, apperrors.SourceRead("bmp.decode", err)
	}
	return imageData(img, core.FormatBMP), nil
}
