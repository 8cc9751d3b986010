package encoder

import (
	"context"
	"io"

	"golang.org/x/image/bmp"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
)

type BMP struct{}

func NewBMP() *BMP { return &BMP{} }

func (b *BMP) CanEncode(format core.Format) bool { return format == core.FormatBMP }

func (b *BMP) Encode(ctx context.Context, img *core.ImageData, _ core.EncodeOptions, w io.Writer) error {
	src, err := source(ctx, "bmp.encode", img)
	if err != nil {
		return err
	}
	if err := bmp.Encode(w, src); err != nil {
		return apperrors.Wrap(apperrors.CategoryEncode, "bmp.encode", err)
	}
	return nil
}
