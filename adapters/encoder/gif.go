package encoder

import (
	"context"
	"image/gif"
	"io"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
)

// GIF encodes a single frame, quantising to the Plan9 palette.
type GIF struct{}

func NewGIF() *GIF { return &GIF{} }

func (g *GIF) CanEncode(format core.Format) bool { return format == core.FormatGIF }

func (g *GIF) Encode(ctx context.Context, img *core.ImageData, _ core.EncodeOptions, w io.Writer) error {
	src, err := source(ctx, "gif.encode", img)
	if err != nil {
		return err
	}
	if err := gif.Encode(w, src, &gif.Options{NumColors: 256}); err != nil {
		return apperrors.Wrap(apperrors.CategoryEncode, "gif.encode", err)
	}
	return nil
}
