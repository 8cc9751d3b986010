package encoder

import (
	"context"
	"io"

	"golang.org/x/image/tiff"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
)

// TIFF encodes images with golang.org/x/image/tiff, which can write
// uncompressed or deflate-compressed strips.
type TIFF struct{}

func NewTIFF() *TIFF { return &TIFF{} }

func (t *TIFF) CanEncode(format core.Format) bool { return format == core.FormatTIFF }

func (t *TIFF) Encode(ctx context.Context, img *core.ImageData, opts core.EncodeOptions, w io.Writer) error {
	src, err := source(ctx, "tiff.encode", img)
	if err != nil {
		return err
	}

	var ct tiff.CompressionType
	switch opts.Compression {
	case core.CompressionUndefined, core.CompressionDeflate:
		ct = tiff.Deflate
	case core.CompressionNone:
		ct = tiff.Uncompressed
	default:
		return apperrors.Unsupported("tiff.encode", "tiff compression "+string(opts.Compression))
	}
	if err := tiff.Encode(w, src, &tiff.Options{Compression: ct, Predictor: ct == tiff.Deflate}); err != nil {
		return apperrors.Wrap(apperrors.CategoryEncode, "tiff.encode", err)
	}
	return nil
}
