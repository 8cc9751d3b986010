package encoder

import (
	"context"
	"image/jpeg"
	"io"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
	"github.com/Skryldev/derivcache/utils"
)

// JPEG encodes images to JPEG format. EXIF passed in the options is written
// as an APP1 segment right after SOI.
type JPEG struct {
	DefaultQuality int // used when EncodeOptions.Quality == 0
}

func NewJPEG(defaultQuality int) *JPEG {
	if defaultQuality <= 0 {
		defaultQuality = 85
	}
	return &JPEG{DefaultQuality: defaultQuality}
}

func (j *JPEG) CanEncode(format core.Format) bool {
	return format == core.FormatJPEG
}

func (j *JPEG) Encode(ctx context.Context, img *core.ImageData, opts core.EncodeOptions, w io.Writer) error {
	src, err := source(ctx, "jpeg.encode", img)
	if err != nil {
		return err
	}

	quality := opts.Quality
	if quality <= 0 {
		quality = j.DefaultQuality
	}
	quality = min(max(quality, 1), 100)
	if len(opts.EXIF) > 0 {
		w = &utils.EXIFWriter{W: w, EXIF: opts.EXIF}
	}
	if err := jpeg.Encode(w, src, &jpeg.Options{Quality: quality}); err != nil {
		return apperrors.Wrap(apperrors.CategoryEncode, "jpeg.encode", err)
	}
	return nil
}
