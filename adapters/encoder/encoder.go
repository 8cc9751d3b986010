// Package encoder provides format-specific image encoders built on the
// standard library and golang.org/x/image. Each writes straight to the
// caller's writer so output can be streamed.
package encoder

import (
	"context"
	"image"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
)

// source validates the encode call and returns the image to write.
func source(ctx context.Context, op string, img *core.ImageData) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, op, err)
	}
	if img == nil || img.Image == nil {
		return nil, apperrors.New(apperrors.CategoryEncode, op, apperrors.ErrEmptyInput)
	}
	return img.Image, nil
}
