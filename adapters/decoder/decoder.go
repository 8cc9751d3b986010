// Package decoder provides format-specific image decoders built on the
// standard library and golang.org/x/image. None of them can decode at a
// reduced resolution, so MaxReductionFactor is always 0.
package decoder

import (
	"context"
	"image"
	"io"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
	"github.com/Skryldev/derivcache/utils"
)

// fullResolution is embedded by decoders that always read every pixel.
type fullResolution struct{}

func (fullResolution) MaxReductionFactor(core.Format) int { return 0 }

// readSource drains r, failing fast when ctx is already done.
func readSource(ctx context.Context, op string, r io.Reader) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, op, err)
	}
	data, err := utils.ReadAll(ctx, r, 0, 0)
	if err != nil {
		return nil, apperrors.SourceRead(op, err)
	}
	if len(data) == 0 {
		return nil, apperrors.SourceRead(op, apperrors.ErrEmptyInput)
	}
	return data, nil
}

func configInfo(cfg image.Config, format core.Format) core.Info {
	return core.Info{
		Width:          cfg.Width,
		Height:         cfg.Height,
		NumResolutions: 1,
		NumPages:       1,
		Format:         format,
	}
}

func imageData(img image.Image, format core.Format) *core.ImageData {
	bounds := img.Bounds()
	return &core.ImageData{
		Image:  img,
		Full:   img,
		Format: format,
		Meta: core.Metadata{
			Width:      bounds.Dx(),
			Height:     bounds.Dy(),
			Format:     format,
			ColorSpace: colorSpace(img),
			HasAlpha:   hasAlpha(img),
		},
	}
}

// colorSpace returns the colour space of an image.Image.
func colorSpace(img image.Image) core.ColorSpace {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		return core.ColorSpaceGray
	case *image.RGBA, *image.NRGBA, *image.RGBA64, *image.NRGBA64:
		return core.ColorSpaceRGBA
	case *image.CMYK:
		return core.ColorSpaceCMYK
	}
	return core.ColorSpaceRGB
}

func hasAlpha(img image.Image) bool {
	switch i := img.(type) {
	case *image.RGBA, *image.NRGBA, *image.RGBA64, *image.NRGBA64:
		return true
	case *image.Paletted:
		for _, c := range i.Palette {
			if _, _, _, a := c.RGBA(); a != 0xFFFF {
				return true
			}
		}
	}
	return false
}
