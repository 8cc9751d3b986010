package decoder

import (
	"context"
	"image"
	"image/draw"
	"image/gif"
	"io"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
)

// GIF decodes GIF images. Each animation frame is a page; frames are
// composited in order so a page shows what a viewer would see.
type GIF struct{ fullResolution }

func NewGIF() *GIF { return &GIF{} }

func (g *GIF) CanDecode(format core.Format) bool { return format == core.FormatGIF }

func (g *GIF) ReadInfo(ctx context.Context, r io.Reader) (core.Info, error) {
	if err := ctx.Err(); err != nil {
		return core.Info{}, apperrors.Wrap(apperrors.CategoryDecode, "gif.info", err)
	}
	all, err := gif.DecodeAll(r)
	if err != nil {
		return core.Info{}, apperrors.SourceRead("gif.info", err)
	}
	info := configInfo(all.Config, core.FormatGIF)
	info.NumPages = len(all.Image)
	return info, nil
}

func (g *GIF) Decode(ctx context.Context, r io.Reader, hints core.DecodeHints) (*core.ImageData, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, "gif.decode", err)
	}
	if hints.Page == 0 {
		img, err := gif.Decode(r)
		if err != nil {
			return nil, apperrors.SourceRead("gif.decode", err)
		}
		return imageData(img, core.FormatGIF), nil
	}

	all, err := gif.DecodeAll(r)
	if err != nil {
		return nil, apperrors.SourceRead("gif.decode", err)
	}
	if hints.Page < 0 || hints.Page >= len(all.Image) {
		return nil, apperrors.Validation("page", "page %d out of range 0-%d", hints.Page, len(all.Image)-1)
	}
	canvas := image.NewRGBA(image.Rect(0, 0, all.Config.Width, all.Config.Height))
	for i := 0; i <= hints.Page; i++ {
		frame := all.Image[i]
		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)
	}
	return imageData(canvas, core.FormatGIF), nil
}
