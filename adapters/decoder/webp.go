package decoder

import (
	"bytes"
	"context"
	"io"

	"golang.org/x/image/webp"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
)

// WebP decodes WebP images using golang.org/x/image/webp.
type WebP struct{ fullResolution }

func NewWebP() *WebP { return &WebP{} }

func (w *WebP) CanDecode(format core.Format) bool { return format == core.FormatWebP }

func (w *WebP) ReadInfo(ctx context.Context, r io.Reader) (core.Info, error) {
	if err := ctx.Err(); err != nil {
		return core.Info{}, apperrors.Wrap(apperrors.CategoryDecode, "webp.info", err)
	}
	cfg, err := webp.DecodeConfig(r)
	if err != nil {
		return core.Info{}, apperrors.SourceRead("webp.info", err)
	}
	return configInfo(cfg, core.FormatWebP), nil
}

func (w *WebP) Decode(ctx context.Context, r io.Reader, _ core.DecodeHints) (*core.ImageData, error) {
	data, err := readSource(ctx, "webp.decode", r)
	if err != nil {
		return nil, err
	}
	img, err := webp.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.SourceRead("webp.decode", err)
	}
	out := imageData(img, core.FormatWebP)
	out.Meta.SizeBytes = int64(len(data))
	return out, nil
}
