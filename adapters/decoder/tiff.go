package decoder

import (
	"bytes"
	"context"
	"io"

	"golang.org/x/image/tiff"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
	"github.com/Skryldev/derivcache/utils"
)

// TIFF decodes the first directory of TIFF images using
// golang.org/x/image/tiff. Info also reports the compression scheme, tile
// size and directory count.
type TIFF struct{ fullResolution }

func NewTIFF() *TIFF { return &TIFF{} }

func (t *TIFF) CanDecode(format core.Format) bool { return format == core.FormatTIFF }

func (t *TIFF) ReadInfo(ctx context.Context, r io.Reader) (core.Info, error) {
	data, err := readSource(ctx, "tiff.info", r)
	if err != nil {
		return core.Info{}, err
	}
	cfg, err := tiff.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return core.Info{}, apperrors.SourceRead("tiff.info", err)
	}
	info := configInfo(cfg, core.FormatTIFF)
	if probe, err := utils.ProbeTIFF(data); err == nil {
		info.Compression = probe.Compression
		info.Orientation = probe.Orientation
		info.TileWidth = probe.TileWidth
		info.TileHeight = probe.TileHeight
		info.NumPages = probe.Pages
	}
	return info, nil
}

func (t *TIFF) Decode(ctx context.Context, r io.Reader, _ core.DecodeHints) (*core.ImageData, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, "tiff.decode", err)
	}
	img, err := tiff.Decode(r)
	if err != nil {
		return nil, apperrors.SourceRead("tiff.decode", err)
	}
	return imageData(img, core.FormatTIFF), nil
}
