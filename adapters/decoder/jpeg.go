package decoder

import (
	"bytes"
	"context"
	"image/jpeg"
	"io"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
	"github.com/Skryldev/derivcache/utils"
)

// JPEG decodes JPEG images using the standard library.
type JPEG struct{ fullResolution }

// NewJPEG returns an initialised JPEG decoder.
func NewJPEG() *JPEG { return &JPEG{} }

func (j *JPEG) CanDecode(format core.Format) bool { return format == core.FormatJPEG }

// ReadInfo reads the frame header and the Exif orientation. Only the bytes
// up to the frame header are consumed.
func (j *JPEG) ReadInfo(ctx context.Context, r io.Reader) (core.Info, error) {
	if err := ctx.Err(); err != nil {
		return core.Info{}, apperrors.Wrap(apperrors.CategoryDecode, "jpeg.info", err)
	}
	var head bytes.Buffer
	cfg, err := jpeg.DecodeConfig(io.TeeReader(r, &head))
	if err != nil {
		return core.Info{}, apperrors.SourceRead("jpeg.info", err)
	}
	info := configInfo(cfg, core.FormatJPEG)
	_, info.Orientation = utils.ProbeJPEG(head.Bytes())
	return info, nil
}

func (j *JPEG) Decode(ctx context.Context, r io.Reader, _ core.DecodeHints) (*core.ImageData, error) {
	data, err := readSource(ctx, "jpeg.decode", r)
	if err != nil {
		return nil, err
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.SourceRead("jpeg.decode", err)
	}
	out := imageData(img, core.FormatJPEG)
	out.Meta.EXIF, out.Meta.Orientation = utils.ProbeJPEG(data)
	out.Meta.SizeBytes = int64(len(data))
	return out, nil
}
