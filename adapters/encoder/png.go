package encoder

import (
	"context"
	"image/png"
	"io"
	"sync"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
)

// PNG encodes images to PNG format. Deflate state is pooled across calls.
type PNG struct {
	buffers *bufferPool
}

func NewPNG() *PNG { return &PNG{buffers: &bufferPool{}} }

func (p *PNG) CanEncode(format core.Format) bool { return format == core.FormatPNG }

func (p *PNG) Encode(ctx context.Context, img *core.ImageData, opts core.EncodeOptions, w io.Writer) error {
	src, err := source(ctx, "png.encode", img)
	if err != nil {
		return err
	}

	enc := &png.Encoder{CompressionLevel: png.DefaultCompression}
	if p.buffers != nil {
		enc.BufferPool = p.buffers
	}
	switch opts.Compression {
	case core.CompressionNone:
		enc.CompressionLevel = png.NoCompression
	case core.CompressionDeflate:
		enc.CompressionLevel = png.BestCompression
	}

	if err := enc.Encode(w, src); err != nil {
		return apperrors.Wrap(apperrors.CategoryEncode, "png.encode", err)
	}
	return nil
}

// bufferPool implements png.EncoderBufferPool over a sync.Pool.
type bufferPool struct{ pool sync.Pool }

func (b *bufferPool) Get() *png.EncoderBuffer {
	buf, _ := b.pool.Get().(*png.EncoderBuffer)
	return buf
}

func (b *bufferPool) Put(buf *png.EncoderBuffer) { b.pool.Put(buf) }
