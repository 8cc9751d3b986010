// Package vips provides a libvips-backed Decoder and Encoder. Decoding JPEG
// sources can shrink on load, and it is the only backend that writes WebP.
package vips

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"io"
	"runtime"

	govips "github.com/davidbyttow/govips/v2/vips"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
	"github.com/Skryldev/derivcache/utils"
)

// maxJPEGShrink is log2 of the largest libjpeg shrink-on-load factor (8).
const maxJPEGShrink = 3

// BackendConfig configures the libvips backend.
type BackendConfig struct {
	DefaultQuality int
	MaxCacheSize   int
	MaxWorkers     int
	ReportLeaks    bool
}

// Backend is a unified libvips-powered Decoder and Encoder.
// Safe for concurrent use across goroutines.
type Backend struct {
	cfg BackendConfig
}

// NewBackend initialises libvips and returns a ready Backend.
// Call Shutdown() when the process exits.
func NewBackend(cfg BackendConfig) *Backend {
	if cfg.DefaultQuality <= 0 {
		cfg.DefaultQuality = 85
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = runtime.NumCPU()
	}
	govips.LoggingSettings(nil, govips.LogLevelError)
	govips.Startup(&govips.Config{
		ConcurrencyLevel: cfg.MaxWorkers,
		MaxCacheSize:     cfg.MaxCacheSize,
		ReportLeaks:      cfg.ReportLeaks,
		CollectStats:     true,
	})
	return &Backend{cfg: cfg}
}

// Shutdown releases all libvips resources. Call once at process exit.
func (b *Backend) Shutdown() {
	govips.Shutdown()
}

// ─── Decoder ──────────────────────────────────────────────────────────────────

func (b *Backend) CanDecode(f core.Format) bool {
	switch f {
	case core.FormatJPEG, core.FormatPNG, core.FormatWebP, core.FormatTIFF,
		core.FormatGIF, core.FormatJP2, core.FormatPDF:
		return true
	}
	return false
}

func (b *Backend) MaxReductionFactor(f core.Format) int {
	if f == core.FormatJPEG {
		return maxJPEGShrink
	}
	return 0
}

func (b *Backend) ReadInfo(ctx context.Context, r io.Reader) (core.Info, error) {
	raw, err := readAll(ctx, "vips.info", r)
	if err != nil {
		return core.Info{}, err
	}
	ref, err := govips.NewImageFromBuffer(raw)
	if err != nil {
		return core.Info{}, apperrors.SourceRead("vips.info", err)
	}
	defer ref.Close()

	info := core.Info{
		Width:          ref.Width(),
		Height:         ref.Height(),
		Orientation:    ref.Orientation(),
		NumResolutions: 1,
		NumPages:       max(ref.Pages(), 1),
		Format:         vipsFormatToCore(ref.Format()),
	}
	switch info.Format {
	case core.FormatJPEG:
		info.NumResolutions = maxJPEGShrink + 1
	case core.FormatTIFF:
		if probe, err := utils.ProbeTIFF(raw); err == nil {
			info.Compression = probe.Compression
			info.TileWidth = probe.TileWidth
			info.TileHeight = probe.TileHeight
		}
	}
	return info, nil
}

func (b *Backend) Decode(ctx context.Context, r io.Reader, hints core.DecodeHints) (*core.ImageData, error) {
	raw, err := readAll(ctx, "vips.decode", r)
	if err != nil {
		return nil, err
	}
	format := utils.DetectFormat(raw)

	params := govips.NewImportParams()
	rf := 0
	if format == core.FormatJPEG && hints.ReductionFactor > 0 {
		rf = min(hints.ReductionFactor, maxJPEGShrink)
		params.JpegShrinkFactor.Set(1 << rf)
	}
	if hints.Page > 0 {
		params.Page.Set(hints.Page)
	}

	ref, err := govips.LoadImageFromBuffer(raw, params)
	if err != nil {
		return nil, apperrors.SourceRead("vips.decode", err)
	}
	defer ref.Close()

	cropped, err := extractRegion(ref, hints.Region, rf)
	if err != nil {
		return nil, err
	}

	// Pixels cross back into Go as an uncompressed PNG.
	ep := govips.NewPngExportParams()
	ep.Compression = 0
	ep.StripMetadata = true
	pixels, _, err := ref.ExportPng(ep)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, "vips.decode", err)
	}
	img, err := png.Decode(bytes.NewReader(pixels))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, "vips.decode", err)
	}
	bounds := img.Bounds()
	meta := core.Metadata{
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
		Format:      format,
		ColorSpace:  vipsInterpretationToColorSpace(ref.Interpretation()),
		HasAlpha:    ref.HasAlpha(),
		SizeBytes:   int64(len(raw)),
		Orientation: ref.Orientation(),
	}
	if format == core.FormatJPEG {
		meta.EXIF, _ = utils.ProbeJPEG(raw)
	}
	return &core.ImageData{
		Image:           img,
		Full:            img,
		Format:          format,
		Meta:            meta,
		ReductionFactor: rf,
		Cropped:         cropped,
	}, nil
}

// extractRegion narrows ref to the full-resolution region scaled by the
// reduction already applied, so only the requested pixels cross into Go.
func extractRegion(ref *govips.ImageRef, region image.Rectangle, rf int) (bool, error) {
	if region.Empty() {
		return false, nil
	}
	bounds := image.Rect(0, 0, ref.Width(), ref.Height())
	area := core.ScaleRegion(region, rf).Intersect(bounds)
	if area.Empty() {
		return false, nil
	}
	if area != bounds {
		if err := ref.ExtractArea(area.Min.X, area.Min.Y, area.Dx(), area.Dy()); err != nil {
			return false, apperrors.Wrap(apperrors.CategoryDecode, "vips.decode.region", err)
		}
	}
	return true, nil
}

// ─── Encoder ──────────────────────────────────────────────────────────────────

func (b *Backend) CanEncode(f core.Format) bool {
	switch f {
	case core.FormatJPEG, core.FormatPNG, core.FormatWebP:
		return true
	}
	return false
}

// Encode hands the pixels to libvips through a lossless PNG buffer and
// writes the exported bytes to w. The target format is img.Format.
func (b *Backend) Encode(ctx context.Context, img *core.ImageData, opts core.EncodeOptions, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CategoryEncode, "vips.encode", err)
	}
	if img == nil || img.Image == nil {
		return apperrors.New(apperrors.CategoryEncode, "vips.encode", apperrors.ErrEmptyInput)
	}

	staging := utils.AcquireBuffer()
	defer utils.ReleaseBuffer(staging)
	enc := &png.Encoder{CompressionLevel: png.NoCompression}
	if err := enc.Encode(staging, img.Image); err != nil {
		return apperrors.Wrap(apperrors.CategoryEncode, "vips.encode.stage", err)
	}
	ref, err := govips.NewImageFromBuffer(staging.Bytes())
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryEncode, "vips.encode.stage", err)
	}
	defer ref.Close()

	quality := opts.Quality
	if quality <= 0 {
		quality = b.cfg.DefaultQuality
	}

	var out []byte
	switch img.Format {
	case core.FormatJPEG:
		ep := govips.NewJpegExportParams()
		ep.Quality = quality
		ep.StripMetadata = true
		ep.Interlace = opts.Interlaced
		out, _, err = ref.ExportJpeg(ep)
		if err == nil && len(opts.EXIF) > 0 {
			w = &utils.EXIFWriter{W: w, EXIF: opts.EXIF}
		}
	case core.FormatPNG:
		ep := govips.NewPngExportParams()
		ep.StripMetadata = true
		ep.Interlace = opts.Interlaced
		out, _, err = ref.ExportPng(ep)
	case core.FormatWebP:
		ep := govips.NewWebpExportParams()
		ep.Quality = quality
		ep.Lossless = opts.Compression == core.CompressionNone
		ep.StripMetadata = true
		out, _, err = ref.ExportWebp(ep)
	default:
		return apperrors.Unsupported("vips.encode", img.Format)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryEncode, "vips.encode."+string(img.Format), err)
	}
	if _, err := w.Write(out); err != nil {
		return apperrors.Wrap(apperrors.CategoryEncode, "vips.encode.write", err)
	}
	return nil
}

// ─── RegisterBackend ──────────────────────────────────────────────────────────

// RegisterBackend replaces the pure-Go codecs with libvips for every format
// it handles.
func RegisterBackend(reg core.Registry, b *Backend) {
	for _, f := range []core.Format{core.FormatJPEG, core.FormatPNG, core.FormatWebP,
		core.FormatTIFF, core.FormatGIF, core.FormatJP2, core.FormatPDF} {
		if b.CanDecode(f) {
			reg.RegisterDecoder(f, b)
		}
		if b.CanEncode(f) {
			reg.RegisterEncoder(f, b)
		}
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func readAll(ctx context.Context, op string, r io.Reader) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, op, err)
	}
	buf, err := utils.DrainReader(ctx, r, 32*1024)
	if err != nil {
		return nil, apperrors.SourceRead(op, err)
	}
	defer utils.ReleaseBuffer(buf)
	if buf.Len() == 0 {
		return nil, apperrors.SourceRead(op, apperrors.ErrEmptyInput)
	}
	return bytes.Clone(buf.Bytes()), nil
}

func vipsFormatToCore(f govips.ImageType) core.Format {
	switch f {
	case govips.ImageTypeJPEG:
		return core.FormatJPEG
	case govips.ImageTypePNG:
		return core.FormatPNG
	case govips.ImageTypeWEBP:
		return core.FormatWebP
	case govips.ImageTypeTIFF:
		return core.FormatTIFF
	case govips.ImageTypeGIF:
		return core.FormatGIF
	case govips.ImageTypePDF:
		return core.FormatPDF
	case govips.ImageTypeJP2K:
		return core.FormatJP2
	default:
		return core.FormatUnknown
	}
}

func vipsInterpretationToColorSpace(i govips.Interpretation) core.ColorSpace {
	switch i {
	case govips.InterpretationSRGB, govips.InterpretationRGB16:
		return core.ColorSpaceRGB
	case govips.InterpretationBW:
		return core.ColorSpaceGray
	case govips.InterpretationCMYK:
		return core.ColorSpaceCMYK
	default:
		return core.ColorSpaceRGB
	}
}

// compile-time interface checks
var _ core.Decoder = (*Backend)(nil)
var _ core.Encoder = (*Backend)(nil)
