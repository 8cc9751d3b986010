package processor

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
	"github.com/Skryldev/derivcache/hooks"
	"github.com/Skryldev/derivcache/operation"
	"github.com/Skryldev/derivcache/pipeline"
	"github.com/Skryldev/derivcache/utils"
)

// PageOption is the list option selecting a page of a multi-page source.
const PageOption = "page"

// sniffLen is how many leading bytes are inspected when a source does not
// declare its format.
const sniffLen = 32

// ImagingConfig configures an Imaging processor.
type ImagingConfig struct {
	// Name identifies the processor in assignments and logs.
	Name string
	// Codecs supplies decoders and encoders.
	Codecs core.Registry
	// Pool bounds concurrent decodes. Nil runs on the caller's goroutine.
	Pool   *core.Pool
	Logger core.Logger
	Hooks  []core.Hook
	// MaxRetries and RetryDelay apply to transient step failures.
	MaxRetries int
	RetryDelay time.Duration
}

// Imaging decodes through its codec registry and applies operations with
// pipeline steps. Safe for concurrent use.
type Imaging struct {
	cfg ImagingConfig
}

// NewImaging returns an Imaging processor.
func NewImaging(cfg ImagingConfig) *Imaging {
	if cfg.Name == "" {
		cfg.Name = "imaging"
	}
	if cfg.Codecs == nil {
		cfg.Codecs = core.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NopLogger{}
	}
	return &Imaging{cfg: cfg}
}

func (p *Imaging) Name() string { return p.cfg.Name }

func (p *Imaging) AvailableOutputFormats(source core.Format) []core.Format {
	if _, ok := p.cfg.Codecs.DecoderFor(source); !ok {
		return nil
	}
	return p.cfg.Codecs.EncodableFormats()
}

func (p *Imaging) SupportedFeatures() []Feature {
	return []Feature{
		FeatureMirroring, FeatureRegionByPercent, FeatureRegionByPixels,
		FeatureRegionSquare, FeatureRotationArbitrary, FeatureRotationBy90s,
		FeatureSizeAboveFull, FeatureSizeByConfinedWH, FeatureSizeByForcedWH,
		FeatureSizeByHeight, FeatureSizeByPercent, FeatureSizeByWidth,
	}
}

func (p *Imaging) SupportedQualities() []Quality {
	return []Quality{QualityDefault, QualityColor, QualityGray, QualityBitonal}
}

func (p *Imaging) ReadInfo(ctx context.Context, src core.Source) (core.Info, error) {
	r, format, closer, err := open(ctx, src)
	if err != nil {
		return core.Info{}, err
	}
	defer closer.Close()

	dec, ok := p.cfg.Codecs.DecoderFor(format)
	if !ok {
		return core.Info{}, apperrors.Unsupported("info", format)
	}
	info, err := dec.ReadInfo(ctx, r)
	if err != nil {
		return core.Info{}, err
	}
	info.Identifier = src.Identifier()
	if info.Format == "" || info.Format == core.FormatUnknown {
		info.Format = format
	}
	return info, nil
}

func (p *Imaging) Validate(list *operation.List, info core.Info) error {
	if err := list.Validate(info.Size()); err != nil {
		return err
	}
	if _, err := page(list, info); err != nil {
		return err
	}
	if !Supports(p, info.Format, list) {
		return apperrors.Unsupported("encode", list.OutputFormat())
	}
	return nil
}

// page parses and bounds-checks the page option.
func page(list *operation.List, info core.Info) (int, error) {
	v, ok := list.Option(PageOption)
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	pages := max(info.NumPages, 1)
	if err != nil || n < 0 || n >= pages {
		return 0, apperrors.Validation(PageOption, "page %q is not within 0-%d", v, pages-1)
	}
	return n, nil
}

func (p *Imaging) Process(ctx context.Context, list *operation.List, info core.Info, src core.Source, w io.Writer) error {
	if err := p.Validate(list, info); err != nil {
		return err
	}
	if p.cfg.Pool == nil {
		return p.process(ctx, list, info, src, w)
	}
	return p.cfg.Pool.Do(ctx, func(ctx context.Context) error {
		return p.process(ctx, list, info, src, w)
	})
}

func (p *Imaging) process(ctx context.Context, list *operation.List, info core.Info, src core.Source, w io.Writer) error {
	r, format, closer, err := open(ctx, src)
	if err != nil {
		return err
	}
	defer closer.Close()

	dec, ok := p.cfg.Codecs.DecoderFor(format)
	if !ok {
		return apperrors.Unsupported("decode", format)
	}
	full := info.Size()
	ops := effective(list, full)

	hints := core.DecodeHints{ReductionFactor: reductionFactor(ops, full, dec, format, info).Factor}
	hints.Page, _ = page(list, info)
	if len(ops) > 0 && !operation.Contains[operation.Normalize](list) {
		if c, ok := ops[0].(operation.Crop); ok {
			hints.Region = c.Region(full)
		}
	}

	img, err := dec.Decode(ctx, r, hints)
	if err != nil {
		return err
	}

	steps := p.plan(ops, list, full, format, info.Compression, img)
	steps = append(steps, p.finish(list, format, img, w)...)
	pl := pipeline.New().Use(steps...).WithRetry(p.cfg.MaxRetries, p.cfg.RetryDelay)
	for _, h := range p.cfg.Hooks {
		pl.AddHook(h)
	}
	ctx = hooks.WithFields(ctx, "identifier", list.Identifier(), "key", list.Key(), "processor", p.Name())
	_, _, err = pl.Run(ctx, img)
	return err
}

// effective drops operations that would not change the image.
func effective(list *operation.List, full core.Size) []operation.Operation {
	var out []operation.Operation
	for _, op := range list.Operations() {
		if _, ok := op.(operation.Encode); ok {
			continue
		}
		if operation.HasEffectIn(op, full, list) {
			out = append(out, op)
		}
	}
	return out
}

// reductionFactor derives the decode-time reduction from the first Scale,
// bounded by what the decoder and the source's resolution levels offer.
func reductionFactor(ops []operation.Operation, full core.Size, dec core.Decoder, format core.Format, info core.Info) operation.ReductionFactor {
	limit := dec.MaxReductionFactor(format)
	if info.NumResolutions > 0 {
		limit = min(limit, info.NumResolutions-1)
	}
	if limit <= 0 {
		return operation.ReductionFactor{}
	}
	size := full
	for _, op := range ops {
		if s, ok := op.(operation.Scale); ok {
			return operation.ForDecode(s.ResultingScale(size), limit)
		}
		size = operation.ResultingSize(op, size)
	}
	return operation.ReductionFactor{}
}

// plan turns the effective operations into steps. Overlays and redactions
// are held back and applied after every other operation, with redaction
// regions carried through the geometric steps.
func (p *Imaging) plan(ops []operation.Operation, list *operation.List, full core.Size, format core.Format, compression core.Compression, img *core.ImageData) []core.Step {
	var (
		steps      []core.Step
		overlays   []core.Step
		redactions []operation.Redaction
	)
	geo := pipeline.NewGeometry()
	size := full
	for _, op := range ops {
		switch o := op.(type) {
		case operation.Crop:
			steps = append(steps, &pipeline.CropStep{Crop: o, In: size})
			geo.Crop(o.Region(size))
		case operation.Scale:
			target := operation.ResultingSize(o, size)
			steps = append(steps, &pipeline.ScaleStep{Target: target, Choose: p.chooser(target, format, compression)})
			geo.Scale(size, target)
		case operation.Rotate:
			steps = append(steps, &pipeline.RotateStep{Rotate: o})
			geo.Rotate(o, size)
		case operation.Transpose:
			steps = append(steps, &pipeline.TransposeStep{Axis: o.Axis})
			geo.Transpose(o.Axis, size)
		case operation.ColorTransform:
			steps = append(steps, &pipeline.ColorStep{Kind: o.Kind})
		case operation.Sharpen:
			steps = append(steps, &pipeline.SharpenStep{Amount: o.Amount})
		case operation.Normalize:
			steps = append(steps, &pipeline.NormalizeStep{})
		case operation.ImageOverlay:
			overlays = append(overlays, &pipeline.ImageOverlayStep{Overlay: o})
		case operation.StringOverlay:
			overlays = append(overlays, &pipeline.StringOverlayStep{Overlay: o})
		case operation.Redaction:
			redactions = append(redactions, o)
		}
		size = operation.ResultingSize(op, size)
	}

	// A reduced decode with no Scale left to absorb it still needs resizing
	// back to logical pixels before the deferred steps use output coordinates.
	if img.ReductionFactor > 0 && !operation.Contains[operation.Scale](list) {
		steps = append(steps, &pipeline.ScaleStep{Target: size})
	}
	for _, r := range redactions {
		steps = append(steps, &pipeline.RedactionStep{Region: geo.MapRect(r.Region)})
	}
	return append(steps, overlays...)
}

func (p *Imaging) chooser(target core.Size, format core.Format, compression core.Compression) func(core.Size) xdraw.Interpolator {
	return func(working core.Size) xdraw.Interpolator {
		s := SelectScaleStrategy(working, target, format, compression)
		if s == NearestNeighbor {
			p.cfg.Logger.Warn("area averaging unavailable for source, using nearest-neighbor",
				"processor", p.cfg.Name, "format", string(format), "compression", string(compression))
		}
		return s.Interpolator()
	}
}

// finish builds the output-side steps: sample depth, flattening and encode.
func (p *Imaging) finish(list *operation.List, source core.Format, img *core.ImageData, w io.Writer) []core.Step {
	enc := list.Encode()
	var steps []core.Step
	// GIF writers quantise on their own.
	if ((enc.MaxSampleSize > 0 && enc.MaxSampleSize <= 8) || enc.Format.MaxSampleSize() <= 8) && enc.Format != core.FormatGIF {
		steps = append(steps, &pipeline.DepthStep{})
	}
	if !enc.Format.SupportsTransparency() {
		steps = append(steps, &pipeline.FlattenStep{Background: enc.BackgroundColor()})
	}
	opts := core.EncodeOptions{
		Quality:     enc.Quality,
		Interlaced:  enc.Interlace,
		Compression: enc.Compression,
	}
	if operation.Contains[operation.MetadataCopy](list) && source == core.FormatJPEG && enc.Format == core.FormatJPEG {
		opts.EXIF = img.Meta.EXIF
	}
	return append(steps, &pipeline.EncodeStep{Registry: p.cfg.Codecs, Format: enc.Format, Options: opts, W: w})
}

// open opens src and resolves its format, sniffing the leading bytes when
// the source does not declare one.
func open(ctx context.Context, src core.Source) (io.Reader, core.Format, io.Closer, error) {
	rc, err := src.Open(ctx)
	if err != nil {
		return nil, "", nil, apperrors.SourceRead("open", err)
	}
	format := src.Format()
	if format != "" && format != core.FormatUnknown {
		return rc, format, rc, nil
	}
	br := bufio.NewReader(rc)
	head, _ := br.Peek(sniffLen)
	return br, utils.DetectFormat(head), rc, nil
}

var _ Processor = (*Imaging)(nil)
