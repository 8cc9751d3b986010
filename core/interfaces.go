package core

import (
	"bytes"
	"context"
	"image"
	"io"
	"os"
)

// DecodeHints tell a decoder how much of the source the caller needs.
type DecodeHints struct {
	// ReductionFactor requests decoding at 1/2^rf of full resolution. The
	// decoder may apply less and reports what it applied.
	ReductionFactor int
	// Region is the full-resolution area the caller will crop to. Empty
	// means the whole image is needed.
	Region image.Rectangle
	// Page selects a frame of multi-page sources.
	Page int
}

// Decoder converts a reader into an in-memory ImageData.
// Implementations live in adapters/decoder/ and adapters/vips/.
type Decoder interface {
	CanDecode(format Format) bool
	// MaxReductionFactor is the deepest reduction the decoder can apply
	// while reading format; 0 when it always decodes at full resolution.
	MaxReductionFactor(format Format) int
	// ReadInfo reads dimensions and structure without decoding pixels
	// where the format allows it.
	ReadInfo(ctx context.Context, r io.Reader) (Info, error)
	Decode(ctx context.Context, r io.Reader, hints DecodeHints) (*ImageData, error)
}

// Encoder serialises an ImageData in a target format straight to w.
// Implementations live in adapters/encoder/ and adapters/vips/.
type Encoder interface {
	Encode(ctx context.Context, img *ImageData, opts EncodeOptions, w io.Writer) error
	CanEncode(format Format) bool
}

// EncodeOptions carries format-specific encoding parameters.
type EncodeOptions struct {
	Quality     int  // 1-100; 0 = use encoder default
	Interlaced  bool // progressive JPEG / interlaced PNG
	Compression Compression
	// EXIF is copied into the output when the encoder can carry it.
	EXIF []byte
}

// MetricsCollector receives performance observations.
type MetricsCollector interface {
	RecordProcessingTime(stepName string, d interface{ Seconds() float64 })
	RecordThroughput(bytes int64)
	RecordMemory(bytes int64)
	RecordError(stepName string, category string)
	// RecordCacheAccess counts a cache lookup; result is hit, miss or error.
	RecordCacheAccess(cache string, result string)
}

// Logger is a minimal structured logging interface.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}

// Registry maps Format values to Decoder/Encoder implementations.
type Registry interface {
	DecoderFor(format Format) (Decoder, bool)
	EncoderFor(format Format) (Encoder, bool)
	RegisterDecoder(format Format, d Decoder)
	RegisterEncoder(format Format, e Encoder)
	EncodableFormats() []Format
}

// ── Sources ───────────────────────────────────────────────────────────────────

// Source is a readable source image as handed out by a Resolver.
type Source interface {
	Identifier() Identifier
	Format() Format
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Stageable is implemented by sources that are expensive to re-read, such as
// remote objects. Their bytes are staged in the source cache when enabled.
type Stageable interface {
	Remote() bool
}

// Resolver locates the source for an identifier. Implementations must return
// errors wrapping errors.ErrNotFound / errors.ErrAccessDenied for those cases.
type Resolver interface {
	Resolve(ctx context.Context, id Identifier) (Source, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, id Identifier) (Source, error)

func (f ResolverFunc) Resolve(ctx context.Context, id Identifier) (Source, error) { return f(ctx, id) }

// BytesSource serves an in-memory source.
type BytesSource struct {
	ID       Identifier
	Fmt      Format
	Data     []byte
	IsRemote bool
}

func (s *BytesSource) Identifier() Identifier { return s.ID }
func (s *BytesSource) Format() Format         { return s.Fmt }
func (s *BytesSource) Remote() bool           { return s.IsRemote }

func (s *BytesSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(s.Data)), nil
}

// FileSource serves a source from the local filesystem.
type FileSource struct {
	ID   Identifier
	Fmt  Format
	Path string
}

func (s *FileSource) Identifier() Identifier { return s.ID }
func (s *FileSource) Format() Format         { return s.Fmt }

func (s *FileSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.Open(s.Path)
}
