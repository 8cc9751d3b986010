package delegate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/groupcache/lru"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
	"github.com/Skryldev/derivcache/operation"
	"github.com/Skryldev/derivcache/utils"
)

// OverlayStrategy chooses where the overlay definition comes from.
type OverlayStrategy string

const (
	// OverlayBasic applies OverlayService.Basic to every request.
	OverlayBasic OverlayStrategy = "basic"
	// OverlayDelegate asks the delegate's "overlay" method per request.
	OverlayDelegate OverlayStrategy = "delegate"
)

// OverlaySpec describes an overlay before its image is loaded. Exactly one
// of Image and Text is set.
type OverlaySpec struct {
	Image      string `koanf:"image"`
	Text       string `koanf:"string"`
	Position   string `koanf:"position"`
	Inset      int    `koanf:"inset"`
	Color      string `koanf:"color"`
	Background string `koanf:"background_color"`
}

// ImageLoader fetches and decodes an overlay image from a location.
type ImageLoader func(ctx context.Context, location string) (image.Image, error)

const overlayCacheSize = 32

// OverlayService produces at most one overlay operation per request. Loaded
// overlay images are kept in a small LRU keyed by location.
type OverlayService struct {
	Enabled  bool
	Strategy OverlayStrategy
	Proxy    Proxy
	Basic    OverlaySpec
	// MinSize suppresses the overlay on outputs smaller than it.
	MinSize core.Size
	// Loader defaults to FileLoader over Registry.
	Loader   ImageLoader
	Registry core.Registry

	once   sync.Once
	mu     sync.Mutex
	images *lru.Cache
}

// Overlay returns the overlay operation for req, or nil when none applies.
func (s *OverlayService) Overlay(ctx context.Context, req Request) (operation.Operation, error) {
	const op = "delegate.overlay"
	if s == nil || !s.Enabled {
		return nil, nil
	}
	var spec OverlaySpec
	switch s.Strategy {
	case OverlayBasic, "":
		spec = s.Basic
	case OverlayDelegate:
		if s.Proxy == nil {
			return nil, nil
		}
		result, err := s.Proxy.Invoke(ctx, MethodOverlay, req)
		if errors.Is(err, ErrNoSuchMethod) {
			return nil, nil
		}
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CategoryPipeline, op, err)
		}
		if absent(result) {
			return nil, nil
		}
		var ok bool
		if spec, ok = specFromResult(result); !ok {
			return nil, apperrors.New(apperrors.CategoryInput, op, fmt.Errorf("unexpected result %T", result))
		}
	default:
		return nil, apperrors.New(apperrors.CategoryConfig, op, fmt.Errorf("unknown strategy %q", s.Strategy))
	}
	return s.build(ctx, op, spec)
}

func specFromResult(result any) (OverlaySpec, bool) {
	switch r := result.(type) {
	case OverlaySpec:
		return r, true
	case *OverlaySpec:
		if r == nil {
			return OverlaySpec{}, false
		}
		return *r, true
	case map[string]any:
		spec := OverlaySpec{}
		spec.Image, _ = r["image"].(string)
		spec.Text, _ = r["string"].(string)
		spec.Position, _ = r["position"].(string)
		spec.Color, _ = r["color"].(string)
		spec.Background, _ = r["background_color"].(string)
		spec.Inset, _ = intValue(r["inset"])
		return spec, true
	}
	return OverlaySpec{}, false
}

func (s *OverlayService) build(ctx context.Context, op string, spec OverlaySpec) (operation.Operation, error) {
	pos := operation.Center
	if spec.Position != "" {
		p, ok := operation.ParsePosition(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(spec.Position)), " ", "-"))
		if !ok {
			return nil, apperrors.New(apperrors.CategoryInput, op, fmt.Errorf("unknown position %q", spec.Position))
		}
		pos = p
	}
	inset := max(spec.Inset, 0)

	switch {
	case spec.Image != "":
		img, err := s.load(ctx, spec.Image)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CategorySource, op, err)
		}
		return operation.ImageOverlay{
			Name: spec.Image, Image: img, Position: pos, Inset: inset, MinSize: s.MinSize,
		}, nil
	case spec.Text != "":
		fg, err := ParseColor(spec.Color)
		if err != nil {
			return nil, apperrors.New(apperrors.CategoryInput, op, err)
		}
		var bg color.RGBA
		if spec.Background != "" {
			if bg, err = ParseColor(spec.Background); err != nil {
				return nil, apperrors.New(apperrors.CategoryInput, op, err)
			}
		}
		return operation.StringOverlay{
			Text: spec.Text, Color: fg, Background: bg, Position: pos, Inset: inset, MinSize: s.MinSize,
		}, nil
	}
	return nil, nil
}

func (s *OverlayService) load(ctx context.Context, location string) (image.Image, error) {
	s.once.Do(func() { s.images = lru.New(overlayCacheSize) })

	s.mu.Lock()
	if v, ok := s.images.Get(location); ok {
		s.mu.Unlock()
		return v.(image.Image), nil
	}
	s.mu.Unlock()

	loader := s.Loader
	if loader == nil {
		loader = FileLoader(s.Registry)
	}
	img, err := loader(ctx, location)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.images.Add(location, img)
	s.mu.Unlock()
	return img, nil
}

// FileLoader loads overlay images from local paths or file:// URIs, decoding
// them with reg.
func FileLoader(reg core.Registry) ImageLoader {
	return func(ctx context.Context, location string) (image.Image, error) {
		if reg == nil {
			return nil, errors.New("no decoder registry")
		}
		data, err := os.ReadFile(strings.TrimPrefix(location, "file://"))
		if err != nil {
			return nil, err
		}
		format := utils.DetectFormat(data)
		dec, ok := reg.DecoderFor(format)
		if !ok {
			return nil, apperrors.Unsupported("delegate.overlay", location)
		}
		out, err := dec.Decode(ctx, bytes.NewReader(data), core.DecodeHints{})
		if err != nil {
			return nil, err
		}
		return out.Image, nil
	}
}

// ── Colours ───────────────────────────────────────────────────────────────────

var namedColors = map[string]color.RGBA{
	"black":       {A: 255},
	"white":       {R: 255, G: 255, B: 255, A: 255},
	"red":         {R: 255, A: 255},
	"green":       {G: 128, A: 255},
	"lime":        {G: 255, A: 255},
	"blue":        {B: 255, A: 255},
	"yellow":      {R: 255, G: 255, A: 255},
	"gray":        {R: 128, G: 128, B: 128, A: 255},
	"grey":        {R: 128, G: 128, B: 128, A: 255},
	"silver":      {R: 192, G: 192, B: 192, A: 255},
	"orange":      {R: 255, G: 165, A: 255},
	"transparent": {},
}

// ParseColor accepts CSS names and #rgb, #rrggbb or #rrggbbaa. An empty
// string is opaque black.
func ParseColor(s string) (color.RGBA, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return color.RGBA{A: 255}, nil
	}
	if c, ok := namedColors[s]; ok {
		return c, nil
	}
	hex, ok := strings.CutPrefix(s, "#")
	if !ok {
		return color.RGBA{}, fmt.Errorf("unknown colour %q", s)
	}
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) == 6 {
		hex += "ff"
	}
	if len(hex) != 8 {
		return color.RGBA{}, fmt.Errorf("bad colour %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("bad colour %q", s)
	}
	c := color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}
	return color.RGBAModel.Convert(c).(color.RGBA), nil
}
