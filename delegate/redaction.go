package delegate

import (
	"context"
	"errors"
	"fmt"
	"image"

	apperrors "github.com/Skryldev/derivcache/errors"
	"github.com/Skryldev/derivcache/operation"
)

// RedactionService asks the delegate which regions of a source must be
// blanked. The "redactions" method returns nil, false, or a list of
// {x, y, width, height} maps in full-size pixel coordinates. Go delegates may
// return []operation.Redaction or []image.Rectangle directly.
type RedactionService struct {
	Proxy   Proxy
	Enabled bool
}

// Redactions returns the operations to append before the list is built.
func (s *RedactionService) Redactions(ctx context.Context, req Request) ([]operation.Redaction, error) {
	const op = "delegate.redactions"
	if s == nil || !s.Enabled || s.Proxy == nil {
		return nil, nil
	}
	result, err := s.Proxy.Invoke(ctx, MethodRedactions, req)
	if errors.Is(err, ErrNoSuchMethod) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryPipeline, op, err)
	}
	return decodeRedactions(op, result)
}

func decodeRedactions(op string, result any) ([]operation.Redaction, error) {
	if absent(result) {
		return nil, nil
	}
	switch r := result.(type) {
	case []operation.Redaction:
		return r, nil
	case []image.Rectangle:
		out := make([]operation.Redaction, 0, len(r))
		for _, rect := range r {
			out = append(out, operation.Redaction{Region: rect.Canon()})
		}
		return out, nil
	}

	defs, ok := mapList(result)
	if !ok {
		return nil, apperrors.New(apperrors.CategoryInput, op, fmt.Errorf("unexpected result %T", result))
	}
	out := make([]operation.Redaction, 0, len(defs))
	for i, def := range defs {
		var v [4]int
		for j, key := range [...]string{"x", "y", "width", "height"} {
			n, ok := intValue(def[key])
			if !ok {
				return nil, apperrors.New(apperrors.CategoryInput, op, fmt.Errorf("redaction %d: bad or missing %q", i, key))
			}
			v[j] = n
		}
		if v[2] <= 0 || v[3] <= 0 {
			continue
		}
		out = append(out, operation.Redaction{Region: image.Rect(v[0], v[1], v[0]+v[2], v[1]+v[3])})
	}
	return out, nil
}
