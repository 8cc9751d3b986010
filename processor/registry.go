package processor

import (
	"sort"
	"sync"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
	"github.com/Skryldev/derivcache/operation"
)

// Registry selects the processor for a source format. Formats may be
// assigned to a named processor; everything else goes to the fallback.
// Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
	assigned   map[core.Format]string
	fallback   string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		processors: make(map[string]Processor),
		assigned:   make(map[core.Format]string),
	}
}

// Register adds p under its name. The first processor registered becomes
// the fallback until SetFallback says otherwise.
func (r *Registry) Register(p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[p.Name()] = p
	if r.fallback == "" {
		r.fallback = p.Name()
	}
}

// Assign routes sources of format to the processor called name.
func (r *Registry) Assign(format core.Format, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.processors[name]; !ok {
		return apperrors.New(apperrors.CategoryConfig, "processor.assign", apperrors.ErrNotFound)
	}
	r.assigned[format] = name
	return nil
}

// SetFallback names the processor used for unassigned formats and when the
// assigned one cannot serve a list.
func (r *Registry) SetFallback(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.processors[name]; !ok {
		return apperrors.New(apperrors.CategoryConfig, "processor.fallback", apperrors.ErrNotFound)
	}
	r.fallback = name
	return nil
}

// Names lists registered processors, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.processors))
	for name := range r.processors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// For returns the processor assigned to format, or the fallback.
func (r *Registry) For(format core.Format) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name, ok := r.assigned[format]; ok {
		return r.processors[name], nil
	}
	if p, ok := r.processors[r.fallback]; ok {
		return p, nil
	}
	return nil, apperrors.Unsupported("processor", format)
}

// ForList is For, except that when the selected processor cannot produce
// list's output from format the fallback is tried instead.
func (r *Registry) ForList(format core.Format, list *operation.List) (Processor, error) {
	p, err := r.For(format)
	if err != nil {
		return nil, err
	}
	if Supports(p, format, list) {
		return p, nil
	}
	r.mu.RLock()
	fb, ok := r.processors[r.fallback]
	r.mu.RUnlock()
	if ok && fb != p && Supports(fb, format, list) {
		return fb, nil
	}
	return nil, apperrors.Unsupported("processor", list.OutputFormat())
}
