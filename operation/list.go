package operation

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
)

// List is a frozen, ordered transformation chain for one source. It has no
// mutating methods and is safe to share between goroutines.
type List struct {
	identifier core.Identifier
	ops        []Operation
	options    map[string]string
	encode     Encode
	key        string
}

// Identifier is the source the list applies to.
func (l *List) Identifier() core.Identifier { return l.identifier }

// Operations returns a copy of the operations in application order. The
// final element is always the Encode.
func (l *List) Operations() []Operation {
	out := make([]Operation, len(l.ops))
	copy(out, l.ops)
	return out
}

// Options returns a copy of the client options.
func (l *List) Options() map[string]string {
	out := make(map[string]string, len(l.options))
	for k, v := range l.options {
		out[k] = v
	}
	return out
}

// Option returns a single client option.
func (l *List) Option(key string) (string, bool) {
	v, ok := l.options[key]
	return v, ok
}

// Encode returns the list's Encode operation.
func (l *List) Encode() Encode { return l.encode }

// OutputFormat is the format the list encodes to.
func (l *List) OutputFormat() core.Format { return l.encode.Format }

// Key is the canonical cache key. Lists that produce identical output share
// a key regardless of option order or no-op operations.
func (l *List) Key() string { return l.key }

func (l *List) String() string { return l.key }

// First returns the first operation of type T in l.
func First[T Operation](l *List) (T, bool) {
	for _, op := range l.ops {
		if t, ok := op.(T); ok {
			return t, true
		}
	}
	var zero T
	return zero, false
}

// Contains reports whether l holds an operation of type T.
func Contains[T Operation](l *List) bool {
	_, ok := First[T](l)
	return ok
}

// HasEffect reports whether processing could change the source: true when
// the output format differs from source or any operation has an effect. full
// may be empty when the source size is not known yet.
func (l *List) HasEffect(full core.Size, source core.Format) bool {
	if l.encode.Format != source {
		return true
	}
	for _, op := range l.ops {
		if _, ok := op.(Encode); ok {
			continue
		}
		if HasEffectIn(op, full, l) {
			return true
		}
	}
	return false
}

// ResultingSize threads full through every operation in order.
func (l *List) ResultingSize(full core.Size) core.Size {
	size := full
	for _, op := range l.ops {
		size = ResultingSize(op, size)
	}
	return size
}

// sizeBefore is the size entering the first operation equal to target.
func (l *List) sizeBefore(target Scale, full core.Size) core.Size {
	size := full
	for _, op := range l.ops {
		if s, ok := op.(Scale); ok && s == target {
			return size
		}
		size = ResultingSize(op, size)
	}
	return size
}

// Validate checks every operation against the size entering it, starting
// from the source's full size.
func (l *List) Validate(full core.Size) error {
	if full.IsEmpty() {
		return apperrors.Validation("list", "source size %s is empty", full)
	}
	size := full
	for _, op := range l.ops {
		if err := Validate(op, size); err != nil {
			return err
		}
		size = ResultingSize(op, size)
	}
	return nil
}

// ── Builder ───────────────────────────────────────────────────────────────────

// Builder assembles a List. It is safe for concurrent use. After Build
// every mutating call fails with an immutable-state error.
type Builder struct {
	mu         sync.Mutex
	identifier core.Identifier
	ops        []Operation
	options    map[string]string
	built      *List
}

// NewBuilder starts a list for identifier.
func NewBuilder(identifier core.Identifier) *Builder {
	return &Builder{identifier: identifier, options: make(map[string]string)}
}

// Add appends operations in application order.
func (b *Builder) Add(ops ...Operation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.built != nil {
		return apperrors.ImmutableState("builder.add")
	}
	for _, op := range ops {
		if op == nil {
			continue
		}
		b.ops = append(b.ops, op)
	}
	return nil
}

// SetOption records a client option.
func (b *Builder) SetOption(key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.built != nil {
		return apperrors.ImmutableState("builder.set_option")
	}
	b.options[key] = value
	return nil
}

// Build freezes the builder and returns the List. The single Encode is moved
// to the end. Calling Build again returns the same List.
func (b *Builder) Build() (*List, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.built != nil {
		return b.built, nil
	}

	var (
		encodes []Encode
		ops     = make([]Operation, 0, len(b.ops))
	)
	for _, op := range b.ops {
		if e, ok := op.(Encode); ok {
			encodes = append(encodes, e)
			continue
		}
		ops = append(ops, op)
	}
	switch len(encodes) {
	case 0:
		return nil, apperrors.Validation("encode", "a list needs exactly one encode operation")
	case 1:
	default:
		return nil, apperrors.Validation("encode", "a list needs exactly one encode operation, got %d", len(encodes))
	}
	if err := Validate(encodes[0], core.Size{}); err != nil {
		return nil, err
	}
	ops = append(ops, encodes[0])

	options := make(map[string]string, len(b.options))
	for k, v := range b.options {
		options[k] = v
	}
	l := &List{
		identifier: b.identifier,
		ops:        ops,
		options:    options,
		encode:     encodes[0],
	}
	l.key = canonicalKey(l)
	b.built = l
	return l, nil
}

// canonicalKey serialises the identifier, every effective operation, the
// sorted options and the output extension.
func canonicalKey(l *List) string {
	parts := []string{string(l.identifier)}
	for _, op := range l.ops {
		if _, ok := op.(Encode); ok {
			continue
		}
		if HasEffect(op) {
			parts = append(parts, Canonical(op))
		}
	}
	if enc := Canonical(l.encode); enc != "" {
		parts = append(parts, enc)
	}
	keys := make([]string, 0, len(l.options))
	for k := range l.options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%s", k, l.options[k]))
	}
	return strings.Join(parts, "_") + "." + l.encode.Format.Extension()
}
