package hooks

import "context"

type fieldsKey struct{}

// WithFields returns a context whose LoggingHook output carries kv in
// addition to any fields already attached.
//
//	ctx = hooks.WithFields(ctx, "identifier", id, "key", list.Key())
func WithFields(ctx context.Context, kv ...any) context.Context {
	if len(kv) == 0 {
		return ctx
	}
	prev := Fields(ctx)
	merged := make([]any, 0, len(prev)+len(kv))
	merged = append(append(merged, prev...), kv...)
	return context.WithValue(ctx, fieldsKey{}, merged)
}

// Fields returns the key/value pairs attached by WithFields.
func Fields(ctx context.Context) []any {
	kv, _ := ctx.Value(fieldsKey{}).([]any)
	return kv
}
