package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/Skryldev/derivcache/cache"
	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
)

// Object resolves identifiers to keys in an object store bucket. Its
// sources report themselves remote, so the engine stages them in the source
// cache when one is enabled.
type Object struct {
	client cache.ObjectClient
	bucket string
	prefix string
}

var _ core.Resolver = (*Object)(nil)

// NewObject creates an Object resolver. client must not be nil.
func NewObject(client cache.ObjectClient, bucket, prefix string) (*Object, error) {
	if client == nil {
		return nil, fmt.Errorf("object storage: client must not be nil")
	}
	return &Object{client: client, bucket: bucket, prefix: prefix}, nil
}

func (o *Object) key(id core.Identifier) string { return o.prefix + string(id) }

// Resolve checks that the object exists and returns a source reading it.
func (o *Object) Resolve(ctx context.Context, id core.Identifier) (core.Source, error) {
	const op = "object.resolve"
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rc, _, err := o.client.GetObject(ctx, o.bucket, o.key(id))
	if err != nil {
		return nil, objectError(op, id, err)
	}
	rc.Close()
	return &objectSource{
		resolver: o,
		id:       id,
		format:   core.FormatFromExtension(path.Ext(o.key(id))),
	}, nil
}

func objectError(op string, id core.Identifier, err error) error {
	if errors.Is(err, cache.ErrObjectNotFound) {
		return apperrors.New(apperrors.CategorySource, op, fmt.Errorf("%w: %q", apperrors.ErrNotFound, id))
	}
	return apperrors.Transient(op, fmt.Errorf("%w: %w", apperrors.ErrStorageUnavailable, err))
}

type objectSource struct {
	resolver *Object
	id       core.Identifier
	format   core.Format
}

func (s *objectSource) Identifier() core.Identifier { return s.id }
func (s *objectSource) Format() core.Format         { return s.format }
func (s *objectSource) Remote() bool                { return true }

func (s *objectSource) Open(ctx context.Context) (io.ReadCloser, error) {
	rc, _, err := s.resolver.client.GetObject(ctx, s.resolver.bucket, s.resolver.key(s.id))
	if err != nil {
		return nil, objectError("object.open", s.id, err)
	}
	return rc, nil
}
