// Package storage provides core.Resolver implementations over a local
// directory and an object store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
)

// Local resolves identifiers to files below a root directory. An identifier
// is a slash-separated path relative to the root.
type Local struct {
	rootDir string
}

var _ core.Resolver = (*Local)(nil)

// NewLocal creates a Local resolver rooted at dir, which must exist.
func NewLocal(dir string) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("local storage: %w", err)
	}
	st, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("local storage: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("local storage: %s is not a directory", abs)
	}
	return &Local{rootDir: abs}, nil
}

func (l *Local) absPath(id core.Identifier) (string, bool) {
	rel := filepath.FromSlash(string(id))
	if !filepath.IsLocal(rel) {
		return "", false
	}
	return filepath.Join(l.rootDir, rel), true
}

// Resolve returns a FileSource for id. Identifiers escaping the root are
// denied; missing or non-regular files are not found.
func (l *Local) Resolve(ctx context.Context, id core.Identifier) (core.Source, error) {
	const op = "local.resolve"
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, ok := l.absPath(id)
	if !ok {
		return nil, apperrors.New(apperrors.CategorySource, op, fmt.Errorf("%w: %q", apperrors.ErrAccessDenied, id))
	}
	st, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, apperrors.New(apperrors.CategorySource, op, fmt.Errorf("%w: %q", apperrors.ErrNotFound, id))
	case errors.Is(err, fs.ErrPermission):
		return nil, apperrors.New(apperrors.CategorySource, op, fmt.Errorf("%w: %q", apperrors.ErrAccessDenied, id))
	case err != nil:
		return nil, apperrors.SourceRead(op, err)
	case !st.Mode().IsRegular():
		return nil, apperrors.New(apperrors.CategorySource, op, fmt.Errorf("%w: %q is not a file", apperrors.ErrNotFound, id))
	}
	return &core.FileSource{ID: id, Fmt: core.FormatFromExtension(filepath.Ext(path)), Path: path}, nil
}
