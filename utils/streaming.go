package utils

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
)

// bufPool reuses byte buffers to reduce GC pressure.
var bufPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

// AcquireBuffer returns a reset buffer from the pool.
func AcquireBuffer() *bytes.Buffer {
	b := bufPool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// ReleaseBuffer returns b to the pool.  Callers must not use b after this call.
func ReleaseBuffer(b *bytes.Buffer) {
	// Cap large buffers to avoid pinning excessive memory.
	if b.Cap() > 8*1024*1024 {
		return
	}
	bufPool.Put(b)
}

// DrainReader reads all bytes from r into a pooled buffer and returns them.
// The caller owns the returned slice; pass the buffer back with ReleaseBuffer.
func DrainReader(ctx context.Context, r io.Reader, chunkSize int) (*bytes.Buffer, error) {
	if chunkSize <= 0 {
		chunkSize = 32 * 1024
	}
	buf := AcquireBuffer()
	chunk := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			ReleaseBuffer(buf)
			return nil, err
		}
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			ReleaseBuffer(buf)
			return nil, err
		}
	}
	return buf, nil
}

// ReadAll drains r into a fresh slice, honouring ctx and limit (0 = none).
func ReadAll(ctx context.Context, r io.Reader, limit int64, chunkSize int) ([]byte, error) {
	if limit > 0 {
		r = &LimitedReader{R: r, Max: limit}
	}
	buf, err := DrainReader(ctx, r, chunkSize)
	if err != nil {
		return nil, err
	}
	out := CloneBytes(buf.Bytes())
	ReleaseBuffer(buf)
	return out, nil
}

// ErrTooLarge is returned by LimitedReader once Max bytes have been read and
// more remain.
var ErrTooLarge = errors.New("utils: input exceeds size limit")

// LimitedReader wraps r and returns an error when more than max bytes are read.
type LimitedReader struct {
	R   io.Reader
	Max int64
	n   int64
}

func (l *LimitedReader) Read(p []byte) (int, error) {
	if l.n >= l.Max && l.Max > 0 {
		var probe [1]byte
		if n, err := l.R.Read(probe[:]); n == 0 && err == io.EOF {
			return 0, io.EOF
		}
		return 0, ErrTooLarge
	}
	if l.Max > 0 {
		remain := l.Max - l.n
		if int64(len(p)) > remain {
			p = p[:remain]
		}
	}
	n, err := l.R.Read(p)
	l.n += int64(n)
	return n, err
}

// ── Tee ───────────────────────────────────────────────────────────────────────

// TeeWriter duplicates every write to Primary and Secondary. A Primary
// failure (the client went away) fails the write. A Secondary failure only
// detaches the secondary so the client stream continues; Err reports it.
type TeeWriter struct {
	Ctx       context.Context //nolint:containedctx // checked per write
	Primary   io.Writer
	Secondary io.Writer

	secondaryErr error
	written      int64
}

func (t *TeeWriter) Write(p []byte) (int, error) {
	if t.Ctx != nil {
		if err := t.Ctx.Err(); err != nil {
			return 0, err
		}
	}
	n, err := t.Primary.Write(p)
	t.written += int64(n)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	if t.Secondary != nil && t.secondaryErr == nil {
		if _, err := t.Secondary.Write(p); err != nil {
			t.secondaryErr = err
		}
	}
	return n, nil
}

// Err is the first secondary write failure, if any.
func (t *TeeWriter) Err() error { return t.secondaryErr }

// Written is the number of bytes delivered to Primary.
func (t *TeeWriter) Written() int64 { return t.written }

// CountingWriter counts bytes passed through to W.
type CountingWriter struct {
	W io.Writer
	N int64
}

func (c *CountingWriter) Write(p []byte) (int, error) {
	n, err := c.W.Write(p)
	c.N += int64(n)
	return n, err
}
