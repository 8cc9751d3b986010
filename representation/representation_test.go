package representation_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Skryldev/derivcache/cache"
	"github.com/Skryldev/derivcache/core"
	"github.com/Skryldev/derivcache/operation"
	"github.com/Skryldev/derivcache/processor"
	"github.com/Skryldev/derivcache/representation"
)

// ── Test helpers ──────────────────────────────────────────────────────────────

// stubProcessor writes chunks to w, optionally waiting on gate first.
type stubProcessor struct {
	chunks [][]byte
	gate   chan struct{}
	calls  atomic.Int32
	err    error
}

func (p *stubProcessor) Name() string { return "stub" }
func (p *stubProcessor) AvailableOutputFormats(core.Format) []core.Format { return []core.Format{core.FormatPNG} }
func (p *stubProcessor) SupportedFeatures() []processor.Feature { return nil }
func (p *stubProcessor) SupportedQualities() []processor.Quality { return nil }
func (p *stubProcessor) ReadInfo(context.Context, core.Source) (core.Info, error) {
	return core.Info{}, nil
}
func (p *stubProcessor) Validate(*operation.List, core.Info) error { return nil }

func (p *stubProcessor) Process(ctx context.Context, _ *operation.List, _ core.Info, _ core.Source, w io.Writer) error {
	p.calls.Add(1)
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, c := range p.chunks {
		if _, err := w.Write(c); err != nil {
			return err
		}
	}
	return p.err
}

func pngSource(t *testing.T) *core.BytesSource {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 20, 10))); err != nil {
		t.Fatal(err)
	}
	return &core.BytesSource{ID: "cats", Fmt: core.FormatPNG, Data: buf.Bytes()}
}

func list(t *testing.T, ops ...operation.Operation) *operation.List {
	t.Helper()
	b := operation.NewBuilder("cats")
	if err := b.Add(append(ops, operation.Encode{Format: core.FormatPNG})...); err != nil {
		t.Fatal(err)
	}
	l, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func heap(t *testing.T) *cache.HeapCache {
	t.Helper()
	c, err := cache.NewHeap(cache.HeapConfig{})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func cached(t *testing.T, c cache.DerivativeCache, l *operation.List) ([]byte, bool) {
	t.Helper()
	rc, ok, err := c.Derivative(context.Background(), l)
	if err != nil || !ok {
		return nil, false
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	return data, true
}

var info = core.Info{Identifier: "cats", Width: 20, Height: 10, NumResolutions: 1, NumPages: 1, Format: core.FormatPNG}

// disconnectingWriter accepts limit bytes, then fails like a closed socket.
type disconnectingWriter struct {
	limit int
	buf   bytes.Buffer
}

func (w *disconnectingWriter) Write(p []byte) (int, error) {
	if w.buf.Len()+len(p) > w.limit {
		return 0, errors.New("broken pipe")
	}
	return w.buf.Write(p)
}

// ── Write-through ─────────────────────────────────────────────────────────────

func TestMissWritesThroughThenHits(t *testing.T) {
	c := heap(t)
	proc := &stubProcessor{chunks: [][]byte{[]byte("derivative-"), []byte("bytes")}}
	l := list(t, operation.NewScalePercent(0.5))
	rep := &representation.ImageRepresentation{Info: info, List: l, Source: pngSource(t), Processor: proc, Cache: c}

	var first bytes.Buffer
	if err := rep.Write(context.Background(), &first); err != nil {
		t.Fatal(err)
	}
	if got, ok := cached(t, c, l); !ok || string(got) != "derivative-bytes" {
		t.Fatalf("cache holds %q, %v", got, ok)
	}

	var second bytes.Buffer
	if err := rep.Write(context.Background(), &second); err != nil {
		t.Fatal(err)
	}
	if second.String() != first.String() {
		t.Fatalf("hit returned %q, want %q", second.String(), first.String())
	}
	if n := proc.calls.Load(); n != 1 {
		t.Fatalf("processor ran %d times, want 1", n)
	}
}

func TestNoOpListPassesSourceThrough(t *testing.T) {
	c := heap(t)
	src := pngSource(t)
	proc := &stubProcessor{}
	l := list(t) // full region, full size, PNG to PNG
	rep := &representation.ImageRepresentation{Info: info, List: l, Source: src, Processor: proc, Cache: c}

	var out bytes.Buffer
	if err := rep.Write(context.Background(), &out); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out.Bytes(), src.Data) {
		t.Fatal("passthrough output differs from source")
	}
	if proc.calls.Load() != 0 {
		t.Fatal("processor invoked for a no-op list")
	}
	if got, ok := cached(t, c, l); !ok || !bytes.Equal(got, src.Data) {
		t.Fatal("passthrough bytes not written through")
	}
}

func TestClientDisconnectPurgesPartialEntry(t *testing.T) {
	c := heap(t)
	proc := &stubProcessor{chunks: [][]byte{[]byte("aaaa"), []byte("bbbb"), []byte("cccc")}}
	l := list(t, operation.NewScalePercent(0.5))
	rep := &representation.ImageRepresentation{Info: info, List: l, Source: pngSource(t), Processor: proc, Cache: c}

	client := &disconnectingWriter{limit: 6}
	if err := rep.Write(context.Background(), client); err == nil {
		t.Fatal("disconnect not surfaced")
	}
	if client.buf.Len() == 0 {
		t.Fatal("test needs a partial write before the failure")
	}
	if _, ok := cached(t, c, l); ok {
		t.Fatal("partial derivative present in cache")
	}
}

func TestCancelledContextPurges(t *testing.T) {
	c := heap(t)
	gate := make(chan struct{})
	proc := &stubProcessor{chunks: [][]byte{[]byte("x")}, gate: gate}
	l := list(t, operation.NewScalePercent(0.5))
	rep := &representation.ImageRepresentation{Info: info, List: l, Source: pngSource(t), Processor: proc, Cache: c}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- rep.Write(ctx, io.Discard) }()
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("write hung after cancellation")
	}
	if _, ok := cached(t, c, l); ok {
		t.Fatal("entry committed for a cancelled request")
	}
}

func TestProcessorErrorSurfaces(t *testing.T) {
	c := heap(t)
	boom := errors.New("decode failed")
	proc := &stubProcessor{chunks: [][]byte{[]byte("half")}, err: boom}
	l := list(t, operation.NewScalePercent(0.5))
	rep := &representation.ImageRepresentation{Info: info, List: l, Source: pngSource(t), Processor: proc, Cache: c}

	if err := rep.Write(context.Background(), io.Discard); !errors.Is(err, boom) {
		t.Fatalf("got %v, want processor error", err)
	}
	if _, ok := cached(t, c, l); ok {
		t.Fatal("entry committed after processor failure")
	}
}

// brokenCache accepts writer creation but every write fails.
type brokenCache struct{ *cache.HeapCache }

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }
func (brokenWriter) Commit() error             { return errors.New("disk full") }
func (brokenWriter) Abort() error              { return nil }
func (brokenWriter) Close() error              { return nil }

func (brokenCache) NewDerivativeWriter(context.Context, *operation.List) (cache.Writer, error) {
	return brokenWriter{}, nil
}

func TestCacheFailureDoesNotFailClient(t *testing.T) {
	proc := &stubProcessor{chunks: [][]byte{[]byte("derivative")}}
	l := list(t, operation.NewScalePercent(0.5))
	rep := &representation.ImageRepresentation{
		Info: info, List: l, Source: pngSource(t), Processor: proc, Cache: brokenCache{heap(t)},
	}
	var out bytes.Buffer
	if err := rep.Write(context.Background(), &out); err != nil {
		t.Fatalf("cache failure reached the client: %v", err)
	}
	if out.String() != "derivative" {
		t.Fatalf("client got %q", out.String())
	}
}

// truncatedCache serves hits whose bodies fail after a few bytes.
type truncatedCache struct {
	*cache.HeapCache
	purged atomic.Int32
}

type failingReader struct{ served bool }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.served {
		return 0, errors.New("short read")
	}
	f.served = true
	return copy(p, "deriv"), nil
}

func (*failingReader) Close() error { return nil }

func (c *truncatedCache) Derivative(context.Context, *operation.List) (io.ReadCloser, bool, error) {
	return &failingReader{}, true, nil
}

func (c *truncatedCache) PurgeDerivative(ctx context.Context, l *operation.List) error {
	c.purged.Add(1)
	return c.HeapCache.PurgeDerivative(ctx, l)
}

type closedClient struct{}

func (closedClient) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestUnreadableHitIsPurged(t *testing.T) {
	c := &truncatedCache{HeapCache: heap(t)}
	proc := &stubProcessor{chunks: [][]byte{[]byte("derivative")}}
	l := list(t, operation.NewScalePercent(0.5))
	rep := &representation.ImageRepresentation{Info: info, List: l, Source: pngSource(t), Processor: proc, Cache: c}

	if err := rep.Write(context.Background(), io.Discard); err == nil {
		t.Fatal("short read from the cache was not reported")
	}
	if got := c.purged.Load(); got != 1 {
		t.Fatalf("purged %d times, want 1", got)
	}
}

func TestClientFailureKeepsHit(t *testing.T) {
	c := &truncatedCache{HeapCache: heap(t)}
	proc := &stubProcessor{chunks: [][]byte{[]byte("derivative")}}
	l := list(t, operation.NewScalePercent(0.5))
	rep := &representation.ImageRepresentation{Info: info, List: l, Source: pngSource(t), Processor: proc, Cache: c}

	if err := rep.Write(context.Background(), closedClient{}); err == nil {
		t.Fatal("client write failure was not reported")
	}
	if got := c.purged.Load(); got != 0 {
		t.Fatalf("entry purged %d times after a client failure", got)
	}
}

func TestBypassSkipsCache(t *testing.T) {
	c := heap(t)
	proc := &stubProcessor{chunks: [][]byte{[]byte("fresh")}}
	l := list(t, operation.NewScalePercent(0.5))
	rep := &representation.ImageRepresentation{Info: info, List: l, Source: pngSource(t), Processor: proc, Cache: c, Bypass: true}
	if err := rep.Write(context.Background(), io.Discard); err != nil {
		t.Fatal(err)
	}
	if _, ok := cached(t, c, l); ok {
		t.Fatal("bypassed request populated the cache")
	}
}

// ── Per-key coordination ──────────────────────────────────────────────────────

func TestConcurrentMissesProcessOnce(t *testing.T) {
	c := heap(t)
	gate := make(chan struct{})
	proc := &stubProcessor{chunks: [][]byte{[]byte("shared")}, gate: gate}
	l := list(t, operation.NewScalePercent(0.5))
	inflight := representation.NewInFlight()
	newRep := func() *representation.ImageRepresentation {
		return &representation.ImageRepresentation{
			Info: info, List: l, Source: pngSource(t), Processor: proc, Cache: c, InFlight: inflight,
		}
	}

	const followers = 4
	outs := make([]bytes.Buffer, followers+1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := newRep().Write(context.Background(), &outs[0]); err != nil {
			t.Error(err)
		}
	}()
	for proc.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	for i := 1; i <= followers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := newRep().Write(context.Background(), &outs[i]); err != nil {
				t.Error(err)
			}
		}(i)
	}
	time.Sleep(100 * time.Millisecond) // let followers park on the in-flight key
	close(gate)
	wg.Wait()

	if n := proc.calls.Load(); n != 1 {
		t.Fatalf("processor ran %d times, want 1", n)
	}
	for i := range outs {
		if outs[i].String() != "shared" {
			t.Errorf("writer %d got %q", i, outs[i].String())
		}
	}
	if inflight.Len() != 0 {
		t.Fatal("in-flight key leaked")
	}
}

func TestInFlightRelease(t *testing.T) {
	inflight := representation.NewInFlight()
	release, _, leader := inflight.Acquire("k")
	if !leader {
		t.Fatal("first acquire must lead")
	}
	defer release()
	_, done, leader := inflight.Acquire("k")
	if leader {
		t.Fatal("second acquire must follow")
	}
	select {
	case <-done:
		t.Fatal("done closed before release")
	default:
	}
	release()
	release() // idempotent
	<-done
}
