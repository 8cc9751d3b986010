// Package delegate is the boundary to the external delegate: a synchronous,
// possibly slow method call that decides per-request redactions and overlays.
package delegate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
)

// Method names understood by the services in this package.
const (
	MethodRedactions = "redactions"
	MethodOverlay    = "overlay"
)

// ErrNoSuchMethod is returned by proxies that do not implement a method.
// Services treat it as "nothing to apply".
var ErrNoSuchMethod = errors.New("delegate: no such method")

// Proxy invokes a named delegate method.
type Proxy interface {
	Invoke(ctx context.Context, method string, args ...any) (any, error)
}

// Request is the per-request context handed to every delegate method.
type Request struct {
	Identifier core.Identifier   `json:"identifier"`
	FullSize   core.Size         `json:"full_size"`
	Headers    map[string]string `json:"request_headers,omitempty"`
	ClientIP   string            `json:"client_ip,omitempty"`
	Cookies    map[string]string `json:"cookies,omitempty"`
}

// ── Methods ───────────────────────────────────────────────────────────────────

// Method is a delegate method implemented in Go.
type Method func(ctx context.Context, args ...any) (any, error)

// Methods is an in-process Proxy backed by a method table. It is safe for
// concurrent use once built.
type Methods struct {
	mu    sync.RWMutex
	table map[string]Method
}

var _ Proxy = (*Methods)(nil)

// NewMethods returns a Proxy serving the given table.
func NewMethods(table map[string]Method) *Methods {
	m := &Methods{table: make(map[string]Method, len(table))}
	for name, fn := range table {
		m.table[name] = fn
	}
	return m
}

// Register adds or replaces a method.
func (m *Methods) Register(name string, fn Method) {
	m.mu.Lock()
	m.table[name] = fn
	m.mu.Unlock()
}

func (m *Methods) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	m.mu.RLock()
	fn, ok := m.table[method]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchMethod, method)
	}
	return fn(ctx, args...)
}

// ── HTTP ──────────────────────────────────────────────────────────────────────

// HTTPProxy invokes delegate methods on a remote endpoint by POSTing
// {"method": ..., "args": [...]} and decoding {"result": ...}. A 404 answer
// means the method is not implemented.
type HTTPProxy struct {
	URL    string
	Client *http.Client
}

var _ Proxy = (*HTTPProxy)(nil)

// NewHTTPProxy returns an HTTPProxy whose calls time out after timeout.
func NewHTTPProxy(url string, timeout time.Duration) *HTTPProxy {
	return &HTTPProxy{URL: url, Client: &http.Client{Timeout: timeout}}
}

type httpCall struct {
	Method string `json:"method"`
	Args   []any  `json:"args"`
}

type httpResult struct {
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

func (p *HTTPProxy) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	const op = "delegate.http"
	body, err := json.Marshal(httpCall{Method: method, Args: args})
	if err != nil {
		return nil, apperrors.New(apperrors.CategoryInput, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.New(apperrors.CategoryConfig, op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, apperrors.Transient(op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNoSuchMethod, method)
	case resp.StatusCode >= 500:
		return nil, apperrors.Transient(op, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, apperrors.New(apperrors.CategoryInput, op, fmt.Errorf("status %d", resp.StatusCode))
	}

	var out httpResult
	dec := json.NewDecoder(io.LimitReader(resp.Body, 1<<20))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, apperrors.New(apperrors.CategoryInput, op, err)
	}
	if out.Error != "" {
		return nil, apperrors.New(apperrors.CategoryInput, op, errors.New(out.Error))
	}
	return out.Result, nil
}

// ── Result decoding ───────────────────────────────────────────────────────────

// absent reports a result meaning "nothing": nil or false.
func absent(v any) bool {
	if v == nil {
		return true
	}
	b, ok := v.(bool)
	return ok && !b
}

// intValue accepts Go integers, floats from generic JSON, and json.Number.
func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint32:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return int(f), err == nil
	}
	return 0, false
}

// mapList accepts []map[string]any and []any whose elements are maps.
func mapList(v any) ([]map[string]any, bool) {
	switch l := v.(type) {
	case []map[string]any:
		return l, true
	case []any:
		out := make([]map[string]any, 0, len(l))
		for _, e := range l {
			m, ok := e.(map[string]any)
			if !ok {
				return nil, false
			}
			out = append(out, m)
		}
		return out, true
	}
	return nil, false
}
