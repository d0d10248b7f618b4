package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Fetch kinds label upstream requests in the fetch metrics.
const (
	FetchKindIndex = "index"
	FetchKindFile  = "file"
	FetchKindOther = "other"
)

type fetchKindKey struct{}

// WithFetchKind marks requests made with ctx as kind for the instrumented
// transport. One client serves both index pages and distribution files, so
// the label travels with the request rather than the transport.
func WithFetchKind(ctx context.Context, kind string) context.Context {
	return context.WithValue(ctx, fetchKindKey{}, kind)
}

// FetchKind returns the kind set by WithFetchKind, or FetchKindOther.
func FetchKind(ctx context.Context) string {
	if kind, ok := ctx.Value(fetchKindKey{}).(string); ok && kind != "" {
		return kind
	}
	return FetchKindOther
}

// InstrumentedTransport wraps an http.RoundTripper with upstream fetch metrics.
type InstrumentedTransport struct {
	base http.RoundTripper
}

// NewInstrumentedTransport creates a new instrumented transport. If base is
// nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base}
}

// RoundTrip implements http.RoundTripper. The fetch is recorded once the
// response body is closed, or immediately when the request fails.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	kind := FetchKind(ctx)
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		outcome := "error"
		if ctx.Err() != nil {
			outcome = "canceled"
		}
		RecordUpstreamFetch(ctx, kind, time.Since(start), 0, outcome)
		return nil, err
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        ctx,
		kind:       kind,
		start:      start,
		outcome:    statusOutcome(resp.StatusCode),
	}
	return resp, nil
}

func statusOutcome(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "success"
	}
}

// instrumentedBody counts bytes read and records the fetch on first Close.
type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	kind     string
	start    time.Time
	bytes    int64
	outcome  string
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		RecordUpstreamFetch(b.ctx, b.kind, time.Since(b.start), b.bytes, b.outcome)
	}
	return b.ReadCloser.Close()
}
