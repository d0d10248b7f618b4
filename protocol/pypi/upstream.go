package pypi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/wolfeidau/simple-mirror/telemetry"
)

const (
	// UpstreamAccept is sent with every index request; JSON is preferred,
	// with the HTML variants as fallbacks.
	UpstreamAccept = ContentTypeV1JSON + ";q=1, " + ContentTypeV1HTML + ";q=0.2, " + ContentTypeLegacyHTML + ";q=0.01"

	// DefaultTimeout bounds an index fetch when the caller passes no timeout.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxIndexBytes caps the size of an index document.
	DefaultMaxIndexBytes = 64 << 20
)

// Upstream fetches project pages from Simple API indexes.
type Upstream struct {
	client        *http.Client
	userAgent     string
	maxIndexBytes int64
}

// UpstreamOption configures an Upstream.
type UpstreamOption func(*Upstream)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) UpstreamOption {
	return func(u *Upstream) {
		u.client = client
	}
}

// WithUserAgent sets the User-Agent header sent upstream.
func WithUserAgent(ua string) UpstreamOption {
	return func(u *Upstream) {
		u.userAgent = ua
	}
}

// WithMaxIndexBytes sets the largest index document accepted.
func WithMaxIndexBytes(n int64) UpstreamOption {
	return func(u *Upstream) {
		u.maxIndexBytes = n
	}
}

// NewUpstream creates a new upstream Simple API client.
func NewUpstream(opts ...UpstreamOption) *Upstream {
	u := &Upstream{
		client:        &http.Client{},
		userAgent:     "simple-mirror/dev",
		maxIndexBytes: DefaultMaxIndexBytes,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// ProjectURL returns the project page URL for name under simpleURL.
func ProjectURL(simpleURL, name string) string {
	return strings.TrimSuffix(simpleURL, "/") + "/" + name + "/"
}

// FetchIndex fetches and parses the project page for name. The whole call,
// body included, is bounded by timeout.
func (u *Upstream) FetchIndex(ctx context.Context, simpleURL, name string, timeout time.Duration) ([]ParsedFile, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(telemetry.WithFetchKind(ctx, telemetry.FetchKindIndex), timeout)
	defer cancel()

	pageURL := ProjectURL(simpleURL, name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", UpstreamAccept)
	req.Header.Set("User-Agent", u.userAgent)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, classifyFetchError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %s returned %d", ErrUpstreamStatus, pageURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, u.maxIndexBytes+1))
	if err != nil {
		return nil, classifyFetchError(ctx, err)
	}
	if int64(len(body)) > u.maxIndexBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrIndexTooLarge, pageURL, u.maxIndexBytes)
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("%w: content type %q: %v", ErrIndexParsing, resp.Header.Get("Content-Type"), err)
	}

	// Relative links resolve against the final URL after redirects.
	baseURL := pageURL
	if resp.Request != nil && resp.Request.URL != nil {
		baseURL = resp.Request.URL.String()
	}

	switch mediaType {
	case ContentTypeV1JSON:
		return ParseJSON(body, baseURL)
	case ContentTypeV1HTML, ContentTypeLegacyHTML:
		return ParseHTML(body, baseURL)
	default:
		return nil, fmt.Errorf("%w: unsupported content type %q", ErrIndexParsing, mediaType)
	}
}

// StatusCodeError is returned by FetchFile for a non-2xx upstream answer.
type StatusCodeError struct {
	URL        string
	StatusCode int
}

func (e *StatusCodeError) Error() string {
	return fmt.Sprintf("%s returned %d", e.URL, e.StatusCode)
}

func (e *StatusCodeError) Unwrap() error {
	return ErrUpstreamStatus
}

// FetchFile opens a streaming GET of a distribution file. The caller must
// close the returned body. A non-2xx status yields a *StatusCodeError.
func (u *Upstream) FetchFile(ctx context.Context, fileURL string) (io.ReadCloser, int64, error) {
	ctx = telemetry.WithFetchKind(ctx, telemetry.FetchKindFile)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", u.userAgent)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("performing request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, 0, &StatusCodeError{URL: fileURL, StatusCode: resp.StatusCode}
	}

	return resp.Body, resp.ContentLength, nil
}

func classifyFetchError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrIndexTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrIndexTimeout, err)
	}
	return fmt.Errorf("performing request: %w", err)
}
