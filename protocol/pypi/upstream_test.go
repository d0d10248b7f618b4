package pypi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/simple-mirror/telemetry"
)

func TestUpstreamFetchIndex(t *testing.T) {
	var gotAccept, gotUA, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotUA = r.Header.Get("User-Agent")
		gotPath = r.URL.Path
		switch r.URL.Path {
		case "/simple/demo/":
			w.Header().Set("Content-Type", ContentTypeV1JSON+"; charset=utf-8")
			_, _ = io.WriteString(w, `{"files":[{"filename":"demo-1.0.tar.gz","url":"demo-1.0.tar.gz","hashes":{"sha256":"abc"}}]}`)
		case "/simple/legacy/":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = io.WriteString(w, `<a href="legacy-2.0.zip#md5=ff">legacy-2.0.zip</a>`)
		case "/simple/plain/":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = io.WriteString(w, "nope")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	u := NewUpstream(WithUserAgent("simple-mirror/test"))

	t.Run("json", func(t *testing.T) {
		files, err := u.FetchIndex(context.Background(), srv.URL+"/simple/", "demo", time.Second)
		require.NoError(t, err)
		require.Equal(t, "/simple/demo/", gotPath)
		require.Equal(t, UpstreamAccept, gotAccept)
		require.Equal(t, "simple-mirror/test", gotUA)
		require.Len(t, files, 1)
		require.Equal(t, srv.URL+"/simple/demo/demo-1.0.tar.gz", files[0].URL)
		require.Equal(t, []Hash{{Kind: "sha256", Value: "abc"}}, files[0].Hashes)
	})

	t.Run("html", func(t *testing.T) {
		files, err := u.FetchIndex(context.Background(), srv.URL+"/simple", "legacy", time.Second)
		require.NoError(t, err)
		require.Len(t, files, 1)
		require.Equal(t, srv.URL+"/simple/legacy/legacy-2.0.zip", files[0].URL)
		require.Equal(t, "2.0", *files[0].Version)
	})

	t.Run("unsupported content type", func(t *testing.T) {
		_, err := u.FetchIndex(context.Background(), srv.URL+"/simple", "plain", time.Second)
		require.ErrorIs(t, err, ErrIndexParsing)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := u.FetchIndex(context.Background(), srv.URL+"/simple", "missing", time.Second)
		require.ErrorIs(t, err, ErrUpstreamStatus)
		require.NotErrorIs(t, err, ErrIndexParsing)
	})
}

func TestUpstreamFetchIndexTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	u := NewUpstream()
	_, err := u.FetchIndex(context.Background(), srv.URL, "slow", 50*time.Millisecond)
	require.ErrorIs(t, err, ErrIndexTimeout)
}

func TestUpstreamFetchIndexTooLarge(t *testing.T) {
	page := strings.Repeat(`<a href="demo-1.0.tar.gz">demo-1.0.tar.gz</a>`+"\n", 100) +
		`<a href="demo-LAST-py3-none-any.whl">demo-LAST-py3-none-any.whl</a>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, page)
	}))
	defer srv.Close()

	t.Run("over the limit", func(t *testing.T) {
		u := NewUpstream(WithMaxIndexBytes(int64(len(page) - 1)))
		files, err := u.FetchIndex(context.Background(), srv.URL, "demo", time.Second)
		require.ErrorIs(t, err, ErrIndexTooLarge)
		require.NotErrorIs(t, err, ErrIndexParsing)
		require.Nil(t, files)
	})

	t.Run("exactly the limit", func(t *testing.T) {
		u := NewUpstream(WithMaxIndexBytes(int64(len(page))))
		files, err := u.FetchIndex(context.Background(), srv.URL, "demo", time.Second)
		require.NoError(t, err)
		require.Equal(t, "demo-LAST-py3-none-any.whl", files[len(files)-1].Filename)
	})
}

func TestUpstreamFetchFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone" {
			w.WriteHeader(http.StatusGone)
			return
		}
		_, _ = io.WriteString(w, "payload")
	}))
	defer srv.Close()

	u := NewUpstream()

	rc, _, err := u.FetchFile(context.Background(), srv.URL+"/ok")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "payload", string(data))

	_, _, err = u.FetchFile(context.Background(), srv.URL+"/gone")
	require.ErrorIs(t, err, ErrUpstreamStatus)
	var statusErr *StatusCodeError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusGone, statusErr.StatusCode)
}

type kindRecorder struct {
	kinds []string
}

func (k *kindRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	k.kinds = append(k.kinds, telemetry.FetchKind(req.Context()))
	return http.DefaultTransport.RoundTrip(req)
}

func TestUpstreamLabelsFetchKinds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", ContentTypeV1JSON)
		_, _ = io.WriteString(w, `{"files":[]}`)
	}))
	defer srv.Close()

	rec := &kindRecorder{}
	u := NewUpstream(WithHTTPClient(&http.Client{Transport: rec}))

	_, err := u.FetchIndex(context.Background(), srv.URL, "demo", time.Second)
	require.NoError(t, err)
	rc, _, err := u.FetchFile(context.Background(), srv.URL+"/demo-1.0.tar.gz")
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	require.Equal(t, []string{telemetry.FetchKindIndex, telemetry.FetchKindFile}, rec.kinds)
}

func TestProjectURL(t *testing.T) {
	require.Equal(t, "https://pypi.org/simple/requests/", ProjectURL("https://pypi.org/simple/", "requests"))
	require.Equal(t, "https://pypi.org/simple/requests/", ProjectURL("https://pypi.org/simple", "requests"))
}
