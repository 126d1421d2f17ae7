package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPPingAcceptsAnyStatus(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		tokens []string
		method string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		tokens = append(tokens, r.URL.Query().Get(cacheBustParam))
		method = r.Method
		mu.Unlock()
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.Client())
	for i := 0; i < 2; i++ {
		rtt, err := tr.Ping(context.Background(), srv.URL+"/edge")
		require.NoError(t, err)
		assert.Greater(t, rtt, time.Duration(0))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodHead, method)
	require.Len(t, tokens, 2)
	assert.NotEmpty(t, tokens[0])
	assert.NotEqual(t, tokens[0], tokens[1])
}

func TestHTTPPingUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL
	srv.Close()

	_, err := NewHTTPTransport(nil).Ping(context.Background(), target)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestHTTPDownloadCountsBytes(t *testing.T) {
	t.Parallel()

	payload := strings.Repeat("x", 64*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()

	res, err := NewHTTPTransport(srv.Client()).Download(context.Background(), srv.URL+"/blob.bin", time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), res.Bytes)
	assert.Greater(t, res.Elapsed, time.Duration(0))
}

func TestHTTPDownloadRejectsErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	_, err := NewHTTPTransport(srv.Client()).Download(context.Background(), srv.URL, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Contains(t, err.Error(), "410")
}

func TestHTTPDownloadTimeoutAndAbort(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	tr := NewHTTPTransport(srv.Client())

	_, err := tr.Download(context.Background(), srv.URL, 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err = tr.Download(ctx, srv.URL, 5*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAborted)
}

func TestCacheBust(t *testing.T) {
	t.Parallel()

	out, err := CacheBust("https://example.com/file.js?v=2")
	require.NoError(t, err)
	u, err := url.Parse(out)
	require.NoError(t, err)
	assert.Equal(t, "2", u.Query().Get("v"))
	token := u.Query().Get(cacheBustParam)
	parts := strings.SplitN(token, "-", 2)
	require.Len(t, parts, 2)
	assert.Len(t, parts[1], 36)

	_, err = CacheBust("not a url")
	assert.Error(t, err)
}

func TestTCPPinger(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	rtt, err := NewTCPPinger().Ping(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))

	addr := srv.Listener.Addr().String()
	srv.Close()
	_, err = NewTCPPinger().Ping(context.Background(), addr)
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestHostPort(t *testing.T) {
	t.Parallel()

	tests := []struct {
		target   string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{target: "https://s3.eu-west-1.amazonaws.com", wantHost: "s3.eu-west-1.amazonaws.com", wantPort: 443},
		{target: "http://example.com/path", wantHost: "example.com", wantPort: 80},
		{target: "http://127.0.0.1:8080", wantHost: "127.0.0.1", wantPort: 8080},
		{target: "10.0.0.1:9000", wantHost: "10.0.0.1", wantPort: 9000},
		{target: "edge.example.net", wantHost: "edge.example.net", wantPort: 7},
		{target: "", wantErr: true},
		{target: "https://", wantErr: true},
	}
	for _, tt := range tests {
		host, port, err := hostPort(tt.target, 7)
		if tt.wantErr {
			assert.Error(t, err, tt.target)
			continue
		}
		require.NoError(t, err, tt.target)
		assert.Equal(t, tt.wantHost, host, tt.target)
		assert.Equal(t, tt.wantPort, port, tt.target)
	}
}

type stubPinger struct{ rtt time.Duration }

func (s stubPinger) Ping(context.Context, string) (time.Duration, error) { return s.rtt, nil }

type stubDownloader struct{ bytes int64 }

func (s stubDownloader) Download(context.Context, string, time.Duration) (Download, error) {
	return Download{Elapsed: time.Second, Bytes: s.bytes}, nil
}

func TestCombine(t *testing.T) {
	t.Parallel()

	tr := Combine(stubPinger{rtt: 3 * time.Millisecond}, stubDownloader{bytes: 10})

	rtt, err := tr.Ping(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Millisecond, rtt)
	res, err := tr.Download(context.Background(), "x", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Bytes)
}
