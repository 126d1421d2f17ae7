package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const cacheBustParam = "t"

// HTTPTransport pings with HEAD requests and downloads with GET. Every
// request carries a unique query token so no cache can answer it.
type HTTPTransport struct {
	client *http.Client
}

func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				ForceAttemptHTTP2:   true,
				MaxIdleConnsPerHost: 4,
			},
		}
	}
	return &HTTPTransport{client: client}
}

// Ping treats any HTTP response as a completed round trip; status codes are
// irrelevant to reachability.
func (t *HTTPTransport) Ping(ctx context.Context, target string) (time.Duration, error) {
	u, err := CacheBust(target)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, classify(ctx, err)
	}
	_ = resp.Body.Close()
	return time.Since(start), nil
}

func (t *HTTPTransport) Download(ctx context.Context, target string, timeout time.Duration) (Download, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	u, err := CacheBust(target)
	if err != nil {
		return Download{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Download{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return Download{}, classify(ctx, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Download{}, fmt.Errorf("%w: HTTP %d", ErrNetwork, resp.StatusCode)
	}
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return Download{}, classify(ctx, err)
	}
	return Download{Elapsed: time.Since(start), Bytes: n}, nil
}

// CacheBust appends a per-request token of the form <unix-nanos>-<uuid>.
func CacheBust(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("target %q must be an absolute URL", target)
	}
	q := u.Query()
	q.Set(cacheBustParam, strconv.FormatInt(time.Now().UnixNano(), 10)+"-"+uuid.NewString())
	u.RawQuery = q.Encode()
	return u.String(), nil
}
