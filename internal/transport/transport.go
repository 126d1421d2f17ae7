// Package transport carries out the two network operations a measurement
// run needs: a lightweight round trip and a payload download of known size.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrTimeout = errors.New("probe timed out")
	ErrAborted = errors.New("probe aborted")
	ErrNetwork = errors.New("probe network error")
)

// Pinger measures a single round trip to target. Only timing and
// success/failure matter; any response content is ignored.
type Pinger interface {
	Ping(ctx context.Context, target string) (time.Duration, error)
}

// Downloader fetches one payload from target, giving up after timeout.
type Downloader interface {
	Download(ctx context.Context, target string, timeout time.Duration) (Download, error)
}

type Transport interface {
	Pinger
	Downloader
}

type Download struct {
	Elapsed time.Duration
	Bytes   int64
}

type combined struct {
	Pinger
	Downloader
}

// Combine builds a Transport from independent ping and download halves.
func Combine(p Pinger, d Downloader) Transport {
	return combined{Pinger: p, Downloader: d}
}

// classify maps a failed operation onto the error taxonomy, keeping the
// original error in the message.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrAborted) || errors.Is(err, ErrNetwork) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrAborted, err)
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

// hostPort extracts a dialable host and port from a URL or host[:port]
// target.
func hostPort(target string, fallbackPort int) (string, int, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", 0, errors.New("empty target")
	}
	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return "", 0, fmt.Errorf("parse target: %w", err)
		}
		port := fallbackPort
		switch u.Scheme {
		case "https":
			port = 443
		case "http":
			port = 80
		}
		if p := u.Port(); p != "" {
			parsed, err := strconv.Atoi(p)
			if err != nil {
				return "", 0, fmt.Errorf("parse port: %w", err)
			}
			port = parsed
		}
		if u.Hostname() == "" {
			return "", 0, fmt.Errorf("target %q has no host", target)
		}
		return u.Hostname(), port, nil
	}
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return target, fallbackPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("parse port: %w", err)
	}
	return host, port, nil
}
