package transport

import (
	"context"
	"net"
	"strconv"
	"time"
)

const defaultTCPPort = 443

// TCPPinger measures TCP connect time. Targets may be URLs or host:port.
type TCPPinger struct {
	dialer *net.Dialer
}

func NewTCPPinger() *TCPPinger {
	return &TCPPinger{dialer: &net.Dialer{}}
}

func (p *TCPPinger) Ping(ctx context.Context, target string) (time.Duration, error) {
	host, port, err := hostPort(target, defaultTCPPort)
	if err != nil {
		return 0, classify(ctx, err)
	}
	start := time.Now()
	conn, err := p.dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return 0, classify(ctx, err)
	}
	elapsed := time.Since(start)
	_ = conn.Close()
	return elapsed, nil
}
