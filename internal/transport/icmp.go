package transport

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	icmpDefaultTimeout = 5 * time.Second
	icmpPayload        = "fbquality"
)

// ICMPPinger sends one echo request per Ping. Privileged mode uses raw
// sockets; otherwise it relies on unprivileged datagram ICMP, where the
// kernel owns the echo ID and replies are matched on sequence alone.
type ICMPPinger struct {
	privileged bool
	id         int
	seq        atomic.Uint32
	resolver   *net.Resolver
}

func NewICMPPinger(privileged bool) *ICMPPinger {
	return &ICMPPinger{
		privileged: privileged,
		id:         rand.Intn(0xffff),
		resolver:   net.DefaultResolver,
	}
}

func (p *ICMPPinger) Ping(ctx context.Context, target string) (time.Duration, error) {
	host, _, err := hostPort(target, 0)
	if err != nil {
		return 0, classify(ctx, err)
	}
	ip, err := p.resolve(ctx, host)
	if err != nil {
		return 0, classify(ctx, err)
	}

	isV4 := ip.To4() != nil
	network := "ip4:icmp"
	proto := 1
	echoType := icmp.Type(ipv4.ICMPTypeEcho)
	replyType := icmp.Type(ipv4.ICMPTypeEchoReply)
	if !isV4 {
		network = "ip6:ipv6-icmp"
		proto = 58
		echoType = icmp.Type(ipv6.ICMPTypeEchoRequest)
		replyType = icmp.Type(ipv6.ICMPTypeEchoReply)
	}
	if !p.privileged {
		network = "udp4"
		if !isV4 {
			network = "udp6"
		}
	}

	conn, err := icmp.ListenPacket(network, "")
	if err != nil {
		return 0, fmt.Errorf("%w: icmp socket: %v", ErrNetwork, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(icmpDefaultTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	seq := int(p.seq.Add(1) & 0xffff)
	var dst net.Addr = &net.IPAddr{IP: ip}
	if !p.privileged {
		dst = &net.UDPAddr{IP: ip}
	}
	rtt, err := p.exchange(conn, dst, ip, seq, echoType, replyType, proto)
	if err != nil {
		return 0, classify(ctx, err)
	}
	return rtt, nil
}

func (p *ICMPPinger) resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	addrs, err := p.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		if addr.IP.To4() != nil {
			return addr.IP, nil
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	return addrs[0].IP, nil
}

func (p *ICMPPinger) exchange(conn *icmp.PacketConn, dst net.Addr, ip net.IP, seq int, echoType, replyType icmp.Type, proto int) (time.Duration, error) {
	msg := icmp.Message{
		Type: echoType,
		Code: 0,
		Body: &icmp.Echo{
			ID:   p.id,
			Seq:  seq,
			Data: []byte(icmpPayload),
		},
	}
	payload, err := msg.Marshal(nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	if _, err := conn.WriteTo(payload, dst); err != nil {
		return 0, err
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return 0, err
		}
		if !peerMatches(peer, ip) {
			continue
		}
		parsed, err := icmp.ParseMessage(proto, buf[:n])
		if err != nil {
			continue
		}
		if parsed.Type != replyType {
			continue
		}
		echo, ok := parsed.Body.(*icmp.Echo)
		if !ok {
			continue
		}
		if echo.Seq != seq {
			continue
		}
		if p.privileged && echo.ID != p.id {
			continue
		}
		return time.Since(start), nil
	}
}

func peerMatches(peer net.Addr, ip net.IP) bool {
	switch addr := peer.(type) {
	case *net.IPAddr:
		return addr.IP == nil || addr.IP.Equal(ip)
	case *net.UDPAddr:
		return addr.IP == nil || addr.IP.Equal(ip)
	default:
		return true
	}
}

