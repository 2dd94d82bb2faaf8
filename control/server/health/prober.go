package health

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"
	"time"
)

const (
	DefaultProbeTimeout = 5 * time.Second
	DefaultProbePort    = 443
)

// Prober checks whether a node address answers.
type Prober interface {
	Probe(ctx context.Context, address string) (reachable bool, latency time.Duration)
}

// TCPProber dials the node. A refused connection still proves the host is
// up and counts as reachable.
type TCPProber struct {
	Timeout     time.Duration
	DefaultPort int
}

func (p *TCPProber) target(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	port := p.DefaultPort
	if port <= 0 {
		port = DefaultProbePort
	}
	return net.JoinHostPort(address, strconv.Itoa(port))
}

func (p *TCPProber) Probe(ctx context.Context, address string) (bool, time.Duration) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	dialer := net.Dialer{
		Timeout:   timeout,
		KeepAlive: -1,
	}

	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", p.target(address))
	latency := time.Since(start)
	if err != nil {
		return errors.Is(err, syscall.ECONNREFUSED), latency
	}
	_ = conn.Close()
	return true, latency
}
