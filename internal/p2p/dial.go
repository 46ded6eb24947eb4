package p2p

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/btcsuite/go-socks/socks"

	"github.com/kunal-geeks/bisqp2p/internal/pb"
)

// DefaultDialTimeout bounds connection establishment.
const DefaultDialTimeout = 2 * time.Minute

// DirectDialer opens plain TCP connections. Used on regtest and in tests.
type DirectDialer struct {
	Timeout time.Duration
}

func (d DirectDialer) Dial(ctx context.Context, addr pb.NodeAddress) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("DirectDialer.Dial: %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return conn, nil
}

// SocksDialer reaches peers through a local SOCKS5 proxy, normally Tor.
// The proxy resolves onion host names, so they are passed through as-is.
// No credentials are sent, so Tor does not isolate streams per dial.
type SocksDialer struct {
	ProxyPort uint16
	Timeout   time.Duration
}

func (d SocksDialer) Dial(ctx context.Context, addr pb.NodeAddress) (net.Conn, error) {
	proxy := &socks.Proxy{Addr: net.JoinHostPort("127.0.0.1", strconv.Itoa(int(d.ProxyPort)))}
	timeout := d.Timeout
	if timeout == 0 {
		timeout = DefaultDialTimeout
	}

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := proxy.DialTimeout("tcp", addr.String(), timeout)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("SocksDialer.Dial: %s via %s: %w", addr, proxy.Addr, r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		// Close whatever the dial eventually produces.
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// NewDialer returns a SOCKS dialer when a proxy port is configured and a
// direct dialer otherwise.
func NewDialer(proxyPort uint16) Dialer {
	if proxyPort != 0 {
		return SocksDialer{ProxyPort: proxyPort, Timeout: DefaultDialTimeout}
	}
	return DirectDialer{Timeout: DefaultDialTimeout}
}
