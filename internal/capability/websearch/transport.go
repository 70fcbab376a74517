package websearch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"
)

// ErrPrivateAddress is returned when the endpoint resolves to a loopback,
// private or link-local address.
var ErrPrivateAddress = errors.New("search endpoint resolves to a private address")

const (
	dialTimeout    = 5 * time.Second
	requestTimeout = 30 * time.Second
)

// publicClient is the default client. It refuses to connect to non-public
// addresses so a misconfigured endpoint cannot reach internal services.
func publicClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: dialTimeout,
		Control: func(network, address string, _ syscall.RawConn) error {
			return checkPublic(address)
		},
	}
	return &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, addr)
			},
			TLSHandshakeTimeout: dialTimeout,
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// checkPublic runs after DNS resolution, on the address actually dialed.
func checkPublic(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("unparseable dial address %q", address)
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, ip)
	}
	return nil
}
