package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"syscall"
	"time"

	"transferplane/internal/errs"
)

// Policy is the outbound address policy for downloads.
type Policy struct {
	// AllowLocalNetwork permits private, loopback and link-local targets.
	AllowLocalNetwork bool
	// Resolver looks up hostnames. Nil means net.DefaultResolver.
	Resolver *net.Resolver
}

func (p Policy) blocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsUnspecified() || addr.IsMulticast() || addr.IsInterfaceLocalMulticast() {
		return true
	}
	if p.AllowLocalNetwork {
		return false
	}
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast()
}

// CheckURL validates scheme and every address the host resolves to.
func (p Policy) CheckURL(ctx context.Context, u *url.URL) error {
	const op = "transfer.CheckURL"

	if u.Scheme != "http" && u.Scheme != "https" {
		return errs.Security(op, "scheme %q is not allowed", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return errs.Validation(op, "url has no host")
	}
	if u.User != nil {
		return errs.Security(op, "url must not carry credentials")
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if p.blocked(addr) {
			return errs.Security(op, "address %s is not allowed", addr)
		}
		return nil
	}

	resolver := p.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return errs.Transport(op, fmt.Errorf("resolve %s: %w", host, err))
	}
	for _, addr := range addrs {
		if p.blocked(addr) {
			return errs.Security(op, "host %s resolves to disallowed address %s", host, addr)
		}
	}
	return nil
}

// Control is a net.Dialer Control hook that re-checks the address actually
// dialled, closing the window between resolution and connect.
func (p Policy) Control(network, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return errs.Security("transfer.Dial", "unparseable dial address %q", address)
	}
	if p.blocked(ap.Addr()) {
		return errs.Security("transfer.Dial", "address %s is not allowed", ap.Addr())
	}
	return nil
}

// Client returns an HTTP client that dials only addresses the policy allows,
// ignores proxy settings and re-checks every redirect target.
func (p Policy) Client(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   p.Control,
	}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: time.Minute,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return errors.New("too many redirects")
			}
			return p.CheckURL(req.Context(), req.URL)
		},
	}
}
