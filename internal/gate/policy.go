package gate

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/whitelistd/whitelistd/internal/config"
	"github.com/whitelistd/whitelistd/internal/whitelist"
)

// Policy is the immutable, compiled form of the whitelist settings the
// handlers need. A config reload builds a new Policy and swaps it in whole.
type Policy struct {
	headers         []string // canonical names, configured order
	allow           []netip.Prefix
	forwardedHeader string
	trusted         []netip.Prefix
}

// NewPolicy compiles the whitelist section of the config.
func NewPolicy(cfg config.WhitelistConfig) (*Policy, error) {
	allow, err := config.ParsePrefixes(cfg.AllowList)
	if err != nil {
		return nil, fmt.Errorf("allow_list: %w", err)
	}
	trusted, err := config.ParsePrefixes(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("trusted_proxies: %w", err)
	}

	fwd := cfg.ForwardedHeader
	if fwd == "" {
		fwd = "X-Forwarded-For"
	}

	p := &Policy{
		allow:           allow,
		forwardedHeader: http.CanonicalHeaderKey(fwd),
		trusted:         trusted,
	}
	seen := make(map[string]struct{}, len(cfg.Headers))
	for _, h := range cfg.Headers {
		name := http.CanonicalHeaderKey(strings.TrimSpace(h))
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		p.headers = append(p.headers, name)
	}
	return p, nil
}

// Headers returns the captured header names in configured order.
func (p *Policy) Headers() []string {
	return append([]string(nil), p.headers...)
}

// StaticallyAllowed reports whether addr bypasses the whitelist.
func (p *Policy) StaticallyAllowed(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, pfx := range p.allow {
		if pfx.Contains(addr) {
			return true
		}
	}
	return false
}

// Capture returns the configured headers present on h. Names follow the
// configured order; repeated values keep their request order.
func (p *Policy) Capture(h http.Header) []whitelist.Header {
	var out []whitelist.Header
	for _, name := range p.headers {
		for _, v := range h.Values(name) {
			out = append(out, whitelist.Header{Name: name, Value: v})
		}
	}
	return out
}

// resolution is the outcome of working out which client a request is for.
type resolution struct {
	addr netip.Addr
	peer netip.Addr
	// invalid holds forwarded header values that did not parse.
	invalid []string
	// untrusted is set when a forwarded header was ignored because the
	// peer is not a trusted proxy.
	untrusted bool
}

// Resolve picks the client address for r: the first forwarded header value
// that is a valid IP literal, otherwise the transport peer.
func (p *Policy) Resolve(r *http.Request) (resolution, error) {
	var res resolution

	peer, peerErr := peerAddr(r.RemoteAddr)
	if peerErr == nil {
		res.peer = peer
	}

	values := r.Header.Values(p.forwardedHeader)
	if len(values) > 0 && !p.trusts(peer, peerErr == nil) {
		res.untrusted = true
		values = nil
	}

	for _, v := range values {
		addr, err := netip.ParseAddr(strings.TrimSpace(v))
		if err != nil {
			res.invalid = append(res.invalid, v)
			continue
		}
		res.addr = addr.Unmap()
		return res, nil
	}

	if peerErr != nil {
		return res, fmt.Errorf("no usable client address: %w", peerErr)
	}
	res.addr = peer
	return res, nil
}

// trusts reports whether the forwarded header from this peer is honored.
// With no trusted proxies configured every peer is trusted.
func (p *Policy) trusts(peer netip.Addr, known bool) bool {
	if len(p.trusted) == 0 {
		return true
	}
	if !known {
		return false
	}
	for _, pfx := range p.trusted {
		if pfx.Contains(peer) {
			return true
		}
	}
	return false
}

func peerAddr(remote string) (netip.Addr, error) {
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr().Unmap(), nil
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid peer address %q", remote)
	}
	return addr.Unmap(), nil
}
