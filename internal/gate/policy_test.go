package gate

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whitelistd/whitelistd/internal/config"
)

func TestNewPolicy(t *testing.T) {
	t.Run("canonicalizes and dedups header names", func(t *testing.T) {
		p, err := NewPolicy(config.WhitelistConfig{
			Headers: []string{"remote-user", " Remote-Email ", "REMOTE-USER", ""},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"Remote-User", "Remote-Email"}, p.Headers())
		assert.Equal(t, "X-Forwarded-For", p.forwardedHeader)
	})

	t.Run("rejects bad allow list", func(t *testing.T) {
		_, err := NewPolicy(config.WhitelistConfig{AllowList: []string{"nope"}})
		assert.ErrorContains(t, err, "allow_list")
	})

	t.Run("rejects bad trusted proxies", func(t *testing.T) {
		_, err := NewPolicy(config.WhitelistConfig{TrustedProxies: []string{"10.0.0.0/33"}})
		assert.ErrorContains(t, err, "trusted_proxies")
	})
}

func TestResolve(t *testing.T) {
	p, err := NewPolicy(config.Defaults().Whitelist)
	require.NoError(t, err)

	tests := []struct {
		name      string
		remote    string
		forwarded []string
		want      string
		invalid   int
		wantErr   bool
	}{
		{name: "peer ipv4", remote: "192.0.2.1:1234", want: "192.0.2.1"},
		{name: "peer ipv6", remote: "[2001:db8::1]:1234", want: "2001:db8::1"},
		{name: "peer mapped ipv4", remote: "[::ffff:192.0.2.1]:1234", want: "192.0.2.1"},
		{name: "peer without port", remote: "192.0.2.1", want: "192.0.2.1"},
		{name: "forwarded wins", remote: "127.0.0.1:1", forwarded: []string{"198.51.100.4"}, want: "198.51.100.4"},
		{name: "forwarded trimmed", remote: "127.0.0.1:1", forwarded: []string{" 198.51.100.4 "}, want: "198.51.100.4"},
		{name: "first valid forwarded", remote: "127.0.0.1:1", forwarded: []string{"bad", "198.51.100.4", "198.51.100.5"}, want: "198.51.100.4", invalid: 1},
		{name: "invalid forwarded falls back", remote: "127.0.0.1:1", forwarded: []string{"bad"}, want: "127.0.0.1", invalid: 1},
		{name: "forwarded with port is invalid", remote: "127.0.0.1:1", forwarded: []string{"198.51.100.4:80"}, want: "127.0.0.1", invalid: 1},
		{name: "forwarded rescues bad peer", remote: "???", forwarded: []string{"198.51.100.4"}, want: "198.51.100.4"},
		{name: "nothing usable", remote: "???", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/allowed", nil)
			req.RemoteAddr = tt.remote
			for _, v := range tt.forwarded {
				req.Header.Add("X-Forwarded-For", v)
			}

			res, err := p.Resolve(req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, netip.MustParseAddr(tt.want), res.addr)
			assert.Len(t, res.invalid, tt.invalid)
		})
	}
}

func TestStaticallyAllowed(t *testing.T) {
	p, err := NewPolicy(config.WhitelistConfig{AllowList: []string{"10.0.0.0/8", "2001:db8::/32", "192.0.2.1"}})
	require.NoError(t, err)

	assert.True(t, p.StaticallyAllowed(netip.MustParseAddr("10.255.0.1")))
	assert.True(t, p.StaticallyAllowed(netip.MustParseAddr("::ffff:10.0.0.1")))
	assert.True(t, p.StaticallyAllowed(netip.MustParseAddr("2001:db8:1::5")))
	assert.True(t, p.StaticallyAllowed(netip.MustParseAddr("192.0.2.1")))
	assert.False(t, p.StaticallyAllowed(netip.MustParseAddr("192.0.2.2")))
	assert.False(t, p.StaticallyAllowed(netip.MustParseAddr("11.0.0.1")))
}
