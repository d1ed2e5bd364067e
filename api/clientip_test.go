package api

import (
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractClientIP_IgnoresHeadersFromUntrustedPeer(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.9:5000"
	r.Header.Set("X-Forwarded-For", "198.51.100.1")
	assert.Equal(t, "203.0.113.9", extractClientIPWithProxies(r, nil))
}

func TestExtractClientIP_TrustedProxy(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.7"})
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		value  string
		want   string
	}{
		{"xff first entry", "X-Forwarded-For", "198.51.100.1, 10.0.0.2", "198.51.100.1"},
		{"forwarded ipv6", "Forwarded", `for="[2001:db8::1]:443";proto=https`, "2001:db8::1"},
		{"real ip", "X-Real-IP", "198.51.100.2", "198.51.100.2"},
		{"garbage falls back", "X-Forwarded-For", "unknown", "10.1.2.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = "10.1.2.3:1234"
			r.Header.Set(tt.header, tt.value)
			assert.Equal(t, tt.want, extractClientIPWithProxies(r, proxies))
		})
	}

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.7:80"
	r.Header.Set("X-Forwarded-For", "198.51.100.3")
	assert.Equal(t, "198.51.100.3", extractClientIPWithProxies(r, proxies))
}

func TestParseTrustedProxies_Invalid(t *testing.T) {
	_, err := ParseTrustedProxies([]string{"not-an-ip"})
	assert.Error(t, err)

	got, err := ParseTrustedProxies([]string{" ", "10.1.2.3/8"})
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}, got)
}
