package security

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver map[string][]string

func (r staticResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	var out []net.IPAddr
	for _, s := range r[host] {
		out = append(out, net.IPAddr{IP: net.ParseIP(s)})
	}
	return out, nil
}

func TestIsPrivateIP(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"127.0.0.1", "10.1.2.3", "172.20.0.1", "192.168.1.1", "169.254.169.254", "::1", "fd00::1", "0.0.0.0"} {
		assert.True(t, IsPrivateIP(net.ParseIP(s)), s)
	}
	for _, s := range []string{"8.8.8.8", "93.184.216.34", "2606:4700::1111"} {
		assert.False(t, IsPrivateIP(net.ParseIP(s)), s)
	}
}

func TestParseOrigin(t *testing.T) {
	t.Parallel()

	u, err := ParseOrigin("https://example.com:8443/some/path?q=1#x")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com:8443", u.String())

	_, err = ParseOrigin("ftp://example.com")
	assert.Error(t, err)
	_, err = ParseOrigin("/relative")
	assert.Error(t, err)
}

func TestValidateTarget(t *testing.T) {
	t.Parallel()

	g := &Guard{Resolver: staticResolver{
		"public.test":   {"93.184.216.34"},
		"internal.test": {"10.0.0.5"},
		"mixed.test":    {"10.0.0.5", "93.184.216.34"},
	}}
	ctx := context.Background()

	_, err := g.ValidateTarget(ctx, "https://public.test")
	assert.NoError(t, err)
	_, err = g.ValidateTarget(ctx, "https://mixed.test")
	assert.NoError(t, err)

	for _, target := range []string{"https://internal.test", "http://127.0.0.1:8080", "http://localhost", "http://169.254.169.254/latest"} {
		_, err := g.ValidateTarget(ctx, target)
		assert.ErrorIs(t, err, ErrPrivateTarget, target)
	}

	open := &Guard{AllowPrivate: true}
	_, err = open.ValidateTarget(ctx, "http://127.0.0.1:8080")
	assert.NoError(t, err)
}

func TestTransportBlocksLoopback(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	blocked := &http.Client{Transport: (&Guard{}).Transport()}
	_, err := blocked.Get(srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPrivateTarget)

	allowed := &http.Client{Transport: (&Guard{AllowPrivate: true}).Transport()}
	resp, err := allowed.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
