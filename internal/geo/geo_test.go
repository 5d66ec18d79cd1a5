package geo

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unklstewy/securelinks/internal/models"
)

func TestFromHeaders(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    *models.Geo
	}{
		{"none", nil, nil},
		{"cloudflare", map[string]string{"CF-IPCountry": "de", "CF-IPCity": "Berlin"}, &models.Geo{Country: "DE", City: "Berlin"}},
		{"cloudfront", map[string]string{"CloudFront-Viewer-Country": "FR"}, &models.Geo{Country: "FR"}},
		{"unknown country", map[string]string{"CF-IPCountry": "XX"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}
			assert.Equal(t, tt.want, FromHeaders(h))
		})
	}
}

func TestTableResolve(t *testing.T) {
	table, err := NewTable([]string{
		"10.0.0.0/8=NL",
		"10.1.0.0/16=NL/Amsterdam",
		"2001:db8::/32=us/Seattle",
	})
	require.NoError(t, err)
	ctx := context.Background()

	geo, ok := table.Resolve(ctx, "10.1.2.3")
	require.True(t, ok)
	assert.Equal(t, models.Geo{Country: "NL", City: "Amsterdam"}, geo)

	geo, ok = table.Resolve(ctx, "::ffff:10.9.9.9")
	require.True(t, ok)
	assert.Equal(t, "NL", geo.Country)

	geo, ok = table.Resolve(ctx, "2001:db8::1")
	require.True(t, ok)
	assert.Equal(t, "US", geo.Country)

	_, ok = table.Resolve(ctx, "192.0.2.1")
	assert.False(t, ok)
	_, ok = table.Resolve(ctx, "not-an-ip")
	assert.False(t, ok)

	_, err = NewTable([]string{"bogus=NL"})
	assert.Error(t, err)
	_, err = NewTable([]string{"10.0.0.0/8"})
	assert.Error(t, err)
}

func TestProxies(t *testing.T) {
	proxies, err := NewProxies([]string{"10.0.0.0/8", "192.0.2.7", "2001:db8::/32"})
	require.NoError(t, err)

	assert.True(t, proxies.Trusted("10.20.30.40"))
	assert.True(t, proxies.Trusted("192.0.2.7"))
	assert.True(t, proxies.Trusted("::ffff:192.0.2.7"))
	assert.True(t, proxies.Trusted("2001:db8::1"))
	assert.False(t, proxies.Trusted("192.0.2.8"))
	assert.False(t, proxies.Trusted("not-an-ip"))

	edge := http.Header{}
	edge.Set("CF-IPCountry", "de")
	assert.Nil(t, proxies.FromTrustedHeaders("203.0.113.1", edge))
	assert.Equal(t, &models.Geo{Country: "DE"}, proxies.FromTrustedHeaders("10.0.0.1", edge))

	none, err := NewProxies(nil)
	require.NoError(t, err)
	assert.False(t, none.Trusted("10.0.0.1"))

	_, err = NewProxies([]string{"10.0.0.0/99"})
	assert.Error(t, err)
}
