package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases host", "HTTPS://Acme.Example/careers", "https://acme.example/careers"},
		{"drops default port", "http://acme.example:80/jobs", "http://acme.example/jobs"},
		{"drops fragment", "https://acme.example/jobs#open", "https://acme.example/jobs"},
		{"sorts query", "https://acme.example/jobs?b=2&a=1", "https://acme.example/jobs?a=1&b=2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestVisitKeyFoldsCaseAndTrailingSlash(t *testing.T) {
	t.Parallel()

	a, err := VisitKey("https://acme.example/Careers/")
	require.NoError(t, err)
	b, err := VisitKey("https://ACME.example/careers")
	require.NoError(t, err)
	c, err := VisitKey("https://acme.example/careers#top")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
}

func TestParseAbsoluteRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "mailto:jobs@acme.example", "/careers", "https://"} {
		_, err := ParseAbsolute(raw)
		assert.Error(t, err, raw)
	}
}
