package detector

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func longParagraphs(n int) string {
	return strings.Repeat("<p>Senior Backend Engineer, Remote, build hiring pipelines for our customers.</p>", n)
}

func TestHeuristic_ShouldPromote_EmptyBody(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100, 50)
	promote, reason := h.ShouldPromote(200, []byte("   "))
	require.True(t, promote)
	assert.Equal(t, ReasonEmpty, reason)
}

func TestHeuristic_ShouldPromote_ShortBody(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100, 50)
	promote, reason := h.ShouldPromote(200, []byte("<html>hi</html>"))
	require.True(t, promote)
	assert.Equal(t, ReasonShort, reason)
}

func TestHeuristic_ShouldPromote_SPAMarkers(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(10, 50)
	body := `<html><head><title>Careers</title></head><body><div id="__next"></div>` +
		`<script src="/_next/static/chunks/main.js"></script></body></html>`
	promote, reason := h.ShouldPromote(200, []byte(body))
	require.True(t, promote)
	assert.Equal(t, ReasonSPAMarker, reason)
}

func TestHeuristic_ShouldPromote_ScriptDensity(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(10, 50)
	body := `<html><body><script>` + strings.Repeat("var a=1;", 40) + `</script><p>t</p></body></html>`
	promote, reason := h.ShouldPromote(200, []byte(body))
	require.True(t, promote)
	assert.Equal(t, ReasonScripts, reason)
}

func TestHeuristic_ShouldPromote_ContentRichPage(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100, 50)
	body := `<html><body><div id="__next">` + longParagraphs(10) + `</div><script>var x=1;</script></body></html>`
	promote, _ := h.ShouldPromote(200, []byte(body))
	require.False(t, promote)
}

func TestHeuristic_ShouldPromote_DisabledForNon200(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100, 50)
	promote, _ := h.ShouldPromote(404, []byte("not found"))
	require.False(t, promote)
}

func TestIsChallenge(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		status  int
		headers http.Header
		body    string
		want    bool
	}{
		{
			name:   "cloudflare interstitial title",
			status: 503,
			body:   `<html><head><title>Just a moment...</title></head><body></body></html>`,
			want:   true,
		},
		{
			name:    "challenge marker behind cloudflare",
			status:  200,
			headers: http.Header{"Server": {"cloudflare"}},
			body:    `<html><body><div class="cf-chl-widget"></div></body></html>`,
			want:    true,
		},
		{
			name:   "captcha wall",
			status: 200,
			body:   `<html><body><div class="g-recaptcha"></div></body></html>`,
			want:   true,
		},
		{
			name:   "captcha on content-rich page",
			status: 200,
			body:   `<html><body>` + longParagraphs(20) + `<div class="g-recaptcha"></div></body></html>`,
			want:   false,
		},
		{
			name:   "ordinary careers page",
			status: 200,
			body:   `<html><head><title>Careers at Acme</title></head><body>` + longParagraphs(3) + `</body></html>`,
			want:   false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, IsChallenge(tc.status, tc.headers, []byte(tc.body)))
		})
	}
}
