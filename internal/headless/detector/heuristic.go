// Package detector decides when a light HTTP fetch must be promoted to the
// browser and when a page is an anti-bot challenge.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Reason explains a promotion decision.
type Reason string

// Promotion reasons.
const (
	ReasonNone      Reason = ""
	ReasonEmpty     Reason = "empty_body"
	ReasonShort     Reason = "short_body"
	ReasonSPAMarker Reason = "spa_marker"
	ReasonScripts   Reason = "script_shell"
	ReasonBlocked   Reason = "challenge"
)

// Heuristic implements rule-based JS-shell detection.
type Heuristic struct {
	// BodyLengthThreshold is the byte length under which a body is suspiciously short.
	BodyLengthThreshold int
	// MinVisibleText is the number of visible characters a rendered page should carry.
	MinVisibleText int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold, minVisibleText int) *Heuristic {
	if threshold <= 0 {
		threshold = 512
	}
	if minVisibleText <= 0 {
		minVisibleText = 200
	}
	return &Heuristic{BodyLengthThreshold: threshold, MinVisibleText: minVisibleText}
}

var spaMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="root"></div>`),
	[]byte(`id="app"></div>`),
	[]byte("data-reactroot"),
	[]byte("ng-app"),
	[]byte("<noscript>you need to enable javascript"),
	[]byte("<noscript>please enable javascript"),
}

// ShouldPromote reports whether a successful light response needs a browser
// render, and why. Non-2xx responses are never promoted.
func (h *Heuristic) ShouldPromote(statusCode int, body []byte) (bool, Reason) {
	if statusCode < 200 || statusCode >= 300 {
		return false, ReasonNone
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return true, ReasonEmpty
	}
	if len(trimmed) < h.BodyLengthThreshold {
		return true, ReasonShort
	}
	lower := bytes.ToLower(trimmed)
	visible := visibleTextLength(trimmed)
	if visible < h.MinVisibleText {
		for _, marker := range spaMarkers {
			if bytes.Contains(lower, marker) {
				return true, ReasonSPAMarker
			}
		}
		if scriptDensityHigh(string(lower)) {
			return true, ReasonScripts
		}
	}
	return false, ReasonNone
}

func visibleTextLength(body []byte) int {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return len(body)
	}
	doc.Find("script, style, noscript, template").Remove()
	return len(strings.Join(strings.Fields(doc.Find("body").Text()), " "))
}

func scriptDensityHigh(lower string) bool {
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		// External bundles only: a shell with script src tags and no content.
		return strings.Contains(lower, "<script")
	}
	return scriptCoverage*100/total >= 25
}

var challengeTitles = []string{
	"just a moment",
	"attention required",
	"access denied",
	"are you a robot",
	"security check",
	"verify you are human",
	"ddos-guard",
}

var challengeMarkers = []string{
	"cf-chl-",
	"challenge-platform",
	"g-recaptcha",
	"h-captcha",
	"px-captcha",
	"captcha-delivery",
	"/cdn-cgi/challenge",
}

// IsChallenge reports whether a response looks like an anti-bot interstitial
// rather than real content.
func IsChallenge(statusCode int, headers http.Header, body []byte) bool {
	lower := strings.ToLower(string(body))
	title := pageTitle(body)
	for _, marker := range challengeTitles {
		if strings.Contains(title, marker) {
			return true
		}
	}
	markerHit := false
	for _, marker := range challengeMarkers {
		if strings.Contains(lower, marker) {
			markerHit = true
			break
		}
	}
	if !markerHit {
		return false
	}
	if statusCode == http.StatusForbidden || statusCode == http.StatusServiceUnavailable || statusCode == http.StatusTooManyRequests {
		return true
	}
	if headers != nil && (headers.Get("Cf-Mitigated") != "" || strings.EqualFold(headers.Get("Server"), "cloudflare")) {
		return true
	}
	// A captcha embedded in a small page is a wall, not a form on a big page.
	return visibleTextLength(body) < 500
}

func pageTitle(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(doc.Find("title").First().Text()))
}
