package extract

import (
	"bytes"
	"io"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/job-aggregator/internal/crawler"
)

// minReadableShare is the fraction of the full page text the readability
// article must keep before it replaces the full text. Listing pages are
// often reduced to a teaser by readability, which loses the postings.
const minReadableShare = 0.3

var (
	markdownLink = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	inlineSpace  = regexp.MustCompile(`[ \t\x{00a0}]+`)
)

const blockSelector = "p, div, li, ul, ol, tr, table, section, article, header, footer, main, " +
	"h1, h2, h3, h4, h5, h6, dt, dd, blockquote, pre, form"

// decodeBody converts the page body to UTF-8 using the Content-Type header
// and any <meta charset> in the document.
func decodeBody(page crawler.PageFetchResult) []byte {
	if len(page.Content) == 0 {
		return nil
	}
	reader, err := charset.NewReader(bytes.NewReader(page.Content), page.ContentType)
	if err != nil {
		return page.Content
	}
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return page.Content
	}
	return decoded
}

func parseDocument(page crawler.PageFetchResult) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewReader(decodeBody(page)))
}

// PageText returns the page title and its readable text. Block elements end
// up on their own lines and anchors are written as [label](absolute-url).
func PageText(page crawler.PageFetchResult) (string, string) {
	body := decodeBody(page)
	if len(body) == 0 {
		return "", ""
	}
	base, err := url.Parse(page.BaseURL())
	if err != nil {
		base = nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", ""
	}
	title := collapse(doc.Find("title").First().Text())
	full := renderText(doc.Selection, base)
	if base == nil {
		return title, full
	}

	article, err := readability.FromReader(bytes.NewReader(body), base)
	if err != nil || strings.TrimSpace(article.Content) == "" {
		return title, full
	}
	articleDoc, err := goquery.NewDocumentFromReader(strings.NewReader(article.Content))
	if err != nil {
		return title, full
	}
	readable := renderText(articleDoc.Selection, base)
	if float64(len(readable)) < minReadableShare*float64(len(full)) {
		return title, full
	}
	if article.Title != "" {
		title = collapse(article.Title)
	}
	return title, readable
}

func renderText(sel *goquery.Selection, base *url.URL) string {
	sel.Find("script, style, noscript, svg, template, iframe, link, meta").Remove()

	sel.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		label := collapse(a.Text())
		href, _ := a.Attr("href")
		href = strings.TrimSpace(href)
		if label == "" || href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			return
		}
		if base != nil {
			if resolved, err := base.Parse(href); err == nil {
				href = resolved.String()
			}
		}
		a.SetText("[" + label + "](" + href + ")")
	})
	sel.Find("br").ReplaceWithHtml("\n")
	sel.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		s.PrependHtml("\n")
		s.AppendHtml("\n")
	})

	lines := strings.Split(sel.Text(), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = collapse(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// StripMarkdownLinks replaces [label](url) with its label.
func StripMarkdownLinks(text string) string {
	return markdownLink.ReplaceAllString(text, "$1")
}

// Chunk splits text on line boundaries into pieces of at most maxChars
// bytes. Lines longer than maxChars are cut at rune boundaries.
func Chunk(text string, maxChars int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if maxChars <= 0 || len(text) <= maxChars {
		return []string{text}
	}
	var (
		chunks  []string
		current strings.Builder
	)
	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}
	for _, line := range strings.Split(text, "\n") {
		for len(line) > maxChars {
			flush()
			cut := maxChars
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			if cut == 0 {
				cut = maxChars
			}
			chunks = append(chunks, line[:cut])
			line = line[cut:]
		}
		if current.Len() > 0 && current.Len()+1+len(line) > maxChars {
			flush()
		}
		if current.Len() > 0 {
			current.WriteByte('\n')
		}
		current.WriteString(line)
	}
	flush()
	return chunks
}

func collapse(s string) string {
	return strings.TrimSpace(inlineSpace.ReplaceAllString(strings.ReplaceAll(s, "\n", " "), " "))
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit]))
}
