// Package discover finds and ranks candidate links on fetched career pages.
package discover

import (
	"bytes"
	"context"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/job-aggregator/internal/crawler"
)

// DefaultATSDomains lists applicant tracking systems that host career pages
// on their own domains.
var DefaultATSDomains = []string{
	"boards.greenhouse.io",
	"job-boards.greenhouse.io",
	"jobs.lever.co",
	"jobs.ashbyhq.com",
	"apply.workable.com",
	"jobs.jobvite.com",
	"*.myworkdayjobs.com",
	"*.bamboohr.com",
	"*.recruitee.com",
	"*.smartrecruiters.com",
	"*.icims.com",
	"*.breezy.hr",
	"*.teamtailor.com",
	"*.personio.de",
	"*.workable.com",
}

var jobKeywords = []string{
	"job", "jobs", "career", "careers", "opening", "openings", "position", "positions",
	"vacancy", "vacancies", "role", "roles", "opportunit", "hiring", "join us", "join our team",
	"work with us", "apply", "view job", "see all", "all jobs", "karriere", "stellen", "empleo",
}

var roleKeywords = []string{
	"engineer", "developer", "manager", "designer", "analyst", "scientist", "specialist",
	"intern", "associate", "director", "lead", "coordinator", "consultant", "representative",
	"technician", "administrator", "architect", "nurse", "accountant", "recruiter",
}

var paginationText = []string{"next", "more", "load more", "show more", "older", "›", "»", "→"}

var negativeKeywords = []string{
	"login", "log in", "sign in", "signin", "register", "privacy", "terms", "cookie",
	"legal", "imprint", "impressum", "press", "blog", "news", "investor", "contact",
}

var (
	paginationURL = regexp.MustCompile(`(?i)([?&](page|p|pg|offset|start)=\d+)|(/page/\d+)`)
	postingURL    = regexp.MustCompile(`(?i)(/jobs?/[\w-]*\d)|(/positions?/)|(/o/[\w-]+)|(gh_jid=)|(/job/)|(/openings?/)|(/vacanc)`)
	skippedExt    = regexp.MustCompile(`(?i)\.(pdf|jpe?g|png|gif|svg|webp|zip|docx?|xlsx?|pptx?|mp4|mp3|css|js|ico)$`)
	numberText    = regexp.MustCompile(`^\d{1,3}$`)
)

// Config controls discovery.
type Config struct {
	// AllowedDomains are cross-origin hosts that may be followed. Entries
	// accept "*." and "." suffix wildcards.
	AllowedDomains []string
	// ExtraKeywords extend the built-in job keywords.
	ExtraKeywords []string
}

// Discoverer implements crawler.LinkDiscoverer.
type Discoverer struct {
	allowed    *crawler.DomainMatcher
	keywords   []string
	classifier *Classifier
	logger     *zap.Logger
}

// Option customizes a Discoverer.
type Option func(*Discoverer)

// WithClassifier lets a language model boost links it recognizes as postings.
func WithClassifier(c *Classifier) Option {
	return func(d *Discoverer) { d.classifier = c }
}

// New builds a Discoverer.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	keywords := append([]string(nil), jobKeywords...)
	for _, kw := range cfg.ExtraKeywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			keywords = append(keywords, kw)
		}
	}
	d := &Discoverer{
		allowed:  crawler.NewDomainMatcher(cfg.AllowedDomains),
		keywords: keywords,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type scored struct {
	link  crawler.CandidateLink
	text  string
	score float64
	order int
}

// Discover returns at most maxBreadth ranked links one level below depth.
// It returns nil once depth has reached maxDepth.
func (d *Discoverer) Discover(ctx context.Context, page crawler.PageFetchResult, depth, maxDepth, maxBreadth int) []crawler.CandidateLink {
	if depth >= maxDepth || maxBreadth <= 0 || len(page.Content) == 0 {
		return nil
	}
	base, err := crawler.ParseAbsolute(page.BaseURL())
	if err != nil {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Content))
	if err != nil {
		d.logger.Debug("discover: parse failed", zap.String("url", page.URL), zap.Error(err))
		return nil
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := base.Parse(strings.TrimSpace(href)); err == nil && resolved.Host != "" {
			base = resolved
		}
	}

	selfKey, _ := crawler.VisitKey(page.BaseURL())
	seen := map[string]int{}
	var candidates []scored

	consider := func(raw, text string, inLayout bool) {
		target, ok := d.resolve(base, raw)
		if !ok {
			return
		}
		key, err := crawler.VisitKey(target.String())
		if err != nil || key == selfKey {
			return
		}
		score := d.score(base, target, text, inLayout)
		if idx, dup := seen[key]; dup {
			if score > candidates[idx].score {
				candidates[idx].score = score
			}
			return
		}
		if score <= 0 {
			return
		}
		seen[key] = len(candidates)
		candidates = append(candidates, scored{
			link: crawler.CandidateLink{
				URL:            target.String(),
				Depth:          depth + 1,
				DiscoveredFrom: page.URL,
			},
			text:  text,
			score: score,
			order: len(candidates),
		})
	}

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		text := strings.Join(strings.Fields(s.Text()), " ")
		if label, ok := s.Attr("aria-label"); ok && text == "" {
			text = label
		}
		if rel, ok := s.Attr("rel"); ok && strings.Contains(strings.ToLower(rel), "next") {
			text += " next"
		}
		consider(href, text, s.Closest("nav, header, footer").Length() > 0)
	})
	doc.Find("iframe[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		consider(src, "jobs", false)
	})

	rank(candidates)
	if d.classifier != nil {
		d.classifier.rerank(ctx, candidates)
		rank(candidates)
	}
	if len(candidates) > maxBreadth {
		candidates = candidates[:maxBreadth]
	}
	links := make([]crawler.CandidateLink, 0, len(candidates))
	for _, c := range candidates {
		links = append(links, c.link)
	}
	return links
}

func rank(candidates []scored) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].order < candidates[j].order
	})
}

func (d *Discoverer) resolve(base *url.URL, raw string) (*url.URL, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return nil, false
	}
	lower := strings.ToLower(raw)
	for _, prefix := range []string{"mailto:", "tel:", "javascript:", "data:", "sms:"} {
		if strings.HasPrefix(lower, prefix) {
			return nil, false
		}
	}
	target, err := base.Parse(raw)
	if err != nil {
		return nil, false
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, false
	}
	target.Fragment = ""
	target.RawFragment = ""
	if skippedExt.MatchString(target.Path) {
		return nil, false
	}
	if !crawler.SameHost(base, target) && !d.allowed.Matches(target.Hostname()) {
		return nil, false
	}
	return target, true
}

func (d *Discoverer) score(base, target *url.URL, text string, inLayout bool) float64 {
	lowerText := strings.ToLower(text)
	lowerURL := strings.ToLower(target.Path + "?" + target.RawQuery)

	var score float64
	for _, kw := range d.keywords {
		if strings.Contains(lowerText, kw) {
			score += 3
			break
		}
	}
	for _, kw := range d.keywords {
		if !strings.Contains(kw, " ") && strings.Contains(lowerURL, kw) {
			score += 2
			break
		}
	}
	for _, kw := range roleKeywords {
		if strings.Contains(lowerText, kw) {
			score++
			break
		}
	}
	if postingURL.MatchString(lowerURL) {
		score += 3
	}
	if paginationURL.MatchString(lowerURL) || isPaginationText(lowerText) {
		score += 2.5
	}
	if !crawler.SameHost(base, target) && d.allowed.Matches(target.Hostname()) {
		score += 4
	}
	for _, kw := range negativeKeywords {
		if strings.Contains(lowerText, kw) || strings.Contains(lowerURL, strings.ReplaceAll(kw, " ", "")) {
			score -= 5
			break
		}
	}
	if inLayout {
		score -= 4
	}
	return score
}

func isPaginationText(text string) bool {
	text = strings.TrimSpace(text)
	if numberText.MatchString(text) {
		return true
	}
	for _, marker := range paginationText {
		if text == marker || strings.HasPrefix(text, marker+" ") || strings.HasSuffix(text, " "+marker) {
			return true
		}
	}
	return false
}
