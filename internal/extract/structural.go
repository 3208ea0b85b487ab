package extract

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/job-aggregator/internal/crawler"
)

// Base scores, in points out of 100, for each structural pattern. Field
// bonuses are added on top and the total is capped at 100.
const (
	scoreJSONLD        = 60
	scoreATS           = 50
	scoreMicrodata     = 50
	scoreCards         = 35
	scoreSinglePosting = 25

	bonusTitle        = 20
	bonusLocation     = 10
	bonusCompensation = 10
	bonusPostingURL   = 10
	bonusApplySignal  = 10
)

var (
	salaryPattern = regexp.MustCompile(`(?i)(?:[$€£]\s?\d[\d,.]*\s?[km]?(?:\s?(?:-|–|to)\s?[$€£]?\s?\d[\d,.]*\s?[km]?)?(?:\s?(?:per|/|an|a)\s?(?:year|yr|annum|hour|hr|month))?)|(?:\d[\d,.]*\s?[km]?\s?(?:-|–|to)\s?\d[\d,.]*\s?[km]?\s?(?:USD|EUR|GBP|CAD|AUD))`)
	locationPattern = regexp.MustCompile(`\b(?:Remote|Hybrid|On-?site)\b(?:\s?[-–(]\s?[A-Z][\w .,]+\)?)?|\b[A-Z][a-zA-Z.]+(?: [A-Z][a-zA-Z.]+)*, (?:[A-Z]{2}|[A-Z][a-z]+)\b`)
	postingPath     = regexp.MustCompile(`(?i)(/jobs?/[\w%-]+)|(/positions?/[\w%-]+)|(/openings?/[\w%-]+)|(/careers/[\w%-]*\d)|(/o/[\w-]+)|(gh_jid=\d+)|(/vacanc[\w-]*/[\w%-]+)`)
	cardClass       = regexp.MustCompile(`(?i)(^|[\s_-])(job|jobs|position|opening|posting|vacancy|vacancies|role|career-item)([\s_-]|$)`)
	applySignal     = regexp.MustCompile(`(?i)\bapply\b|submit (?:your )?application|submit resume`)
	genericTitles   = regexp.MustCompile(`(?i)^(apply( now)?|learn more|read more|view( job| details| all( jobs)?)?|details|more|careers?|jobs?|open (roles|positions)|see (all|more).*)$`)
)

// atsTemplate maps a hosted applicant tracking system's board markup.
type atsTemplate struct {
	name     string
	card     string
	title    string
	link     string
	location string
}

var atsTemplates = []atsTemplate{
	{name: "greenhouse", card: "div.opening", title: "a", link: "a", location: ".location"},
	{name: "greenhouse-boards", card: "tr.job-post", title: "p.body--medium", link: "a", location: "p.body__secondary"},
	{name: "lever", card: "div.posting", title: "[data-qa=posting-name], h5", link: "a.posting-title, a", location: ".posting-categories .location, .sort-by-location"},
	{name: "workable", card: "li[data-ui=job]", title: "h3, [data-ui=job-title]", link: "a", location: "[data-ui=job-location]"},
	{name: "smartrecruiters", card: "li.opening-job", title: "h4.job-title, h4", link: "a", location: ".job-location, .location"},
}

// candidate is a record under construction with its score in points.
type candidate struct {
	title        string
	location     string
	compensation string
	link         string
	description  string
	points       int
}

// Structural extracts postings from markup without external services. It
// tries, in order, JSON-LD JobPosting data, schema.org microdata, known ATS
// board layouts, repeated job cards and finally a single posting page, and
// stops at the first pattern that yields anything.
type Structural struct {
	maxDescription int
	logger         *zap.Logger
}

// NewStructural builds a Structural extractor.
func NewStructural(maxDescription int, logger *zap.Logger) *Structural {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Structural{maxDescription: maxDescription, logger: logger}
}

// Extract never fails; pages it cannot read yield no records.
func (s *Structural) Extract(page crawler.PageFetchResult, company string) []crawler.JobRecord {
	base, err := crawler.ParseAbsolute(page.BaseURL())
	if err != nil {
		return nil
	}
	doc, err := parseDocument(page)
	if err != nil {
		s.logger.Debug("structural: parse failed", zap.String("url", page.URL), zap.Error(err))
		return nil
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := base.Parse(strings.TrimSpace(href)); err == nil && resolved.Host != "" {
			base = resolved
		}
	}

	patterns := []struct {
		name string
		run  func(*goquery.Document, *url.URL) []candidate
	}{
		{"json-ld", s.fromJSONLD},
		{"microdata", s.fromMicrodata},
		{"ats", s.fromATS},
		{"cards", s.fromCards},
		{"single", s.fromSinglePosting},
	}
	for _, p := range patterns {
		found := p.run(doc, base)
		if len(found) == 0 {
			continue
		}
		records := s.finish(found, base, company)
		if len(records) == 0 {
			continue
		}
		s.logger.Debug("structural match",
			zap.String("url", page.URL),
			zap.String("pattern", p.name),
			zap.Int("records", len(records)),
		)
		return records
	}
	return nil
}

func (s *Structural) finish(found []candidate, base *url.URL, company string) []crawler.JobRecord {
	byURL := make(map[string]int)
	records := make([]crawler.JobRecord, 0, len(found))
	for _, c := range found {
		title := collapse(c.title)
		if title == "" || len(title) > 200 {
			continue
		}
		link := resolveLink(base, c.link)
		if link == "" {
			continue
		}
		points := c.points
		if plausibleTitle(title) {
			points += bonusTitle
		}
		if c.location != "" {
			points += bonusLocation
		}
		if c.compensation != "" {
			points += bonusCompensation
		}
		if postingPath.MatchString(link) {
			points += bonusPostingURL
		}
		if points > 100 {
			points = 100
		}
		rec := crawler.JobRecord{
			Company:      company,
			Title:        title,
			Location:     crawler.StringPtr(collapse(c.location)),
			Compensation: crawler.StringPtr(collapse(c.compensation)),
			URL:          link,
			Strategy:     crawler.ExtractionStructural,
			Confidence:   float64(points) / 100,
			Description:  truncateRunes(c.description, s.maxDescription),
		}
		if idx, seen := byURL[link]; seen {
			if rec.Confidence > records[idx].Confidence {
				records[idx] = rec
			}
			continue
		}
		byURL[link] = len(records)
		records = append(records, rec)
	}
	return records
}

func (s *Structural) fromJSONLD(doc *goquery.Document, base *url.URL) []candidate {
	var out []candidate
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, sel *goquery.Selection) {
		var data any
		if err := json.Unmarshal([]byte(strings.TrimSpace(sel.Text())), &data); err != nil {
			s.logger.Debug("structural: bad json-ld", zap.Error(err))
			return
		}
		for _, posting := range collectJobPostings(data) {
			c := candidate{
				title:        stringField(posting, "title"),
				location:     jobLocation(posting),
				compensation: baseSalary(posting["baseSalary"]),
				link:         stringField(posting, "url"),
				description:  htmlText(stringField(posting, "description")),
				points:       scoreJSONLD,
			}
			if c.link == "" {
				c.link = base.String()
			}
			out = append(out, c)
		}
	})
	return out
}

func collectJobPostings(node any) []map[string]any {
	switch v := node.(type) {
	case []any:
		var out []map[string]any
		for _, item := range v {
			out = append(out, collectJobPostings(item)...)
		}
		return out
	case map[string]any:
		if isType(v["@type"], "JobPosting") {
			return []map[string]any{v}
		}
		if graph, ok := v["@graph"]; ok {
			return collectJobPostings(graph)
		}
		if items, ok := v["itemListElement"]; ok {
			var out []map[string]any
			list, _ := items.([]any)
			for _, item := range list {
				if m, ok := item.(map[string]any); ok {
					if inner, ok := m["item"]; ok {
						out = append(out, collectJobPostings(inner)...)
						continue
					}
				}
				out = append(out, collectJobPostings(item)...)
			}
			return out
		}
	}
	return nil
}

func isType(value any, want string) bool {
	switch t := value.(type) {
	case string:
		return strings.EqualFold(t, want)
	case []any:
		for _, item := range t {
			if isType(item, want) {
				return true
			}
		}
	}
	return false
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case map[string]any:
		return stringField(v, "name")
	}
	return ""
}

func jobLocation(posting map[string]any) string {
	if isType(posting["jobLocationType"], "TELECOMMUTE") {
		if loc := placeName(posting["jobLocation"]); loc != "" {
			return "Remote, " + loc
		}
		return "Remote"
	}
	return placeName(posting["jobLocation"])
}

func placeName(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case []any:
		var parts []string
		for _, item := range v {
			if name := placeName(item); name != "" {
				parts = append(parts, name)
			}
		}
		return strings.Join(parts, "; ")
	case map[string]any:
		if addr, ok := v["address"]; ok {
			if s, ok := addr.(string); ok {
				return strings.TrimSpace(s)
			}
			if m, ok := addr.(map[string]any); ok {
				var parts []string
				for _, key := range []string{"addressLocality", "addressRegion", "addressCountry"} {
					if part := stringField(m, key); part != "" {
						parts = append(parts, part)
					}
				}
				return strings.Join(parts, ", ")
			}
		}
		return stringField(v, "name")
	}
	return ""
}

func baseSalary(value any) string {
	m, ok := value.(map[string]any)
	if !ok {
		if s, ok := value.(string); ok {
			return strings.TrimSpace(s)
		}
		return ""
	}
	currency := stringField(m, "currency")
	var amount, unit string
	switch v := m["value"].(type) {
	case map[string]any:
		minValue, maxValue := stringField(v, "minValue"), stringField(v, "maxValue")
		switch {
		case minValue != "" && maxValue != "":
			amount = minValue + "-" + maxValue
		case minValue != "":
			amount = minValue
		case maxValue != "":
			amount = maxValue
		default:
			amount = stringField(v, "value")
		}
		unit = stringField(v, "unitText")
	case float64:
		amount = strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		amount = v
	}
	if amount == "" {
		return ""
	}
	out := strings.TrimSpace(currency + " " + amount)
	if unit != "" {
		out += " per " + strings.ToLower(unit)
	}
	return out
}

func htmlText(fragment string) string {
	if fragment == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return fragment
	}
	return renderText(doc.Selection, nil)
}

func (s *Structural) fromMicrodata(doc *goquery.Document, base *url.URL) []candidate {
	var out []candidate
	doc.Find(`[itemtype*="schema.org/JobPosting"]`).Each(func(_ int, sel *goquery.Selection) {
		c := candidate{
			title:        itemprop(sel, "title"),
			location:     itemprop(sel, "jobLocation"),
			compensation: itemprop(sel, "baseSalary"),
			link:         itemprop(sel, "url"),
			description:  itemprop(sel, "description"),
			points:       scoreMicrodata,
		}
		if c.link == "" {
			c.link, _ = sel.Find("a[href]").First().Attr("href")
		}
		if c.link == "" {
			c.link = base.String()
		}
		out = append(out, c)
	})
	return out
}

func itemprop(sel *goquery.Selection, name string) string {
	prop := sel.Find(`[itemprop="` + name + `"]`).First()
	if prop.Length() == 0 {
		return ""
	}
	for _, attr := range []string{"content", "href"} {
		if v, ok := prop.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return collapse(prop.Text())
}

func (s *Structural) fromATS(doc *goquery.Document, _ *url.URL) []candidate {
	for _, tpl := range atsTemplates {
		var out []candidate
		doc.Find(tpl.card).Each(func(_ int, card *goquery.Selection) {
			link, _ := card.Find(tpl.link).First().Attr("href")
			title := collapse(card.Find(tpl.title).First().Text())
			if title == "" || link == "" {
				return
			}
			location := collapse(card.Find(tpl.location).First().Text())
			out = append(out, candidate{
				title:        title,
				location:     location,
				compensation: salaryPattern.FindString(card.Text()),
				link:         link,
				points:       scoreATS,
			})
		})
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

func (s *Structural) fromCards(doc *goquery.Document, base *url.URL) []candidate {
	var out []candidate
	cards := doc.Find("[class]").FilterFunction(func(_ int, sel *goquery.Selection) bool {
		if insideChrome(sel) {
			return false
		}
		class, _ := sel.Attr("class")
		if !cardClass.MatchString(class) {
			return false
		}
		return goquery.NodeName(sel) == "a" || sel.Find("a[href]").Length() > 0
	})
	cards = cards.FilterFunction(func(_ int, sel *goquery.Selection) bool {
		return sel.Find("[class]").FilterSelection(cards).Length() == 0 && distinctLinks(sel) <= 2
	})
	cards.Each(func(_ int, card *goquery.Selection) {
		out = append(out, cardCandidate(card))
	})
	if len(out) > 0 {
		return out
	}

	// Plain lists: anchors whose URLs look like individual postings.
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		if insideChrome(a) {
			return
		}
		href, _ := a.Attr("href")
		link := resolveLink(base, href)
		if link == "" || !postingPath.MatchString(link) {
			return
		}
		title := collapse(a.Text())
		if genericTitles.MatchString(title) {
			return
		}
		container := a.Parent()
		out = append(out, candidate{
			title:        title,
			location:     findLocation(container),
			compensation: salaryPattern.FindString(container.Text()),
			link:         href,
			points:       scoreCards,
		})
	})
	return out
}

// distinctLinks counts the different non-generic hrefs under sel; wrappers
// around a whole list carry many.
func distinctLinks(sel *goquery.Selection) int {
	hrefs := make(map[string]struct{})
	sel.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		if genericTitles.MatchString(collapse(a.Text())) {
			return
		}
		href, _ := a.Attr("href")
		hrefs[strings.TrimSpace(href)] = struct{}{}
	})
	if goquery.NodeName(sel) == "a" {
		return 1
	}
	return len(hrefs)
}

func cardCandidate(card *goquery.Selection) candidate {
	anchor := card
	if goquery.NodeName(card) != "a" {
		anchor = card.Find("a[href]").FilterFunction(func(_ int, a *goquery.Selection) bool {
			return !genericTitles.MatchString(collapse(a.Text()))
		}).First()
		if anchor.Length() == 0 {
			anchor = card.Find("a[href]").First()
		}
	}
	link, _ := anchor.Attr("href")

	title := collapse(card.Find("h1, h2, h3, h4, h5, [class*=title], [class*=Title]").First().Text())
	if title == "" {
		title = collapse(anchor.Text())
	}
	return candidate{
		title:        title,
		location:     findLocation(card),
		compensation: salaryPattern.FindString(card.Text()),
		link:         link,
		points:       scoreCards,
	}
}

func findLocation(sel *goquery.Selection) string {
	if loc := collapse(sel.Find("[class*=location], [class*=Location], [data-location]").First().Text()); loc != "" {
		return loc
	}
	return locationPattern.FindString(sel.Text())
}

func (s *Structural) fromSinglePosting(doc *goquery.Document, base *url.URL) []candidate {
	if !HasApplySignal(doc) {
		return nil
	}
	h1 := doc.Find("h1").First()
	title := collapse(h1.Text())
	if title == "" {
		return nil
	}
	main := doc.Find("main, article, [role=main]").First()
	if main.Length() == 0 {
		main = doc.Find("body")
	}
	return []candidate{{
		title:        title,
		location:     findLocation(main),
		compensation: salaryPattern.FindString(main.Text()),
		link:         base.String(),
		description:  renderText(main.Clone(), base),
		points:       scoreSinglePosting + bonusApplySignal,
	}}
}

// HasApplySignal reports whether the page offers a way to apply, which marks
// it as an individual posting rather than a listing.
func HasApplySignal(doc *goquery.Document) bool {
	found := false
	doc.Find("a, button, input[type=submit]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if insideChrome(sel) {
			return true
		}
		text := collapse(sel.Text())
		if v, ok := sel.Attr("value"); ok {
			text += " " + v
		}
		if len(text) <= 40 && applySignal.MatchString(text) {
			found = true
			return false
		}
		return true
	})
	if found {
		return true
	}
	return doc.Find(`form[action*="apply"], form[id*="apply"], form[class*="application"]`).Length() > 0
}

func insideChrome(sel *goquery.Selection) bool {
	return sel.Closest("nav, header, footer").Length() > 0
}

func resolveLink(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	resolved, err := base.Parse(href)
	if err != nil {
		return ""
	}
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	resolved.Fragment = ""
	return resolved.String()
}

func plausibleTitle(title string) bool {
	if len(title) < 3 || len(title) > 120 {
		return false
	}
	if len(strings.Fields(title)) > 15 || genericTitles.MatchString(title) {
		return false
	}
	return strings.IndexFunc(title, func(r rune) bool {
		return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r > 127
	}) >= 0
}
