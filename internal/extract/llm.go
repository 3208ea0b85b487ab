package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/job-aggregator/internal/crawler"
	"github.com/JakeFAU/job-aggregator/internal/llm"
	"github.com/JakeFAU/job-aggregator/internal/metrics"
	"github.com/JakeFAU/job-aggregator/internal/retry"
)

// ErrMalformedResponse marks a model answer that is not the expected JSON.
var ErrMalformedResponse = errors.New("malformed extraction response")

const (
	defaultMaxChunkChars       = 12000
	defaultMaxDescriptionChars = 5000
	defaultCacheTTL            = 24 * time.Hour
)

// Penalties, in points out of 100, for fields a model answer leaves empty.
const (
	penaltyLocation         = 15
	penaltySalary           = 10
	penaltyDescription      = 15
	penaltyResponsibilities = 5
	penaltyQualification    = 5
	penaltyURL              = 10
	minLLMPoints            = 10
)

var (
	jobTextKeywords = []string{
		"job", "career", "position", "opening", "vacanc", "hiring", "apply", "role",
		"responsibilit", "qualification", "requirement", "salary", "compensation", "full-time",
		"part-time", "remote", "internship",
	}
	slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)
)

// Completer sends a prompt to a language model.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Model() string
}

// Cache stores model answers keyed by prompt digest.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// LLMConfig controls the model-assisted strategy.
type LLMConfig struct {
	// StripLinks removes [label](url) markup from page text before prompting.
	StripLinks          bool
	MaxChunkChars       int
	MaxDescriptionChars int
	// RequireKeywords skips pages whose text mentions nothing job related.
	RequireKeywords bool
	CacheTTL        time.Duration
}

// LLM extracts postings by asking a language model to fill a fixed schema.
type LLM struct {
	cfg    LLMConfig
	client Completer
	cache  Cache
	hasher crawler.Hasher
	retry  *retry.Controller
	logger *zap.Logger
}

// NewLLM builds the strategy. cache may be nil. Malformed answers are
// retried once through retrier.
func NewLLM(cfg LLMConfig, client Completer, cache Cache, hasher crawler.Hasher, retrier *retry.Controller, logger *zap.Logger) (*LLM, error) {
	if client == nil {
		return nil, crawler.NewError(crawler.KindConfig, "llm extractor", "", crawler.ErrMissingAPIKey)
	}
	if hasher == nil {
		return nil, errors.New("llm extractor: hasher is required")
	}
	if cfg.MaxChunkChars <= 0 {
		cfg.MaxChunkChars = defaultMaxChunkChars
	}
	if cfg.MaxDescriptionChars <= 0 {
		cfg.MaxDescriptionChars = defaultMaxDescriptionChars
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if retrier == nil {
		retrier = retry.New(retry.Config{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLM{
		cfg:    cfg,
		client: client,
		cache:  cache,
		hasher: hasher,
		retry:  retrier.WithLimit(1),
		logger: logger,
	}, nil
}

// Extract prompts the model once per text chunk and scores each answer by
// completeness. An answer that stays malformed after one retry fails the page.
func (l *LLM) Extract(ctx context.Context, page crawler.PageFetchResult, company string) ([]crawler.JobRecord, error) {
	_, text := PageText(page)
	if text == "" {
		return nil, nil
	}
	if l.cfg.StripLinks {
		text = StripMarkdownLinks(text)
	}
	if l.cfg.RequireKeywords && !mentionsJobs(text) {
		l.logger.Debug("llm: no job vocabulary, skipping", zap.String("url", page.URL))
		return nil, nil
	}

	var postings []posting
	for _, chunk := range Chunk(text, l.cfg.MaxChunkChars) {
		found, err := l.extractChunk(ctx, page.BaseURL(), chunk)
		if err != nil {
			return nil, err
		}
		postings = append(postings, found...)
	}
	return l.toRecords(page, company, postings), nil
}

func (l *LLM) extractChunk(ctx context.Context, pageURL, chunk string) ([]posting, error) {
	prompt := buildPrompt(pageURL, chunk, l.cfg.MaxDescriptionChars)
	key, err := l.cacheKey(prompt)
	if err != nil {
		return nil, err
	}
	if cached, ok := l.lookup(ctx, key); ok {
		if found, err := parseAnswer(cached); err == nil {
			return found, nil
		}
	}

	var (
		found  []posting
		answer string
	)
	attempts, err := l.retry.Do(ctx, func(ctx context.Context) error {
		raw, err := l.client.Complete(ctx, prompt)
		if err != nil {
			return err
		}
		parsed, err := parseAnswer(raw)
		if err != nil {
			l.logger.Debug("llm: malformed answer", zap.String("url", pageURL), zap.Error(err))
			return crawler.NewError(crawler.KindExtractionMalformed, "llm extract", pageURL, err)
		}
		found, answer = parsed, raw
		return nil
	})
	if attempts > 1 {
		outcome := "recovered"
		if err != nil {
			outcome = "exhausted"
		}
		metrics.ObserveRetry("llm_extract", outcome)
	}
	if err != nil {
		return nil, fmt.Errorf("llm extraction after %d attempts: %w", attempts, err)
	}
	l.store(ctx, key, answer)
	return found, nil
}

func (l *LLM) cacheKey(prompt string) (string, error) {
	digest, err := l.hasher.Hash([]byte(prompt))
	if err != nil {
		return "", fmt.Errorf("hash prompt: %w", err)
	}
	return "llm:" + l.client.Model() + ":" + digest, nil
}

func (l *LLM) lookup(ctx context.Context, key string) (string, bool) {
	if l.cache == nil {
		return "", false
	}
	value, ok, err := l.cache.Get(ctx, key)
	switch {
	case err != nil:
		metrics.ObserveLLMCache("error")
		l.logger.Warn("llm cache lookup failed", zap.Error(err))
		return "", false
	case !ok:
		metrics.ObserveLLMCache("miss")
		return "", false
	default:
		metrics.ObserveLLMCache("hit")
		return value, true
	}
}

func (l *LLM) store(ctx context.Context, key, answer string) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Set(ctx, key, answer, l.cfg.CacheTTL); err != nil {
		l.logger.Warn("llm cache store failed", zap.Error(err))
	}
}

func (l *LLM) toRecords(page crawler.PageFetchResult, company string, postings []posting) []crawler.JobRecord {
	base, err := url.Parse(page.BaseURL())
	if err != nil {
		return nil
	}
	titled := 0
	for _, p := range postings {
		if collapse(string(p.Title)) != "" {
			titled++
		}
	}

	records := make([]crawler.JobRecord, 0, titled)
	seen := make(map[string]struct{}, titled)
	for _, p := range postings {
		title := collapse(string(p.Title))
		if title == "" {
			continue
		}
		points := 100
		link := resolveLink(base, string(p.URL))
		switch {
		case link != "":
		case titled == 1:
			link = base.String()
			points -= penaltyURL
		default:
			// Several postings share the listing URL; keep them apart.
			link = base.String() + "#" + slugify(title)
			points -= penaltyURL
		}
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}

		location := collapse(string(p.Location))
		salary := collapse(string(p.SalaryRange))
		description := strings.TrimSpace(string(p.Description))
		if location == "" {
			points -= penaltyLocation
		}
		if salary == "" {
			points -= penaltySalary
		}
		if description == "" {
			points -= penaltyDescription
		}
		if strings.TrimSpace(string(p.Responsibilities)) == "" {
			points -= penaltyResponsibilities
		}
		if strings.TrimSpace(string(p.Qualification)) == "" {
			points -= penaltyQualification
		}
		if points < minLLMPoints {
			points = minLLMPoints
		}
		records = append(records, crawler.JobRecord{
			Company:          company,
			Title:            title,
			Location:         crawler.StringPtr(location),
			Compensation:     crawler.StringPtr(salary),
			URL:              link,
			Strategy:         crawler.ExtractionLLMAssisted,
			Confidence:       float64(points) / 100,
			Description:      truncateRunes(description, l.cfg.MaxDescriptionChars),
			Responsibilities: strings.TrimSpace(string(p.Responsibilities)),
			Qualifications:   strings.TrimSpace(string(p.Qualification)),
		})
	}
	return records
}

func buildPrompt(pageURL, text string, maxDescription int) string {
	var b strings.Builder
	b.WriteString("Extract every job posting from the web page text below.\n")
	b.WriteString("Answer with a JSON list and nothing else. Each element is an object with the keys ")
	b.WriteString(`"title", "location", "salary_range", "description", "responsibilities", "qualification" and "url".` + "\n")
	b.WriteString("Copy values from the text, use null for anything the text does not state, ")
	fmt.Fprintf(&b, "and keep each description under %d characters.\n", maxDescription)
	b.WriteString(`"url" is the link to the individual posting when the text contains one.` + "\n")
	b.WriteString("If the page contains no job postings, answer [].\n\n")
	b.WriteString("Page URL: " + pageURL + "\n")
	b.WriteString("Page text:\n\"\"\"\n")
	b.WriteString(text)
	b.WriteString("\n\"\"\"\n")
	return b.String()
}

// posting is one element of the model's answer.
type posting struct {
	Title            looseString `json:"title"`
	Location         looseString `json:"location"`
	SalaryRange      looseString `json:"salary_range"`
	Description      looseString `json:"description"`
	Responsibilities looseString `json:"responsibilities"`
	Qualification    looseString `json:"qualification"`
	URL              looseString `json:"url"`
}

// looseString accepts strings, numbers, lists and null, since models do not
// keep to scalar values reliably.
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	switch data[0] {
	case '"':
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = looseString(v)
	case '[':
		var items []looseString
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		parts := make([]string, 0, len(items))
		for _, item := range items {
			if item != "" {
				parts = append(parts, string(item))
			}
		}
		*s = looseString(strings.Join(parts, "\n"))
	case '{':
		var m map[string]looseString
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(m))
		for _, k := range keys {
			if m[k] != "" {
				parts = append(parts, string(m[k]))
			}
		}
		*s = looseString(strings.Join(parts, ", "))
	default:
		*s = looseString(string(data))
	}
	return nil
}

// parseAnswer decodes a JSON list of postings. A single object is treated
// as a one-element list and an object wrapping a list under any key is
// unwrapped.
func parseAnswer(raw string) ([]posting, error) {
	cleaned := llm.CleanMarkdownJSON(raw)
	if cleaned == "" {
		return nil, fmt.Errorf("%w: empty answer", ErrMalformedResponse)
	}
	switch cleaned[0] {
	case '[':
		var list []posting
		if err := json.Unmarshal([]byte(cleaned), &list); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		return list, nil
	case '{':
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal([]byte(cleaned), &wrapper); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		if _, single := wrapper["title"]; !single {
			for _, value := range wrapper {
				trimmed := bytes.TrimSpace(value)
				if len(trimmed) > 0 && trimmed[0] == '[' {
					return parseAnswer(string(trimmed))
				}
			}
		}
		var one posting
		if err := json.Unmarshal([]byte(cleaned), &one); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		return []posting{one}, nil
	default:
		return nil, fmt.Errorf("%w: answer is not JSON", ErrMalformedResponse)
	}
}

func mentionsJobs(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range jobTextKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func slugify(title string) string {
	slug := strings.Trim(slugUnsafe.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if len(slug) > 80 {
		slug = strings.TrimRight(slug[:80], "-")
	}
	if slug == "" {
		slug = "posting"
	}
	return slug
}
