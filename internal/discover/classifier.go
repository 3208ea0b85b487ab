package discover

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/job-aggregator/internal/crawler"
)

const (
	defaultMaxClassified = 20
	defaultClassifyTTL   = 7 * 24 * time.Hour
	// postingBoost lifts a link the model confirms above any heuristic-only link
	// of the same base score.
	postingBoost = 5.0
)

const linkPrompt = `You are classifying hyperlinks found on a company careers page.
Answer YES if following the link most likely leads to a single job posting or to a list of open positions. Answer NO otherwise.
Reply with exactly one word: YES or NO.

Link text: %s
Link URL: %s`

// Completer sends a prompt to a language model.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Cache stores model answers keyed by prompt digest.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// ClassifierConfig bounds model usage during discovery.
type ClassifierConfig struct {
	// MaxLinks caps how many of the best heuristic candidates are sent to the
	// model on each page.
	MaxLinks int
	CacheTTL time.Duration
}

// Classifier asks a language model whether a link leads to job postings.
type Classifier struct {
	cfg    ClassifierConfig
	client Completer
	cache  Cache
	hasher crawler.Hasher
	logger *zap.Logger
}

// NewClassifier builds a Classifier. cache and hasher may be nil, which
// disables answer caching.
func NewClassifier(cfg ClassifierConfig, client Completer, cache Cache, hasher crawler.Hasher, logger *zap.Logger) (*Classifier, error) {
	if client == nil {
		return nil, crawler.NewError(crawler.KindConfig, "link classifier", "", crawler.ErrMissingAPIKey)
	}
	if cfg.MaxLinks <= 0 {
		cfg.MaxLinks = defaultMaxClassified
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultClassifyTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{cfg: cfg, client: client, cache: cache, hasher: hasher, logger: logger}, nil
}

// IsPostingLink reports the model's verdict for one link.
func (c *Classifier) IsPostingLink(ctx context.Context, text, href string) (bool, error) {
	prompt := fmt.Sprintf(linkPrompt, strings.TrimSpace(text), href)
	key := c.cacheKey(prompt)
	if answer, ok := c.lookup(ctx, key); ok {
		return isYes(answer), nil
	}
	answer, err := c.client.Complete(ctx, prompt)
	if err != nil {
		return false, err
	}
	c.store(ctx, key, answer)
	return isYes(answer), nil
}

// rerank boosts candidates the model confirms. Model failures leave the
// heuristic score untouched.
func (c *Classifier) rerank(ctx context.Context, candidates []scored) {
	limit := c.cfg.MaxLinks
	if limit > len(candidates) {
		limit = len(candidates)
	}
	for i := 0; i < limit; i++ {
		if ctx.Err() != nil {
			return
		}
		ok, err := c.IsPostingLink(ctx, candidates[i].text, candidates[i].link.URL)
		if err != nil {
			c.logger.Debug("link classification failed", zap.String("url", candidates[i].link.URL), zap.Error(err))
			continue
		}
		if ok {
			candidates[i].score += postingBoost
		}
	}
}

func (c *Classifier) cacheKey(prompt string) string {
	if c.cache == nil || c.hasher == nil {
		return ""
	}
	digest, err := c.hasher.Hash([]byte(prompt))
	if err != nil {
		return ""
	}
	return "link:" + digest
}

func (c *Classifier) lookup(ctx context.Context, key string) (string, bool) {
	if key == "" {
		return "", false
	}
	answer, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("link classification cache lookup failed", zap.Error(err))
		return "", false
	}
	return answer, ok
}

func (c *Classifier) store(ctx context.Context, key, answer string) {
	if key == "" {
		return
	}
	if err := c.cache.Set(ctx, key, answer, c.cfg.CacheTTL); err != nil {
		c.logger.Warn("link classification cache store failed", zap.Error(err))
	}
}

func isYes(answer string) bool {
	answer = strings.ToUpper(strings.TrimSpace(answer))
	answer = strings.TrimRight(answer, ".!")
	return answer == "YES"
}
