// Package fetcher combines the light HTTP and browser strategies into one
// Fetch call that escalates when the light response looks unusable.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/job-aggregator/internal/crawler"
	"github.com/JakeFAU/job-aggregator/internal/headless/detector"
	"github.com/JakeFAU/job-aggregator/internal/metrics"
)

// Config tunes escalation.
type Config struct {
	// EscalateOnBlocked retries challenge pages in the browser, which often
	// clears JavaScript interstitials.
	EscalateOnBlocked bool
}

// Fetcher implements crawler.PageFetcher.
type Fetcher struct {
	cfg      Config
	light    crawler.StrategyFetcher
	browser  crawler.StrategyFetcher
	detector *detector.Heuristic
	limiter  crawler.RateLimiter
	logger   *zap.Logger
}

// New builds a Fetcher. browser and limiter may be nil; without a browser the
// light result is returned as-is.
func New(
	cfg Config,
	light crawler.StrategyFetcher,
	browser crawler.StrategyFetcher,
	det *detector.Heuristic,
	limiter crawler.RateLimiter,
	logger *zap.Logger,
) (*Fetcher, error) {
	if light == nil {
		return nil, fmt.Errorf("light fetcher is required")
	}
	if det == nil {
		det = detector.NewHeuristic(0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:      cfg,
		light:    light,
		browser:  browser,
		detector: det,
		limiter:  limiter,
		logger:   logger,
	}, nil
}

// Fetch retrieves url within timeout. The returned error is nil only for an
// OK page; otherwise it is a *crawler.Error whose kind drives retries, and the
// result still describes what was observed.
func (f *Fetcher) Fetch(ctx context.Context, url string, timeout time.Duration) (crawler.PageFetchResult, error) {
	if _, err := crawler.ParseAbsolute(url); err != nil {
		return crawler.PageFetchResult{URL: url, Status: crawler.FetchHTTPError},
			crawler.NewError(crawler.KindFetchPermanent, "fetch", url, err)
	}

	budget := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		budget, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if f.limiter != nil {
		if err := f.limiter.Wait(budget, url); err != nil {
			return f.classify(ctx, url, crawler.StrategyLightHTTP, crawler.RawResponse{}, err)
		}
	}

	raw, err := f.light.Fetch(budget, url)
	result, resultErr := f.classify(ctx, url, crawler.StrategyLightHTTP, raw, err)
	f.observe(result)

	reason := f.escalationReason(result, raw, err)
	if reason == detector.ReasonNone || f.browser == nil || budget.Err() != nil {
		return result, resultErr
	}

	metrics.ObserveEscalation(string(reason))
	f.logger.Debug("escalating to browser",
		zap.String("url", url),
		zap.String("reason", string(reason)),
		zap.Int("light_bytes", len(raw.Body)),
	)

	braw, berr := f.browser.Fetch(budget, url)
	bresult, bresultErr := f.classify(ctx, url, crawler.StrategyBrowser, braw, berr)
	f.observe(bresult)

	if berr != nil && result.Status == crawler.FetchOK && ctx.Err() == nil && budget.Err() == nil &&
		crawler.KindOf(berr) != crawler.KindResourceExhaustion {
		f.logger.Warn("browser render failed; keeping light response", zap.String("url", url), zap.Error(berr))
		return result, resultErr
	}
	return bresult, bresultErr
}

func (f *Fetcher) escalationReason(result crawler.PageFetchResult, raw crawler.RawResponse, err error) detector.Reason {
	if err != nil {
		return detector.ReasonNone
	}
	switch result.Status {
	case crawler.FetchOK:
		_, reason := f.detector.ShouldPromote(raw.StatusCode, raw.Body)
		return reason
	case crawler.FetchBlocked:
		if f.cfg.EscalateOnBlocked {
			return detector.ReasonBlocked
		}
	}
	return detector.ReasonNone
}

// classify maps a strategy outcome onto a PageFetchResult and a kinded error.
func (f *Fetcher) classify(
	parent context.Context,
	url string,
	strategy crawler.FetchStrategy,
	raw crawler.RawResponse,
	err error,
) (crawler.PageFetchResult, error) {
	result := crawler.PageFetchResult{
		URL:         url,
		FinalURL:    raw.FinalURL,
		StatusCode:  raw.StatusCode,
		Content:     raw.Body,
		ContentType: raw.Headers.Get("Content-Type"),
		Strategy:    strategy,
		Duration:    raw.Duration,
	}

	if err != nil {
		result.Content = nil
		switch {
		case parent.Err() != nil:
			result.Status = crawler.FetchTimeout
			return result, fmt.Errorf("fetch %s: %w", url, parent.Err())
		case crawler.KindOf(err) == crawler.KindResourceExhaustion:
			result.Status = crawler.FetchTimeout
			return result, err
		case isTimeout(err):
			result.Status = crawler.FetchTimeout
			return result, crawler.NewError(crawler.KindFetchTransient, "fetch", url, err)
		default:
			result.Status = crawler.FetchHTTPError
			return result, crawler.NewError(crawler.KindFetchTransient, "fetch", url, err)
		}
	}

	code := raw.StatusCode
	switch {
	case detector.IsChallenge(code, raw.Headers, raw.Body):
		result.Status = crawler.FetchBlocked
		return result, crawler.NewError(crawler.KindFetchTransient, "fetch", url, fmt.Errorf("anti-bot challenge (status %d)", code))
	case code >= 200 && code < 300:
		result.Status = crawler.FetchOK
		return result, nil
	case code == http.StatusTooManyRequests || code >= 500:
		result.Status = crawler.FetchHTTPError
		return result, crawler.NewError(crawler.KindFetchTransient, "fetch", url, fmt.Errorf("status %d", code))
	default:
		result.Status = crawler.FetchHTTPError
		return result, crawler.NewError(crawler.KindFetchPermanent, "fetch", url, fmt.Errorf("status %d", code))
	}
}

func (f *Fetcher) observe(result crawler.PageFetchResult) {
	metrics.ObserveFetch(result.URL, string(result.Strategy), string(result.Status), len(result.Content), result.Duration)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
