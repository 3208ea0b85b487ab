// Package extract turns fetched pages into job records with an ordered chain
// of extraction strategies.
package extract

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/job-aggregator/internal/crawler"
	"github.com/JakeFAU/job-aggregator/internal/metrics"
)

// DefaultThreshold is the confidence a strategy's best record must exceed
// to stop the chain.
const DefaultThreshold = 0.5

// order is the fixed evaluation order of the chain.
var order = []crawler.ExtractionStrategy{
	crawler.ExtractionStructural,
	crawler.ExtractionLLMAssisted,
}

// Chain implements crawler.Extractor. Strategies run in a fixed order and
// the first one whose best record clears the threshold wins. When none
// does, the strategy with the most confident record wins.
type Chain struct {
	structural *Structural
	llm        *LLM
	threshold  float64
	logger     *zap.Logger
}

// NewChain builds a Chain. llm may be nil to run structural extraction only.
func NewChain(threshold float64, structural *Structural, llm *LLM, logger *zap.Logger) (*Chain, error) {
	if threshold < 0 || threshold > 1 {
		return nil, crawler.Errorf(crawler.KindConfig, "extract threshold must be within [0,1], got %v", threshold)
	}
	if structural == nil {
		return nil, fmt.Errorf("extract chain: structural extractor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{
		structural: structural,
		llm:        llm,
		threshold:  threshold,
		logger:     logger,
	}, nil
}

// Extract runs the chain on one page. Finding nothing is not an error.
func (c *Chain) Extract(ctx context.Context, page crawler.PageFetchResult, company string) ([]crawler.JobRecord, error) {
	var (
		best      []crawler.JobRecord
		bestScore = -1.0
	)
	for _, strategy := range order {
		var (
			records []crawler.JobRecord
			err     error
		)
		switch strategy {
		case crawler.ExtractionStructural:
			records = c.structural.Extract(page, company)
		case crawler.ExtractionLLMAssisted:
			if c.llm == nil {
				continue
			}
			records, err = c.llm.Extract(ctx, page, company)
		}
		if err != nil {
			if len(best) > 0 {
				c.logger.Warn("extraction fallback failed, keeping earlier records",
					zap.String("url", page.URL),
					zap.String("strategy", string(strategy)),
					zap.Error(err),
				)
				break
			}
			return nil, err
		}

		score := maxConfidence(records)
		c.logger.Debug("extraction strategy finished",
			zap.String("url", page.URL),
			zap.String("strategy", string(strategy)),
			zap.Int("records", len(records)),
			zap.Float64("max_confidence", score),
		)
		if len(records) > 0 && score > c.threshold {
			metrics.ObserveRecords(string(strategy), len(records))
			return records, nil
		}
		if len(records) > 0 && score > bestScore {
			best, bestScore = records, score
		}
	}
	if len(best) > 0 {
		metrics.ObserveRecords(string(best[0].Strategy), len(best))
	}
	return best, nil
}

func maxConfidence(records []crawler.JobRecord) float64 {
	best := -1.0
	for _, r := range records {
		if r.Confidence > best {
			best = r.Confidence
		}
	}
	return best
}
