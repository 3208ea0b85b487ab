package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/job-aggregator/internal/config"
	"github.com/JakeFAU/job-aggregator/internal/crawler"
	"github.com/JakeFAU/job-aggregator/internal/llm"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load(config.Options{EnvFile: filepath.Join(t.TempDir(), "none.env")})
	require.NoError(t, err)
	cfg.Storage.Backend = "memory"
	cfg.Crawl.MaxDepth = 0
	cfg.Crawl.Timeout = 5 * time.Second
	cfg.Extract.LLMEnabled = false
	cfg.Headless.Enabled = false
	cfg.RateLimit.RPS = 0
	return cfg
}

const careersPage = `<html><head><title>Careers</title>
<script type="application/ld+json">
{"@context":"https://schema.org","@type":"JobPosting","title":"Platform Engineer",
 "jobLocation":{"@type":"Place","address":{"addressLocality":"Austin","addressRegion":"TX"}},
 "description":"Build the platform."}
</script></head><body><main><h1>Platform Engineer</h1><p>%s</p>
<a href="/apply">Apply now</a></main></body></html>`

func TestBuildAndRun(t *testing.T) {
	body := fmt.Sprintf(careersPage, strings.Repeat("We build reliable infrastructure for everyone. ", 20))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	app, err := Build(ctx, testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(ctx) })

	run, err := app.Engine().Run(ctx, []crawler.Target{{Company: "Acme", SeedURL: srv.URL + "/careers"}})
	require.NoError(t, err)

	assert.Equal(t, crawler.JobStateCompleted, run.State)
	require.Len(t, run.Jobs, 1)
	assert.Equal(t, 1, run.Jobs[0].PagesVisited)
	assert.Equal(t, 1, run.Records)
	assert.Contains(t, run.Exports, "csv")
	assert.Contains(t, run.Exports, "json")
}

func TestBuildRefusesRunsWithoutAPIKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Extract.LLMEnabled = true
	cfg.LLM.APIKey = ""

	ctx := context.Background()
	app, err := Build(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(ctx) })

	_, err = app.Engine().Run(ctx, []crawler.Target{{Company: "Acme", SeedURL: "https://acme.example/careers"}})
	require.ErrorIs(t, err, crawler.ErrMissingAPIKey)
	assert.Equal(t, crawler.KindConfig, crawler.KindOf(err))
}

func TestBuildRejectsUnknownFormat(t *testing.T) {
	cfg := testConfig(t)
	cfg.Export.Formats = []string{"parquet"}

	_, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.Error(t, err)
}

const linksPage = `<html><body>
<a href="/careers/jobs/1-eng">Platform Engineer</a>
<a href="/careers?page=2">Next</a>
</body></html>`

func discoveredURLs(app *App) []string {
	page := crawler.PageFetchResult{URL: "https://acme.example/careers", Content: []byte(linksPage)}
	var out []string
	for _, l := range app.setupDiscoverer().Discover(context.Background(), page, 0, 1, 5) {
		out = append(out, l.URL)
	}
	return out
}

func TestSetupDiscovererRanksWithModel(t *testing.T) {
	var calls atomic.Int32
	llmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		answer := "NO"
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil && len(req.Messages) > 0 &&
			strings.Contains(req.Messages[len(req.Messages)-1].Content, "page=2") {
			answer = "YES"
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"choices":[{"message":{"content":%q}}]}`, answer)
	}))
	t.Cleanup(llmSrv.Close)

	client, err := llm.New(llm.Config{APIKey: "sk-test", BaseURL: llmSrv.URL}, nil)
	require.NoError(t, err)

	cfg := testConfig(t)
	heuristic := discoveredURLs(&App{cfg: cfg, logger: zaptest.NewLogger(t), llmClient: client})
	assert.Equal(t, []string{
		"https://acme.example/careers/jobs/1-eng",
		"https://acme.example/careers?page=2",
	}, heuristic)
	assert.Zero(t, calls.Load())

	cfg.Discover.LLMRerank = true
	ranked := discoveredURLs(&App{cfg: cfg, logger: zaptest.NewLogger(t), llmClient: client})
	assert.Equal(t, []string{
		"https://acme.example/careers?page=2",
		"https://acme.example/careers/jobs/1-eng",
	}, ranked)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSetupDiscovererWithoutClientFallsBack(t *testing.T) {
	cfg := testConfig(t)
	cfg.Discover.LLMRerank = true

	assert.Equal(t, []string{
		"https://acme.example/careers/jobs/1-eng",
		"https://acme.example/careers?page=2",
	}, discoveredURLs(&App{cfg: cfg, logger: zaptest.NewLogger(t)}))
}
