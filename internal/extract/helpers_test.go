package extract

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/job-aggregator/internal/crawler"
	hashsha "github.com/JakeFAU/job-aggregator/internal/hash/sha256"
	"github.com/JakeFAU/job-aggregator/internal/retry"
)

const acmeCardsHTML = `<html><head><title>Careers at Acme</title></head><body>
<nav><a href="/about">About</a><a href="/careers">Careers</a></nav>
<main>
  <h1>Open roles</h1>
  <ul class="jobs">
    <li class="job-card"><a href="/careers/jobs/101"><h3>Backend Engineer</h3></a><span class="location">Austin, TX</span></li>
    <li class="job-card"><a href="/careers/jobs/102"><h3>Product Designer</h3></a><span class="location">Remote</span></li>
  </ul>
</main>
<footer><a href="/privacy">Privacy</a></footer>
</body></html>`

const acmeTextHTML = `<html><head><title>Join Acme</title></head><body>
<main><p>We are hiring a Staff Engineer to work remotely. Email jobs@acme.example with your resume.</p></main>
</body></html>`

func page(url, body string) crawler.PageFetchResult {
	return crawler.PageFetchResult{
		URL:         url,
		FinalURL:    url,
		Status:      crawler.FetchOK,
		StatusCode:  200,
		Content:     []byte(body),
		ContentType: "text/html; charset=utf-8",
		Strategy:    crawler.StrategyLightHTTP,
	}
}

type fakeCompleter struct {
	mu      sync.Mutex
	answers []string
	errs    []error
	calls   int
	prompts []string
}

func (f *fakeCompleter) Complete(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	f.prompts = append(f.prompts, prompt)
	if idx < len(f.errs) && f.errs[idx] != nil {
		return "", f.errs[idx]
	}
	if len(f.answers) == 0 {
		return "[]", nil
	}
	if idx >= len(f.answers) {
		idx = len(f.answers) - 1
	}
	return f.answers[idx], nil
}

func (f *fakeCompleter) Model() string {
	return "test-model"
}

func (f *fakeCompleter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memCache struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string]string)}
}

func (m *memCache) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestLLM(cfg LLMConfig, client Completer, cache Cache) *LLM {
	l, err := NewLLM(cfg, client, cache, hashsha.New("test"), retry.New(retry.Config{Limit: 3}, retry.WithSleep(noSleep)), nil)
	if err != nil {
		panic(err)
	}
	return l
}
