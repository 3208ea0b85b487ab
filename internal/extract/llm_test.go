package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/job-aggregator/internal/crawler"
	hashsha "github.com/JakeFAU/job-aggregator/internal/hash/sha256"
)

func TestLLMScoresCompleteness(t *testing.T) {
	t.Parallel()

	client := &fakeCompleter{answers: []string{"```json\n" + `[{"title":"Staff Engineer","location":"Remote","salary_range":"$200k","description":"Build things","responsibilities":["Design","Review"],"qualification":null,"url":"/jobs/9"}]` + "\n```"}}
	l := newTestLLM(LLMConfig{}, client, nil)

	records, err := l.Extract(context.Background(), page("https://acme.example/careers", acmeTextHTML), "Acme")

	require.NoError(t, err)
	require.Len(t, records, 1)
	r := records[0]
	assert.Equal(t, "Acme", r.Company)
	assert.Equal(t, "Staff Engineer", r.Title)
	assert.Equal(t, "https://acme.example/jobs/9", r.URL)
	assert.Equal(t, "Remote", r.LocationOrEmpty())
	assert.Equal(t, "$200k", r.CompensationOrEmpty())
	assert.Equal(t, "Design\nReview", r.Responsibilities)
	assert.Equal(t, crawler.ExtractionLLMAssisted, r.Strategy)
	assert.InDelta(t, 0.95, r.Confidence, 0.001)
	assert.Equal(t, 1, client.Calls())
	assert.Contains(t, client.prompts[0], "Staff Engineer")
}

func TestLLMPostingsWithoutLinks(t *testing.T) {
	t.Parallel()

	client := &fakeCompleter{answers: []string{`[{"title":"A Role"},{"title":""},{"title":"B Role!"}]`}}
	l := newTestLLM(LLMConfig{}, client, nil)

	records, err := l.Extract(context.Background(), page("https://acme.example/careers", acmeTextHTML), "Acme")

	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "https://acme.example/careers#a-role", records[0].URL)
	assert.Equal(t, "https://acme.example/careers#b-role", records[1].URL)
	assert.InDelta(t, 0.4, records[0].Confidence, 0.001)
	assert.Nil(t, records[0].Location)
}

func TestLLMSingleObjectAnswer(t *testing.T) {
	t.Parallel()

	client := &fakeCompleter{answers: []string{`{"title":"Solo Role","location":"Paris"}`}}
	l := newTestLLM(LLMConfig{}, client, nil)

	records, err := l.Extract(context.Background(), page("https://acme.example/careers/solo", acmeTextHTML), "Acme")

	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "https://acme.example/careers/solo", records[0].URL)
	assert.Equal(t, "Paris", records[0].LocationOrEmpty())
}

func TestLLMMalformedRetriedOnce(t *testing.T) {
	t.Parallel()

	client := &fakeCompleter{answers: []string{"Sure! Here are the jobs:", "still not json"}}
	l := newTestLLM(LLMConfig{}, client, nil)

	records, err := l.Extract(context.Background(), page("https://acme.example/careers", acmeTextHTML), "Acme")

	require.Error(t, err)
	assert.Empty(t, records)
	assert.Equal(t, 2, client.Calls())
	assert.Equal(t, crawler.KindExtractionMalformed, crawler.KindOf(err))
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestLLMMalformedThenValid(t *testing.T) {
	t.Parallel()

	client := &fakeCompleter{answers: []string{"{oops", `[{"title":"Recovered Role"}]`}}
	l := newTestLLM(LLMConfig{}, client, nil)

	records, err := l.Extract(context.Background(), page("https://acme.example/careers", acmeTextHTML), "Acme")

	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 2, client.Calls())
}

func TestLLMPermanentErrorNotRetried(t *testing.T) {
	t.Parallel()

	apiErr := crawler.NewError(crawler.KindFetchPermanent, "llm complete", "", errors.New("400"))
	client := &fakeCompleter{errs: []error{apiErr}}
	l := newTestLLM(LLMConfig{}, client, nil)

	_, err := l.Extract(context.Background(), page("https://acme.example/careers", acmeTextHTML), "Acme")

	require.Error(t, err)
	assert.Equal(t, 1, client.Calls())
	assert.Equal(t, crawler.KindFetchPermanent, crawler.KindOf(err))
}

func TestLLMUsesCache(t *testing.T) {
	t.Parallel()

	cache := newMemCache()
	client := &fakeCompleter{answers: []string{`[{"title":"Cached Role"}]`}}
	l := newTestLLM(LLMConfig{}, client, cache)
	p := page("https://acme.example/careers", acmeTextHTML)

	first, err := l.Extract(context.Background(), p, "Acme")
	require.NoError(t, err)
	second, err := l.Extract(context.Background(), p, "Acme")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, client.Calls())
	require.Len(t, cache.data, 1)
	for key := range cache.data {
		assert.Contains(t, key, "llm:test-model:")
	}
}

func TestLLMSkipsPagesWithoutJobVocabulary(t *testing.T) {
	t.Parallel()

	client := &fakeCompleter{}
	l := newTestLLM(LLMConfig{RequireKeywords: true}, client, nil)
	bakery := `<html><body><p>Fresh bread every morning.</p></body></html>`

	records, err := l.Extract(context.Background(), page("https://bakery.example/", bakery), "Bakery")

	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Zero(t, client.Calls())
}

func TestLLMChunksLongPages(t *testing.T) {
	t.Parallel()

	body := "<html><body>"
	for i := 0; i < 40; i++ {
		body += "<p>We are hiring engineers for many interesting positions across the company.</p>"
	}
	body += "</body></html>"
	client := &fakeCompleter{answers: []string{"[]"}}
	l := newTestLLM(LLMConfig{MaxChunkChars: 500}, client, nil)

	records, err := l.Extract(context.Background(), page("https://acme.example/careers", body), "Acme")

	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Greater(t, client.Calls(), 1)
}

func TestNewLLMRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := NewLLM(LLMConfig{}, nil, nil, hashsha.New("test"), nil, nil)
	require.Error(t, err)
	assert.Equal(t, crawler.KindConfig, crawler.KindOf(err))
}

func TestParseAnswer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    int
		wantErr bool
	}{
		{name: "empty list", raw: "[]", want: 0},
		{name: "fenced", raw: "```json\n[{\"title\":\"x\"}]\n```", want: 1},
		{name: "wrapped list", raw: `{"jobs":[{"title":"x"},{"title":"y"}]}`, want: 2},
		{name: "numbers and objects", raw: `[{"title":"x","salary_range":120000,"location":{"city":"Oslo"}}]`, want: 1},
		{name: "prose", raw: "I could not find any jobs.", wantErr: true},
		{name: "blank", raw: "  ", wantErr: true},
		{name: "truncated", raw: `[{"title":"x"`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseAnswer(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedResponse)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestLooseStringValues(t *testing.T) {
	t.Parallel()

	got, err := parseAnswer(`[{"title":"x","salary_range":120000,"location":{"city":"Oslo","country":"Norway"}}]`)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "120000", string(got[0].SalaryRange))
	assert.Equal(t, "Oslo, Norway", string(got[0].Location))
}

func TestSlugify(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "senior-go-engineer-remote", slugify("Senior Go Engineer (Remote)"))
	assert.Equal(t, "posting", slugify("!!!"))
}
