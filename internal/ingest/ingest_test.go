package ingest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/job-aggregator/internal/crawler"
)

var acme = crawler.Target{Company: "Acme", SeedURL: "https://acme.example/careers"}
var globex = crawler.Target{Company: "Globex", SeedURL: "https://globex.example/jobs"}

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		format Format
		input  string
	}{
		{
			name:   "csv with extra columns",
			format: FormatCSV,
			input:  "\ufeffCompany,notes,URL\nAcme,first, https://acme.example/careers\n,,\nGlobex,,https://globex.example/jobs\n",
		},
		{
			name:   "yaml list",
			format: FormatYAML,
			input:  "- company: Acme\n  url: https://acme.example/careers\n- company: Globex\n  url: https://globex.example/jobs\n",
		},
		{
			name:   "yaml document",
			format: FormatYAML,
			input:  "targets:\n  - company: Acme\n    url: https://acme.example/careers\n  - company: Globex\n    url: https://globex.example/jobs\n",
		},
		{
			name:   "json list with duplicate",
			format: FormatJSON,
			input:  `[{"company":"Acme","url":"https://acme.example/careers"},{"company":" Acme ","url":"https://acme.example/careers"},{"company":"Globex","url":"https://globex.example/jobs"}]`,
		},
		{
			name:   "json document",
			format: FormatJSON,
			input:  `{"targets":[{"company":"Acme","url":"https://acme.example/careers"},{"company":"Globex","url":"https://globex.example/jobs"}]}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(strings.NewReader(tt.input), tt.format)
			require.NoError(t, err)
			assert.Equal(t, []crawler.Target{acme, globex}, got)
		})
	}
}

func TestParseRejectsInvalidTargets(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		format Format
		input  string
		want   string
	}{
		{name: "missing columns", format: FormatCSV, input: "name,site\nAcme,x\n", want: "company and url"},
		{name: "empty company", format: FormatJSON, input: `[{"company":"","url":"https://a.example"}]`, want: "target 1: company is required"},
		{name: "relative url", format: FormatYAML, input: "- company: Acme\n  url: /careers\n", want: "target 1 (Acme)"},
		{name: "ftp url", format: FormatJSON, input: `[{"company":"Acme","url":"ftp://a.example"}]`, want: "unsupported scheme"},
		{name: "empty file", format: FormatCSV, input: "", want: "no targets"},
		{name: "bad json", format: FormatJSON, input: `{`, want: "decode json"},
		{name: "unknown format", format: Format("xml"), input: "", want: "unsupported targets format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(strings.NewReader(tt.input), tt.format)
			require.Error(t, err)
			assert.Equal(t, crawler.KindConfig, crawler.KindOf(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "targets.yml")
	require.NoError(t, os.WriteFile(path, []byte("- company: Acme\n  url: https://acme.example/careers\n"), 0o600))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []crawler.Target{acme}, got)

	_, err = Load(filepath.Join(dir, "targets.txt"))
	assert.Equal(t, crawler.KindConfig, crawler.KindOf(err))

	_, err = Load(filepath.Join(dir, "missing.csv"))
	assert.Equal(t, crawler.KindConfig, crawler.KindOf(err))
}
