package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/job-aggregator/internal/aggregate"
	"github.com/JakeFAU/job-aggregator/internal/crawler"
	"github.com/JakeFAU/job-aggregator/internal/storage/memory"
)

func sampleDataset() aggregate.Dataset {
	return aggregate.Aggregate([]crawler.JobRecord{
		{
			Company:    "Acme",
			Title:      "Backend Engineer",
			Location:   crawler.StringPtr("Austin, TX"),
			URL:        "https://acme.example/careers/jobs/101",
			Strategy:   crawler.ExtractionStructural,
			Confidence: 0.75,
		},
		{
			Company:      "Acme",
			Title:        "Staff Engineer",
			Compensation: crawler.StringPtr("USD 180000-220000 per year"),
			URL:          "https://acme.example/careers#staff-engineer",
			Strategy:     crawler.ExtractionLLMAssisted,
			Confidence:   0.6,
			Description:  "Own the platform, end to end",
		},
	})
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Format{"CSV": FormatCSV, " json ": FormatJSON, "xlsx": FormatXLSX, "Excel": FormatXLSX} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("parquet")
	require.Error(t, err)
	assert.Equal(t, crawler.KindConfig, crawler.KindOf(err))
}

func TestEncodeCSV(t *testing.T) {
	t.Parallel()

	data, err := Encode(FormatCSV, sampleDataset())
	require.NoError(t, err)

	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, Columns, rows[0])
	assert.Equal(t, []string{"Acme", "Backend Engineer", "Austin, TX", "", "https://acme.example/careers/jobs/101",
		"STRUCTURAL", "0.75", "", "", ""}, rows[1])
	assert.Equal(t, "Own the platform, end to end", rows[2][7])
}

func TestEncodeJSON(t *testing.T) {
	t.Parallel()

	data, err := Encode(FormatJSON, sampleDataset())
	require.NoError(t, err)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "LLM_ASSISTED", decoded[1]["extraction_strategy"])
	assert.Nil(t, decoded[1]["location"])

	empty, err := Encode(FormatJSON, aggregate.Aggregate())
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(empty))
}

func TestEncodeXLSX(t *testing.T) {
	t.Parallel()

	data, err := Encode(FormatXLSX, sampleDataset())
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows(sheetName)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, Columns, rows[0])
	assert.Equal(t, "Backend Engineer", rows[1][1])
	assert.Equal(t, "0.75", rows[1][6])
}

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Name() string { return "mock" }

func (m *mockSink) Upsert(ctx context.Context, records []crawler.JobRecord) (int, error) {
	args := m.Called(ctx, records)
	return args.Int(0), args.Error(1)
}

func TestExporterWritesFormatsAndSinks(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	sink := &mockSink{}
	sink.On("Upsert", mock.Anything, mock.MatchedBy(func(r []crawler.JobRecord) bool { return len(r) == 2 })).
		Return(2, nil).Once()

	e, err := New(Config{Formats: []Format{FormatCSV, FormatJSON}, Prefix: "exports"}, store, []RecordSink{sink}, nil)
	require.NoError(t, err)

	uris, err := e.Export(context.Background(), "run-1", sampleDataset())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"csv":  "memory://exports/runs/run-1/dataset.csv",
		"json": "memory://exports/runs/run-1/dataset.json",
	}, uris)
	_, contentType, ok := store.Object("exports/runs/run-1/dataset.csv")
	require.True(t, ok)
	assert.Equal(t, FormatCSV.ContentType(), contentType)
	sink.AssertExpectations(t)
}

func TestExporterContinuesAfterSinkFailure(t *testing.T) {
	t.Parallel()

	failing := &mockSink{}
	failing.On("Upsert", mock.Anything, mock.Anything).Return(0, errors.New("connection refused"))

	e, err := New(Config{Formats: []Format{FormatJSON}}, memory.NewBlobStore(), []RecordSink{failing}, nil)
	require.NoError(t, err)

	uris, err := e.Export(context.Background(), "run-2", sampleDataset())
	require.ErrorContains(t, err, "connection refused")
	assert.Contains(t, uris, "json")
}

func TestNewRequiresStoreForFormats(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Formats: []Format{FormatCSV}}, nil, nil, nil)
	require.Error(t, err)
	_, err = New(Config{}, nil, nil, nil)
	require.NoError(t, err)
}
