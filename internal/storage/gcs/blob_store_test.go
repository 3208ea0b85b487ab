package gcs

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufferWriter struct {
	bytes.Buffer
	closeErr error
	closed   bool
}

func (w *bufferWriter) Close() error {
	w.closed = true
	return w.closeErr
}

func TestPutObjectUploadsUnderPrefix(t *testing.T) {
	t.Parallel()

	w := &bufferWriter{}
	var gotObject, gotType string
	store, err := newStore(Config{Bucket: "exports", Prefix: "/jobcrawl/"}, func(_ context.Context, object, contentType string) objectWriter {
		gotObject, gotType = object, contentType
		return w
	})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "runs/r1/dataset.csv", "text/csv", []byte("a,b\n"))
	require.NoError(t, err)
	assert.Equal(t, "gs://exports/jobcrawl/runs/r1/dataset.csv", uri)
	assert.Equal(t, "jobcrawl/runs/r1/dataset.csv", gotObject)
	assert.Equal(t, "text/csv", gotType)
	assert.Equal(t, "a,b\n", w.String())
	assert.True(t, w.closed)
}

func TestPutObjectSurfacesFinalizeError(t *testing.T) {
	t.Parallel()

	store, err := newStore(Config{Bucket: "exports"}, func(context.Context, string, string) objectWriter {
		return &bufferWriter{closeErr: errors.New("precondition failed")}
	})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "dataset.json", "application/json", []byte("[]"))
	require.ErrorContains(t, err, "precondition failed")
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = newStore(Config{}, nil)
	require.Error(t, err)
}
