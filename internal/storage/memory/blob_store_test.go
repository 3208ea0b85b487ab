package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("company,title\n")
	uri, err := store.PutObject(context.Background(), "/runs/r1/dataset.csv", "text/csv", payload)
	require.NoError(t, err)
	assert.Equal(t, "memory://runs/r1/dataset.csv", uri)

	payload[0] = 'C'
	data, contentType, ok := store.Object("runs/r1/dataset.csv")
	require.True(t, ok)
	assert.Equal(t, "company,title\n", string(data))
	assert.Equal(t, "text/csv", contentType)
	assert.Equal(t, []string{"runs/r1/dataset.csv"}, store.Paths())
}

func TestBlobStoreRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().PutObject(context.Background(), "  ", "text/csv", nil)
	require.Error(t, err)
}
