package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("Product ID,Brand\n")
	uri, err := store.PutObject(context.Background(), "exports/catalog.csv", "text/csv", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://exports/catalog.csv", uri)

	payload[0] = 'X'
	obj, ok := store.Get("exports/catalog.csv")
	require.True(t, ok)
	require.Equal(t, "Product ID,Brand\n", string(obj.Data))
	require.Equal(t, "text/csv", obj.ContentType)
	require.Equal(t, []string{"exports/catalog.csv"}, store.Paths())

	_, err = store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	require.Error(t, err)
}
