package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Store = (*MemStore)(nil)
	_ Store = (*RedisStore)(nil)
)

func TestMemStore_PutGetRoundTrip(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "bucket", "key", []byte("hello world")))

	got, err := s.Get(ctx, "bucket", "key")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestMemStore_GetMissingKey(t *testing.T) {
	s := NewMemStore()
	_, err := s.Get(context.Background(), "bucket", "missing")
	require.Error(t, err)
	var objErr *ObjectStoreError
	assert.ErrorAs(t, err, &objErr)
}

func TestMemStore_GetRange(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "bucket", "key", []byte("0123456789")))

	got, err := s.GetRange(ctx, "bucket", "key", 2, 5)
	require.NoError(t, err)
	assert.Equal(t, "234", string(got))
}

func TestMemStore_GetRange_OutOfBounds(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "bucket", "key", []byte("short")))

	_, err := s.GetRange(ctx, "bucket", "key", 0, 100)
	require.Error(t, err)
}

func TestSampleKey(t *testing.T) {
	assert.Equal(t, "05", SampleKey(5))
	assert.Equal(t, "042", SampleKey(42))
}
