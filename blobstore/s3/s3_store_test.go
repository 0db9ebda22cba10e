package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hupe1980/strata/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestStore_PutOpenRead(t *testing.T) {
	client := newFakeClient()
	store := NewStore(client, "bucket", "strata")
	ctx := context.Background()

	data := []byte(`{"id":"b-1","seq":42}`)
	require.NoError(t, store.Put(ctx, "backups/b-1.json", data))

	require.Len(t, client.puts, 1)
	assert.Equal(t, "strata/backups/b-1.json", aws.ToString(client.puts[0].Key))
	assert.Equal(t, computeCRC32C(data), aws.ToString(client.puts[0].ChecksumCRC32C))

	blob, err := store.Open(ctx, "backups/b-1.json")
	require.NoError(t, err)
	defer blob.Close()
	assert.Equal(t, int64(len(data)), blob.Size())

	buf := make([]byte, 4)
	n, err := blob.ReadAt(ctx, buf, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, `id":`, string(buf))

	buf = make([]byte, 8)
	n, err = blob.ReadAt(ctx, buf, int64(len(data))-3)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "42}", string(buf[:n]))

	got, err := blobstore.ReadAll(ctx, store, "backups/b-1.json")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStore_OpenMissing(t *testing.T) {
	store := NewStore(newFakeClient(), "bucket", "")

	_, err := store.Open(context.Background(), "nope")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestStore_StreamingUpload(t *testing.T) {
	client := newFakeClient()
	store := NewStore(client, "bucket", "")
	ctx := context.Background()

	w, err := store.Create(ctx, "backups/b-2.lz4")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := w.Write([]byte("chunk-"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	got, err := blobstore.ReadAll(ctx, store, "backups/b-2.lz4")
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("chunk-"), 10), got)
}

func TestStore_MultipartUpload(t *testing.T) {
	client := newFakeClient()
	store := NewStore(client, "bucket", "", func(c *UploadConfig) {
		c.PartSize = 5 * 1024 * 1024
		c.Concurrency = 2
	})
	ctx := context.Background()

	data := make([]byte, 11*1024*1024)
	for i := range data {
		data[i] = byte(i % 251)
	}

	w, err := store.Create(ctx, "big.lz4")
	require.NoError(t, err)
	_, err = io.Copy(w, bytes.NewReader(data))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, err := blobstore.ReadAll(ctx, store, "big.lz4")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
	assert.Empty(t, client.uploads)
}

func TestStore_ListAndDelete(t *testing.T) {
	client := newFakeClient()
	client.pageSize = 2
	store := NewStore(client, "bucket", "strata/", func(c *UploadConfig) { c.EnableChecksum = false })
	ctx := context.Background()

	for _, name := range []string{"backups/c.json", "backups/a.json", "backups/b.json", "other/x"} {
		require.NoError(t, store.Put(ctx, name, []byte(name)))
	}
	require.NoError(t, NewStore(client, "bucket", "").Put(ctx, "outside", []byte("x")))

	names, err := store.List(ctx, "backups/")
	require.NoError(t, err)
	assert.Equal(t, []string{"backups/a.json", "backups/b.json", "backups/c.json"}, names)

	names, err = store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, names, 4)

	require.NoError(t, store.Delete(ctx, "backups/a.json"))
	_, err = store.Open(ctx, "backups/a.json")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

// mockClient overrides selected calls of the fake with testify expectations.
type mockClient struct {
	*fakeClient
	mock.Mock
}

func (m *mockClient) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.HeadObjectOutput)
	return out, args.Error(1)
}

func (m *mockClient) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.DeleteObjectOutput)
	return out, args.Error(1)
}

func TestStore_ErrorMapping(t *testing.T) {
	client := &mockClient{fakeClient: newFakeClient()}
	store := NewStore(client, "bucket", "")
	ctx := context.Background()

	boom := errors.New("access denied")
	client.On("HeadObject", mock.Anything, mock.MatchedBy(func(in *s3.HeadObjectInput) bool {
		return aws.ToString(in.Key) == "denied"
	})).Return(nil, boom)
	client.On("HeadObject", mock.Anything, mock.Anything).Return(nil, &types.NoSuchKey{})
	client.On("DeleteObject", mock.Anything, mock.Anything).Return(nil, &types.NoSuchKey{}).Once()

	_, err := store.Open(ctx, "denied")
	assert.ErrorIs(t, err, boom)

	_, err = store.Open(ctx, "missing")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	assert.NoError(t, store.Delete(ctx, "missing"))
	client.AssertExpectations(t)
}

func TestComputeCRC32C(t *testing.T) {
	// CRC32C("123456789") = 0xE3069283
	assert.Equal(t, "4waSgw==", computeCRC32C([]byte("123456789")))
}
