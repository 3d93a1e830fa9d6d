package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/restopos/datacache/pkg/errors"
)

// fakeS3 is an in-memory bucket implementing S3API
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	pageSize int
	getErr   error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte), pageSize: 2}
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) && key > aws.ToString(in.ContinuationToken) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{}
	if len(keys) > f.pageSize {
		keys = keys[:f.pageSize]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	for _, key := range keys {
		out.Contents = append(out.Contents, s3types.Object{
			Key:  aws.String(key),
			Size: aws.Int64(int64(len(f.objects[key]))),
		})
	}
	return out, nil
}

func TestS3ReadWriteDelete(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	store := NewS3WithClient(fake, "restopos", "datacache/")

	_, found, err := store.Read(ctx, "cache_clientes_")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Write(ctx, "cache_clientes_", []byte("ana,bruno")))
	assert.Contains(t, fake.objects, "datacache/cache_clientes_")

	got, found, err := store.Read(ctx, "cache_clientes_")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("ana,bruno"), got)

	require.NoError(t, store.Delete(ctx, "cache_clientes_"))
	_, found, _ = store.Read(ctx, "cache_clientes_")
	assert.False(t, found)
}

func TestS3ListKeysAndSizePaginate(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	store := NewS3WithClient(fake, "restopos", "datacache/")

	for _, key := range []string{"cache_a_", "cache_b_", "cache_c_", "cache_d_", "other"} {
		require.NoError(t, store.Write(ctx, key, []byte("xx")))
	}
	fake.objects["foreign/cache_z_"] = []byte("outside the prefix")

	keys, err := store.ListKeys(ctx, "cache_")
	require.NoError(t, err)
	assert.Equal(t, []string{"cache_a_", "cache_b_", "cache_c_", "cache_d_"}, keys)

	size, err := store.Size(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 10, size)
}

func TestS3ReadErrors(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	store := NewS3WithClient(fake, "restopos", "")

	fake.getErr = &smithy.GenericAPIError{Code: "NotFound"}
	_, found, err := store.Read(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	fake.getErr = errors.New("connection reset")
	_, _, err = store.Read(ctx, "k")
	require.Error(t, err)
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeStorageRead))
	assert.True(t, cerrors.IsRetryable(err))
}

func TestNewS3RequiresBucket(t *testing.T) {
	_, err := NewS3(context.Background(), S3Config{})
	require.Error(t, err)
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeInvalidConfig))
}
