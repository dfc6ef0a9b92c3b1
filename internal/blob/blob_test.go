package blob

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/cinetech-relay/internal/pkg/config"
)

func TestLocalStore_Put(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir, "https://relay.example/media/")
	require.NoError(t, err)

	url, err := store.Put(context.Background(), "images/abc.png", "image/png", strings.NewReader("png"))
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example/media/images/abc.png", url)

	data, err := os.ReadFile(filepath.Join(dir, "images", "abc.png"))
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))

	entries, _ := os.ReadDir(filepath.Join(dir, "images"))
	assert.Len(t, entries, 1, "temp files are cleaned up")
}

func TestLocalStore_RejectsTraversal(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "")
	require.NoError(t, err)

	_, err = store.Put(context.Background(), "../escape.png", "image/png", strings.NewReader("x"))
	assert.Error(t, err)
	_, err = store.Put(context.Background(), "", "image/png", strings.NewReader("x"))
	assert.Error(t, err)
}

type fakeS3 struct {
	input *s3.PutObjectInput
	body  string
	err   error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = params
	b, _ := io.ReadAll(params.Body)
	f.body = string(b)
	return &s3.PutObjectOutput{}, f.err
}

func TestS3Store_Put(t *testing.T) {
	fake := &fakeS3{}
	store := newS3StoreWithClient(fake, "cinetech-media", "generated", "https://cdn.example", nil)

	url, err := store.Put(context.Background(), "abc.png", "image/png", strings.NewReader("png"))
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.example/generated/abc.png", url)
	assert.Equal(t, "cinetech-media", aws.ToString(fake.input.Bucket))
	assert.Equal(t, "generated/abc.png", aws.ToString(fake.input.Key))
	assert.Equal(t, "image/png", aws.ToString(fake.input.ContentType))
	assert.Equal(t, "png", fake.body)
}

func TestS3Store_PutError(t *testing.T) {
	store := newS3StoreWithClient(&fakeS3{err: errors.New("access denied")}, "b", "", "https://cdn", nil)

	_, err := store.Put(context.Background(), "x.png", "image/png", strings.NewReader("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestNew_UnknownDriver(t *testing.T) {
	_, err := New(context.Background(), config.BlobConfig{Driver: "gcs"}, nil)
	assert.Error(t, err)

	store, err := New(context.Background(), config.BlobConfig{Driver: "local", Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LocalStore{}, store)
}
