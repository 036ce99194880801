package storage

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tencentyun/cos-go-sdk-v5"

	"github.com/heapstream/internal/archive"
	"github.com/heapstream/pkg/config"
	apperrors "github.com/heapstream/pkg/errors"
	"github.com/heapstream/pkg/utils"
)

func cosConfig() *config.StorageConfig {
	return &config.StorageConfig{
		Type:      "cos",
		Bucket:    "heaps-1250000000",
		Region:    "ap-shanghai",
		SecretID:  "test-id",
		SecretKey: "test-key",
	}
}

func TestNewStorage_COSArchiveURL(t *testing.T) {
	tests := []struct {
		name   string
		scheme string
		domain string
		want   string
	}{
		{"Defaults", "", "", "https://heaps-1250000000.cos.ap-shanghai.myqcloud.com/archives/app.hsar"},
		{"CustomEndpoint", "http", "internal.example", "http://heaps-1250000000.cos.ap-shanghai.internal.example/archives/app.hsar"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := cosConfig()
			cfg.Scheme = tt.scheme
			cfg.Domain = tt.domain

			store, err := NewStorage(cfg)
			require.NoError(t, err)
			require.IsType(t, &COSStorage{}, store)
			assert.Equal(t, tt.want, store.GetURL("archives/app.hsar"))
		})
	}
}

func TestNewStorage_COSRequiresBucketAndCredentials(t *testing.T) {
	noBucket := cosConfig()
	noBucket.Bucket = ""
	noSecret := cosConfig()
	noSecret.SecretKey = ""

	for name, cfg := range map[string]*config.StorageConfig{"NoBucket": noBucket, "NoSecret": noSecret} {
		t.Run(name, func(t *testing.T) {
			store, err := NewStorage(cfg)
			assert.Error(t, err)
			assert.Nil(t, store)
		})
	}
}

func TestCOSStorage_WrapNotFound(t *testing.T) {
	store, err := NewCOSStorage(&COSConfig{Bucket: "b", Region: "r", SecretID: "id", SecretKey: "key"})
	require.NoError(t, err)

	respond := func(status int) error {
		req := httptest.NewRequest(http.MethodGet, "https://b.cos.r.myqcloud.com/archives/app.hsar", nil)
		return &cos.ErrorResponse{
			Response: &http.Response{StatusCode: status, Header: http.Header{}, Request: req},
			Code:     http.StatusText(status),
		}
	}

	notFound := store.wrap("download archives/app.hsar", respond(http.StatusNotFound))
	assert.Equal(t, apperrors.CodeNotFound, apperrors.GetErrorCode(notFound))

	denied := store.wrap("download archives/app.hsar", respond(http.StatusForbidden))
	assert.Equal(t, apperrors.CodeStorageError, apperrors.GetErrorCode(denied))
}

// fakeBucket serves one archive key over the COS object API.
func fakeBucket(t *testing.T, key string, data []byte) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var gets atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+key {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			gets.Add(1)
			_, _ = w.Write(data)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &gets
}

func TestCOSStorage_ArchiveCacheFetch(t *testing.T) {
	b, err := archive.Synthesize(archive.SynthOptions{Roots: 6, ListLength: 3, Strings: 2, Seed: 3})
	require.NoError(t, err)
	data, err := b.Bytes()
	require.NoError(t, err)

	srv, gets := fakeBucket(t, "archives/app.hsar", data)
	store, err := NewCOSStorage(&COSConfig{Bucket: "heaps", Region: "ap-shanghai", SecretID: "id", SecretKey: "key"})
	require.NoError(t, err)
	store.client.BaseURL.BucketURL, err = url.Parse(srv.URL)
	require.NoError(t, err)

	cache, err := NewArchiveCache(store, t.TempDir(), &utils.NullLogger{})
	require.NoError(t, err)
	ctx := context.Background()

	path, err := cache.Fetch(ctx, "archives/app.hsar")
	require.NoError(t, err)
	again, err := cache.Fetch(ctx, "archives/app.hsar")
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.Equal(t, int64(1), gets.Load(), "second fetch is served from the cache")

	v, err := archive.Open(path)
	require.NoError(t, err)
	defer v.Release()
	assert.Equal(t, b.ObjectCount(), v.ObjectCount())
	assert.Equal(t, 6, v.RootCount())

	_, err = cache.Fetch(ctx, "archives/missing.hsar")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeNotFound, apperrors.GetErrorCode(err))

	err = store.DownloadFile(ctx, "archives/missing.hsar", path+".missing")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeNotFound, apperrors.GetErrorCode(err))

	var buf bytes.Buffer
	rc, err := store.Download(ctx, "archives/app.hsar")
	require.NoError(t, err)
	_, err = buf.ReadFrom(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, data, buf.Bytes())
}
