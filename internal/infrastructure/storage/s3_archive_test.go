package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rostersync/backend/internal/infrastructure/config"
)

// fakeS3 answers the path-style bucket and object calls made by the archive
type fakeS3 struct {
	mu        sync.Mutex
	bucketOK  bool
	objects   map[string]string
	types     map[string]string
	requests  []string
	denyPuts  bool
	createErr bool
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)

	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	switch {
	case len(parts) == 1 && r.Method == http.MethodHead:
		if !f.bucketOK {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case len(parts) == 1 && r.Method == http.MethodPut:
		if f.createErr {
			writeS3Error(w, http.StatusForbidden, "AccessDenied")
			return
		}
		f.bucketOK = true
		w.WriteHeader(http.StatusOK)
	case len(parts) == 2 && r.Method == http.MethodPut:
		if f.denyPuts {
			writeS3Error(w, http.StatusForbidden, "AccessDenied")
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.objects[parts[1]] = string(body)
		f.types[parts[1]] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

// locked runs fn while holding the handler lock
func (f *fakeS3) locked(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

func writeS3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>`+code+`</Code><Message>denied</Message></Error>`)
}

func setupArchive(t *testing.T) (*S3MappingArchive, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: map[string]string{}, types: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	archive, err := NewS3MappingArchive(&config.ExportConfig{
		Bucket:          "exports",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "test-key",
		SecretAccessKey: "test-secret",
		UsePathStyle:    true,
	}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return archive, fake
}

func TestNewS3MappingArchive_Validation(t *testing.T) {
	t.Run("nil config returns error", func(t *testing.T) {
		_, err := NewS3MappingArchive(nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "configuration is required")
	})

	t.Run("missing bucket returns error", func(t *testing.T) {
		_, err := NewS3MappingArchive(&config.ExportConfig{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bucket is required")
	})

	t.Run("half a credential pair returns error", func(t *testing.T) {
		_, err := NewS3MappingArchive(&config.ExportConfig{Bucket: "exports", AccessKeyID: "key"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be set together")
	})

	t.Run("endpoint without scheme", func(t *testing.T) {
		archive, err := NewS3MappingArchive(&config.ExportConfig{
			Bucket:   "exports",
			Endpoint: "minio.internal:9000",
		})
		require.NoError(t, err)
		assert.Equal(t, "exports", archive.Bucket())
	})

	t.Run("default credential chain", func(t *testing.T) {
		archive, err := NewS3MappingArchive(&config.ExportConfig{Bucket: "exports"})
		require.NoError(t, err)
		require.NotNil(t, archive)
	})
}

func TestS3MappingArchive_Put(t *testing.T) {
	archive, fake := setupArchive(t)
	ctx := context.Background()

	body := `{"external_id":"ext-1","internal_id":"int-1"}` + "\n"
	err := archive.Put(ctx, "mappings/timeback/20260504T093000Z-a.ndjson", []byte(body), "application/x-ndjson")
	require.NoError(t, err)

	fake.locked(func() {
		assert.Equal(t, body, fake.objects["mappings/timeback/20260504T093000Z-a.ndjson"])
		assert.Equal(t, "application/x-ndjson", fake.types["mappings/timeback/20260504T093000Z-a.ndjson"])
	})

	t.Run("empty object key", func(t *testing.T) {
		err := archive.Put(ctx, "", []byte("x"), "text/plain")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "object key is required")
	})

	t.Run("rejected upload", func(t *testing.T) {
		fake.locked(func() { fake.denyPuts = true })
		defer fake.locked(func() { fake.denyPuts = false })
		err := archive.Put(ctx, "mappings/timeback/denied.ndjson", []byte("x"), "text/plain")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to upload export")
	})
}

func TestS3MappingArchive_EnsureBucket(t *testing.T) {
	t.Run("creates a missing bucket", func(t *testing.T) {
		archive, fake := setupArchive(t)
		require.NoError(t, archive.EnsureBucket(context.Background()))
		fake.locked(func() {
			assert.Equal(t, []string{"HEAD /exports", "PUT /exports"}, fake.requests)
			assert.True(t, fake.bucketOK)
		})
	})

	t.Run("existing bucket is left alone", func(t *testing.T) {
		archive, fake := setupArchive(t)
		fake.locked(func() { fake.bucketOK = true })
		require.NoError(t, archive.EnsureBucket(context.Background()))
		fake.locked(func() { assert.Equal(t, []string{"HEAD /exports"}, fake.requests) })
	})

	t.Run("creation failure", func(t *testing.T) {
		archive, fake := setupArchive(t)
		fake.locked(func() { fake.createErr = true })
		err := archive.EnsureBucket(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to create bucket")
	})
}
