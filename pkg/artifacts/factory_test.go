package artifacts

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStoreFromEnv_DefaultIsFileStore(t *testing.T) {
	t.Setenv("ARTIFACT_STORAGE_TYPE", "")
	t.Setenv("ARTIFACT_RETENTION_DAYS", "")
	dir := t.TempDir()

	store, err := NewStoreFromEnv(context.Background(), dir)
	require.NoError(t, err)
	fs, ok := store.(*FileStore)
	require.True(t, ok, "expected *FileStore, got %T", store)
	assert.Equal(t, filepath.Join(dir, "artifacts"), fs.baseDir)
	assert.Equal(t, StoreTypeFS, store.Kind())
}

func TestNewStoreFromEnv_Errors(t *testing.T) {
	cases := map[string]struct {
		env  map[string]string
		want string
	}{
		"s3 without bucket":  {map[string]string{"ARTIFACT_STORAGE_TYPE": "s3", "ARTIFACT_S3_BUCKET": ""}, "ARTIFACT_S3_BUCKET is required"},
		"unsupported type":   {map[string]string{"ARTIFACT_STORAGE_TYPE": "azure"}, "unsupported artifact storage type"},
		"negative retention": {map[string]string{"ARTIFACT_STORAGE_TYPE": "fs", "ARTIFACT_RETENTION_DAYS": "-3"}, "ARTIFACT_RETENTION_DAYS"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("ARTIFACT_RETENTION_DAYS", "")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := NewStoreFromEnv(context.Background(), t.TempDir())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestNewStoreFromEnv_GCSMissingBucket(t *testing.T) {
	t.Setenv("ARTIFACT_STORAGE_TYPE", "gcs")
	t.Setenv("ARTIFACT_GCS_BUCKET", "")
	_, err := NewStoreFromEnv(context.Background(), t.TempDir())
	require.Error(t, err)
}

func TestFileStore_WriteOnce(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)
	ctx := context.Background()
	data := []byte(`{"valid":true}`)

	obj, err := store.Put(ctx, "ws/evidence-1/audit-verify.json", data, "application/json")
	require.NoError(t, err)
	assert.Equal(t, Digest(data), obj.Digest)
	assert.Equal(t, int64(len(data)), obj.Size)

	_, err = store.Put(ctx, "/ws/evidence-1/audit-verify.json", data, "")
	assert.NoError(t, err, "same content is idempotent")
	_, err = store.Put(ctx, "ws/evidence-1/audit-verify.json", []byte("other"), "")
	assert.Error(t, err)

	got, err := store.Get(ctx, "ws/evidence-1/audit-verify.json")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := store.Exists(ctx, "ws/missing.json")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = store.Get(ctx, "ws/missing.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCleanKeyRejectsTraversal(t *testing.T) {
	for _, key := range []string{"", "..", "../etc/passwd", "a/../../b"} {
		_, err := CleanKey(key)
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
	k, err := CleanKey("/a//b/./c.json")
	require.NoError(t, err)
	assert.Equal(t, "a/b/c.json", k)
}

type recordedPut struct {
	path    string
	headers http.Header
}

func fakeS3(t *testing.T) (*httptest.Server, *[]recordedPut, *sync.Mutex) {
	t.Helper()
	var (
		mu   sync.Mutex
		puts []recordedPut
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		switch r.Method {
		case http.MethodPut:
			mu.Lock()
			puts = append(puts, recordedPut{path: r.URL.Path, headers: r.Header.Clone()})
			mu.Unlock()
			w.Header().Set("ETag", `"etag"`)
			w.WriteHeader(http.StatusOK)
		case http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &puts, &mu
}

func TestS3Store_PutAppliesObjectLock(t *testing.T) {
	srv, puts, mu := fakeS3(t)
	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(srv.URL),
		UsePathStyle: true,
		Credentials:  aws.AnonymousCredentials{},
		HTTPClient:   srv.Client(),
	})
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	store := NewS3StoreWithClient(client, S3StoreConfig{Bucket: "evidence", Prefix: "helm-ops/", Retention: 30 * 24 * time.Hour})
	store.clock = func() time.Time { return now }

	data := []byte("# incident playbook\n")
	obj, err := store.Put(context.Background(), "ws/ev-1/incident-playbook.md", data, "text/markdown")
	require.NoError(t, err)
	assert.Equal(t, "s3://evidence/helm-ops/ws/ev-1/incident-playbook.md", obj.Location)
	assert.Equal(t, now.Add(30*24*time.Hour), obj.RetainUntil)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *puts, 1)
	put := (*puts)[0]
	assert.Equal(t, "/evidence/helm-ops/ws/ev-1/incident-playbook.md", put.path)
	assert.Equal(t, "COMPLIANCE", put.headers.Get("X-Amz-Object-Lock-Mode"))
	assert.NotEmpty(t, put.headers.Get("X-Amz-Object-Lock-Retain-Until-Date"))
	assert.Equal(t, Digest(data), put.headers.Get("X-Amz-Meta-Content-Digest"))

	exists, err := store.Exists(context.Background(), "ws/ev-1/missing.md")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMain(m *testing.M) {
	// The AWS SDK must not pick up developer credentials or config files.
	_ = os.Setenv("AWS_CONFIG_FILE", os.DevNull)
	_ = os.Setenv("AWS_SHARED_CREDENTIALS_FILE", os.DevNull)
	os.Exit(m.Run())
}
