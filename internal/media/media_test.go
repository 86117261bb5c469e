package media

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskStore_SaveRelease(t *testing.T) {
	ctx := context.Background()
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)

	path, err := store.Save(ctx, "alice", "face.mp4", strings.NewReader("video"))
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(path))
	assert.Equal(t, "face.mp4", filepath.Base(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "video", string(data))

	// Other avatars are untouched by a release
	other, err := store.Save(ctx, "bob", "voice.wav", strings.NewReader("audio"))
	require.NoError(t, err)

	require.NoError(t, store.Release(ctx, "alice"))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(other)
	assert.NoError(t, err)

	// Releasing twice is fine
	assert.NoError(t, store.Release(ctx, "alice"))
}

func TestDiskStore_Remove(t *testing.T) {
	ctx := context.Background()
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)

	keep, err := store.Save(ctx, "alice", "face.mp4", strings.NewReader("video"))
	require.NoError(t, err)
	drop, err := store.Save(ctx, "alice", "retry-face.mp4", strings.NewReader("new video"))
	require.NoError(t, err)

	require.NoError(t, store.Remove(ctx, "alice", "retry-face.mp4"))
	_, err = os.Stat(drop)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(keep)
	assert.NoError(t, err)

	// Already gone
	assert.NoError(t, store.Remove(ctx, "alice", "retry-face.mp4"))
	assert.Error(t, store.Remove(ctx, "..", "face.mp4"))
}

func TestDiskStore_RejectsTraversal(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewDiskStore(root)
	require.NoError(t, err)

	_, err = store.Save(ctx, "../escape", "x.wav", strings.NewReader(""))
	assert.Error(t, err)

	path, err := store.Save(ctx, "alice", "../../x.wav", strings.NewReader("ok"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(store.root, "alice", "x.wav"), path)

	assert.Error(t, store.Release(ctx, ".."))
}

// fakeS3 serves the handful of path-style S3 calls the store makes
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
}

type listResult struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	Name        string   `xml:"Name"`
	Prefix      string   `xml:"Prefix"`
	KeyCount    int      `xml:"KeyCount"`
	IsTruncated bool     `xml:"IsTruncated"`
	Contents    []struct {
		Key  string `xml:"Key"`
		Size int    `xml:"Size"`
	} `xml:"Contents"`
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	bucket := parts[0]
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}

	switch {
	case r.Method == http.MethodPut && key != "":
		body, _ := io.ReadAll(r.Body)
		f.objects[bucket+"/"+key] = string(body)
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodGet && key == "":
		prefix := r.URL.Query().Get("prefix")
		res := listResult{Name: bucket, Prefix: prefix}
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, bucket+"/"+prefix) {
				keys = append(keys, strings.TrimPrefix(k, bucket+"/"))
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			res.Contents = append(res.Contents, struct {
				Key  string `xml:"Key"`
				Size int    `xml:"Size"`
			}{Key: k, Size: len(f.objects[bucket+"/"+k])})
		}
		res.KeyCount = len(keys)
		w.Header().Set("Content-Type", "application/xml")
		xml.NewEncoder(w).Encode(res)

	case r.Method == http.MethodDelete && key != "":
		delete(f.objects, bucket+"/"+key)
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func TestS3Store_SaveRelease(t *testing.T) {
	fake := &fakeS3{objects: make(map[string]string)}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	store, err := NewS3Store(S3Config{
		Endpoint:  srv.URL,
		Region:    "auto",
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    "media",
	})
	require.NoError(t, err)

	ctx := context.Background()
	loc, err := store.Save(ctx, "alice", "face.mp4", strings.NewReader("video"))
	require.NoError(t, err)
	assert.Equal(t, "s3://media/avatars/alice/face.mp4", loc)

	_, err = store.Save(ctx, "alice", "voice.wav", strings.NewReader("audio"))
	require.NoError(t, err)
	_, err = store.Save(ctx, "bob", "voice.wav", strings.NewReader("audio"))
	require.NoError(t, err)

	fake.mu.Lock()
	assert.Equal(t, "video", fake.objects["media/avatars/alice/face.mp4"])
	fake.mu.Unlock()

	require.NoError(t, store.Release(ctx, "alice"))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Len(t, fake.objects, 1)
	assert.Contains(t, fake.objects, "media/avatars/bob/voice.wav")
}

func TestS3Store_Remove(t *testing.T) {
	fake := &fakeS3{objects: make(map[string]string)}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	store, err := NewS3Store(S3Config{
		Endpoint:  srv.URL,
		Region:    "auto",
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    "media",
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.Save(ctx, "alice", "face.mp4", strings.NewReader("video"))
	require.NoError(t, err)
	_, err = store.Save(ctx, "alice", "retry-face.mp4", strings.NewReader("new video"))
	require.NoError(t, err)

	require.NoError(t, store.Remove(ctx, "alice", "retry-face.mp4"))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Len(t, fake.objects, 1)
	assert.Contains(t, fake.objects, "media/avatars/alice/face.mp4")
}
