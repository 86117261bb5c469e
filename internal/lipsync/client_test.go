package lipsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/avatar-gateway/internal/fault"
	"github.com/lexiqai/avatar-gateway/internal/resilience"
)

func testOptions() Options {
	return Options{
		Timeout:            2 * time.Second,
		BreakerMaxFailures: 2,
		BreakerReset:       time.Minute,
		Retry: &resilience.RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			BackoffMultiplier: 2,
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestSwitchAvatar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/switch_avatar", r.URL.Path)
		assert.Equal(t, "alice", r.URL.Query().Get("avatar_id"))
		assert.Equal(t, "musetalk", r.URL.Query().Get("avatar_model"))
		assert.Equal(t, "ref_audio/complete_silence.wav", r.URL.Query().Get("ref_file"))
		writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "avatar alice listening on port 8615"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testOptions())
	msg, err := c.SwitchAvatar(context.Background(), SwitchRequest{
		AvatarID:    "alice",
		AvatarModel: "musetalk",
		RefFile:     "ref_audio/complete_silence.wav",
	})
	require.NoError(t, err)
	assert.Contains(t, msg, "port")
}

func TestSwitchAvatar_DomainError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "message": "ref file missing"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testOptions())
	for i := 0; i < 3; i++ {
		_, err := c.SwitchAvatar(context.Background(), SwitchRequest{AvatarID: "alice"})
		require.Error(t, err)
		fe, ok := fault.As(err)
		require.True(t, ok)
		assert.Equal(t, fault.KindUpstream, fe.Kind)
		assert.Equal(t, "alice", fe.AvatarID)
		assert.Contains(t, err.Error(), "ref file missing")
	}

	assert.Equal(t, resilience.StateClosed, c.Breaker().GetState(), "domain errors do not trip the breaker")
}

func TestCircuitOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testOptions())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.SwitchAvatar(ctx, SwitchRequest{AvatarID: "alice"})
		assert.True(t, fault.Is(err, fault.KindUpstream))
	}
	assert.Equal(t, resilience.StateOpen, c.Breaker().GetState())

	_, err := c.SwitchAvatar(ctx, SwitchRequest{AvatarID: "alice"})
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.EqualValues(t, 2, calls.Load(), "open circuit fails fast")
}

func TestCreateAvatar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/create_avatar", r.URL.Path)
		assert.Equal(t, "carol", r.URL.Query().Get("avatar_name"))
		assert.Equal(t, "/data/avatars/carol/face.mp4", r.URL.Query().Get("video_path"))
		assert.Equal(t, "true", r.URL.Query().Get("burr"))
		writeJSON(w, http.StatusOK, map[string]string{"status": "success", "image_path": "/data/carol/full_imgs/0.png"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testOptions())
	path, err := c.CreateAvatar(context.Background(), "carol", "/data/avatars/carol/face.mp4", true)
	require.NoError(t, err)
	assert.Equal(t, "/data/carol/full_imgs/0.png", path)
}

func TestDeleteAvatar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		if r.URL.Query().Get("avatar_name") == "ghost" {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "avatar not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "deleted"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testOptions())
	assert.NoError(t, c.DeleteAvatar(context.Background(), "alice"))

	err := c.DeleteAvatar(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "avatar not found")
}

func TestPreview_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "alice", r.FormValue("avatar_name"))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("\x89PNG"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testOptions())
	img, err := c.Preview(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.ContentType)
	assert.Equal(t, "\x89PNG", string(img.Data))
	assert.EqualValues(t, 2, calls.Load())
}

func TestPreview_NotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Avatar not found"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testOptions())
	_, err := c.Preview(context.Background(), "ghost")
	assert.True(t, fault.Is(err, fault.KindNotFound))
	assert.EqualValues(t, 1, calls.Load(), "not found is not retried")
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
	}))
	c := NewClient(srv.URL, testOptions())
	assert.NoError(t, c.Health(context.Background()))

	srv.Close()
	assert.Error(t, c.Health(context.Background()))
}
