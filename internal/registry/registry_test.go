package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/avatar-gateway/internal/fault"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStoreFromClient(rdb, "avatar:configs"), mr
}

// forEachStore runs fn against every Store implementation
func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("redis", func(t *testing.T) {
		store, _ := newRedisStore(t)
		fn(t, store)
	})
}

func alice() AvatarConfig {
	return AvatarConfig{AvatarID: "alice", TTSModel: "edge", AvatarModel: "musetalk", Timbre: "zh-CN-XiaoxiaoNeural"}
}

func TestRegistry_AddGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		r := New(store)

		saved, err := r.Add(ctx, alice())
		require.NoError(t, err)
		assert.Equal(t, StatusInactive, saved.Status)

		got, err := r.Get(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, saved, got)
	})
}

func TestRegistry_AddOverwrites(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		r := New(store)

		_, err := r.Add(ctx, alice())
		require.NoError(t, err)

		updated := alice()
		updated.TTSModel = "sovits"
		_, err = r.Add(ctx, updated)
		require.NoError(t, err)

		got, err := r.Get(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "sovits", got.TTSModel)

		all, err := r.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestRegistry_GetMissing(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		_, err := New(store).Get(context.Background(), "bob")
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.KindNotFound))
		assert.Contains(t, err.Error(), "avatar=bob")
	})
}

func TestRegistry_List(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		r := New(store)

		for _, id := range []string{"carol", "alice", "bob"} {
			cfg := alice()
			cfg.AvatarID = id
			_, err := r.Add(ctx, cfg)
			require.NoError(t, err)
		}

		all, err := r.List(ctx)
		require.NoError(t, err)
		ids := make([]string, len(all))
		for i, cfg := range all {
			ids[i] = cfg.AvatarID
		}
		assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, ids)
	})
}

func TestRegistry_Delete(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		r := New(store)

		var released []string
		r.OnDelete(func(ctx context.Context, cfg AvatarConfig) error {
			released = append(released, cfg.AvatarID)
			return nil
		})
		r.OnDelete(func(ctx context.Context, cfg AvatarConfig) error {
			return errors.New("media store offline")
		})

		_, err := r.Add(ctx, alice())
		require.NoError(t, err)

		require.NoError(t, r.Delete(ctx, "alice"), "hook failure does not fail the delete")
		assert.Equal(t, []string{"alice"}, released)

		_, err = r.Get(ctx, "alice")
		assert.True(t, fault.Is(err, fault.KindNotFound))

		err = r.Delete(ctx, "alice")
		assert.True(t, fault.Is(err, fault.KindNotFound))
		assert.Len(t, released, 1, "hooks do not run for a missing avatar")
	})
}

func TestRegistry_SetStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		r := New(store)
		_, err := r.Add(ctx, alice())
		require.NoError(t, err)

		require.NoError(t, r.SetStatus(ctx, "alice", StatusActive))
		got, err := r.Get(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, StatusActive, got.Status)

		assert.True(t, fault.Is(r.SetStatus(ctx, "bob", StatusActive), fault.KindNotFound))
		assert.True(t, fault.Is(r.SetStatus(ctx, "alice", "paused"), fault.KindValidation))
	})
}

func TestRegistry_Validation(t *testing.T) {
	r := New(NewMemoryStore(), WithModels([]string{"edge", "sovits"}))
	ctx := context.Background()

	cases := map[string]struct {
		mutate func(*AvatarConfig)
		field  string
	}{
		"missing id":           {func(c *AvatarConfig) { c.AvatarID = "" }, "avatar_id"},
		"blank id":             {func(c *AvatarConfig) { c.AvatarID = "   " }, "avatar_id"},
		"path id":              {func(c *AvatarConfig) { c.AvatarID = "../etc" }, "avatar_id"},
		"missing tts model":    {func(c *AvatarConfig) { c.TTSModel = "" }, "tts_model"},
		"missing avatar model": {func(c *AvatarConfig) { c.AvatarModel = "" }, "avatar_model"},
		"unknown tts model":    {func(c *AvatarConfig) { c.TTSModel = "wavenet" }, "tts_model"},
		"bad status":           {func(c *AvatarConfig) { c.Status = "paused" }, "status"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := alice()
			tc.mutate(&cfg)
			_, err := r.Add(ctx, cfg)
			require.Error(t, err)

			fe, ok := fault.As(err)
			require.True(t, ok)
			assert.Equal(t, fault.KindValidation, fe.Kind)
			assert.Equal(t, tc.field, fe.Field)
		})
	}

	all, err := r.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all, "nothing invalid reaches the store")
}

func TestRegistry_StoreFailure(t *testing.T) {
	store, mr := newRedisStore(t)
	r := New(store)
	ctx := context.Background()

	_, err := r.Add(ctx, alice())
	require.NoError(t, err)
	require.NoError(t, r.Ping(ctx))

	mr.Close()

	_, err = r.Get(ctx, "alice")
	assert.True(t, fault.Is(err, fault.KindUpstream))
	assert.Error(t, r.Ping(ctx))
}

func TestRedisStore_Layout(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, alice()))

	raw := mr.HGet("avatar:configs", "alice")
	assert.JSONEq(t, `{"avatar_id":"alice","tts_model":"edge","avatar_model":"musetalk","timbre":"zh-CN-XiaoxiaoNeural","clone":false,"support_clone":false,"status":""}`, raw)

	mr.HSet("avatar:configs", "broken", "{not json")
	_, err := store.List(ctx)
	assert.Error(t, err)
}
