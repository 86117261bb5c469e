// Package registry is the durable mapping from avatar id to its backend
// configuration.
package registry

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/avatar-gateway/internal/fault"
	"github.com/lexiqai/avatar-gateway/internal/observability"
)

// DeleteHook releases resources owned by a removed avatar
type DeleteHook func(ctx context.Context, cfg AvatarConfig) error

// Registry validates configs at the boundary and owns their persistence
type Registry struct {
	store  Store
	models map[string]struct{}
	logger zerolog.Logger

	writeMu sync.Mutex // serializes read-modify-write on the store

	hooksMu sync.RWMutex
	hooks   []DeleteHook
}

// Option configures a Registry
type Option func(*Registry)

// WithModels restricts tts_model to the given names
func WithModels(names []string) Option {
	return func(r *Registry) {
		r.models = make(map[string]struct{}, len(names))
		for _, n := range names {
			r.models[n] = struct{}{}
		}
	}
}

// New creates a Registry over store
func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		logger: observability.Component("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnDelete registers a hook run after an avatar is removed
func (r *Registry) OnDelete(hook DeleteHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Add inserts cfg, overwriting any entry with the same id
func (r *Registry) Add(ctx context.Context, cfg AvatarConfig) (AvatarConfig, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return AvatarConfig{}, err
	}
	if r.models != nil {
		if _, ok := r.models[cfg.TTSModel]; !ok {
			return AvatarConfig{}, fault.Newf(fault.KindValidation, "registry.add", "unknown tts_model %q", cfg.TTSModel).
				WithField("tts_model").WithAvatar(cfg.AvatarID)
		}
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	_, existed, err := r.store.Get(ctx, cfg.AvatarID)
	if err != nil {
		return AvatarConfig{}, r.storeErr("registry.add", cfg.AvatarID, err)
	}
	if err := r.store.Put(ctx, cfg); err != nil {
		return AvatarConfig{}, r.storeErr("registry.add", cfg.AvatarID, err)
	}

	r.logger.Info().
		Str("avatar_id", cfg.AvatarID).
		Str("tts_model", cfg.TTSModel).
		Str("avatar_model", cfg.AvatarModel).
		Bool("overwrote", existed).
		Msg("Avatar registered")

	return cfg, nil
}

// Get returns the config for avatarID or a NotFound fault
func (r *Registry) Get(ctx context.Context, avatarID string) (AvatarConfig, error) {
	cfg, ok, err := r.store.Get(ctx, avatarID)
	if err != nil {
		return AvatarConfig{}, r.storeErr("registry.get", avatarID, err)
	}
	if !ok {
		return AvatarConfig{}, fault.Newf(fault.KindNotFound, "registry.get", "avatar not registered").WithAvatar(avatarID)
	}
	return cfg, nil
}

// List returns every config ordered by id
func (r *Registry) List(ctx context.Context) ([]AvatarConfig, error) {
	configs, err := r.store.List(ctx)
	if err != nil {
		return nil, r.storeErr("registry.list", "", err)
	}
	return configs, nil
}

// Delete removes avatarID and then runs the delete hooks. Hook failures are
// logged and do not undo the removal.
func (r *Registry) Delete(ctx context.Context, avatarID string) error {
	r.writeMu.Lock()
	cfg, ok, err := r.store.Get(ctx, avatarID)
	if err == nil && ok {
		ok, err = r.store.Delete(ctx, avatarID)
	}
	r.writeMu.Unlock()

	if err != nil {
		return r.storeErr("registry.delete", avatarID, err)
	}
	if !ok {
		return fault.Newf(fault.KindNotFound, "registry.delete", "avatar not registered").WithAvatar(avatarID)
	}

	r.logger.Info().Str("avatar_id", avatarID).Msg("Avatar deleted")

	r.hooksMu.RLock()
	hooks := append([]DeleteHook(nil), r.hooks...)
	r.hooksMu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, cfg); err != nil {
			observability.RecordError("delete_hook", "registry")
			r.logger.Warn().Err(err).Str("avatar_id", avatarID).Msg("Failed to release avatar resources")
		}
	}
	return nil
}

// SetStatus updates the status field of an existing avatar
func (r *Registry) SetStatus(ctx context.Context, avatarID, status string) error {
	if status != StatusActive && status != StatusInactive {
		return fault.Newf(fault.KindValidation, "registry.set_status", "invalid status %q", status).
			WithField("status").WithAvatar(avatarID)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cfg, ok, err := r.store.Get(ctx, avatarID)
	if err != nil {
		return r.storeErr("registry.set_status", avatarID, err)
	}
	if !ok {
		return fault.Newf(fault.KindNotFound, "registry.set_status", "avatar not registered").WithAvatar(avatarID)
	}
	if cfg.Status == status {
		return nil
	}
	cfg.Status = status
	if err := r.store.Put(ctx, cfg); err != nil {
		return r.storeErr("registry.set_status", avatarID, err)
	}
	return nil
}

// Ping checks the backing store
func (r *Registry) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

func (r *Registry) storeErr(op, avatarID string, err error) error {
	observability.RecordError("store", "registry")
	return fault.New(fault.KindUpstream, op, err).WithAvatar(avatarID)
}
