// Package switcher moves the active avatar from one backend pairing to
// another. It is the only owner of the ActiveSession.
package switcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/avatar-gateway/internal/config"
	"github.com/lexiqai/avatar-gateway/internal/fault"
	"github.com/lexiqai/avatar-gateway/internal/lipsync"
	"github.com/lexiqai/avatar-gateway/internal/observability"
	"github.com/lexiqai/avatar-gateway/internal/registry"
	"github.com/lexiqai/avatar-gateway/internal/supervisor"
)

// State of the active session
type State int

const (
	StateIdle State = iota
	StateSwitching
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSwitching:
		return "switching"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// MarshalText renders the state name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result statuses
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
)

// Session is the committed avatar and the process serving it
type Session struct {
	AvatarID     string    `json:"avatar_id"`
	Model        string    `json:"model"`
	Port         int       `json:"port"`
	PID          int       `json:"pid"`
	Voice        string    `json:"voice,omitempty"`
	RefFile      string    `json:"ref_file,omitempty"`
	State        State     `json:"state"`
	SwitchedAt   time.Time `json:"switched_at,omitempty"`
	VisualSynced bool      `json:"visual_synced"`
	LastError    string    `json:"last_error,omitempty"`
}

// Serving reports whether a synthesis process is bound to the session
func (s Session) Serving() bool {
	return s.Model != "" && s.Port != 0
}

// Result is returned by a switch that reached the commit step
type Result struct {
	Status   string `json:"status"`
	AvatarID string `json:"avatar_id"`
	Port     int    `json:"port"`
	Message  string `json:"message"`
}

// Registry is the part of the avatar registry a switch needs
type Registry interface {
	Get(ctx context.Context, avatarID string) (registry.AvatarConfig, error)
	SetStatus(ctx context.Context, avatarID, status string) error
}

// Processes is the part of the supervisor a switch needs
type Processes interface {
	Spec(model string) (config.ModelSpec, bool)
	Start(ctx context.Context, model string, params supervisor.Params) (supervisor.Handle, error)
	Stop(ctx context.Context, model string) error
	IsRunning(model string) bool
	Handle(model string) (supervisor.Handle, bool)
}

// Visual switches the lip-sync backend
type Visual interface {
	SwitchAvatar(ctx context.Context, req lipsync.SwitchRequest) (string, error)
}

// Coordinator serializes switches. A switch arriving while another is in
// flight is rejected with a Busy fault.
type Coordinator struct {
	registry   Registry
	procs      Processes
	visual     Visual
	defaultRef string
	logger     zerolog.Logger

	switchMu sync.Mutex // held for the whole stop, start, visual, commit sequence

	sessionMu sync.RWMutex
	session   Session
}

// New creates a Coordinator with an idle session
func New(reg Registry, procs Processes, visual Visual, defaultRef string) *Coordinator {
	return &Coordinator{
		registry:   reg,
		procs:      procs,
		visual:     visual,
		defaultRef: defaultRef,
		logger:     observability.Component("switcher"),
	}
}

// Session returns a copy of the active session
func (c *Coordinator) Session() Session {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.session
}

func (c *Coordinator) setSession(s Session) {
	c.sessionMu.Lock()
	c.session = s
	c.sessionMu.Unlock()
}

func (c *Coordinator) setState(state State, err error) {
	c.sessionMu.Lock()
	c.session.State = state
	c.session.LastError = ""
	if err != nil {
		c.session.LastError = err.Error()
	}
	c.sessionMu.Unlock()
}

// Switch binds avatarID to the session. The synthesis process is replaced
// only when the avatar needs a different model or its model is not running.
// refFile defaults to the configured reference clip.
func (c *Coordinator) Switch(ctx context.Context, avatarID, refFile string) (Result, error) {
	if !c.switchMu.TryLock() {
		observability.RecordSwitch("busy", 0)
		return Result{}, fault.Newf(fault.KindBusy, "switch", "another switch is in progress").WithAvatar(avatarID)
	}
	defer c.switchMu.Unlock()

	start := time.Now()
	if refFile == "" {
		refFile = c.defaultRef
	}
	logger := c.logger.With().Str("avatar_id", avatarID).Logger()

	cfg, err := c.registry.Get(ctx, avatarID)
	if err != nil {
		outcome := "failed"
		if fault.Is(err, fault.KindNotFound) {
			outcome = "not_found"
		}
		observability.RecordSwitch(outcome, time.Since(start))
		return Result{}, fault.Wrap(err, fault.KindNotFound, "switch", avatarID, "", 0)
	}

	spec, ok := c.procs.Spec(cfg.TTSModel)
	if !ok {
		observability.RecordSwitch("failed", time.Since(start))
		return Result{}, fault.Newf(fault.KindNotFound, "switch", "unknown tts model").
			WithAvatar(avatarID).WithModel(cfg.TTSModel, 0)
	}

	prev := c.Session()
	c.setState(StateSwitching, nil)
	logger.Info().
		Str("from_avatar", prev.AvatarID).
		Str("from_model", prev.Model).
		Str("to_model", cfg.TTSModel).
		Msg("Switch started")

	handle, err := c.reconcile(ctx, prev, cfg)
	if err != nil {
		wrapped := fault.Wrap(err, fault.KindStartupFailure, "switch", avatarID, cfg.TTSModel, spec.Port)
		c.failProcess(prev, cfg, wrapped)
		observability.RecordSwitch("failed", time.Since(start))
		logger.Error().Err(wrapped).Msg("Switch failed")
		return Result{}, wrapped
	}

	next := Session{
		AvatarID:   cfg.AvatarID,
		Model:      handle.Model,
		Port:       handle.Port,
		PID:        handle.PID,
		Voice:      cfg.Timbre,
		RefFile:    refFile,
		SwitchedAt: time.Now(),
	}

	msg, err := c.visual.SwitchAvatar(ctx, lipsync.SwitchRequest{
		AvatarID:    cfg.AvatarID,
		AvatarModel: cfg.AvatarModel,
		RefFile:     refFile,
	})
	if err != nil {
		wrapped := fault.Wrap(err, fault.KindUpstream, "switch", avatarID, handle.Model, handle.Port)
		next.State = StateFailed
		next.VisualSynced = false
		next.LastError = wrapped.Error()
		c.commit(ctx, prev, next)
		observability.RecordSwitch("partial", time.Since(start))
		logger.Error().Err(wrapped).Int("port", handle.Port).Msg("Visual switch failed after tts switch")
		return Result{
			Status:   StatusPartial,
			AvatarID: cfg.AvatarID,
			Port:     handle.Port,
			Message:  fmt.Sprintf("tts model %s ready on port %d, visual switch failed", handle.Model, handle.Port),
		}, wrapped
	}

	next.State = StateReady
	next.VisualSynced = true
	c.commit(ctx, prev, next)
	observability.RecordSwitch("success", time.Since(start))
	logger.Info().
		Str("model", handle.Model).
		Int("port", handle.Port).
		Str("visual", msg).
		Dur("elapsed", time.Since(start)).
		Msg("Switch committed")

	return Result{
		Status:   StatusSuccess,
		AvatarID: cfg.AvatarID,
		Port:     handle.Port,
		Message:  fmt.Sprintf("Switched to avatar %s, tts model %s on port %d", cfg.AvatarID, handle.Model, handle.Port),
	}, nil
}

// reconcile makes cfg's model the running process. The old model is
// stopped before the new one starts.
func (c *Coordinator) reconcile(ctx context.Context, prev Session, cfg registry.AvatarConfig) (supervisor.Handle, error) {
	if prev.Model == cfg.TTSModel && c.procs.IsRunning(cfg.TTSModel) {
		if h, ok := c.procs.Handle(cfg.TTSModel); ok {
			return h, nil
		}
	}

	if prev.Model != "" && prev.Model != cfg.TTSModel {
		if err := c.procs.Stop(ctx, prev.Model); err != nil {
			return supervisor.Handle{}, err
		}
		// The old process is gone; from here a failure leaves no handle bound
		c.sessionMu.Lock()
		c.session.Model, c.session.Port, c.session.PID = "", 0, 0
		c.sessionMu.Unlock()
	}

	return c.procs.Start(ctx, cfg.TTSModel, supervisor.Params{Voice: cfg.Timbre})
}

// failProcess records a failed stop or start. The avatar binding stays at
// the last committed value and the old process is not restarted.
func (c *Coordinator) failProcess(prev Session, cfg registry.AvatarConfig, err error) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	c.session.AvatarID = prev.AvatarID
	if c.session.Model != "" && !c.procs.IsRunning(c.session.Model) {
		c.session.Model, c.session.Port, c.session.PID = "", 0, 0
	}
	c.session.State = StateFailed
	c.session.LastError = err.Error()
}

// commit publishes next and updates registry status. Status updates are
// best effort.
func (c *Coordinator) commit(ctx context.Context, prev, next Session) {
	c.setSession(next)

	if err := c.registry.SetStatus(ctx, next.AvatarID, registry.StatusActive); err != nil {
		c.logger.Warn().Err(err).Str("avatar_id", next.AvatarID).Msg("Failed to mark avatar active")
	}
	if prev.AvatarID != "" && prev.AvatarID != next.AvatarID {
		if err := c.registry.SetStatus(ctx, prev.AvatarID, registry.StatusInactive); err != nil {
			c.logger.Warn().Err(err).Str("avatar_id", prev.AvatarID).Msg("Failed to mark avatar inactive")
		}
	}
}

// Forget clears the binding of a deleted avatar. The process keeps running
// so the next switch to the same model is cheap.
func (c *Coordinator) Forget(ctx context.Context, cfg registry.AvatarConfig) error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if c.session.AvatarID != cfg.AvatarID {
		return nil
	}
	c.session.AvatarID = ""
	c.session.VisualSynced = false
	c.session.State = StateIdle
	return nil
}
