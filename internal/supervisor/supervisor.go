// Package supervisor owns the synthesis backend processes. Each model is
// bound to a fixed port and at most one running process owns a port.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/avatar-gateway/internal/config"
	"github.com/lexiqai/avatar-gateway/internal/fault"
	"github.com/lexiqai/avatar-gateway/internal/observability"
	"github.com/lexiqai/avatar-gateway/internal/resilience"
)

// State of a supervised process
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// MarshalText renders the state name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Handle is a snapshot of one supervised process
type Handle struct {
	Model     string    `json:"model"`
	Port      int       `json:"port"`
	PID       int       `json:"pid"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

// Params are the voice parameters passed to a backend at launch
type Params struct {
	Voice string
}

// Options holds supervisor timings
type Options struct {
	StartupTimeout   time.Duration // Deadline for the first healthy probe
	ProbeInterval    time.Duration // Initial probe backoff
	ProbeMaxInterval time.Duration // Probe backoff cap
	StopGrace        time.Duration // Delay between terminate and kill
	ShutdownTimeout  time.Duration // Deadline for the port to stop answering
}

// DefaultOptions returns the production timings
func DefaultOptions() Options {
	return Options{
		StartupTimeout:   90 * time.Second,
		ProbeInterval:    250 * time.Millisecond,
		ProbeMaxInterval: 2 * time.Second,
		StopGrace:        5 * time.Second,
		ShutdownTimeout:  15 * time.Second,
	}
}

// OptionsFromConfig reads the timings from the service config
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		StartupTimeout:   cfg.StartupTimeoutDuration(),
		ProbeInterval:    cfg.ProbeIntervalDuration(),
		ProbeMaxInterval: cfg.ProbeMaxIntervalDuration(),
		StopGrace:        cfg.StopGraceDuration(),
		ShutdownTimeout:  cfg.ShutdownTimeoutDuration(),
	}
}

type managed struct {
	Handle
	proc Process
}

// Supervisor starts and stops backends. Operations on one port are
// serialized; operations on different ports run independently.
type Supervisor struct {
	models   config.ModelTable
	launcher Launcher
	prober   Prober
	opts     Options
	logger   zerolog.Logger

	mu      sync.Mutex
	handles map[string]*managed // live handles by model
	ports   map[int]chan struct{}
}

// New creates a Supervisor for the given model table
func New(models config.ModelTable, launcher Launcher, prober Prober, opts Options) *Supervisor {
	return &Supervisor{
		models:   models,
		launcher: launcher,
		prober:   prober,
		opts:     opts,
		logger:   observability.Component("supervisor"),
		handles:  make(map[string]*managed),
		ports:    make(map[int]chan struct{}),
	}
}

// Spec returns the launch description of a model
func (s *Supervisor) Spec(model string) (config.ModelSpec, bool) {
	spec, ok := s.models[model]
	return spec, ok
}

// Models returns the model table
func (s *Supervisor) Models() config.ModelTable {
	return s.models
}

// lockPort acquires the single-writer lock of a port. Waiting is cancelled
// by ctx.
func (s *Supervisor) lockPort(ctx context.Context, port int) (func(), error) {
	s.mu.Lock()
	sem, ok := s.ports[port]
	if !ok {
		sem = make(chan struct{}, 1)
		s.ports[port] = sem
	}
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Start makes model the running owner of its port. A different model on
// the same port is stopped first. Starting a model that is already running
// returns its handle without spawning.
func (s *Supervisor) Start(ctx context.Context, model string, params Params) (Handle, error) {
	spec, ok := s.models[model]
	if !ok {
		return Handle{}, fault.Newf(fault.KindNotFound, "start", "unknown model").WithModel(model, 0)
	}

	unlock, err := s.lockPort(ctx, spec.Port)
	if err != nil {
		return Handle{}, fmt.Errorf("start model=%s port=%d: %w", model, spec.Port, err)
	}
	defer unlock()

	s.mu.Lock()
	if h, ok := s.handles[model]; ok && h.State == StateRunning {
		snap := h.Handle
		s.mu.Unlock()
		s.logger.Debug().Str("model", model).Int("port", spec.Port).Msg("Process already running")
		return snap, nil
	}
	occupant := s.occupantLocked(spec.Port, model)
	s.mu.Unlock()

	if occupant != nil {
		if err := ctx.Err(); err != nil {
			return Handle{}, fmt.Errorf("start model=%s port=%d: %w", model, spec.Port, err)
		}
		s.logger.Info().
			Str("model", model).
			Str("occupant", occupant.Model).
			Int("port", spec.Port).
			Msg("Port owned by another model, stopping it first")
		if err := s.stopLocked(occupant); err != nil {
			return Handle{}, err
		}
	}

	if err := ctx.Err(); err != nil {
		return Handle{}, fmt.Errorf("start model=%s port=%d: %w", model, spec.Port, err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, time.Second)
	err = s.prober.Probe(probeCtx, spec.Port, spec.Health())
	cancel()
	if err == nil {
		observability.RecordProcessStart(model, false, 0)
		return Handle{}, fault.Newf(fault.KindStartupFailure, "start", "port occupied by unmanaged process").
			WithModel(model, spec.Port)
	}

	return s.spawn(ctx, spec, params)
}

func (s *Supervisor) spawn(ctx context.Context, spec config.ModelSpec, params Params) (Handle, error) {
	started := time.Now()
	proc, err := s.launcher.Launch(ctx, spec, buildArgs(spec, params))
	if err != nil {
		observability.RecordProcessStart(spec.Name, false, 0)
		return Handle{}, fault.New(fault.KindStartupFailure, "start", err).WithModel(spec.Name, spec.Port)
	}

	h := &managed{
		Handle: Handle{
			Model:     spec.Name,
			Port:      spec.Port,
			PID:       proc.Pid(),
			State:     StateStarting,
			StartedAt: started,
		},
		proc: proc,
	}
	s.mu.Lock()
	s.handles[spec.Name] = h
	s.mu.Unlock()

	s.logger.Info().
		Str("model", spec.Name).
		Int("port", spec.Port).
		Int("pid", h.PID).
		Msg("Process spawned, waiting for health")

	err = resilience.Poll(ctx, func(ctx context.Context) error {
		select {
		case <-proc.Done():
			return &resilience.StopPolling{Err: fmt.Errorf("process exited before ready: %v", proc.Err())}
		default:
		}
		return s.prober.Probe(ctx, spec.Port, spec.Health())
	}, &resilience.PollConfig{
		Timeout:     s.opts.StartupTimeout,
		Interval:    s.opts.ProbeInterval,
		Multiplier:  1.5,
		MaxInterval: s.opts.ProbeMaxInterval,
	})
	if err != nil {
		s.teardown(h)
		s.mu.Lock()
		h.State = StateStopped
		if s.handles[spec.Name] == h {
			delete(s.handles, spec.Name)
		}
		s.mu.Unlock()

		observability.RecordProcessStart(spec.Name, false, time.Since(started))
		if out := proc.Output(); out != "" {
			err = fmt.Errorf("%w; output: %s", err, out)
		}
		s.logger.Error().Err(err).Str("model", spec.Name).Int("port", spec.Port).Msg("Process failed to become ready")
		return Handle{}, fault.New(fault.KindStartupFailure, "start", err).WithModel(spec.Name, spec.Port)
	}

	s.mu.Lock()
	h.State = StateRunning
	snap := h.Handle
	s.mu.Unlock()

	observability.RecordProcessStart(spec.Name, true, time.Since(started))
	s.logger.Info().
		Str("model", spec.Name).
		Int("port", spec.Port).
		Int("pid", h.PID).
		Dur("startup", time.Since(started)).
		Msg("Process ready")

	go s.watch(h)
	return snap, nil
}

// Stop terminates model and waits until its port no longer answers. Stopping
// a model that is not running is a no-op.
func (s *Supervisor) Stop(ctx context.Context, model string) error {
	spec, ok := s.models[model]
	if !ok {
		return fault.Newf(fault.KindNotFound, "stop", "unknown model").WithModel(model, 0)
	}

	unlock, err := s.lockPort(ctx, spec.Port)
	if err != nil {
		return fmt.Errorf("stop model=%s port=%d: %w", model, spec.Port, err)
	}
	defer unlock()

	s.mu.Lock()
	h := s.handles[model]
	running := h != nil && h.State == StateRunning
	s.mu.Unlock()

	if !running {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("stop model=%s port=%d: %w", model, spec.Port, err)
	}
	return s.stopLocked(h)
}

// stopLocked runs with the port lock held. Once the process is signaled the
// stop runs to completion regardless of the caller's context.
func (s *Supervisor) stopLocked(h *managed) error {
	s.mu.Lock()
	h.State = StateStopping
	s.mu.Unlock()

	s.logger.Info().Str("model", h.Model).Int("port", h.Port).Int("pid", h.PID).Msg("Stopping process")
	s.teardown(h)

	err := s.waitPortFree(h)

	s.mu.Lock()
	h.State = StateStopped
	if s.handles[h.Model] == h {
		delete(s.handles, h.Model)
	}
	s.mu.Unlock()

	if err != nil {
		observability.RecordProcessStop(h.Model, "timeout")
		s.logger.Error().Err(err).Str("model", h.Model).Int("port", h.Port).Msg("Port still answering after stop")
		return fault.New(fault.KindShutdownTimeout, "stop", err).WithModel(h.Model, h.Port)
	}

	observability.RecordProcessStop(h.Model, "success")
	s.logger.Info().Str("model", h.Model).Int("port", h.Port).Msg("Process stopped, port free")
	return nil
}

// teardown terminates the process, then kills it after the grace period
func (s *Supervisor) teardown(h *managed) {
	select {
	case <-h.proc.Done():
		return
	default:
	}

	if err := h.proc.Terminate(); err != nil {
		s.logger.Debug().Err(err).Str("model", h.Model).Msg("Terminate failed")
	}

	grace := time.NewTimer(s.opts.StopGrace)
	defer grace.Stop()
	select {
	case <-h.proc.Done():
		return
	case <-grace.C:
	}

	s.logger.Warn().Str("model", h.Model).Int("pid", h.PID).Msg("Process ignored terminate, killing")
	if err := h.proc.Kill(); err != nil {
		s.logger.Warn().Err(err).Str("model", h.Model).Msg("Kill failed")
	}

	reap := time.NewTimer(s.opts.StopGrace)
	defer reap.Stop()
	select {
	case <-h.proc.Done():
	case <-reap.C:
		s.logger.Error().Str("model", h.Model).Int("pid", h.PID).Msg("Process did not exit after kill")
	}
}

func (s *Supervisor) waitPortFree(h *managed) error {
	path := "/health"
	if spec, ok := s.models[h.Model]; ok {
		path = spec.Health()
	}

	return resilience.Poll(context.Background(), func(ctx context.Context) error {
		if err := s.prober.Probe(ctx, h.Port, path); err == nil {
			return errors.New("port still answering health checks")
		}
		return nil
	}, &resilience.PollConfig{
		Timeout:     s.opts.ShutdownTimeout,
		Interval:    s.opts.ProbeInterval,
		Multiplier:  1.5,
		MaxInterval: s.opts.ProbeMaxInterval,
	})
}

// watch notices a running process exiting on its own
func (s *Supervisor) watch(h *managed) {
	<-h.proc.Done()

	s.mu.Lock()
	if h.State != StateRunning {
		s.mu.Unlock()
		return
	}
	h.State = StateStopped
	if s.handles[h.Model] == h {
		delete(s.handles, h.Model)
	}
	s.mu.Unlock()

	observability.RecordProcessStop(h.Model, "exited")
	s.logger.Warn().
		Err(h.proc.Err()).
		Str("model", h.Model).
		Int("port", h.Port).
		Str("output", h.proc.Output()).
		Msg("Process exited unexpectedly")
}

// occupantLocked returns the live handle bound to port, other than model
func (s *Supervisor) occupantLocked(port int, model string) *managed {
	for name, h := range s.handles {
		if name != model && h.Port == port {
			return h
		}
	}
	return nil
}

// IsRunning reports whether model has a Running handle
func (s *Supervisor) IsRunning(model string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[model]
	return ok && h.State == StateRunning
}

// Handle returns the live handle of model
func (s *Supervisor) Handle(model string) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[model]
	if !ok {
		return Handle{}, false
	}
	return h.Handle, true
}

// Handles returns every live handle ordered by model
func (s *Supervisor) Handles() []Handle {
	s.mu.Lock()
	out := make([]Handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h.Handle)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// Shutdown stops every running process
func (s *Supervisor) Shutdown(ctx context.Context) error {
	var errs []error
	for _, h := range s.Handles() {
		if err := s.Stop(ctx, h.Model); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildArgs(spec config.ModelSpec, params Params) []string {
	args := append([]string(nil), spec.Args...)
	args = append(args, "--port", strconv.Itoa(spec.Port))
	if spec.UseGPU {
		args = append(args, "--use_gpu", "true")
	}
	if params.Voice != "" {
		args = append(args, "--voice", params.Voice)
	}
	return args
}
