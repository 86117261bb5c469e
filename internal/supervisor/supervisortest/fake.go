// Package supervisortest provides an in-memory process world for tests of
// code that drives a supervisor.
package supervisortest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lexiqai/avatar-gateway/internal/config"
	"github.com/lexiqai/avatar-gateway/internal/supervisor"
)

// Behavior scripts how fake processes of one model act
type Behavior struct {
	NeverHealthy    bool // never answers health probes
	ExitOnStart     bool // exits right after spawn
	IgnoreTerminate bool // only Kill ends it
	StickyPort      bool // port keeps answering after exit
	LaunchErr       error
}

// World simulates ports and processes. It implements both
// supervisor.Launcher and supervisor.Prober.
type World struct {
	mu         sync.Mutex
	behavior   map[string]Behavior
	answering  map[int]int
	launches   map[string]int
	launchArgs map[string][]string
	events     []string
	violations int
	nextPID    int
	procs      []*Process
}

// NewWorld creates an empty world
func NewWorld() *World {
	return &World{
		behavior:   make(map[string]Behavior),
		answering:  make(map[int]int),
		launches:   make(map[string]int),
		launchArgs: make(map[string][]string),
		nextPID:    1000,
	}
}

// SetBehavior scripts processes of model launched from now on
func (w *World) SetBehavior(model string, b Behavior) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.behavior[model] = b
}

// Occupy makes port answer without any managed process
func (w *World) Occupy(port int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.answering[port]++
}

// Release clears everything answering on port
func (w *World) Release(port int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.answering, port)
}

// Launches returns how many times model was spawned
func (w *World) Launches(model string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.launches[model]
}

// LastArgs returns the arguments of the latest spawn of model
func (w *World) LastArgs(model string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.launchArgs[model]...)
}

// Events returns the ordered launch, terminate and kill log
func (w *World) Events() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.events...)
}

// Violations counts processes that began answering on a port another
// process was already answering on
func (w *World) Violations() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.violations
}

// Answering reports whether anything answers on port
func (w *World) Answering(port int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.answering[port] > 0
}

// Crash makes the latest live process of model exit on its own
func (w *World) Crash(model string) {
	w.mu.Lock()
	var target *Process
	for i := len(w.procs) - 1; i >= 0; i-- {
		if w.procs[i].model == model && !w.procs[i].exited {
			target = w.procs[i]
			break
		}
	}
	w.mu.Unlock()
	if target != nil {
		target.exit(errors.New("signal: segmentation fault"))
	}
}

func (w *World) Launch(ctx context.Context, spec config.ModelSpec, args []string) (supervisor.Process, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	b := w.behavior[spec.Name]
	if b.LaunchErr != nil {
		return nil, b.LaunchErr
	}

	w.launches[spec.Name]++
	w.launchArgs[spec.Name] = append([]string(nil), args...)
	w.events = append(w.events, "launch "+spec.Name)
	w.nextPID++

	p := &Process{
		world:    w,
		model:    spec.Name,
		port:     spec.Port,
		pid:      w.nextPID,
		behavior: b,
		done:     make(chan struct{}),
	}
	w.procs = append(w.procs, p)

	switch {
	case b.ExitOnStart:
		p.output = "Traceback: model weights not found"
		p.exitLocked(errors.New("exit status 1"))
	case !b.NeverHealthy:
		if w.answering[spec.Port] > 0 {
			w.violations++
		}
		w.answering[spec.Port]++
		p.answering = true
	}
	return p, nil
}

func (w *World) Probe(ctx context.Context, port int, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.answering[port] > 0 {
		return nil
	}
	return fmt.Errorf("dial tcp 127.0.0.1:%d: connection refused", port)
}

// Process is one fake backend
type Process struct {
	world     *World
	model     string
	port      int
	pid       int
	behavior  Behavior
	answering bool
	exited    bool
	err       error
	output    string
	done      chan struct{}
}

func (p *Process) Pid() int {
	return p.pid
}

func (p *Process) Terminate() error {
	p.world.mu.Lock()
	p.world.events = append(p.world.events, "terminate "+p.model)
	ignore := p.behavior.IgnoreTerminate
	p.world.mu.Unlock()

	if !ignore {
		p.exit(errors.New("signal: interrupt"))
	}
	return nil
}

func (p *Process) Kill() error {
	p.world.mu.Lock()
	p.world.events = append(p.world.events, "kill "+p.model)
	p.world.mu.Unlock()

	p.exit(errors.New("signal: killed"))
	return nil
}

func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) Err() error {
	<-p.done
	p.world.mu.Lock()
	defer p.world.mu.Unlock()
	return p.err
}

func (p *Process) Output() string {
	p.world.mu.Lock()
	defer p.world.mu.Unlock()
	return p.output
}

func (p *Process) exit(err error) {
	p.world.mu.Lock()
	defer p.world.mu.Unlock()
	p.exitLocked(err)
}

func (p *Process) exitLocked(err error) {
	if p.exited {
		return
	}
	p.exited = true
	p.err = err
	if p.answering && !p.behavior.StickyPort {
		p.world.answering[p.port]--
		if p.world.answering[p.port] <= 0 {
			delete(p.world.answering, p.port)
		}
	}
	p.answering = false
	close(p.done)
}

// Table returns the built-in model table
func Table() config.ModelTable {
	return config.DefaultModelTable()
}

// FastOptions returns supervisor timings suitable for tests
func FastOptions() supervisor.Options {
	return supervisor.Options{
		StartupTimeout:   300 * time.Millisecond,
		ProbeInterval:    2 * time.Millisecond,
		ProbeMaxInterval: 10 * time.Millisecond,
		StopGrace:        50 * time.Millisecond,
		ShutdownTimeout:  100 * time.Millisecond,
	}
}

// New returns a supervisor wired to w with fast timings
func New(w *World) *supervisor.Supervisor {
	return supervisor.New(Table(), w, w, FastOptions())
}
