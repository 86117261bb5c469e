package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/lexiqai/avatar-gateway/internal/config"
)

// Process is one spawned backend
type Process interface {
	Pid() int
	// Terminate asks the process to exit
	Terminate() error
	// Kill forces the process to exit
	Kill() error
	// Done is closed once the process has exited
	Done() <-chan struct{}
	// Err is the exit error, valid after Done is closed
	Err() error
	// Output returns the tail of the combined stdout and stderr
	Output() string
}

// Launcher spawns backend processes
type Launcher interface {
	Launch(ctx context.Context, spec config.ModelSpec, args []string) (Process, error)
}

// ExecLauncher runs backends as local OS processes
type ExecLauncher struct {
	OutputLimit int // Bytes of output kept for diagnostics (default: 16KB)
}

// Launch starts spec.Command. The process outlives ctx; its lifetime is
// owned by the supervisor.
func (l ExecLauncher) Launch(ctx context.Context, spec config.ModelSpec, args []string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tail := newTailBuffer(l.OutputLimit)
	cmd := exec.Command(spec.Command, args...)
	cmd.Dir = spec.WorkDir
	cmd.Stdout = tail
	cmd.Stderr = tail
	if len(spec.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.Command, err)
	}

	p := &execProcess{cmd: cmd, tail: tail, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	tail *tailBuffer
	done chan struct{}
	err  error
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(os.Interrupt)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Err() error {
	<-p.done
	return p.err
}

func (p *execProcess) Output() string {
	return p.tail.String()
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = 16 << 10
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
