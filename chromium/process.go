// Package chromium launches a Chromium-based browser with remote debugging
// enabled, supervises its lifetime, and discovers its CDP WebSocket
// endpoint.
package chromium

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"

	"github.com/pagewatch/pagewatch/log"
)

// State of the supervised browser process.
type State int

const (
	StateLaunching State = iota
	StateRunning
	StateStopped
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ExitStatus describes how the browser process ended.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

// Process supervises one browser subprocess as a small state machine:
// Launching -> Running -> Stopped/Crashed. Exits during the launch phase are
// reported to the launcher (to try the next candidate executable); exits
// after promotion to Running invoke the registered crash callback instead.
type Process struct {
	cmd    *exec.Cmd
	logger *log.Logger

	mu       sync.Mutex
	state    State
	stopping bool
	status   *ExitStatus
	onExit   func(*ExitStatus)

	done chan struct{}
}

func startProcess(ctx context.Context, path string, args []string, logger *log.Logger) (*Process, error) {
	cmd := exec.CommandContext(ctx, path, args...)

	// We must start the cmd before calling cmd.Wait, as otherwise the two
	// can run into a data race.
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %q: %w", path, err)
	}
	if ctx.Err() != nil {
		_ = cmd.Process.Kill()
		return nil, ctx.Err()
	}

	p := &Process{
		cmd:    cmd,
		logger: logger,
		state:  StateLaunching,
		done:   make(chan struct{}),
	}

	go p.wait()

	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()

	status := &ExitStatus{Err: err}
	if ps := p.cmd.ProcessState; ps != nil {
		status.Code = ps.ExitCode()
		if ws, ok := ps.Sys().(interface {
			Signaled() bool
			Signal() syscall.Signal
		}); ok && ws.Signaled() {
			status.Signal = ws.Signal().String()
		}
	}

	p.mu.Lock()
	p.status = status
	var onExit func(*ExitStatus)
	switch {
	case p.stopping:
		p.state = StateStopped
	case p.state == StateRunning:
		p.state = StateCrashed
		onExit = p.onExit
	default:
		// Exit during launch: the launcher picks this up via Done and moves
		// on to the next candidate.
		p.state = StateStopped
	}
	p.mu.Unlock()

	close(p.done)

	if onExit != nil {
		onExit(status)
	}
}

// promote marks a process that survived the warm-up window as Running. From
// this point on, exits count as runtime crashes.
func (p *Process) promote() {
	p.mu.Lock()
	if p.state == StateLaunching {
		p.state = StateRunning
	}
	p.mu.Unlock()
}

// OnExit registers the callback invoked when the process exits unexpectedly
// while Running. It replaces any previous callback.
func (p *Process) OnExit(fn func(*ExitStatus)) {
	p.mu.Lock()
	p.onExit = fn
	p.mu.Unlock()
}

// State returns the current supervision state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Alive reports whether the subprocess is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Done is closed once the subprocess has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Status returns the exit status, or nil while the process is alive.
func (p *Process) Status() *ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Pid returns the browser process ID.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Terminate kills the browser as part of a deliberate shutdown; the exit is
// recorded as Stopped, not Crashed.
func (p *Process) Terminate() {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()

	select {
	case <-p.done:
		return
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil {
		p.logger.Debugf("chromium", "killing browser process %d: %v", p.Pid(), err)
	}
}
