package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/ChuLiYu/cardfarm/pkg/types"
)

const defaultStartupGrace = 2 * time.Second

// reapTimeout bounds how long Shutdown waits for a helper to be reaped after
// the kill was sent.
var reapTimeout = 5 * time.Second

// killHelper ends the helper and every process it started.
var killHelper = func(p *process) error { return p.tree.kill(p.cmd.Process) }

// ProcessSpawner starts one helper process per target:
//
//	<HelperPath> <HelperArgs...> <target id>
//
// A helper that exits within StartupGrace reports why through its exit code.
// A helper still alive after StartupGrace is considered running.
type ProcessSpawner struct {
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	live   map[*process]struct{}
	closed bool
}

// NewProcessSpawner creates a spawner for opts.HelperPath.
func NewProcessSpawner(opts Options) *ProcessSpawner {
	if opts.StartupGrace <= 0 {
		opts.StartupGrace = defaultStartupGrace
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessSpawner{
		opts: opts,
		log:  logger,
		live: make(map[*process]struct{}),
	}
}

// Spawn implements Spawner.
func (s *ProcessSpawner) Spawn(ctx context.Context, target types.TargetID) (Executor, error) {
	if target <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrTargetInvalid, target)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSpawnerClosed
	}
	s.mu.Unlock()

	args := append(append([]string{}, s.opts.HelperArgs...), target.String())
	cmd := exec.Command(s.opts.HelperPath, args...)
	cmd.Env = append(os.Environ(), s.opts.HelperEnv...)
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("executor: failed to start helper for %s: %w", target, err)
	}

	tree, err := newProcTree(cmd.Process)
	if err != nil {
		// 仍可結束 helper 本身，只是追蹤不到它的子行程
		s.log.Warn("Failed to track helper children", "target", target, "error", err)
		tree = &procTree{}
	}

	p := &process{
		target: target,
		cmd:    cmd,
		tree:   tree,
		done:   make(chan struct{}),
		owner:  s,
	}
	go p.wait()

	timer := time.NewTimer(s.opts.StartupGrace)
	defer timer.Stop()

	select {
	case <-p.done:
		p.tree.close()
		return nil, classifyExit(target, p.exitErr)
	case <-ctx.Done():
		p.Shutdown()
		return nil, ctx.Err()
	case <-timer.C:
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		p.Shutdown()
		return nil, ErrSpawnerClosed
	}
	s.live[p] = struct{}{}
	s.mu.Unlock()

	s.log.Debug("Helper process started", "target", target, "pid", cmd.Process.Pid)
	return p, nil
}

// Live returns the number of helper processes not yet shut down.
func (s *ProcessSpawner) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Close implements Spawner.
func (s *ProcessSpawner) Close() {
	s.mu.Lock()
	s.closed = true
	live := make([]*process, 0, len(s.live))
	for p := range s.live {
		live = append(live, p)
	}
	s.mu.Unlock()

	for _, p := range live {
		p.Shutdown()
	}
}

func (s *ProcessSpawner) forget(p *process) {
	s.mu.Lock()
	delete(s.live, p)
	s.mu.Unlock()
}

// classifyExit maps an early helper exit onto the executor error taxonomy.
func classifyExit(target types.TargetID, err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case ExitTargetInvalid:
			return fmt.Errorf("%w: %s", ErrTargetInvalid, target)
		case ExitServiceUnavailable:
			return fmt.Errorf("%w: helper for %s", ErrServiceUnavailable, target)
		}
	}
	if err == nil {
		return fmt.Errorf("executor: helper for %s exited during startup", target)
	}
	return fmt.Errorf("executor: helper for %s exited during startup: %w", target, err)
}

type process struct {
	target types.TargetID
	cmd    *exec.Cmd
	tree   *procTree
	owner  *ProcessSpawner

	done    chan struct{}
	exitErr error
	once    sync.Once
}

func (p *process) wait() {
	p.exitErr = p.cmd.Wait()
	close(p.done)
}

func (p *process) TargetID() types.TargetID { return p.target }

func (p *process) IsRunning() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Shutdown kills the helper together with any children it started and waits
// up to reapTimeout for it to be reaped. It never blocks longer than that,
// even when the kill failed.
func (p *process) Shutdown() {
	p.once.Do(func() {
		if p.IsRunning() {
			if err := killHelper(p); err != nil {
				p.owner.log.Warn("Failed to kill helper process", "target", p.target, "error", err)
			}
		}

		timer := time.NewTimer(reapTimeout)
		defer timer.Stop()
		select {
		case <-p.done:
			p.owner.log.Debug("Helper process stopped", "target", p.target)
		case <-timer.C:
			p.owner.log.Error("Helper process did not exit, giving up",
				"target", p.target, "pid", p.cmd.Process.Pid, "waited", reapTimeout)
		}
		p.tree.close()
		p.owner.forget(p)
	})
}
