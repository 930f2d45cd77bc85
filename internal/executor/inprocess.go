package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/cardfarm/pkg/types"
)

// ProbeFunc reports whether the external client the helpers depend on is reachable.
// Returning a non-nil error makes Spawn fail with ErrServiceUnavailable.
type ProbeFunc func(ctx context.Context) error

// InProcessSpawner hands out in-process handles. Used where no helper process
// is needed (demo, tests, platforms where presence is simulated in-process).
type InProcessSpawner struct {
	probe ProbeFunc
	log   *slog.Logger

	mu     sync.Mutex
	live   map[*handle]struct{}
	closed bool
}

// NewInProcessSpawner creates a spawner; probe and logger may be nil.
func NewInProcessSpawner(probe ProbeFunc, logger *slog.Logger) *InProcessSpawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &InProcessSpawner{
		probe: probe,
		log:   logger,
		live:  make(map[*handle]struct{}),
	}
}

// Spawn implements Spawner.
func (s *InProcessSpawner) Spawn(ctx context.Context, target types.TargetID) (Executor, error) {
	if target <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrTargetInvalid, target)
	}
	if s.probe != nil {
		if err := s.probe(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSpawnerClosed
	}

	h := &handle{target: target, owner: s}
	h.running.Store(true)
	s.live[h] = struct{}{}
	s.log.Debug("In-process executor started", "target", target)
	return h, nil
}

// Live returns the number of handles not yet shut down.
func (s *InProcessSpawner) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Close implements Spawner.
func (s *InProcessSpawner) Close() {
	s.mu.Lock()
	s.closed = true
	live := make([]*handle, 0, len(s.live))
	for h := range s.live {
		live = append(live, h)
	}
	s.mu.Unlock()

	for _, h := range live {
		h.Shutdown()
	}
}

func (s *InProcessSpawner) forget(h *handle) {
	s.mu.Lock()
	delete(s.live, h)
	s.mu.Unlock()
}

type handle struct {
	target  types.TargetID
	owner   *InProcessSpawner
	running atomic.Bool
}

func (h *handle) TargetID() types.TargetID { return h.target }

func (h *handle) IsRunning() bool { return h.running.Load() }

func (h *handle) Shutdown() {
	if h.running.CompareAndSwap(true, false) {
		h.owner.forget(h)
		h.owner.log.Debug("In-process executor stopped", "target", h.target)
	}
}
