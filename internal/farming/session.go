package farming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/cardfarm/internal/catalog"
	"github.com/ChuLiYu/cardfarm/internal/executor"
	"github.com/ChuLiYu/cardfarm/pkg/types"
)

// ErrSessionFinished is returned by Session.Step once the session reached
// Done or Abandoned.
var ErrSessionFinished = errors.New("farming: session finished")

// Phase is the lifecycle state of a session.
type Phase int

const (
	PhaseLoading Phase = iota
	PhaseRunning
	PhaseCoolingDown
	PhasePollingDrops
	PhaseDone
	PhaseAbandoned
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseRunning:
		return "running"
	case PhaseCoolingDown:
		return "cooling_down"
	case PhasePollingDrops:
		return "polling_drops"
	case PhaseDone:
		return "done"
	case PhaseAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Terminal reports whether no further step can leave p.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseAbandoned
}

// Deps are the collaborators a session talks to.
type Deps struct {
	Catalog catalog.Client
	Spawner executor.Spawner
	Counter *Counter
	Clock   Clock
	Jitter  JitterFunc
	Logger  *slog.Logger
}

// Session drives one entry through
//
//	Loading -> Running -> CoolingDown -> PollingDrops -> Loading | Done
//
// with Abandoned reachable from Running. Every Step call produces exactly one
// event. A session is not safe for concurrent use: at most one Step runs at a
// time and the other accessors must only be called between steps.
type Session struct {
	ownerID string
	cfg     Config
	deps    Deps
	log     *slog.Logger

	entry      types.Entry
	phase      Phase
	exec       executor.Executor
	wait       *countdown
	resume     Phase
	waitOffset time.Duration // run time chosen by the last Loading step
	dropped    int
}

// NewSession creates a session in the Loading phase.
func NewSession(ownerID string, entry types.Entry, cfg Config, deps Deps) *Session {
	if deps.Counter == nil {
		deps.Counter = &Counter{}
	}
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	if deps.Jitter == nil {
		deps.Jitter = defaultJitter
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Session{
		ownerID: ownerID,
		cfg:     cfg,
		deps:    deps,
		log:     deps.Logger.With("target", entry.ID),
		entry:   entry,
		phase:   PhaseLoading,
	}
}

// Entry returns the latest known view of the entry.
func (s *Session) Entry() types.Entry { return s.entry }

// Phase returns the current phase.
func (s *Session) Phase() Phase { return s.phase }

// Executor returns the live executor while the session is running.
func (s *Session) Executor() executor.Executor { return s.exec }

// Dropped returns the number of items observed to drop during the session.
func (s *Session) Dropped() int { return s.dropped }

// Step advances the session and returns its next event.
//
// Recoverable failures (network, busy service, helper client down) come back
// as error events followed by a timed retry. ErrSessionFinished is returned
// once the session is terminal. Any other error is fatal for the pass; on
// every error return the session's executor has already been shut down.
func (s *Session) Step(ctx context.Context) (ev Event, err error) {
	defer func() {
		if err != nil {
			s.releaseExecutor()
		}
	}()

	for {
		if s.phase.Terminal() {
			return Event{}, ErrSessionFinished
		}

		if s.wait != nil {
			ev, ok, err := s.wait.next(ctx, s.deps.Clock)
			if err != nil {
				return Event{}, err
			}
			if ok {
				return ev, nil
			}
			// 等待結束：helper 不能活過它的等待時間
			s.wait = nil
			s.releaseExecutor()
			s.phase = s.resume
			continue
		}

		switch s.phase {
		case PhaseLoading:
			return s.load(ctx)
		case PhaseRunning:
			return s.run(ctx)
		case PhaseCoolingDown:
			return s.coolDown(ctx)
		case PhasePollingDrops:
			return s.poll(ctx)
		default:
			return Event{}, fmt.Errorf("farming: unexpected phase %s", s.phase)
		}
	}
}

// Close releases the executor if one is still held. Safe to call any time no
// Step is in flight.
func (s *Session) Close() {
	s.releaseExecutor()
}

func (s *Session) releaseExecutor() {
	if s.exec != nil {
		s.exec.Shutdown()
		s.exec = nil
	}
}

// startWait starts a timed sequence and returns its first event. When it has
// been waited out the session continues in resume.
func (s *Session) startWait(ctx context.Context, template Event, total, tick time.Duration, resume Phase) (Event, error) {
	s.wait = newCountdown(template, total, tick)
	s.resume = resume
	ev, _, err := s.wait.next(ctx, s.deps.Clock)
	return ev, err
}

// ============================================================================
// Phase handlers
// ============================================================================

func (s *Session) load(ctx context.Context) (Event, error) {
	playtime, err := s.deps.Catalog.GetPlaytime(ctx, s.ownerID, s.entry.ID)
	if err != nil {
		if ctx.Err() != nil {
			return Event{}, ctx.Err()
		}
		if catalog.IsTransient(err) {
			s.log.Warn("playtime lookup failed, retrying", "error", err, "retry_in", s.cfg.RetryDelay)
			return s.startWait(ctx, s.connectionError(err), s.cfg.RetryDelay, s.cfg.Tick, PhaseLoading)
		}
		return Event{}, fmt.Errorf("farming: playtime of %s: %w", s.entry.ID, err)
	}

	s.entry.Playtime = playtime
	if playtime >= s.cfg.MandatoryWaiting {
		s.waitOffset = s.deps.Jitter(s.cfg.WaitWhileRunning)
	} else {
		s.waitOffset = s.cfg.MandatoryWaiting - playtime
	}
	s.phase = PhaseRunning
	s.log.Debug("entry loaded", "playtime", playtime, "run_for", s.waitOffset)

	return Event{
		Display: s.entry.ID.String(),
		Info:    s.entry.Name,
		Status:  "Loading " + s.entry.Name,
		Level:   types.LevelInfo,
	}, nil
}

func (s *Session) run(ctx context.Context) (Event, error) {
	exec, err := s.deps.Spawner.Spawn(ctx, s.entry.ID)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return Event{}, ctx.Err()
	case errors.Is(err, executor.ErrTargetInvalid):
		s.phase = PhaseAbandoned
		s.log.Warn("target rejected by helper, abandoning entry", "error", err)
		return Event{
			Display: s.entry.ID.String(),
			Info:    fmt.Sprintf("Invalid target id %s. Ignoring.", s.entry.ID),
			Level:   types.LevelWarning,
			Action:  types.ActionIgnore,
			Cause:   err,
		}, nil
	case errors.Is(err, executor.ErrServiceUnavailable):
		s.log.Warn("helper client not running, retrying", "retry_in", s.cfg.ClientRetryDelay)
		return s.startWait(ctx, Event{
			Display: s.entry.ID.String(),
			Info:    "Waiting for changes",
			Level:   types.LevelError,
			Error:   "Client is not running.",
			Cause:   err,
		}, s.cfg.ClientRetryDelay, s.cfg.Tick, PhaseRunning)
	default:
		return Event{}, fmt.Errorf("farming: spawn %s: %w", s.entry.ID, err)
	}

	s.exec = exec
	return s.startWait(ctx, Event{
		Display:  s.entry.ID.String(),
		Info:     s.entry.Name,
		Status:   "Running " + s.entry.Name,
		Level:    types.LevelInfo,
		Action:   types.ActionCheck,
		Executor: exec,
	}, s.waitOffset, s.cfg.Tick, PhaseCoolingDown)
}

func (s *Session) coolDown(ctx context.Context) (Event, error) {
	return s.startWait(ctx, Event{
		Display: s.entry.ID.String(),
		Info:    fmt.Sprintf("Updating %s drops", s.entry.Name),
		Status:  "Paused",
		Level:   types.LevelInfo,
	}, s.deps.Jitter(s.cfg.WaitForDrops), s.cfg.Tick, PhasePollingDrops)
}

func (s *Session) poll(ctx context.Context) (Event, error) {
	n, err := s.deps.Catalog.GetRemainingCount(ctx, s.ownerID, s.entry.ID)
	if err != nil {
		if ctx.Err() != nil {
			return Event{}, ctx.Err()
		}
		switch {
		case errors.Is(err, catalog.ErrServiceBusy):
			s.log.Warn("catalog busy, retrying drop poll", "retry_in", s.cfg.BusyRetryDelay)
			return s.startWait(ctx, Event{
				Display: s.entry.ID.String(),
				Info:    "Waiting for changes",
				Level:   types.LevelError,
				Error:   "Server is busy. Retrying...",
				Cause:   err,
			}, s.cfg.BusyRetryDelay, s.cfg.BusyRetryDelay, PhasePollingDrops)
		case errors.Is(err, catalog.ErrNetwork):
			s.log.Warn("drop poll failed, retrying", "error", err, "retry_in", s.cfg.RetryDelay)
			return s.startWait(ctx, s.connectionError(err), s.cfg.RetryDelay, s.cfg.RetryDelay, PhasePollingDrops)
		}
		return Event{}, fmt.Errorf("farming: remaining count of %s: %w", s.entry.ID, err)
	}

	delta := s.entry.Remaining - n
	if delta < 0 {
		// 物品數量增加：接受新值作為基準
		s.log.Warn("remaining item count went up", "was", s.entry.Remaining, "now", n)
	}
	s.deps.Counter.Add(-delta)
	s.dropped += delta
	s.entry.Remaining = n

	if n == 0 {
		s.phase = PhaseDone
		s.log.Info("all items dropped", "name", s.entry.Name)
		return Event{
			Display: s.entry.ID.String(),
			Info:    fmt.Sprintf("Done (%s)", s.entry.Name),
			Status:  "No items remaining",
			Level:   types.LevelInfo,
			Action:  types.ActionDone,
		}, nil
	}

	s.phase = PhaseLoading
	return Event{
		Display: s.entry.ID.String(),
		Info:    s.entry.Name,
		Status:  fmt.Sprintf("%d items remaining", n),
		Level:   types.LevelInfo,
	}, nil
}

func (s *Session) connectionError(err error) Event {
	return Event{
		Display: s.entry.ID.String(),
		Info:    "Waiting for changes",
		Level:   types.LevelError,
		Error:   "Check your connection. (server down?)",
		Cause:   err,
	}
}
