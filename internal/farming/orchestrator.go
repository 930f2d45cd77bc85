// ============================================================================
// Cardfarm Orchestrator - 有界並發的 farming pass
// ============================================================================
//
// Package: internal/farming
// 文件: orchestrator.go
// 功能: 列出擁有者的項目，為每個項目建立 Session，在 k 個 slot 上交錯推進，
//       並把所有 Session 的事件合併成一條限速的進度串流
//
// 調度循環（每一輪）:
//   1. 依排序後的順序，未結束且未持有 slot 的項目嘗試 TryAcquire
//   2. 持有 slot 且沒有 in-flight step 的項目 Submit 下一步
//   3. 沒有任何 slot 被持有 → pass 結束
//   4. Next() 等待第一個完成的 step，TryNext() 取走同時完成的其他結果
//   5. 每個結果：
//        ErrSessionFinished → 歸還 slot，從 registry 移除
//        其他錯誤           → 先清理所有 slot 與 Executor，再回報致命錯誤
//        ActionCheck        → 記錄到 registry
//        距上次聚合事件 >= SummaryInterval → 輸出聚合事件
//
// 串流語義:
//   RunPass 回傳 iter.Seq2[Event, error]，惰性產生；消費端 break 或 ctx 取消時
//   所有 in-flight step 被取消、所有 Executor 被關閉、所有 slot 被歸還
//
// ============================================================================

package farming

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/cardfarm/internal/catalog"
	"github.com/ChuLiYu/cardfarm/internal/executor"
	"github.com/ChuLiYu/cardfarm/internal/worker"
	"github.com/ChuLiYu/cardfarm/pkg/types"
)

// SnapshotSchemaVersion is the PassSnapshot layout produced by Snapshot.
const SnapshotSchemaVersion = 1

// Recorder receives pass metrics. *metrics.Collector implements it.
type Recorder interface {
	RecordSessionStarted()
	RecordSessionFinished(outcome string)
	RecordExecutorSpawned()
	RecordStep(latencySeconds float64)
	RecordStepError(kind string)
	UpdatePassStats(active, remaining, items int)
	RecordPassCompleted(seconds float64)
}

type nopRecorder struct{}

func (nopRecorder) RecordSessionStarted() {}
func (nopRecorder) RecordSessionFinished(string) {}
func (nopRecorder) RecordExecutorSpawned() {}
func (nopRecorder) RecordStep(float64) {}
func (nopRecorder) RecordStepError(string) {}
func (nopRecorder) UpdatePassStats(int, int, int) {}
func (nopRecorder) RecordPassCompleted(float64) {}

// Orchestrator runs farming passes.
type Orchestrator struct {
	catalog catalog.Client
	spawner executor.Spawner
	clock   Clock
	jitter  JitterFunc
	metrics Recorder
	log     *slog.Logger

	mu       sync.Mutex
	snapshot types.PassSnapshot
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithJitter replaces the random stretch applied to run and cool-down waits.
func WithJitter(j JitterFunc) Option {
	return func(o *Orchestrator) { o.jitter = j }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(r Recorder) Option {
	return func(o *Orchestrator) { o.metrics = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// New creates an Orchestrator over a catalog and a spawner.
func New(c catalog.Client, s executor.Spawner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		catalog: c,
		spawner: s,
		clock:   realClock{},
		jitter:  defaultJitter,
		metrics: nopRecorder{},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Snapshot returns a copy of the state of the current or last pass.
func (o *Orchestrator) Snapshot() types.PassSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := o.snapshot
	snap.Entries = make(map[types.TargetID]*types.EntryStatus, len(o.snapshot.Entries))
	for id, st := range o.snapshot.Entries {
		c := *st
		snap.Entries[id] = &c
	}
	return snap
}

func (o *Orchestrator) publish(snap types.PassSnapshot) {
	o.mu.Lock()
	o.snapshot = snap
	o.mu.Unlock()
}

// RunPass farms every eligible entry of ownerID and streams progress.
//
// The sequence is lazy: nothing happens until it is ranged over. A non-nil
// error is always the last element; it is either fatal (a non-recoverable
// catalog or spawner failure) or ctx.Err() after cancellation. Breaking out
// of the loop stops the pass, shuts down every executor and releases every
// slot before the range statement returns.
func (o *Orchestrator) RunPass(ctx context.Context, ownerID string, cfg Config) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		if err := cfg.Validate(); err != nil {
			yield(Event{}, err)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		p := &pass{
			o:        o,
			ownerID:  ownerID,
			cfg:      cfg,
			yield:    yield,
			counter:  &Counter{},
			sessions: make(map[types.TargetID]*Session),
			finished: make(map[types.TargetID]bool),
			running:  make(map[types.TargetID]executor.Executor),
			status:   make(map[types.TargetID]*types.EntryStatus),
			started:  o.clock.Now(),
		}
		defer p.cleanup()
		p.run(ctx)
	}
}

// ============================================================================
// pass - 一次 RunPass 的狀態
// ============================================================================

type pass struct {
	o       *Orchestrator
	ownerID string
	cfg     Config
	yield   func(Event, error) bool
	stopped bool // 消費端不再接收，不可再呼叫 yield

	counter  *Counter
	pool     *worker.Pool[Event]
	order    []types.TargetID
	sessions map[types.TargetID]*Session
	finished map[types.TargetID]bool
	running  map[types.TargetID]executor.Executor // registry: 目前存活的 helper
	status   map[types.TargetID]*types.EntryStatus

	started     time.Time
	lastSummary time.Time
	cleaned     bool
}

func (p *pass) emit(ev Event) bool {
	if p.stopped {
		return false
	}
	if !p.yield(ev, nil) {
		p.stopped = true
		return false
	}
	return true
}

// fail releases everything the pass holds, then reports err as the final element.
func (p *pass) fail(err error) {
	p.cleanup()
	if p.stopped {
		return
	}
	p.stopped = true
	p.yield(Event{}, err)
}

func (p *pass) run(ctx context.Context) {
	log := p.o.log.With("owner", p.ownerID)
	log.Info("farming pass starting", "max_concurrency", p.cfg.MaxConcurrency, "target", p.cfg.TargetFilter)

	entries, ok := p.listEntries(ctx)
	if !ok {
		return
	}

	eligible := slices.DeleteFunc(slices.Clone(entries), func(e types.Entry) bool { return e.Remaining <= 0 })
	slices.SortStableFunc(eligible, func(a, b types.Entry) int {
		if p.cfg.ReverseSorting {
			return b.Remaining - a.Remaining
		}
		return a.Remaining - b.Remaining
	})

	filter := p.cfg.TargetFilter
	if len(eligible) == 0 || (filter != 0 && !slices.ContainsFunc(eligible, func(e types.Entry) bool { return e.ID == filter })) {
		log.Info("nothing to farm", "entries", len(entries))
		p.emit(Event{
			Info:   "No more items to drop.",
			Status: "Waiting for changes",
			Level:  types.LevelWarning,
			Action: types.ActionDone,
		})
		p.finish(true)
		return
	}

	for _, e := range eligible {
		if !p.emit(Event{Display: e.ID.String(), Info: e.Name, Status: "Loading " + e.Name, Level: types.LevelInfo}) {
			return
		}
		if filter != 0 && e.ID != filter {
			if !p.emit(Event{Display: e.ID.String(), Info: fmt.Sprintf("Skipping %s", e.ID), Level: types.LevelInfo}) {
				return
			}
			continue
		}
		p.sessions[e.ID] = NewSession(p.ownerID, e, p.cfg, Deps{
			Catalog: p.o.catalog,
			Spawner: p.o.spawner,
			Counter: p.counter,
			Clock:   p.o.clock,
			Jitter:  p.o.jitter,
			Logger:  p.o.log,
		})
		p.order = append(p.order, e.ID)
		p.counter.Add(e.Remaining)
		p.status[e.ID] = &types.EntryStatus{ID: e.ID, Name: e.Name, Remaining: e.Remaining, Phase: PhaseLoading.String()}
	}
	log.Info("sessions created", "sessions", len(p.order), "items", p.counter.Value())

	p.pool = worker.NewPool[Event](ctx, p.cfg.MaxConcurrency)
	p.lastSummary = p.o.clock.Now()
	p.publish(false)

	for {
		if err := p.schedule(); err != nil {
			p.fail(err)
			return
		}
		if p.pool.InUse() == 0 {
			break
		}

		first, err := p.pool.Next(ctx)
		if err != nil {
			p.fail(err)
			return
		}
		batch := []worker.Result[Event]{first}
		for {
			r, ok := p.pool.TryNext()
			if !ok {
				break
			}
			batch = append(batch, r)
		}

		for _, r := range batch {
			if !p.handle(ctx, r) {
				return
			}
		}
		p.publish(false)
	}

	elapsed := p.o.clock.Now().Sub(p.started)
	p.o.metrics.RecordPassCompleted(elapsed.Seconds())
	log.Info("farming pass finished", "elapsed", elapsed, "items_remaining", p.counter.Value())
	p.finish(false)
	p.emit(Event{
		Info:   "Farming pass finished",
		Status: fmt.Sprintf("0 from %d remaining (%d items)", len(p.order)-len(p.finished), p.counter.Value()),
		Level:  types.LevelInfo,
		Action: types.ActionDone,
	})
}

// listEntries retries transient failures forever, one error event per attempt.
func (p *pass) listEntries(ctx context.Context) ([]types.Entry, bool) {
	for {
		entries, err := p.o.catalog.ListEntries(ctx, p.ownerID)
		if err == nil {
			return entries, true
		}
		if ctx.Err() != nil {
			p.fail(ctx.Err())
			return nil, false
		}
		if !catalog.IsTransient(err) {
			p.fail(fmt.Errorf("farming: list entries of %s: %w", p.ownerID, err))
			return nil, false
		}

		p.o.log.Warn("listing entries failed, retrying", "owner", p.ownerID, "error", err, "retry_in", p.cfg.RetryDelay)
		p.o.metrics.RecordStepError(errorKind(err))
		if !p.emit(Event{
			Info:  "Waiting for changes",
			Level: types.LevelError,
			Error: "Check your connection. (server down?)",
			Cause: err,
		}) {
			return nil, false
		}
		if err := sleep(ctx, p.o.clock, p.cfg.RetryDelay); err != nil {
			p.fail(err)
			return nil, false
		}
	}
}

// schedule hands out free slots in entry order and submits the next step of
// every idle slot holder.
func (p *pass) schedule() error {
	for _, id := range p.order {
		if p.finished[id] {
			continue
		}
		if !p.pool.Held(id) {
			if !p.pool.TryAcquire(id) {
				continue
			}
			p.o.metrics.RecordSessionStarted()
			p.o.log.Debug("slot acquired", "target", id, "in_use", p.pool.InUse())
		}
		if p.pool.Busy(id) {
			continue
		}
		if err := p.pool.Submit(id, p.sessions[id].Step); err != nil {
			return fmt.Errorf("farming: submit step of %s: %w", id, err)
		}
	}
	return nil
}

// handle folds one step result into the pass. It returns false once the pass
// must stop.
func (p *pass) handle(ctx context.Context, r worker.Result[Event]) bool {
	s := p.sessions[r.ID]
	p.o.metrics.RecordStep(r.Duration.Seconds())

	if errors.Is(r.Err, ErrSessionFinished) {
		p.finished[r.ID] = true
		delete(p.running, r.ID)
		if err := p.pool.Release(r.ID); err != nil {
			p.fail(fmt.Errorf("farming: release slot of %s: %w", r.ID, err))
			return false
		}
		p.o.metrics.RecordSessionFinished(s.Phase().String())
		p.o.log.Info("session finished", "target", r.ID, "phase", s.Phase(), "dropped", s.Dropped())
		p.updateStatus(r.ID, s)
		return true
	}
	if r.Err != nil {
		if ctx.Err() != nil {
			p.fail(ctx.Err())
			return false
		}
		p.o.log.Error("session failed", "target", r.ID, "error", r.Err)
		p.fail(fmt.Errorf("farming: session %s: %w", r.ID, r.Err))
		return false
	}

	p.updateStatus(r.ID, s)
	ev := r.Value
	if ev.Cause != nil {
		p.o.metrics.RecordStepError(errorKind(ev.Cause))
	}
	if ev.Action == types.ActionCheck && ev.Executor != nil {
		if p.running[r.ID] != ev.Executor {
			p.o.metrics.RecordExecutorSpawned()
		}
		p.running[r.ID] = ev.Executor
	}

	now := p.o.clock.Now()
	if now.Sub(p.lastSummary) < p.cfg.SummaryInterval {
		return true
	}
	p.lastSummary = now
	return p.emit(p.summarize(ev))
}

// summarize turns a session event into the aggregated progress event.
func (p *pass) summarize(ev Event) Event {
	running := p.runningIDs()
	remaining := len(p.order) - len(p.finished)
	active := min(p.pool.InUse(), remaining)

	names := make([]string, len(running))
	for i, id := range running {
		names[i] = id.String()
	}

	info := ev.Info
	switch {
	case active == 2:
		info += " +1 other"
	case active > 2:
		info += fmt.Sprintf(" +%d others", active-1)
	}

	out := ev
	out.Display = strings.Join(names, " : ")
	out.Info = info
	out.Status = fmt.Sprintf("%d from %d remaining (%d items)", active, remaining, p.counter.Value())
	out.Running = running
	return out
}

// runningIDs lists the registry entries whose helper is still alive, in entry
// order, and forgets the dead ones.
func (p *pass) runningIDs() []types.TargetID {
	var ids []types.TargetID
	for _, id := range p.order {
		exec, ok := p.running[id]
		if !ok {
			continue
		}
		if !exec.IsRunning() {
			delete(p.running, id)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// updateStatus records the state of an idle session.
func (p *pass) updateStatus(id types.TargetID, s *Session) {
	e := s.Entry()
	st := p.status[id]
	st.Remaining = e.Remaining
	st.Phase = s.Phase().String()
	st.Running = s.Executor() != nil
}

func (p *pass) publish(finished bool) {
	snap := types.PassSnapshot{
		SchemaVer:      SnapshotSchemaVersion,
		OwnerID:        p.ownerID,
		StartedAt:      p.started.UnixMilli(),
		UpdatedAt:      p.o.clock.Now().UnixMilli(),
		Remaining:      len(p.order) - len(p.finished),
		ItemsRemaining: p.counter.Value(),
		Finished:       finished,
		Entries:        make(map[types.TargetID]*types.EntryStatus, len(p.status)),
	}
	if p.pool != nil {
		snap.Active = p.pool.InUse()
		snap.PeakActive = p.pool.Peak()
	}
	for id, st := range p.status {
		c := *st
		snap.Entries[id] = &c
	}
	p.o.metrics.UpdatePassStats(snap.Active, snap.Remaining, snap.ItemsRemaining)
	p.o.publish(snap)
}

func (p *pass) finish(cleanup bool) {
	if cleanup {
		p.cleanup()
	}
	p.publish(true)
}

// cleanup cancels in-flight steps, shuts down every executor and returns
// every slot. It runs on every exit path and is idempotent.
func (p *pass) cleanup() {
	if p.cleaned {
		return
	}
	p.cleaned = true

	if p.pool != nil {
		p.pool.Stop()
	}
	// Stop 之後沒有 step 在執行，可以安全地存取 session
	for id, s := range p.sessions {
		s.Close()
		if st := p.status[id]; st != nil {
			st.Running = false
		}
	}
	executor.ShutdownAll(slices.Collect(maps.Values(p.running))...)
	clear(p.running)
	p.publish(true)
}

// errorKind labels recoverable failures for metrics.
func errorKind(err error) string {
	switch {
	case errors.Is(err, catalog.ErrServiceBusy):
		return "busy"
	case errors.Is(err, catalog.ErrNetwork):
		return "network"
	case errors.Is(err, executor.ErrServiceUnavailable):
		return "client_unavailable"
	case errors.Is(err, executor.ErrTargetInvalid):
		return "target_invalid"
	default:
		return "other"
	}
}
