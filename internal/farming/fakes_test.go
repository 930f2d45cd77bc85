package farming

import (
	"context"
	"io"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ChuLiYu/cardfarm/internal/executor"
	"github.com/ChuLiYu/cardfarm/pkg/types"
)

// ============================================================================
// fakeClock - 虛擬時間：After 把等待者停放，直到 parties 個等待者都停放後
// 才把時間推進到最早的期限；閒置 idleAdvance 後即使人數不足也會推進
// ============================================================================

const idleAdvance = 10 * time.Millisecond

type clockWaiter struct {
	at time.Time
	ch chan time.Time
}

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	parties int
	waiters []clockWaiter
	gen     int
}

// newFakeClock 讓每次 After 立即推進時間
func newFakeClock() *fakeClock {
	return newVirtualClock(1)
}

// newVirtualClock 讓 parties 個同時執行的 session 共用同一條時間軸
func newVirtualClock(parties int) *fakeClock {
	return &fakeClock{
		now:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		parties: max(parties, 1),
	}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	ch := make(chan time.Time, 1)
	c.waiters = append(c.waiters, clockWaiter{at: c.now.Add(d), ch: ch})
	if len(c.waiters) >= c.parties {
		c.advanceLocked()
	} else {
		c.armLocked()
	}
	return ch
}

// advanceLocked 推進到最早的期限，喚醒所有到期的等待者
func (c *fakeClock) advanceLocked() {
	c.gen++
	if len(c.waiters) == 0 {
		return
	}
	next := slices.MinFunc(c.waiters, func(a, b clockWaiter) int { return a.at.Compare(b.at) }).at
	if next.After(c.now) {
		c.now = next
	}
	c.waiters = slices.DeleteFunc(c.waiters, func(w clockWaiter) bool {
		if w.at.After(c.now) {
			return false
		}
		w.ch <- c.now
		return true
	})
	if len(c.waiters) > 0 {
		c.armLocked()
	}
}

// armLocked 排程閒置推進；之後任何推進都會讓它失效
func (c *fakeClock) armLocked() {
	c.gen++
	gen := c.gen
	time.AfterFunc(idleAdvance, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen == gen {
			c.advanceLocked()
		}
	})
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sleeps)
}

func (c *fakeClock) Total() time.Duration {
	var total time.Duration
	for _, d := range c.Sleeps() {
		total += d
	}
	return total
}

// ============================================================================
// fakeCatalog - 可編排失敗的 catalog
// ============================================================================

type pollResult struct {
	n   int
	err error
}

type fakeCatalog struct {
	mu        sync.Mutex
	entries   []types.Entry
	listErrs  []error
	playtime  map[types.TargetID]time.Duration
	playErrs  map[types.TargetID][]error
	polls     map[types.TargetID][]pollResult // 用完後回傳 0
	pollCalls map[types.TargetID]int
}

func newFakeCatalog(entries ...types.Entry) *fakeCatalog {
	return &fakeCatalog{
		entries:   entries,
		playtime:  make(map[types.TargetID]time.Duration),
		playErrs:  make(map[types.TargetID][]error),
		polls:     make(map[types.TargetID][]pollResult),
		pollCalls: make(map[types.TargetID]int),
	}
}

func (f *fakeCatalog) ListEntries(ctx context.Context, ownerID string) ([]types.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.listErrs) > 0 {
		err := f.listErrs[0]
		f.listErrs = f.listErrs[1:]
		return nil, err
	}
	return slices.Clone(f.entries), nil
}

func (f *fakeCatalog) GetPlaytime(ctx context.Context, ownerID string, target types.TargetID) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.playErrs[target]; len(errs) > 0 {
		f.playErrs[target] = errs[1:]
		return 0, errs[0]
	}
	return f.playtime[target], nil
}

func (f *fakeCatalog) GetRemainingCount(ctx context.Context, ownerID string, target types.TargetID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollCalls[target]++
	q := f.polls[target]
	if len(q) == 0 {
		return 0, nil
	}
	f.polls[target] = q[1:]
	return q[0].n, q[0].err
}

func (f *fakeCatalog) PollCalls(target types.TargetID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollCalls[target]
}

// ============================================================================
// fakeSpawner - 記錄存活的 Executor 數量與峰值
// ============================================================================

type fakeSpawner struct {
	mu      sync.Mutex
	errs    map[types.TargetID][]error
	spawned []types.TargetID
	execs   []*fakeExec
	live    int
	maxLive int
}

type fakeExec struct {
	id      types.TargetID
	s       *fakeSpawner
	running bool // guarded by s.mu
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{errs: make(map[types.TargetID][]error)}
}

func (s *fakeSpawner) Spawn(ctx context.Context, target types.TargetID) (executor.Executor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if errs := s.errs[target]; len(errs) > 0 {
		s.errs[target] = errs[1:]
		return nil, errs[0]
	}
	e := &fakeExec{id: target, s: s, running: true}
	s.execs = append(s.execs, e)
	s.spawned = append(s.spawned, target)
	s.live++
	s.maxLive = max(s.maxLive, s.live)
	return e, nil
}

func (s *fakeSpawner) Close() {
	s.mu.Lock()
	execs := slices.Clone(s.execs)
	s.mu.Unlock()
	for _, e := range execs {
		e.Shutdown()
	}
}

func (s *fakeSpawner) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

func (s *fakeSpawner) MaxLive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxLive
}

func (s *fakeSpawner) Spawned() []types.TargetID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.spawned)
}

func (e *fakeExec) TargetID() types.TargetID { return e.id }

func (e *fakeExec) IsRunning() bool {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	return e.running
}

func (e *fakeExec) Shutdown() {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	if e.running {
		e.running = false
		e.s.live--
	}
}

// ============================================================================
// fakeRecorder
// ============================================================================

type fakeRecorder struct {
	mu       sync.Mutex
	started  int
	finished map[string]int
	spawned  int
	steps    int
	errors   map[string]int
	passes   int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{finished: make(map[string]int), errors: make(map[string]int)}
}

func (r *fakeRecorder) RecordSessionStarted() {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
}

func (r *fakeRecorder) RecordSessionFinished(outcome string) {
	r.mu.Lock()
	r.finished[outcome]++
	r.mu.Unlock()
}

func (r *fakeRecorder) RecordExecutorSpawned() {
	r.mu.Lock()
	r.spawned++
	r.mu.Unlock()
}

func (r *fakeRecorder) RecordStep(float64) {
	r.mu.Lock()
	r.steps++
	r.mu.Unlock()
}

func (r *fakeRecorder) RecordStepError(kind string) {
	r.mu.Lock()
	r.errors[kind]++
	r.mu.Unlock()
}

func (r *fakeRecorder) UpdatePassStats(int, int, int) {}

func (r *fakeRecorder) RecordPassCompleted(float64) {
	r.mu.Lock()
	r.passes++
	r.mu.Unlock()
}

// ============================================================================
// helpers
// ============================================================================

func noJitter(d time.Duration) time.Duration { return d }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig uses one-minute ticks so a five minute run is five events.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxConcurrency = 2
	cfg.Tick = time.Minute
	return cfg
}

func testDeps(cat *fakeCatalog, sp *fakeSpawner, clock Clock, counter *Counter) Deps {
	return Deps{
		Catalog: cat,
		Spawner: sp,
		Counter: counter,
		Clock:   clock,
		Jitter:  noJitter,
		Logger:  discardLogger(),
	}
}

func newTestOrchestrator(cat *fakeCatalog, sp *fakeSpawner, clock Clock, opts ...Option) *Orchestrator {
	opts = append([]Option{WithClock(clock), WithJitter(noJitter), WithLogger(discardLogger())}, opts...)
	return New(cat, sp, opts...)
}

// collect drains a pass. The error, if any, is the last element.
func collect(seq iter.Seq2[Event, error]) ([]Event, error) {
	var events []Event
	for ev, err := range seq {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}
