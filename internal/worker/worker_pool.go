// ============================================================================
// Cardfarm Slot Pool - 有界並發的 step 執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理固定數量的 slot，並在 slot 持有者身上執行一步又一步的 Step
//
// 設計模式:
//   1. slot 是准入許可，總數等於 max concurrency（golang.org/x/sync/semaphore）
//   2. 每個持有 slot 的項目同時最多只有一個 in-flight 的 Step
//   3. Step 在獨立 goroutine 執行，結果送入共用的 resultCh
//   4. 呼叫端以 Next() 取得「第一個完成」的結果，不需輪詢所有項目
//
// 架構組件:
//   ┌──────────────┐
//   │ Orchestrator │ --TryAcquire/Submit--> Pool
//   └──────────────┘
//         ↑
//   Next()/TryNext()
//         ↑
//   ┌──────────────────────────┐
//   │   Pool (size = k slots)  │
//   │  ┌────────┐              │
//   │  │ slot 1 │ step goroutine ──→ resultCh
//   │  │ slot 2 │ step goroutine ──→ resultCh
//   │  └────────┘              │
//   └──────────────────────────┘
//
// 生命週期:
//   1. NewPool(ctx, k)      - 建立 Pool
//   2. TryAcquire(id)       - 為項目取得 slot（不阻塞）
//   3. Submit(id, step)     - 在持有者身上執行下一步
//   4. Next()/TryNext()     - 取走完成的結果
//   5. Release(id)          - 歸還 slot（每次 activation 恰好一次）
//   6. Stop()               - 取消所有 Step，等待結束，歸還所有 slot
//
// 並發控制:
//   - resultCh 容量 = slot 數，每個 slot 最多一個 in-flight Step，送出永不阻塞
//   - 結果被 Next/TryNext 取走時才清除 in-flight 標記
//   - WaitGroup 追蹤所有 Step goroutine
//   - Mutex 保護 held/inFlight/stopped
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/cardfarm/pkg/types"
	"golang.org/x/sync/semaphore"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新的 Step
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrNoSlot 表示項目沒有持有 slot
	ErrNoSlot = errors.New("worker: entry does not hold a slot")
	// ErrStepInFlight 表示項目已經有一個尚未完成的 Step
	ErrStepInFlight = errors.New("worker: step already in flight")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 slot 池
type Pool[T any] struct {
	size     int
	sem      *semaphore.Weighted
	ctx      context.Context    // 所有 Step 共用，Stop 時取消
	cancel   context.CancelFunc // 取消所有 in-flight Step
	resultCh chan Result[T]     // 結果通道
	wg       sync.WaitGroup     // 等待所有 Step goroutine

	mu       sync.Mutex
	held     map[types.TargetID]struct{} // 持有 slot 的項目
	inFlight map[types.TargetID]struct{} // 有 in-flight Step 的項目
	peak     int                         // 同時持有 slot 的最大數量
	stopped  bool
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 slot 池
// 參數：
//   - ctx: 所有 Step 的父 context
//   - size: slot 數量（至少為 1）
func NewPool[T any](ctx context.Context, size int) *Pool[T] {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Pool[T]{
		size:     size,
		sem:      semaphore.NewWeighted(int64(size)),
		ctx:      ctx,
		cancel:   cancel,
		resultCh: make(chan Result[T], size),
		held:     make(map[types.TargetID]struct{}),
		inFlight: make(map[types.TargetID]struct{}),
	}
}

// TryAcquire 為項目取得一個 slot，沒有空閒 slot 時立即回傳 false
// 已經持有 slot 的項目回傳 true，不會重複計數
func (p *Pool[T]) TryAcquire(id types.TargetID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return false
	}
	if _, ok := p.held[id]; ok {
		return true
	}
	if !p.sem.TryAcquire(1) {
		return false
	}

	p.held[id] = struct{}{}
	if len(p.held) > p.peak {
		p.peak = len(p.held)
	}
	return true
}

// Release 歸還項目的 slot；未持有時不做任何事
// 有 in-flight Step 的項目不能歸還，回傳 ErrStepInFlight
func (p *Pool[T]) Release(id types.TargetID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releaseLocked(id)
}

func (p *Pool[T]) releaseLocked(id types.TargetID) error {
	if _, ok := p.held[id]; !ok {
		return nil
	}
	if _, busy := p.inFlight[id]; busy {
		return ErrStepInFlight
	}
	delete(p.held, id)
	p.sem.Release(1)
	return nil
}

// Submit 在持有 slot 的項目上執行下一步
func (p *Pool[T]) Submit(id types.TargetID, step Step[T]) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if _, ok := p.held[id]; !ok {
		return ErrNoSlot
	}
	if _, busy := p.inFlight[id]; busy {
		return ErrStepInFlight
	}

	p.inFlight[id] = struct{}{}
	p.wg.Add(1)
	go p.run(id, step)
	return nil
}

// run 執行一步並回報結果；Step 內的 panic 轉成錯誤
func (p *Pool[T]) run(id types.TargetID, step Step[T]) {
	defer p.wg.Done()

	start := time.Now()
	result := Result[T]{ID: id}

	func() {
		defer func() {
			if r := recover(); r != nil {
				result.Err = fmt.Errorf("worker: step for %s panicked: %v", id, r)
			}
		}()
		result.Value, result.Err = step(p.ctx)
	}()
	result.Duration = time.Since(start)

	// 容量等於 slot 數，且項目在結果被取走前仍標記為 in-flight，送出不會阻塞
	p.resultCh <- result
}

// Next 阻塞直到任一 in-flight Step 完成（first-completion），或 ctx 結束
// 取走結果後該項目才可以再次 Submit
func (p *Pool[T]) Next(ctx context.Context) (Result[T], error) {
	select {
	case result := <-p.resultCh:
		p.complete(result.ID)
		return result, nil
	case <-ctx.Done():
		return Result[T]{}, ctx.Err()
	}
}

// TryNext 不阻塞地取走一個已完成的結果
func (p *Pool[T]) TryNext() (Result[T], bool) {
	select {
	case result := <-p.resultCh:
		p.complete(result.ID)
		return result, true
	default:
		return Result[T]{}, false
	}
}

func (p *Pool[T]) complete(id types.TargetID) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}

// Busy 回傳項目是否有 in-flight Step
func (p *Pool[T]) Busy(id types.TargetID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, busy := p.inFlight[id]
	return busy
}

// Held 回傳項目是否持有 slot
func (p *Pool[T]) Held(id types.TargetID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.held[id]
	return ok
}

// InUse 回傳目前被持有的 slot 數
func (p *Pool[T]) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.held)
}

// Peak 回傳 Pool 生命週期內同時持有 slot 的最大數量
func (p *Pool[T]) Peak() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

// Size 回傳 slot 總數
func (p *Pool[T]) Size() int {
	return p.size
}

// Stop 取消所有 in-flight Step、等待結束並歸還所有 slot
// 關閉流程：
//  1. 設定 stopped 標誌，拒絕新的 Submit
//  2. 取消共用 context
//  3. 等待所有 Step goroutine 結束
//  4. 丟棄尚未取走的結果並歸還所有 slot
func (p *Pool[T]) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

drain:
	for {
		select {
		case <-p.resultCh:
		default:
			break drain
		}
	}

	p.mu.Lock()
	clear(p.inFlight)
	for id := range p.held {
		_ = p.releaseLocked(id)
	}
	p.mu.Unlock()
}
