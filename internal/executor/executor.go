// ============================================================================
// Cardfarm Executor - 外部 helper 生命週期
// ============================================================================
//
// Package: internal/executor
// 文件: executor.go
// 功能: 每個執行中的項目對應一個 Executor，模擬應用程式正在執行
//
// 兩種實作（在建構時由呼叫端選擇，不修改任何全域狀態）：
//   1. ProcessSpawner   - 每個 target 啟動一個外部 helper process
//   2. InProcessSpawner - 僅在行程內保存 handle，不啟動任何外部資源
//
// 生命週期契約:
//   Spawn(target) -> Executor    失敗時回傳 ErrTargetInvalid 或 ErrServiceUnavailable
//   IsRunning()   -> bool
//   Shutdown()                   冪等、永不失敗，釋放外部 process/handle
//
// helper 結束碼約定（僅在 startup grace 期間內有意義）：
//   2 - target id 無效
//   3 - helper 依賴的外部用戶端未執行
//
// ============================================================================

package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ChuLiYu/cardfarm/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrTargetInvalid 表示 helper 拒絕此 target id
	ErrTargetInvalid = errors.New("executor: invalid target id")
	// ErrServiceUnavailable 表示 helper 依賴的外部用戶端無法連線
	ErrServiceUnavailable = errors.New("executor: client service is not running")
	// ErrSpawnerClosed 表示 Spawner 已關閉，無法再建立 Executor
	ErrSpawnerClosed = errors.New("executor: spawner is closed")
)

// helper 結束碼
const (
	ExitTargetInvalid      = 2
	ExitServiceUnavailable = 3
)

// Executor 代表一個正在執行的 helper
type Executor interface {
	TargetID() types.TargetID
	IsRunning() bool
	// Shutdown 冪等，可重複呼叫且永不失敗
	Shutdown()
}

// Spawner 為指定 target 建立 Executor
type Spawner interface {
	Spawn(ctx context.Context, target types.TargetID) (Executor, error)
	// Close 關閉所有仍存活的 Executor，之後的 Spawn 會失敗
	Close()
}

// Options 選擇與設定 Spawner 實作
type Options struct {
	HelperPath   string        // helper 執行檔路徑；空字串代表使用 in-process handle
	HelperArgs   []string      // 放在 target id 之前的額外參數
	HelperEnv    []string      // 額外環境變數（KEY=VALUE）
	StartupGrace time.Duration // 等待 helper 報告啟動失敗的時間
	Logger       *slog.Logger  // nil 時使用 slog.Default()
}

// NewSpawner 依 Options 選擇實作
func NewSpawner(opts Options) Spawner {
	if opts.HelperPath == "" {
		return NewInProcessSpawner(nil, opts.Logger)
	}
	return NewProcessSpawner(opts)
}

// ShutdownAll 關閉所有 Executor，忽略 nil
func ShutdownAll(executors ...Executor) {
	for _, e := range executors {
		if e != nil {
			e.Shutdown()
		}
	}
}
