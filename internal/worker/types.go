package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/cardfarm/pkg/types"
)

// Step 代表一個 slot 持有者要前進的一步
type Step[T any] func(ctx context.Context) (T, error)

// Result 代表一步的執行結果
type Result[T any] struct {
	ID       types.TargetID // 持有 slot 的項目
	Value    T              // 這一步產生的值
	Err      error          // 錯誤訊息（如果有）
	Duration time.Duration  // 實際執行時間
}
