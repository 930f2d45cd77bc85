package farming

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/cardfarm/pkg/types"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("farming: invalid config")

// Config controls one farming pass.
type Config struct {
	MaxConcurrency   int            // slot 數量，至少為 1
	MandatoryWaiting time.Duration  // 累計遊玩時間低於此值時，先補足差額
	WaitWhileRunning time.Duration  // 達到門檻後每輪執行的基準時間（加上最多 25% 抖動）
	WaitForDrops     time.Duration  // 關閉 helper 後等待伺服器端掉落的基準時間（加上最多 25% 抖動）
	ReverseSorting   bool           // true 時剩餘物品多的項目優先
	TargetFilter     types.TargetID // 非 0 時只處理此項目
	Tick             time.Duration  // 等待期間事件的間隔
	SummaryInterval  time.Duration  // 聚合事件的最小間隔
	RetryDelay       time.Duration  // 網路失敗後的重試間隔
	ClientRetryDelay time.Duration  // 外部用戶端未執行時的重試間隔
	BusyRetryDelay   time.Duration  // 伺服器忙碌時的重試間隔
}

// DefaultConfig returns the defaults of the original farming tool.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:   50,
		MandatoryWaiting: 2 * time.Hour,
		WaitWhileRunning: 5 * time.Minute,
		WaitForDrops:     2 * time.Minute,
		Tick:             time.Second,
		SummaryInterval:  3 * time.Second,
		RetryDelay:       10 * time.Second,
		ClientRetryDelay: 15 * time.Second,
		BusyRetryDelay:   20 * time.Second,
	}
}

// Validate rejects configurations the orchestrator cannot run.
func (c Config) Validate() error {
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("%w: max concurrency must be >= 1, got %d", ErrInvalidConfig, c.MaxConcurrency)
	}
	if c.Tick <= 0 {
		return fmt.Errorf("%w: tick must be > 0, got %s", ErrInvalidConfig, c.Tick)
	}
	if c.TargetFilter < 0 {
		return fmt.Errorf("%w: target filter must be >= 0, got %d", ErrInvalidConfig, c.TargetFilter)
	}
	durations := map[string]time.Duration{
		"mandatory waiting":  c.MandatoryWaiting,
		"wait while running": c.WaitWhileRunning,
		"wait for drops":     c.WaitForDrops,
		"summary interval":   c.SummaryInterval,
		"retry delay":        c.RetryDelay,
		"client retry delay": c.ClientRetryDelay,
		"busy retry delay":   c.BusyRetryDelay,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%w: %s must not be negative, got %s", ErrInvalidConfig, name, d)
		}
	}
	return nil
}
