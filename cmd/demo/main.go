package main

// ============================================================================
// Cardfarm Demo - 加速版 farming pass
// ============================================================================
//
// 以毫秒取代分鐘執行一次完整的 pass，不需要外部 catalog 或 helper：
//   - 本地目錄（catalog.Static）
//   - in-process executor，前兩次啟動模擬 helper 用戶端尚未執行
//   - 每第三次查詢回報伺服器忙碌，展示退避重試
//
// 用法:
//   go run ./cmd/demo [max-concurrency]
//
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ChuLiYu/cardfarm/internal/catalog"
	"github.com/ChuLiYu/cardfarm/internal/executor"
	"github.com/ChuLiYu/cardfarm/internal/farming"
	"github.com/ChuLiYu/cardfarm/pkg/types"
)

// busyCatalog 每第 n 次查詢剩餘數量時回傳 ErrServiceBusy
type busyCatalog struct {
	*catalog.Static
	every int64
	polls atomic.Int64
}

func (c *busyCatalog) GetRemainingCount(ctx context.Context, ownerID string, target types.TargetID) (int, error) {
	if c.polls.Add(1)%c.every == 0 {
		return 0, catalog.ErrServiceBusy
	}
	return c.Static.GetRemainingCount(ctx, ownerID, target)
}

func main() {
	slots := 3
	if len(os.Args) > 1 {
		n, err := strconv.Atoi(os.Args[1])
		if err != nil || n < 1 {
			fmt.Println("Usage: go run ./cmd/demo [max-concurrency]")
			os.Exit(1)
		}
		slots = n
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cat := &busyCatalog{
		Static: catalog.NewStatic([]catalog.StaticEntry{
			{ID: 440, Name: "Team Fortress 2", Remaining: 4, Playtime: 3 * time.Hour},
			{ID: 570, Name: "Dota 2", Remaining: 2, Playtime: 45 * time.Minute},
			{ID: 730, Name: "Counter-Strike 2", Remaining: 3, Playtime: 10 * time.Hour, Drop: 3},
			{ID: 620, Name: "Portal 2", Remaining: 0, Playtime: 12 * time.Hour},
			{ID: 1091500, Name: "Cyberpunk 2077", Remaining: 1, Playtime: 90 * time.Minute},
		}),
		every: 3,
	}

	var launches atomic.Int64
	spawner := executor.NewInProcessSpawner(func(ctx context.Context) error {
		if launches.Add(1) <= 2 {
			return errors.New("client not started yet")
		}
		return nil
	}, logger)
	defer spawner.Close()

	// 一分鐘縮短為 10ms；強制等待設為 0，每個項目都只執行 WaitWhileRunning
	cfg := farming.Config{
		MaxConcurrency:   slots,
		MandatoryWaiting: 0,
		WaitWhileRunning: 50 * time.Millisecond,
		WaitForDrops:     20 * time.Millisecond,
		Tick:             10 * time.Millisecond,
		SummaryInterval:  30 * time.Millisecond,
		RetryDelay:       100 * time.Millisecond,
		ClientRetryDelay: 150 * time.Millisecond,
		BusyRetryDelay:   200 * time.Millisecond,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch := farming.New(cat, spawner, farming.WithLogger(logger))

	fmt.Printf("🚀 Farming demo (slots: %d)\n\n", slots)
	start := time.Now()

	for ev, err := range orch.RunPass(ctx, "demo-owner", cfg) {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				fmt.Println("\n\nReceived shutdown signal, stopped")
				return
			}
			fmt.Fprintf(os.Stderr, "pass failed: %v\n", err)
			os.Exit(1)
		}
		printEvent(ev)
	}

	snap := orch.Snapshot()
	fmt.Printf("\n📊 Pass finished in %s\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("  Peak Slots:      %d\n", snap.PeakActive)
	fmt.Printf("  Items Remaining: %d\n", snap.ItemsRemaining)
	fmt.Printf("  Live Helpers:    %d\n", spawner.Live())
}

func printEvent(ev farming.Event) {
	icon := "  "
	switch {
	case ev.IsError():
		icon = "⚠️ "
	case ev.Action == types.ActionDone:
		icon = "✓ "
	case ev.Action == types.ActionIgnore:
		icon = "✗ "
	}

	line := fmt.Sprintf("%s%-24s %s", icon, ev.Display, ev.Info)
	if ev.Status != "" {
		line += " | " + ev.Status
	}
	if ev.Error != "" {
		line += " | " + ev.Error
	}
	fmt.Println(line)
}
