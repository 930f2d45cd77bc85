package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 初始化並執行 CLI 命令
// 3. 處理頂層錯誤與 panic recovery
// ============================================================================
//
// 編譯與執行:
//
//	go build -o bin/farm ./cmd/farm
//	./bin/farm run --owner 76561197960287930
//	./bin/farm status

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/cardfarm/internal/cli"
)

func main() {
	// Panic recovery（防止 helper process 在崩潰時被遺留）
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "嚴重錯誤: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "錯誤: %v\n", err)
		os.Exit(1)
	}
}
