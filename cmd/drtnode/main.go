package main

// ============================================================================
// 職責說明：
// 1. drtnode 入口點，所有邏輯在 internal/cli
// 2. 處理頂層錯誤與 panic recovery
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/drt-dist/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "嚴重錯誤: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "錯誤: %v\n", err)
		os.Exit(1)
	}
}
