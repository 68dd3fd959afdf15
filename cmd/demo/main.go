package main

// ============================================================================
// In-process demo: one requester node and one worker node on loopback.
//
//   go run ./cmd/demo
//   go run ./cmd/demo -units 200 -threads 8 -delay 20ms
//
// 流程：design update → initial batch（串流進度）→ policy →
//       stubborn exploration（結果送回 requester）→ result request
// ============================================================================

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/ChuLiYu/drt-dist/internal/codec"
	"github.com/ChuLiYu/drt-dist/internal/controller"
	"github.com/ChuLiYu/drt-dist/internal/dispatcher"
	"github.com/ChuLiYu/drt-dist/internal/routing"
	"github.com/ChuLiYu/drt-dist/internal/transport"
	"github.com/ChuLiYu/drt-dist/pkg/types"
)

func main() {
	units := flag.Int("units", 50, "tiles in the initial batch")
	threads := flag.Int("threads", 4, "routing threads on the worker node")
	delay := flag.Duration("delay", 5*time.Millisecond, "max simulated routing time per tile")
	maxOps := flag.Int64("max-ops", 2000, "heap operation cap for the exploration")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := dispatcher.NewResultBuffer()
	requester, stopRequester := start(ctx, controller.Config{ListenAddr: "127.0.0.1:0", Results: results})
	worker, stopWorker := start(ctx, controller.Config{
		ListenAddr: "127.0.0.1:0",
		Threads:    *threads,
		Router:     routing.NewSimRouter(*delay),
	})
	workerAddr := worker.Addr().String()
	_, port, _ := net.SplitHostPort(requester.Addr().String())
	replyPort, _ := strconv.Atoi(port)

	client := transport.NewGrpcSender(transport.SenderConfig{SendTimeout: time.Minute})
	defer client.Close()

	// 1. design update: via-data only
	via := &types.ViaData{Version: 1, Tables: []types.ViaTable{{Name: "V12", Data: []byte("via12")}}}
	must(client.Send(ctx, types.MustMessage(types.KindDesignUpdate, &types.DesignUpdateDescription{
		ViaData: codec.MarshalViaData(via),
	}), workerAddr))
	fmt.Println("✓ design synced (via-data v1)")

	// 2. initial batch
	batch := make([]types.WorkUnit, *units)
	for i := range batch {
		batch[i] = types.WorkUnit{WorkerID: i, Blob: []byte(fmt.Sprintf("tile-%04d", i))}
	}
	began := time.Now()
	received := 0
	err := client.Call(ctx, types.MustMessage(types.KindInitialBatch, &types.BatchDescription{
		Units:     batch,
		SendEvery: 10,
		Iteration: 1,
	}), workerAddr, func(m *types.JobMessage) error {
		if d, err := m.Reply(); err == nil {
			received += len(d.Results)
			fmt.Printf("  %-7s %3d/%d\n", m.Kind, d.Completed, len(batch))
		}
		return m.AckError()
	})
	if err != nil {
		log.Fatalf("batch failed: %v", err)
	}
	fmt.Printf("✓ batch done: %d results in %s\n", received, time.Since(began).Round(time.Millisecond))

	// 3. policy
	must(client.Send(ctx, types.MustMessage(types.KindTimeoutPolicy, &types.PolicyDescription{
		MaxOps:   *maxOps,
		BannedID: types.NoBan,
	}), workerAddr))
	fmt.Printf("✓ policy: max ops %d\n", *maxOps)

	// 4. exploration
	strategies := []types.Strategy{
		{MazeEndIter: 4, DrcCost: 8, MarkerCost: 8, RipupMode: types.RipupDRC},
		{MazeEndIter: 16, DrcCost: 16, MarkerCost: 16, RipupMode: types.RipupNearDRC},
		{MazeEndIter: 32, DrcCost: 32, MarkerCost: 32, RipupMode: types.RipupAll},
		{MazeEndIter: 64, DrcCost: 64, MarkerCost: 64, RipupMode: types.RipupAll, FollowGuide: true},
	}
	must(client.Send(ctx, types.MustMessage(types.KindStubbornBatch, &types.StubbornDescription{
		WorkerID:   1000,
		Worker:     []byte("stubborn tile"),
		Strategies: strategies,
		ReplyHost:  "127.0.0.1",
		ReplyPort:  replyPort,
		Iteration:  2,
	}), workerAddr))

	waitCtx, waitCancel := context.WithTimeout(ctx, 30*time.Second)
	defer waitCancel()
	got, err := results.WaitFor(waitCtx, len(strategies))
	if err != nil {
		fmt.Printf("! only %d/%d results arrived: %v\n", len(got), len(strategies), err)
	}
	for _, r := range got {
		state := fmt.Sprintf("%d violations", r.NumOfViolations)
		if r.Aborted() {
			state = "aborted"
		}
		fmt.Printf("  strategy maze=%-3d ops=%-6d %s\n", r.Strategy.MazeEndIter, r.HeapOps, state)
	}

	// 5. ask for the cached result again, one strategy hits
	for _, s := range strategies {
		must(client.Send(ctx, types.MustMessage(types.KindResultRequest, &types.ResultRequestDescription{
			WorkerID:  1000,
			Strategy:  s,
			ReplyHost: "127.0.0.1",
			ReplyPort: replyPort,
		}), workerAddr))
	}
	if got, err = results.WaitFor(waitCtx, len(strategies)+1); err == nil {
		last := got[len(got)-1]
		fmt.Printf("✓ cached result re-sent (maze=%d)\n", last.Strategy.MazeEndIter)
	}

	status := worker.GetStatus()
	fmt.Printf("\nworker node: phase=%s jobs=%v routing=%+v policy=%+v\n",
		status.Phase, status.Jobs, status.Routing, status.Policy)

	cancel()
	stopWorker()
	stopRequester()
}

// start runs a controller until ctx ends; the returned func waits for it.
func start(ctx context.Context, cfg controller.Config) (*controller.Controller, func()) {
	c, err := controller.NewController(cfg)
	if err != nil {
		log.Fatalf("controller: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	select {
	case <-c.Ready():
	case err := <-done:
		log.Fatalf("controller exited: %v", err)
	}
	return c, func() {
		if err := <-done; err != nil {
			log.Printf("controller stopped with error: %v", err)
		}
	}
}

func must(_ *types.JobMessage, err error) {
	if err != nil {
		log.Fatalf("request failed: %v", err)
	}
}
