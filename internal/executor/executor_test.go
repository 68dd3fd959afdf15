package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/drt-dist/internal/governance"
	"github.com/ChuLiYu/drt-dist/internal/metrics"
	"github.com/ChuLiYu/drt-dist/internal/routing"
	"github.com/ChuLiYu/drt-dist/internal/worker"
	"github.com/ChuLiYu/drt-dist/pkg/types"
)

// ============================================================================
// 測試替身
// ============================================================================

// fakeRouter returns a fixed outcome per MazeEndIter.
type fakeRouter struct {
	outcomes map[int]routing.Outcome
	runErr   map[int]error
	panicOn  map[int]bool

	mu   sync.Mutex
	runs int
}

func (r *fakeRouter) RunTile(_ context.Context, work []byte, _ *types.ViaData) ([]byte, error) {
	if string(work) == "bad" {
		return nil, errors.New("routing aborted")
	}
	return append([]byte("r:"), work...), nil
}

func (r *fakeRouter) LoadWorker(_ context.Context, work []byte, _ *types.ViaData) (routing.WorkerHandle, error) {
	if len(work) == 0 {
		return nil, routing.ErrEmptyWork
	}
	return &fakeHandle{r: r}, nil
}

type fakeHandle struct {
	r *fakeRouter
	s types.Strategy
}

func (h *fakeHandle) Configure(s types.Strategy) { h.s = s }

func (h *fakeHandle) Run(context.Context) (routing.Outcome, error) {
	h.r.mu.Lock()
	h.r.runs++
	h.r.mu.Unlock()

	if h.r.panicOn[h.s.MazeEndIter] {
		panic("router crashed")
	}
	if err := h.r.runErr[h.s.MazeEndIter]; err != nil {
		return routing.Outcome{}, err
	}
	return h.r.outcomes[h.s.MazeEndIter], nil
}

func (r *fakeRouter) Runs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

// recordingSender stores every message sent.
type recordingSender struct {
	mu    sync.Mutex
	sent  []*types.JobMessage
	addrs []string
	err   error
}

func (s *recordingSender) Send(_ context.Context, msg *types.JobMessage, addr string) (*types.JobMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.sent = append(s.sent, msg)
	s.addrs = append(s.addrs, addr)
	return types.NewAck(), nil
}

func (s *recordingSender) Call(ctx context.Context, msg *types.JobMessage, addr string, fn func(*types.JobMessage) error) error {
	reply, err := s.Send(ctx, msg, addr)
	if err != nil {
		return err
	}
	return fn(reply)
}

func (s *recordingSender) results(t *testing.T) []types.WorkerResult {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.WorkerResult, 0, len(s.sent))
	for _, m := range s.sent {
		require.Equal(t, types.KindStubbornResult, m.Kind)
		d, err := m.Result()
		require.NoError(t, err)
		out = append(out, d.Result)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strategy.MazeEndIter < out[j].Strategy.MazeEndIter })
	return out
}

// recordingReply is a ReplyHandle that keeps every reply.
type recordingReply struct {
	mu      sync.Mutex
	replies []*types.JobMessage
}

func (r *recordingReply) Reply(_ context.Context, msg *types.JobMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, msg)
	return nil
}

func (r *recordingReply) Close()       {}
func (r *recordingReply) Peer() string { return "127.0.0.1:5000" }

// recordingSink keeps sink entries.
type recordingSink struct {
	mu         sync.Mutex
	iterations []metrics.IterationEntry
	workers    []metrics.WorkerEntry
}

func (s *recordingSink) WriteIteration(_ context.Context, e metrics.IterationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iterations = append(s.iterations, e)
	return nil
}

func (s *recordingSink) WriteWorker(_ context.Context, e metrics.WorkerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = append(s.workers, e)
	return nil
}

func (s *recordingSink) WriteDesign(context.Context, metrics.DesignEntry) error { return nil }
func (s *recordingSink) Close() error                                          { return nil }

type fixture struct {
	exec   *Executor
	router *fakeRouter
	sender *recordingSender
	policy *governance.Policy
	cache  *governance.ResultCache
	sink   *recordingSink
}

func newFixture(t *testing.T, threads int) *fixture {
	t.Helper()

	routingPool := worker.NewPool("routing", 16)
	require.NoError(t, routingPool.Start(threads))
	replyPool := worker.NewPool("reply", 16)
	require.NoError(t, replyPool.Start(1))
	t.Cleanup(func() {
		routingPool.Stop()
		replyPool.Stop()
	})

	f := &fixture{
		router: &fakeRouter{outcomes: map[int]routing.Outcome{}, runErr: map[int]error{}, panicOn: map[int]bool{}},
		sender: &recordingSender{},
		policy: governance.NewPolicy(),
		cache:  governance.NewResultCache(),
		sink:   &recordingSink{},
	}
	f.exec = New(Config{
		Router:    f.router,
		Routing:   routingPool,
		Replies:   replyPool,
		Sender:    f.sender,
		Policy:    f.policy,
		Cache:     f.cache,
		Collector: metrics.NewCollector(prometheus.NewRegistry()),
		Sink:      f.sink,
	})
	return f
}

func units(n int) []types.WorkUnit {
	out := make([]types.WorkUnit, n)
	for i := range out {
		out[i] = types.WorkUnit{WorkerID: i + 1, Blob: []byte(fmt.Sprintf("tile%d", i+1))}
	}
	return out
}

// ============================================================================
// Batch
// ============================================================================

func TestRunBatch_EveryUnitDeliveredOnce(t *testing.T) {
	for _, threads := range []int{1, 4} {
		for _, every := range []int{10, 20, 30, 0} {
			t.Run(fmt.Sprintf("threads=%d/every=%d", threads, every), func(t *testing.T) {
				f := newFixture(t, threads)
				reply := &recordingReply{}

				stats, err := f.exec.RunBatch(context.Background(), &types.BatchDescription{
					Units:     units(25),
					SendEvery: every,
					Iteration: 3,
				}, reply)
				require.NoError(t, err)
				assert.Equal(t, 25, stats.Units)
				assert.Zero(t, stats.Failed)
				assert.Equal(t, len(reply.replies), stats.Flushes)

				seen := map[int]string{}
				for i, m := range reply.replies {
					if i == len(reply.replies)-1 {
						assert.Equal(t, types.KindSuccess, m.Kind)
					} else {
						assert.Equal(t, types.KindAck, m.Kind)
					}
					d, err := m.Reply()
					require.NoError(t, err)
					for _, r := range d.Results {
						_, dup := seen[r.WorkerID]
						assert.False(t, dup, "unit %d delivered twice", r.WorkerID)
						seen[r.WorkerID] = string(r.Blob)
					}
				}
				assert.Len(t, seen, 25)
				assert.Equal(t, "r:tile7", seen[7])

				require.Len(t, f.sink.iterations, 1)
				assert.Equal(t, metrics.IterationEntry{Iteration: 3, TotalWorkers: 25, ActiveWorkers: 25, FlowType: FlowInitial}, f.sink.iterations[0])
			})
		}
	}
}

func TestRunBatch_TenUnitsEveryDecile(t *testing.T) {
	f := newFixture(t, 1)
	reply := &recordingReply{}

	_, err := f.exec.RunBatch(context.Background(), &types.BatchDescription{Units: units(10), SendEvery: 10}, reply)
	require.NoError(t, err)

	require.Len(t, reply.replies, 10)
	for i, m := range reply.replies {
		d, err := m.Reply()
		require.NoError(t, err)
		if i < 9 {
			assert.Equal(t, types.KindAck, m.Kind)
			assert.Equal(t, i+1, d.Completed)
			assert.Len(t, d.Results, 1)
			continue
		}
		assert.Equal(t, types.KindSuccess, m.Kind)
		require.Len(t, d.Results, 1)
		assert.Equal(t, 10, d.Results[0].WorkerID)
	}
}

func TestRunBatch_FailedTileStillReported(t *testing.T) {
	f := newFixture(t, 2)
	reply := &recordingReply{}

	us := units(4)
	us[2].Blob = []byte("bad")
	stats, err := f.exec.RunBatch(context.Background(), &types.BatchDescription{Units: us, SendEvery: 100}, reply)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	require.Len(t, reply.replies, 1)
	d, err := reply.replies[0].Reply()
	require.NoError(t, err)
	require.Len(t, d.Results, 4)
	for _, r := range d.Results {
		if r.WorkerID == 3 {
			assert.Empty(t, r.Blob)
		} else {
			assert.NotEmpty(t, r.Blob)
		}
	}
	assert.Equal(t, 3, f.sink.iterations[0].ActiveWorkers)
}

func TestRunBatch_Empty(t *testing.T) {
	f := newFixture(t, 2)
	reply := &recordingReply{}

	stats, err := f.exec.RunBatch(context.Background(), &types.BatchDescription{SendEvery: 10}, reply)
	require.NoError(t, err)
	assert.Zero(t, stats.Units)
	require.Len(t, reply.replies, 1)
	assert.Equal(t, types.KindSuccess, reply.replies[0].Kind)
}

func TestRunBatch_StoppedPool(t *testing.T) {
	f := newFixture(t, 2)
	f.exec.cfg.Routing.Stop()
	reply := &recordingReply{}

	stats, err := f.exec.RunBatch(context.Background(), &types.BatchDescription{Units: units(3), SendEvery: 10}, reply)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Failed)
	require.NotEmpty(t, reply.replies)

	total := 0
	for _, m := range reply.replies {
		d, err := m.Reply()
		require.NoError(t, err)
		total += len(d.Results)
	}
	assert.Equal(t, 3, total)
}

// ============================================================================
// Exploration
// ============================================================================

func strategies(iters ...int) []types.Strategy {
	out := make([]types.Strategy, len(iters))
	for i, it := range iters {
		out[i] = types.Strategy{MazeEndIter: it, DrcCost: i + 1, MarkerCost: 10 * (i + 1)}
	}
	return out
}

func TestRunExploration_OperationCap(t *testing.T) {
	f := newFixture(t, 3)
	f.router.outcomes[1] = routing.Outcome{Violations: 4, HeapOps: 50}
	f.router.outcomes[2] = routing.Outcome{Violations: 2, HeapOps: 150}
	f.router.outcomes[3] = routing.Outcome{Violations: 3, HeapOps: 100}
	f.policy.Apply(types.PolicyDescription{MaxOps: 100, BannedID: types.NoBan})

	desc := &types.StubbornDescription{WorkerID: 42, Worker: []byte("tile"), Strategies: strategies(1, 2, 3), Iteration: 5}
	stats, err := f.exec.RunExploration(context.Background(), desc, "10.0.0.1:7000")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Attempts)
	assert.Equal(t, 1, stats.Aborted)
	assert.Equal(t, 2, stats.Best, "heapOps==cap is not over the cap")

	got := f.sender.results(t)
	require.Len(t, got, 3)
	assert.Equal(t, 4, got[0].NumOfViolations)
	assert.Equal(t, types.ViolationsAborted, got[1].NumOfViolations)
	assert.Equal(t, int64(150), got[1].HeapOps)
	assert.Equal(t, 3, got[2].NumOfViolations)
	for _, r := range got {
		assert.Equal(t, 42, r.ID)
	}
	assert.Equal(t, []string{"10.0.0.1:7000", "10.0.0.1:7000", "10.0.0.1:7000"}, f.sender.addrs)

	require.Len(t, f.sink.workers, 3)
	chosen := 0
	for _, w := range f.sink.workers {
		assert.Equal(t, 5, w.Iteration)
		if w.Chosen {
			chosen++
			assert.Equal(t, 3, w.EndDRVs)
		}
	}
	assert.Equal(t, 1, chosen)
}

func TestRunExploration_BannedWorkerDoesNotRun(t *testing.T) {
	f := newFixture(t, 2)
	f.router.outcomes[1] = routing.Outcome{Violations: 0, HeapOps: 1}
	f.router.outcomes[2] = routing.Outcome{Violations: 1, HeapOps: 1}
	f.policy.Apply(types.PolicyDescription{MaxOps: types.MaxOpsUnchanged, BannedID: 7})

	desc := &types.StubbornDescription{WorkerID: 7, Worker: []byte("tile"), Strategies: strategies(1, 2)}
	stats, err := f.exec.RunExploration(context.Background(), desc, "h:1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Aborted)
	assert.Equal(t, -1, stats.Best)
	assert.Zero(t, f.router.Runs())

	for _, r := range f.sender.results(t) {
		assert.True(t, r.Aborted())
	}

	// Lifting the cap lifts the ban.
	f.policy.Apply(types.PolicyDescription{MaxOps: types.MaxOpsUnlimited, BannedID: types.NoBan})
	f.sender.sent = nil
	_, err = f.exec.RunExploration(context.Background(), desc, "h:1")
	require.NoError(t, err)
	got := f.sender.results(t)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].NumOfViolations)
	assert.Equal(t, 1, got[1].NumOfViolations)
}

func TestRunExploration_FailuresReportedAborted(t *testing.T) {
	f := newFixture(t, 2)
	f.router.outcomes[1] = routing.Outcome{Violations: 2, HeapOps: 10}
	f.router.runErr[2] = errors.New("drc engine failed")
	f.router.panicOn[3] = true

	desc := &types.StubbornDescription{WorkerID: 9, Worker: []byte("tile"), Strategies: strategies(1, 2, 3)}
	stats, err := f.exec.RunExploration(context.Background(), desc, "h:1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Aborted)

	got := f.sender.results(t)
	require.Len(t, got, 3)
	assert.Equal(t, 2, got[0].NumOfViolations)
	assert.True(t, got[1].Aborted())
	assert.True(t, got[2].Aborted())
	assert.Equal(t, 3, got[2].Strategy.MazeEndIter)
}

func TestRunExploration_CacheResetAndFilled(t *testing.T) {
	f := newFixture(t, 1)
	f.router.outcomes[1] = routing.Outcome{Violations: 3, HeapOps: 1}
	f.cache.Store(types.WorkerResult{ID: 100, Strategy: types.Strategy{MazeEndIter: 99}})

	s := strategies(1)
	_, err := f.exec.RunExploration(context.Background(), &types.StubbornDescription{WorkerID: 11, Worker: []byte("t"), Strategies: s}, "h:1")
	require.NoError(t, err)

	_, ok := f.cache.Lookup(100, types.Strategy{MazeEndIter: 99})
	assert.False(t, ok, "a new exploration clears the cache")

	got, ok := f.cache.Lookup(11, s[0])
	require.True(t, ok)
	assert.Equal(t, 3, got.NumOfViolations)

	_, ok = f.cache.Lookup(11, types.Strategy{MazeEndIter: 2})
	assert.False(t, ok)
}

func TestRunExploration_SendErrorsJoined(t *testing.T) {
	f := newFixture(t, 2)
	f.router.outcomes[1] = routing.Outcome{}
	f.sender.err = errors.New("connection refused")

	_, err := f.exec.RunExploration(context.Background(), &types.StubbornDescription{WorkerID: 1, Worker: []byte("t"), Strategies: strategies(1, 1)}, "h:1")
	assert.ErrorContains(t, err, "connection refused")
}

func TestRunExploration_Preconditions(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.exec.RunExploration(context.Background(), &types.StubbornDescription{}, "")
	assert.ErrorIs(t, err, ErrNoReplyAddr)

	f.exec.cfg.Sender = nil
	_, err = f.exec.RunExploration(context.Background(), &types.StubbornDescription{}, "h:1")
	assert.ErrorIs(t, err, ErrNoSender)
}

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00:00"},
		{1500 * time.Millisecond, "00:00:01"},
		{61 * time.Second, "00:01:01"},
		{3*time.Hour + 25*time.Minute + 7*time.Second, "03:25:07"},
		{-time.Second, "00:00:00"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatElapsed(tt.in))
	}
}
