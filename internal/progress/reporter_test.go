package progress

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/drt-dist/internal/worker"
	"github.com/ChuLiYu/drt-dist/pkg/types"
)

// recorder captures flushes in delivery order
type recorder struct {
	mu      sync.Mutex
	flushes []Flush
	fail    error
}

func (r *recorder) send(_ context.Context, f Flush) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes = append(r.flushes, f)
	return r.fail
}

func unit(id int) types.TileResult {
	return types.TileResult{WorkerID: id, Blob: []byte(fmt.Sprintf("r%d", id))}
}

func TestReporter_TenUnitsEveryDecile(t *testing.T) {
	rec := &recorder{}
	r := New(10, 10, nil, rec.send)

	for i := 1; i <= 10; i++ {
		require.NoError(t, r.Add(unit(i)))
	}
	require.NoError(t, r.Finish())

	require.Len(t, rec.flushes, 10)
	for i := 0; i < 9; i++ {
		f := rec.flushes[i]
		assert.Equal(t, types.KindAck, f.Kind)
		assert.Equal(t, (i+1)*10, f.Decile)
		assert.Equal(t, []types.TileResult{unit(i + 1)}, f.Results)
	}
	last := rec.flushes[9]
	assert.Equal(t, types.KindSuccess, last.Kind)
	assert.Equal(t, []types.TileResult{unit(10)}, last.Results)
	assert.Equal(t, 10, last.Completed)
}

func TestReporter_CadenceSkipsDeciles(t *testing.T) {
	rec := &recorder{}
	r := New(10, 30, nil, rec.send)

	for i := 1; i <= 10; i++ {
		require.NoError(t, r.Add(unit(i)))
	}
	require.NoError(t, r.Finish())

	require.Len(t, rec.flushes, 4)
	assert.Equal(t, []int{30, 60, 90, 100}, []int{
		rec.flushes[0].Decile, rec.flushes[1].Decile, rec.flushes[2].Decile, rec.flushes[3].Decile,
	})
	assert.Len(t, rec.flushes[0].Results, 3)
	assert.Len(t, rec.flushes[1].Results, 3)
	assert.Len(t, rec.flushes[2].Results, 3)
	assert.Len(t, rec.flushes[3].Results, 1)
	for _, f := range rec.flushes[:3] {
		assert.Equal(t, types.KindAck, f.Kind)
	}
}

func TestReporter_ZeroCadenceOnlyTerminal(t *testing.T) {
	rec := &recorder{}
	r := New(5, 0, nil, rec.send)
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Add(unit(i)))
	}
	require.NoError(t, r.Finish())

	require.Len(t, rec.flushes, 1)
	assert.Equal(t, types.KindSuccess, rec.flushes[0].Kind)
	assert.Len(t, rec.flushes[0].Results, 5)
}

func TestReporter_EmptyBatch(t *testing.T) {
	rec := &recorder{}
	r := New(0, 10, nil, rec.send)
	require.NoError(t, r.Finish())

	require.Len(t, rec.flushes, 1)
	assert.Equal(t, types.KindSuccess, rec.flushes[0].Kind)
	assert.Empty(t, rec.flushes[0].Results)
}

func TestReporter_SmallBatchAdvancesOneDecilePerUnit(t *testing.T) {
	rec := &recorder{}
	r := New(2, 10, nil, rec.send)
	require.NoError(t, r.Add(unit(1)))
	require.NoError(t, r.Add(unit(2)))
	require.NoError(t, r.Finish())

	// 50% and 100% completion each advance only one decile.
	require.Len(t, rec.flushes, 3)
	assert.Equal(t, 10, rec.flushes[0].Decile)
	assert.Equal(t, 20, rec.flushes[1].Decile)
	assert.Equal(t, types.KindSuccess, rec.flushes[2].Kind)
	assert.Empty(t, rec.flushes[2].Results)
}

func TestReporter_AddAfterFinish(t *testing.T) {
	r := New(1, 10, nil, (&recorder{}).send)
	require.NoError(t, r.Finish())
	assert.ErrorIs(t, r.Add(unit(1)), ErrFinished)
	assert.ErrorIs(t, r.Finish(), ErrFinished)
}

func TestReporter_SendErrorSurfacesOnFinish(t *testing.T) {
	rec := &recorder{fail: errors.New("connection refused")}
	r := New(1, 10, nil, rec.send)
	require.NoError(t, r.Add(unit(1)))
	err := r.Finish()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestReporter_FlushMessage(t *testing.T) {
	f := Flush{Kind: types.KindSuccess, Results: []types.TileResult{unit(1)}, Completed: 1}
	msg := f.Message()
	reply, err := msg.Reply()
	require.NoError(t, err)
	assert.Equal(t, 1, reply.Completed)
	assert.Equal(t, types.KindSuccess, msg.Kind)
}

// Every unit is delivered exactly once, for many sizes and cadences, with
// concurrent producers and a real single-worker reply pool.
func TestReporter_ConcurrentExactlyOnce(t *testing.T) {
	cadences := []int{0, 10, 20, 30, 50, 100}
	sizes := []int{1, 3, 7, 10, 64, 250}

	for _, size := range sizes {
		for _, cadence := range cadences {
			t.Run(fmt.Sprintf("n=%d/c=%d", size, cadence), func(t *testing.T) {
				pool := worker.NewPool("reply", 16)
				require.NoError(t, pool.Start(1))
				defer pool.Stop()

				rec := &recorder{}
				r := New(size, cadence, pool, rec.send)

				ids := rand.Perm(size)
				var wg sync.WaitGroup
				for _, id := range ids {
					wg.Add(1)
					go func(id int) {
						defer wg.Done()
						assert.NoError(t, r.Add(unit(id)))
					}(id)
				}
				wg.Wait()
				require.NoError(t, r.Finish())

				every := cadence
				if every <= 0 {
					every = 100
				}
				seen := make(map[int]int)
				terminal := 0
				for i, f := range rec.flushes {
					if f.Kind == types.KindSuccess {
						terminal++
						assert.Equal(t, len(rec.flushes)-1, i, "terminal flush is last")
					} else {
						assert.Zero(t, f.Decile%every, "unexpected decile %d", f.Decile)
					}
					for _, res := range f.Results {
						seen[res.WorkerID]++
					}
				}
				assert.Equal(t, 1, terminal)
				assert.Len(t, seen, size)
				for id, n := range seen {
					assert.Equal(t, 1, n, "unit %d delivered %d times", id, n)
				}
			})
		}
	}
}

// With several reply workers a slow interim send must still land before the
// terminal flush.
func TestReporter_TerminalAfterSlowInterim(t *testing.T) {
	pool := worker.NewPool("reply", 8)
	require.NoError(t, pool.Start(2))
	defer pool.Stop()

	var mu sync.Mutex
	var order []types.JobKind
	send := func(_ context.Context, f Flush) error {
		if f.Kind == types.KindAck {
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		order = append(order, f.Kind)
		mu.Unlock()
		return nil
	}

	r := New(2, 10, pool, send)
	require.NoError(t, r.Add(unit(1)))
	require.NoError(t, r.Add(unit(2)))
	require.NoError(t, r.Finish())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []types.JobKind{types.KindAck, types.KindAck, types.KindSuccess}, order)
}
