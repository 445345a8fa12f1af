package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sync/errgroup"

	"github.com/comms-replay/comms-replay/replay/trace"
)

// launchWorld runs fn once per rank, each on its own goroutine over a shared
// fabric, the way the replay driver does.
func launchWorld(t *testing.T, worldSize int, fn func(b Backend) error) {
	t.Helper()
	fabric := NewFabric(worldSize)
	var g errgroup.Group
	for rank := 0; rank < worldSize; rank++ {
		info := WorldInfo{WorldSize: worldSize, GlobalRank: rank, LocalRank: rank, MasterAddr: "127.0.0.1", MasterPort: 29500}
		b := fabric.NewBackend(info)
		g.Go(func() error { return fn(b) })
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func constTensor(elems int, v float64) *Tensor {
	t := &Tensor{DType: trace.Float32, Vals: make([]float64, elems)}
	for i := range t.Vals {
		t.Vals[i] = v
	}
	return t
}

func TestInproc_AllReduceSum(t *testing.T) {
	const world = 4
	launchWorld(t, world, func(b Backend) error {
		in := constTensor(8, float64(b.GlobalRank()+1))
		args := &CollectiveArgs{In: in, Out: in, Group: b.DefaultGroup(), Op: ReduceSum}
		if _, err := b.Dispatch(trace.OpAllReduce, args); err != nil {
			return err
		}
		// 1+2+3+4 on every rank
		for _, v := range in.Vals {
			assert.Equal(t, 10.0, v)
		}
		return nil
	})
}

func TestInproc_AllReduceMax(t *testing.T) {
	launchWorld(t, 3, func(b Backend) error {
		in := constTensor(1, float64(b.GlobalRank()*5))
		args := &CollectiveArgs{In: in, Out: in, Group: b.DefaultGroup(), Op: ReduceMax}
		if _, err := b.Dispatch(trace.OpAllReduce, args); err != nil {
			return err
		}
		assert.Equal(t, 10.0, in.Vals[0])
		return nil
	})
}

func TestInproc_BroadcastFromRoot(t *testing.T) {
	launchWorld(t, 3, func(b Backend) error {
		out := constTensor(4, float64(b.GlobalRank()))
		args := &CollectiveArgs{In: out, Out: out, Group: b.DefaultGroup(), Root: 1}
		if _, err := b.Dispatch(trace.OpBroadcast, args); err != nil {
			return err
		}
		for _, v := range out.Vals {
			assert.Equal(t, 1.0, v)
		}
		return nil
	})
}

func TestInproc_AllGatherOrdersByRank(t *testing.T) {
	const world = 3
	launchWorld(t, world, func(b Backend) error {
		in := constTensor(2, float64(b.GlobalRank()))
		out := b.AllocEmpty(6, trace.Float32)
		args := &CollectiveArgs{In: in, Out: out, Group: b.DefaultGroup()}
		if _, err := b.Dispatch(trace.OpAllGather, args); err != nil {
			return err
		}
		assert.Equal(t, []float64{0, 0, 1, 1, 2, 2}, out.Vals)
		return nil
	})
}

func TestInproc_AllToAllvRespectsSplits(t *testing.T) {
	// rank r sends r+1 elements of value r to each peer
	const world = 2
	launchWorld(t, world, func(b Backend) error {
		r := b.GlobalRank()
		in := constTensor(2*(r+1), float64(r))
		split := []int64{int64(r + 1), int64(r + 1)}
		out := b.AllocEmpty(3, trace.Float32) // 1 from rank0 + 2 from rank1
		args := &CollectiveArgs{In: in, Out: out, Group: b.DefaultGroup(), InSplit: split, OutSplit: []int64{1, 2}}
		if _, err := b.Dispatch(trace.OpAllToAllv, args); err != nil {
			return err
		}
		assert.Equal(t, []float64{0, 1, 1}, out.Vals)
		return nil
	})
}

func TestInproc_ReduceScatterChunks(t *testing.T) {
	const world = 2
	launchWorld(t, world, func(b Backend) error {
		in := constTensor(4, 1)
		out := b.AllocEmpty(2, trace.Float32)
		args := &CollectiveArgs{In: in, Out: out, Group: b.DefaultGroup(), Op: ReduceSum}
		if _, err := b.Dispatch(trace.OpReduceScatter, args); err != nil {
			return err
		}
		assert.Equal(t, []float64{2, 2}, out.Vals)
		return nil
	})
}

func TestInproc_SendRecvPairs(t *testing.T) {
	launchWorld(t, 2, func(b Backend) error {
		if b.GlobalRank() == 0 {
			in := constTensor(4, 7)
			_, err := b.Dispatch(trace.OpSend, &CollectiveArgs{In: in, Group: b.DefaultGroup(), Root: 1})
			return err
		}
		out := b.AllocEmpty(4, trace.Float32)
		if _, err := b.Dispatch(trace.OpRecv, &CollectiveArgs{Out: out, Group: b.DefaultGroup(), Root: 0}); err != nil {
			return err
		}
		assert.Equal(t, []float64{7, 7, 7, 7}, out.Vals)
		return nil
	})
}

func TestInproc_AsyncCollectiveCompletesOnWait(t *testing.T) {
	launchWorld(t, 2, func(b Backend) error {
		in := constTensor(2, 1)
		args := &CollectiveArgs{In: in, Out: in, Group: b.DefaultGroup(), Async: true, Op: ReduceSum}
		req, err := b.Dispatch(trace.OpAllReduce, args)
		if err != nil {
			return err
		}
		if req == nil {
			t.Error("async dispatch should return a request")
			return nil
		}
		if err := req.Wait(); err != nil {
			return err
		}
		assert.Equal(t, []float64{2, 2}, in.Vals)
		return b.CompleteAccelOps(true)
	})
}

func TestInproc_ISendIRecvHandles(t *testing.T) {
	launchWorld(t, 2, func(b Backend) error {
		if b.GlobalRank() == 0 {
			in := constTensor(1, 3)
			req, err := b.Dispatch(trace.OpISend, &CollectiveArgs{In: in, Group: b.DefaultGroup(), Root: 1})
			if err != nil {
				return err
			}
			return req.Wait()
		}
		out := b.AllocEmpty(1, trace.Float32)
		req, err := b.Dispatch(trace.OpIRecv, &CollectiveArgs{Out: out, Group: b.DefaultGroup(), Root: 0})
		if err != nil {
			return err
		}
		if err := req.Wait(); err != nil {
			return err
		}
		assert.Equal(t, []float64{3}, out.Vals)
		return nil
	})
}

func TestInproc_WaitSingleDrainsOldestFirst(t *testing.T) {
	launchWorld(t, 1, func(b Backend) error {
		in := constTensor(1, 5)
		if _, err := b.Dispatch(trace.OpISend, &CollectiveArgs{In: in, Group: b.DefaultGroup(), Root: 0}); err != nil {
			return err
		}
		out := b.AllocEmpty(1, trace.Float32)
		if _, err := b.Dispatch(trace.OpIRecv, &CollectiveArgs{Out: out, Group: b.DefaultGroup(), Root: 0}); err != nil {
			return err
		}
		if err := b.WaitSingle(); err != nil { // the isend
			return err
		}
		if err := b.WaitSingle(); err != nil { // the irecv
			return err
		}
		assert.Equal(t, []float64{5}, out.Vals)
		return b.WaitSingle() // nothing outstanding is a no-op
	})
}

func TestInproc_SubGroupCollective(t *testing.T) {
	const world = 4
	launchWorld(t, world, func(b Backend) error {
		group, err := b.NewGroup([]int{1, 3})
		if err != nil {
			return err
		}
		switch b.GlobalRank() {
		case 1, 3:
			assert.NotEqual(t, -1, group.Rank())
			in := constTensor(2, 1)
			args := &CollectiveArgs{In: in, Out: in, Group: group, Op: ReduceSum}
			if _, err := b.Dispatch(trace.OpAllReduce, args); err != nil {
				return err
			}
			assert.Equal(t, []float64{2, 2}, in.Vals)
		default:
			assert.Equal(t, -1, group.Rank())
		}
		return nil
	})
}

func TestInproc_NewGroupOfWholeWorldIsDefault(t *testing.T) {
	fabric := NewFabric(2)
	b := fabric.NewBackend(WorldInfo{WorldSize: 2, GlobalRank: 0})
	group, err := b.NewGroup([]int{0, 1})
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, b.DefaultGroup(), group)
}

func TestInproc_BarrierReleasesAllRanks(t *testing.T) {
	launchWorld(t, 4, func(b Backend) error {
		return b.Barrier(b.DefaultGroup())
	})
}

func TestInproc_DCheck(t *testing.T) {
	fabric := NewFabric(1)
	b := fabric.NewBackend(WorldInfo{WorldSize: 1})
	out := b.AllocEmpty(4, trace.Float32)
	assert.NoError(t, b.DCheck(4, out))
	assert.ErrorIs(t, b.DCheck(8, out), ErrBackendRuntime)
}

func TestInproc_AllocRandomRespectsDTypes(t *testing.T) {
	fabric := NewFabric(1)
	b := fabric.NewBackend(WorldInfo{WorldSize: 1})

	ints := b.AllocRandom(16, trace.Int32, 1)
	for _, v := range ints.Vals {
		assert.Equal(t, float64(int64(v)), v, "integer dtype should hold integral values")
	}
	floats := b.AllocRandom(16, trace.Float32, 1)
	assert.Equal(t, int64(16), floats.Elems())
	assert.Equal(t, int64(64), floats.Bytes())
}

func TestWorldInfoFromEnv_Defaults(t *testing.T) {
	t.Setenv("WORLD_SIZE", "")
	t.Setenv("RANK", "")
	info := WorldInfoFromEnv()
	assert.Equal(t, 1, info.WorldSize)
	assert.Equal(t, 0, info.GlobalRank)
	assert.Equal(t, "127.0.0.1", info.MasterAddr)
}

func TestNewFabricForStack_RejectsUnknown(t *testing.T) {
	_, err := NewFabricForStack("nccl", 2)
	assert.ErrorIs(t, err, ErrUnsupportedBackend)

	fabric, err := NewFabricForStack("inproc", 2)
	assert.NoError(t, err)
	assert.NotNil(t, fabric)
}
