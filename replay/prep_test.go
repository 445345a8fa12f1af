package replay

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/comms-replay/comms-replay/replay/backend"
	"github.com/comms-replay/comms-replay/replay/trace"
)

func newTestEngine(t *testing.T, params Params, worldSize int) *Engine {
	t.Helper()
	fabric := backend.NewFabric(worldSize)
	info := backend.WorldInfo{WorldSize: worldSize}
	return New(params, info, fabric.NewBackend(info))
}

func TestPrepComms_ControlOpsGetNoBuffers(t *testing.T) {
	e := newTestEngine(t, DefaultParams(), 1)
	in, out := e.prepComms(&trace.OpRecord{Kind: trace.OpWait}, false)
	assert.Nil(t, in)
	assert.Nil(t, out)
}

func TestPrepComms_AutoShrinkAllGather(t *testing.T) {
	params := DefaultParams()
	params.AutoShrink = true
	e := newTestEngine(t, params, 4)

	// recorded at world 8, replayed at world 4
	op := trace.OpRecord{
		Kind: trace.OpAllGather, WorldSize: 8, HasSizes: true,
		InMsgElems: 1024, OutMsgElems: 8192, DType: trace.Float32,
	}
	in, out := e.prepComms(&op, false)
	assert.Equal(t, int64(512), in.Elems())
	assert.Equal(t, int64(2048), out.Elems())
	// shrunk input sizes divide evenly across the live world
	assert.Zero(t, in.Elems()%int64(e.be.WorldSize()))
}

func TestPrepComms_AutoShrinkAllToAllvTruncatesSplits(t *testing.T) {
	params := DefaultParams()
	params.AutoShrink = true
	e := newTestEngine(t, params, 2)

	op := trace.OpRecord{
		Kind: trace.OpAllToAllv, WorldSize: 4, HasSizes: true,
		InMsgElems: 40, OutMsgElems: 40, DType: trace.Float32,
		InSplit:  []int64{10, 10, 10, 10},
		OutSplit: []int64{10, 10, 10, 10},
	}
	in, out := e.prepComms(&op, false)
	assert.Equal(t, []int64{10, 10}, op.InSplit)
	assert.Equal(t, int64(20), in.Elems())
	assert.Equal(t, int64(20), out.Elems())
	// the split sum equals the new input element count
	assert.Equal(t, sumSplit(op.InSplit), in.Elems())
}

func TestPrepComms_AutoShrinkInfersWorldFromSplits(t *testing.T) {
	params := DefaultParams()
	params.AutoShrink = true
	e := newTestEngine(t, params, 2)

	// no recorded world size; the four-way splits reveal the capture world
	op := trace.OpRecord{
		Kind: trace.OpAllToAllv, HasSizes: true,
		InMsgElems: 16, OutMsgElems: 16, DType: trace.Float32,
		InSplit:  []int64{4, 4, 4, 4},
		OutSplit: []int64{4, 4, 4, 4},
	}
	e.prepComms(&op, false)
	assert.Equal(t, int64(8), op.InMsgElems)
	assert.Equal(t, []int64{4, 4}, op.InSplit)
}

func TestPrepComms_InPlaceReductions(t *testing.T) {
	e := newTestEngine(t, DefaultParams(), 1)
	op := trace.OpRecord{
		Kind: trace.OpAllReduce, HasSizes: true,
		InMsgElems: 16, OutMsgElems: 16, DType: trace.Float32,
	}
	in, out := e.prepComms(&op, false)
	assert.Same(t, in, out, "reductions run in place")
}

func TestPrepComms_ExecIDCaching(t *testing.T) {
	e := newTestEngine(t, DefaultParams(), 1)
	execID := int64(9)
	op := trace.OpRecord{
		Kind: trace.OpAllGather, HasSizes: true, ExecID: &execID,
		InMsgElems: 4, OutMsgElems: 4, DType: trace.Float32,
	}

	in1, out1 := e.prepComms(&op, false)
	in2, out2 := e.prepComms(&op, true)
	assert.Same(t, in1, in2)
	assert.Same(t, out1, out2)

	// regenerating replaces the cached pair
	in3, _ := e.prepComms(&op, false)
	assert.NotSame(t, in1, in3)
}

func TestCommGroup_AutoShrinkRebindsToDefault(t *testing.T) {
	params := DefaultParams()
	params.AutoShrink = true
	e := newTestEngine(t, params, 2)

	pg := 3
	e.groupTable[pg] = []int{0, 1, 2, 3}
	// with auto-shrink on, the recorded pg is ignored entirely
	group, desc := e.commGroup(&trace.OpRecord{Kind: trace.OpAllReduce, PGID: &pg})
	assert.Equal(t, e.be.DefaultGroup(), group)
	assert.Equal(t, "PG: default group", desc)
}
