package replay

import (
	"github.com/sirupsen/logrus"

	"github.com/comms-replay/comms-replay/replay/trace"
)

// initTraceStat is the first pass over the trace: bound the replay length,
// collect per-kind size statistics, and register block membership. In dry-run
// mode it also stores size-only records per block so the report works without
// any backend.
func (e *Engine) initTraceStat() {
	e.maxOps = len(e.ops)
	if e.params.MaxMsgCnt > 0 && e.params.MaxMsgCnt < e.maxOps {
		e.maxOps = e.params.MaxMsgCnt
	}

	for i := range e.ops[:e.maxOps] {
		op := &e.ops[i]
		kind := op.Kind
		if kind == trace.OpUnknown {
			logrus.Warnf("Unknown collective at op %d, excluding it from statistics", op.Seq)
			continue
		}

		if _, ok := e.collLat[kind]; !ok {
			e.collLat[kind] = []float64{}
			if op.HasSizes {
				e.collInMsgSizes[kind] = []float64{}
				e.collInUniSizes[kind] = make(map[int64]bool)
				e.collOutMsgSizes[kind] = []float64{}
				e.collOutUniSizes[kind] = make(map[int64]bool)
			}
		}
		if op.HasSizes {
			e.collInMsgSizes[kind] = append(e.collInMsgSizes[kind], float64(op.InMsgElems))
			e.collInUniSizes[kind][op.InMsgElems] = true
			e.collOutMsgSizes[kind] = append(e.collOutMsgSizes[kind], float64(op.OutMsgElems))
			e.collOutUniSizes[kind][op.OutMsgElems] = true
		}

		for _, block := range op.MarkerStack {
			if _, ok := e.commsBlocks[block]; !ok {
				e.commsBlocks[block] = []trace.ReplayedOp{}
				e.blockOrder = append(e.blockOrder, block)
			}
			// during replay blocks collect the full augmented records instead
			if e.params.DryRun {
				e.commsBlocks[block] = append(e.commsBlocks[block], trace.Replayed(op))
			}
		}
	}
}
