package replay

import (
	"github.com/sirupsen/logrus"

	"github.com/comms-replay/comms-replay/replay/backend"
	"github.com/comms-replay/comms-replay/replay/trace"
)

// prepComms prepares the input/output buffers for one op. Control ops get an
// empty pair. With auto-shrink active, recorded sizes are first rescaled to
// the live world (mutating the record, so later replays see stable sizes).
// When reuse is set and the op carries an exec id, buffers from the previous
// iteration are handed back instead of reallocating.
func (e *Engine) prepComms(op *trace.OpRecord, reuse bool) (*backend.Tensor, *backend.Tensor) {
	if op.Kind == trace.OpWait || op.Kind == trace.OpBarrier {
		return nil, nil
	}

	if e.params.AutoShrink {
		e.shrinkSizes(op)
	}

	if op.ExecID != nil && reuse {
		if pair, ok := e.tensorCache[*op.ExecID]; ok {
			return pair.in, pair.out
		}
	}

	var in, out *backend.Tensor
	switch op.Kind {
	case trace.OpAllReduce, trace.OpReduce:
		// reductions run in place on the input buffer
		in = e.be.AllocRandom(op.InMsgElems, op.DType, 1)
		out = in
	case trace.OpBroadcast:
		// the payload travels in the output buffer, seeded on every rank
		out = e.be.AllocRandom(op.OutMsgElems, op.DType, 1)
		in = out
	default:
		in = e.be.AllocRandom(op.InMsgElems, op.DType, 1)
		out = e.be.AllocEmpty(op.OutMsgElems, op.DType)
	}

	if op.ExecID != nil {
		e.tensorCache[*op.ExecID] = tensorPair{in: in, out: out}
	}
	return in, out
}

// shrinkSizes rescales one op's recorded element counts from the capture
// world to the live world. The recorded world size falls back to the
// all_to_allv split lengths when the trace did not store it.
func (e *Engine) shrinkSizes(op *trace.OpRecord) {
	curWorld := int64(e.be.WorldSize())
	realWorld := curWorld
	if op.WorldSize > 0 {
		realWorld = int64(op.WorldSize)
	} else if op.Kind == trace.OpAllToAllv {
		if len(op.InSplit) > 0 {
			realWorld = int64(len(op.InSplit))
		} else if len(op.OutSplit) > 0 {
			realWorld = int64(len(op.OutSplit))
		}
	}
	if realWorld <= 0 {
		return
	}

	newIn := (op.InMsgElems / realWorld) * curWorld
	newOut := (op.OutMsgElems / realWorld) * curWorld

	switch op.Kind {
	case trace.OpAllToAllv:
		if int64(len(op.InSplit)) > curWorld {
			op.InSplit = op.InSplit[:curWorld]
		}
		if int64(len(op.OutSplit)) > curWorld {
			op.OutSplit = op.OutSplit[:curWorld]
		}
		if len(op.InSplit) > 0 {
			newIn = sumSplit(op.InSplit)
		}
		if len(op.OutSplit) > 0 {
			newOut = sumSplit(op.OutSplit)
		}
	case trace.OpAllGather, trace.OpAllGatherBase:
		newOut = newIn * curWorld
	}

	op.InMsgElems = newIn
	op.OutMsgElems = newOut
	// the record now describes the live world, so shrinking it again is a no-op
	op.WorldSize = int(curWorld)
	logrus.Debugf("shrink message sizes to curInNumElem %d, curOutNumElem %d", newIn, newOut)
}

func sumSplit(split []int64) int64 {
	var total int64
	for _, s := range split {
		total += s
	}
	return total
}
