package replay

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/comms-replay/comms-replay/replay/backend"
	"github.com/comms-replay/comms-replay/replay/trace"
)

// rebalanceSplit rewrites an all_to_allv's splits under the configured
// policy, mutating the original record. Runs once per op, during warm-up.
//
// The "equal" policy must leave every rank with the same agreed size even
// when the recorded in_msg_size differs per rank, so the agreement is an
// all_reduce(max) over the group, rounded to a multiple of W*W before the
// per-rank division.
func (e *Engine) rebalanceSplit(op *trace.OpRecord, group backend.Group) error {
	if e.params.RebalancePolicy != RebalanceEqual {
		logrus.Error("Unsupported balancing policy. Ignoring.")
		return nil
	}

	world := int64(group.Size())
	agree := &backend.Tensor{DType: trace.Int64, Vals: []float64{float64(op.InMsgElems)}}
	args := &backend.CollectiveArgs{
		In:    agree,
		Out:   agree,
		Group: group,
		Op:    backend.ReduceMax,
	}
	if _, err := e.be.Dispatch(trace.OpAllReduce, args); err != nil {
		return err
	}
	if err := e.be.CompleteAccelOps(true); err != nil {
		return err
	}

	newInSize := int64(agree.Vals[0])
	newInSize = (world * world) * int64(math.Round(float64(newInSize)/float64(world*world)))

	op.InMsgElems = newInSize / world
	op.OutMsgElems = op.InMsgElems
	split := make([]int64, world)
	for i := range split {
		split[i] = op.InMsgElems / world
	}
	op.InSplit = split
	op.OutSplit = append([]int64(nil), split...)
	return nil
}
