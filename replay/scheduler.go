package replay

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/comms-replay/comms-replay/replay/backend"
	"github.com/comms-replay/comms-replay/replay/trace"
)

// LoopTimer is the sleep quantum of timestamp pacing: gaps at least this wide
// sleep, the remainder spins to dodge sleep granularity.
const LoopTimer = 20 * time.Millisecond

// warmUp replays every allowed op once, blocking and unmeasured, to prime
// devices and caches. It is also the only place trace rewriting happens: an
// active rebalance policy mutates the original records here.
func (e *Engine) warmUp(ctx context.Context) error {
	for i := range e.ops[:e.maxOps] {
		op := &e.ops[i]
		// the measured pass must see the unmodified record
		entry := op.Clone()
		kind := entry.Kind

		group, groupDesc := e.commGroup(entry)
		if skip := e.shouldSkip(kind, group); skip {
			continue
		}
		if group.Rank() == 0 {
			logrus.Infof("[Warm-up][%d / %d] Replaying %10s with %s...", i, e.maxOps, kind, groupDesc)
		}

		in, out := e.prepComms(entry, false)

		if kind == trace.OpAllToAllv && e.params.RebalancePolicy != "" && e.be.Supports(kind) {
			// rebalance the original so the measured pass replays new splits
			if err := e.rebalanceSplit(op, group); err != nil {
				return fatalAt(op.Seq, err)
			}
			entry = op.Clone()
			in, out = e.prepComms(entry, false)
		}

		if e.be.Supports(kind) && kind != trace.OpWait {
			args := e.collectiveArgs(entry, group, in, out, false)
			if _, err := e.be.Dispatch(kind, args); err != nil {
				return fatalAt(op.Seq, err)
			}
		}
		if err := e.be.CompleteAccelOps(true); err != nil {
			return fatalAt(op.Seq, err)
		}
	}
	return nil
}

// replayTrace is one measured pass over the trace.
func (e *Engine) replayTrace(ctx context.Context) error {
	collInBatch := 0
	var batchBegin time.Time
	startWall := time.Now()

	for i := range e.ops[:e.maxOps] {
		op := &e.ops[i]
		kind := op.Kind

		group, groupDesc := e.commGroup(op)
		if skip := e.shouldSkip(kind, group); skip {
			continue
		}
		blockLabel := op.BlockLabel()

		if group.Rank() == 0 {
			logrus.Infof("[Rank %3d] [%d / %d] Replaying %s with %s", e.world.GlobalRank, i, e.maxOps, kind, groupDesc)
		}

		reuse := op.ExecID != nil && e.params.NumReplays > 1
		in, out := e.prepComms(op, reuse)

		if e.params.CollsPerBatch > 0 && collInBatch == 0 {
			batchBegin = time.Now()
		}

		if e.params.UseTimestamp {
			e.waitForTimestamp(op, startWall)
		}

		latency, globalLatency, err := e.runComms(op, group, in, out)
		if err != nil {
			return fatalAt(op.Seq, err)
		}

		if e.params.Blocking && e.params.DCheck && !kind.IsControl() {
			if err := e.be.DCheck(op.OutMsgElems, out); err != nil {
				return fatalAt(op.Seq, err)
			}
		}

		// batches are closed by the wait that completes them
		if kind == trace.OpWait && e.params.CollsPerBatch > 0 {
			collInBatch++
			if collInBatch == e.params.CollsPerBatch {
				e.batchLat = append(e.batchLat, float64(time.Since(batchBegin).Nanoseconds())/1e6)
				collInBatch = 0
			}
		}

		e.collLat[kind] = append(e.collLat[kind], latency)
		e.totalCommsLatency += latency

		rec := trace.Replayed(op)
		rec.LatencyUs = latency
		rec.GlobalLatencyUs = globalLatency
		for _, block := range op.MarkerStack {
			e.commsBlocks[block] = append(e.commsBlocks[block], rec)
		}
		e.traceWithPerf = append(e.traceWithPerf, rec)

		if e.be.GlobalRank() == 0 {
			logrus.Infof("[%d / %d] Replayed %s in block [%s]... %.2f us", i, e.maxOps, kind, blockLabel, globalLatency)
		}
	}
	return nil
}

// shouldSkip applies the allow list and group membership rules. Unknown
// kinds warn so silently exotic traces stay debuggable.
func (e *Engine) shouldSkip(kind trace.OpKind, group backend.Group) bool {
	if kind == trace.OpInit {
		return true // consumed by the planner
	}
	if !e.allow[kind] {
		if kind == trace.OpUnknown {
			logrus.Warnf("Unsupported collective name: %s. Skipping replaying the collective", kind)
		}
		return true
	}
	return group.Rank() == -1
}

func (e *Engine) collectiveArgs(op *trace.OpRecord, group backend.Group, in, out *backend.Tensor, async bool) *backend.CollectiveArgs {
	root := 0
	if op.Root != nil {
		root = *op.Root
	}
	return &backend.CollectiveArgs{
		In:       in,
		Out:      out,
		Group:    group,
		Async:    async,
		Op:       e.reduceOp,
		Root:     root,
		InSplit:  op.InSplit,
		OutSplit: op.OutSplit,
	}
}

// runComms dispatches one op and measures it. Blocking ops are fenced by a
// pre-barrier, timed through device completion, and followed by a post
// barrier whose duration extends the global latency. Non-blocking ops are
// timed to post only, and equal latencies are reported.
func (e *Engine) runComms(op *trace.OpRecord, group backend.Group, in, out *backend.Tensor) (latency, globalLatency float64, err error) {
	kind := op.Kind

	if e.params.Blocking {
		if err := e.be.Barrier(group); err != nil {
			return 0, 0, err
		}
	}

	start := time.Now()
	var req backend.Request
	switch {
	case kind == trace.OpWait:
		err = e.waitOp(op)
	case e.be.Supports(kind):
		req, err = e.be.Dispatch(kind, e.collectiveArgs(op, group, in, out, !e.params.Blocking))
	default:
		logrus.Warnf("Unsupported collective name: %s. Skipping replaying the collective", kind)
	}
	if err != nil {
		return 0, 0, err
	}
	if err = e.be.CompleteAccelOps(e.params.Blocking); err != nil {
		return 0, 0, err
	}
	latency = float64(time.Since(start).Nanoseconds()) / 1e3

	// keep the handle so a later wait with the same id can join it
	if op.Req != nil && !e.params.Blocking && kind != trace.OpWait && req != nil {
		e.asyncReqs[*op.Req] = req
	}

	globalLatency = latency
	if e.params.Blocking {
		barrierStart := time.Now()
		if err := e.be.Barrier(group); err != nil {
			return latency, latency, err
		}
		globalLatency = latency + float64(time.Since(barrierStart).Nanoseconds())/1e3
	}
	return latency, globalLatency, nil
}

// waitOp joins the request recorded under the op's id, falling back to the
// oldest outstanding request for traces that predate ids.
func (e *Engine) waitOp(op *trace.OpRecord) error {
	if op.Req != nil {
		if req, ok := e.asyncReqs[*op.Req]; ok {
			delete(e.asyncReqs, *op.Req)
			return req.Wait()
		}
	}
	return e.be.WaitSingle()
}

// waitForTimestamp paces the dispatch to the op's captured start offset:
// sleep while the gap is at least LoopTimer, then spin out the rest.
func (e *Engine) waitForTimestamp(op *trace.OpRecord, startWall time.Time) {
	if op.StartTimeNs == nil {
		return
	}
	target := time.Duration(*op.StartTimeNs) * time.Nanosecond
	for time.Since(startWall) <= target {
		if target-time.Since(startWall) >= LoopTimer {
			time.Sleep(LoopTimer)
		}
	}
}

// ReplaySingle replays only the op with the given exec id and returns its
// output buffer. With regenerate false, buffers from the previous invocation
// are reused. Used for selective single-op studies.
func (e *Engine) ReplaySingle(ctx context.Context, execID int64, regenerate bool) (*backend.Tensor, error) {
	for i := range e.ops[:e.maxOps] {
		op := &e.ops[i]
		if op.ExecID == nil || *op.ExecID != execID {
			continue
		}
		group, _ := e.commGroup(op)
		if e.shouldSkip(op.Kind, group) {
			return nil, nil
		}
		in, out := e.prepComms(op, !regenerate)
		if _, _, err := e.runComms(op, group, in, out); err != nil {
			return nil, fatalAt(op.Seq, err)
		}
		if e.params.Blocking && e.params.DCheck && !op.Kind.IsControl() {
			if err := e.be.DCheck(op.OutMsgElems, out); err != nil {
				return nil, fatalAt(op.Seq, err)
			}
		}
		return out, nil
	}
	return nil, nil
}
