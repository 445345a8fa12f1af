package backend

import (
	"fmt"

	"github.com/comms-replay/comms-replay/replay/trace"
)

// run executes one op to completion on the calling thread.
func (b *inprocBackend) run(kind trace.OpKind, g *inprocGroup, args *CollectiveArgs) error {
	return b.asyncRunner(kind, g, args)()
}

// asyncRunner snapshots the rendezvous key on the posting thread (the
// per-group sequence must advance in trace order, not goroutine order) and
// returns the closure that performs the op.
func (b *inprocBackend) asyncRunner(kind trace.OpKind, g *inprocGroup, args *CollectiveArgs) func() error {
	switch kind {
	case trace.OpSend, trace.OpISend:
		payload := append([]float64(nil), tensorVals(args.In)...)
		dst := args.Root
		return func() error {
			b.fabric.mailbox(b.world.GlobalRank, dst) <- payload
			return nil
		}
	case trace.OpRecv, trace.OpIRecv:
		src := args.Root
		out := args.Out
		return func() error {
			vals := <-b.fabric.mailbox(src, b.world.GlobalRank)
			copyInto(out, vals)
			return nil
		}
	case trace.OpWait:
		// waits resolve against the scheduler's request registry, never here
		return func() error { return nil }
	case trace.OpBarrier:
		key := g.nextKey("barrier")
		need, gRank := g.Size(), g.Rank()
		return func() error {
			_, err := b.fabric.exchange(key, need, gRank, contrib{},
				func(map[int]contrib) (map[int][]float64, error) { return nil, nil })
			return err
		}
	}

	key := g.nextKey(string(kind))
	need, gRank := g.Size(), g.Rank()
	rootRank := g.localIndex(args.Root)
	dep := contrib{vals: tensorVals(args.In), split: args.InSplit}
	if kind == trace.OpBroadcast {
		// broadcast payload travels in the output buffer, like the source.
		dep = contrib{vals: tensorVals(args.Out)}
	}
	combine := combiner(kind, need, rootRank, args.Op)

	return func() error {
		res, err := b.fabric.exchange(key, need, gRank, dep, combine)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrBackendRuntime, kind, err)
		}
		switch kind {
		case trace.OpAllReduce:
			copyInto(args.In, res)
			copyInto(args.Out, res)
		case trace.OpReduce, trace.OpGather:
			if gRank == rootRank {
				copyInto(args.Out, res)
			}
		default:
			copyInto(args.Out, res)
		}
		return nil
	}
}

// localIndex maps a global rank to its position in the group, 0 if absent.
func (g *inprocGroup) localIndex(globalRank int) int {
	for i, r := range g.ranks {
		if r == globalRank {
			return i
		}
	}
	return 0
}

func tensorVals(t *Tensor) []float64 {
	if t == nil {
		return nil
	}
	return t.Vals
}

func copyInto(t *Tensor, vals []float64) {
	if t == nil {
		return
	}
	copy(t.Vals, vals)
}

// combiner builds the once-per-meeting reduction for a collective kind. The
// returned map carries each member's result keyed by group rank; kinds whose
// result is identical everywhere store one shared slice per member.
func combiner(kind trace.OpKind, need, root int, op ReduceOp) func(map[int]contrib) (map[int][]float64, error) {
	return func(cs map[int]contrib) (map[int][]float64, error) {
		out := make(map[int][]float64, need)
		switch kind {
		case trace.OpAllReduce:
			reduced := reduceContribs(cs, need, op)
			for i := 0; i < need; i++ {
				out[i] = reduced
			}
		case trace.OpReduce:
			out[root] = reduceContribs(cs, need, op)
		case trace.OpBroadcast:
			payload := cs[root].vals
			for i := 0; i < need; i++ {
				out[i] = payload
			}
		case trace.OpAllGather, trace.OpAllGatherBase:
			gathered := concatContribs(cs, need)
			for i := 0; i < need; i++ {
				out[i] = gathered
			}
		case trace.OpGather:
			out[root] = concatContribs(cs, need)
		case trace.OpScatter:
			chunks := equalChunks(cs[root].vals, need)
			for i := 0; i < need; i++ {
				out[i] = chunks[i]
			}
		case trace.OpReduceScatter, trace.OpReduceScatterBase:
			chunks := equalChunks(reduceContribs(cs, need, op), need)
			for i := 0; i < need; i++ {
				out[i] = chunks[i]
			}
		case trace.OpAllToAll:
			for i := 0; i < need; i++ {
				var res []float64
				for j := 0; j < need; j++ {
					res = append(res, equalChunks(cs[j].vals, need)[i]...)
				}
				out[i] = res
			}
		case trace.OpAllToAllv:
			for i := 0; i < need; i++ {
				var res []float64
				for j := 0; j < need; j++ {
					res = append(res, splitPortion(cs[j], need, i)...)
				}
				out[i] = res
			}
		default:
			return nil, fmt.Errorf("no combiner for %s", kind)
		}
		return out, nil
	}
}

func reduceContribs(cs map[int]contrib, need int, op ReduceOp) []float64 {
	var res []float64
	for i := 0; i < need; i++ {
		vals := cs[i].vals
		if res == nil {
			res = append([]float64(nil), vals...)
			continue
		}
		for k := 0; k < len(res) && k < len(vals); k++ {
			if op == ReduceMax {
				if vals[k] > res[k] {
					res[k] = vals[k]
				}
			} else {
				res[k] += vals[k]
			}
		}
	}
	return res
}

func concatContribs(cs map[int]contrib, need int) []float64 {
	var res []float64
	for i := 0; i < need; i++ {
		res = append(res, cs[i].vals...)
	}
	return res
}

// equalChunks slices vals into need contiguous chunks of floor(len/need)
// elements; a ragged tail is dropped, matching how replayed sizes are
// already rounded to the group size.
func equalChunks(vals []float64, need int) [][]float64 {
	chunk := len(vals) / need
	chunks := make([][]float64, need)
	for i := 0; i < need; i++ {
		chunks[i] = vals[i*chunk : (i+1)*chunk]
	}
	return chunks
}

// splitPortion returns the slice of src's input destined for group rank dst
// under its in_split, falling back to equal chunks when no split is present.
func splitPortion(src contrib, need, dst int) []float64 {
	if len(src.split) != need {
		return equalChunks(src.vals, need)[dst]
	}
	var off int64
	for i := 0; i < dst; i++ {
		off += src.split[i]
	}
	end := off + src.split[dst]
	if off > int64(len(src.vals)) {
		return nil
	}
	if end > int64(len(src.vals)) {
		end = int64(len(src.vals))
	}
	return src.vals[off:end]
}
