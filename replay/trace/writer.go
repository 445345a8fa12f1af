package trace

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/comms-replay/comms-replay/replay/blob"
)

// ReplayedOp is one augmented output record: the input record's fields plus
// the measured replay metrics.
type ReplayedOp struct {
	Comms       string   `json:"comms"`
	SeqNum      int      `json:"seqnum"`
	Req         *int64   `json:"req,omitempty"`
	StartTimeNs *int64   `json:"startTime_ns,omitempty"`
	Markers     []string `json:"markers,omitempty"`
	WorldSize   int      `json:"world_size,omitempty"`
	Root        *int     `json:"root,omitempty"`
	PGID        *int     `json:"pg_id,omitempty"`
	InMsgSize   *int64   `json:"in_msg_size,omitempty"`
	OutMsgSize  *int64   `json:"out_msg_size,omitempty"`
	DType       string   `json:"dtype,omitempty"`
	InSplit     []int64  `json:"in_split,omitempty"`
	OutSplit    []int64  `json:"out_split,omitempty"`

	MarkerStack     string  `json:"marker_stack"`
	QuantUs         float64 `json:"quant_us"`
	DequantUs       float64 `json:"dequant_us"`
	LatencyUs       float64 `json:"latency_us"`
	GlobalLatencyUs float64 `json:"global_latency_us"`
}

// Replayed seeds an output record from a canonical op; the caller fills in
// the measured metrics.
func Replayed(op *OpRecord) ReplayedOp {
	rec := ReplayedOp{
		Comms:       string(op.Kind),
		SeqNum:      op.Seq,
		Req:         op.Req,
		StartTimeNs: op.StartTimeNs,
		Markers:     op.MarkerStack,
		WorldSize:   op.WorldSize,
		Root:        op.Root,
		PGID:        op.PGID,
		MarkerStack: op.BlockLabel(),
	}
	if op.HasSizes {
		in, out := op.InMsgElems, op.OutMsgElems
		rec.InMsgSize = &in
		rec.OutMsgSize = &out
		rec.DType = string(op.DType)
	}
	if op.Kind == OpAllToAllv {
		rec.InSplit = op.InSplit
		rec.OutSplit = op.OutSplit
	}
	return rec
}

// OutputFile names the per-rank augmented trace inside outPath.
func OutputFile(outPath string, rank int) string {
	return fmt.Sprintf("%s/replayedCommsPerf.rank%d.json", strings.TrimSuffix(outPath, "/"), rank)
}

// WriteReplayed emits the augmented trace for one rank. An empty outPath
// suppresses output; a scheme URL defers to the matching remote store.
func WriteReplayed(ctx context.Context, outPath string, rank int, records []ReplayedOp) error {
	if outPath == "" {
		return nil
	}
	file := OutputFile(outPath, rank)
	logrus.Infof("[Rank %3d] Writing comms details to %s", rank, file)

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding replayed trace: %w", err)
	}
	return blob.Write(ctx, file, data)
}
