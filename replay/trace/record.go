// Package trace holds the canonical comms-trace data types and the
// normalization from raw trace documents into them. It has no dependency on
// the replay engine or any backend — it stores pure data.
package trace

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBadTraceFormat reports a missing required field, a malformed record, or
// non-decodable trace bytes. Fatal at load time.
var ErrBadTraceFormat = errors.New("bad trace format")

// OpKind identifies a collective communication operation.
type OpKind string

const (
	OpAllReduce         OpKind = "all_reduce"
	OpReduce            OpKind = "reduce"
	OpAllGather         OpKind = "all_gather"
	OpAllGatherBase     OpKind = "all_gather_base"
	OpGather            OpKind = "gather"
	OpScatter           OpKind = "scatter"
	OpReduceScatter     OpKind = "reduce_scatter"
	OpReduceScatterBase OpKind = "reduce_scatter_base"
	OpBroadcast         OpKind = "broadcast"
	OpAllToAll          OpKind = "all_to_all"
	OpAllToAllv         OpKind = "all_to_allv"
	OpSend              OpKind = "send"
	OpRecv              OpKind = "recv"
	OpISend             OpKind = "isend"
	OpIRecv             OpKind = "irecv"
	OpWait              OpKind = "wait"
	OpBarrier           OpKind = "barrier"
	OpInit              OpKind = "init"
	OpUnknown           OpKind = "unknown"
)

// kindAliases maps historical and producer-specific spellings to canonical
// kinds. Lookup happens after lowercasing.
var kindAliases = map[string]OpKind{
	"alltoall":           OpAllToAll,
	"all2all":            OpAllToAll,
	"alltoallv":          OpAllToAllv,
	"all2allv":           OpAllToAllv,
	"alltoallbase":       OpAllToAllv,
	"alltoallsingle":     OpAllToAllv,
	"allreduce":          OpAllReduce,
	"allgather":          OpAllGather,
	"allgatherbase":      OpAllGatherBase,
	"all_gather_into_tensor": OpAllGatherBase,
	"reducescatter":      OpReduceScatter,
	"reducescatterbase":  OpReduceScatterBase,
	"reduce_scatter_tensor": OpReduceScatterBase,
	"recvanysource":      OpRecv,
}

var canonicalKinds = map[OpKind]bool{
	OpAllReduce: true, OpReduce: true, OpAllGather: true, OpAllGatherBase: true,
	OpGather: true, OpScatter: true, OpReduceScatter: true, OpReduceScatterBase: true,
	OpBroadcast: true, OpAllToAll: true, OpAllToAllv: true,
	OpSend: true, OpRecv: true, OpISend: true, OpIRecv: true,
	OpWait: true, OpBarrier: true, OpInit: true,
}

// ToKind canonicalizes a recorded operation name. Names that match neither a
// canonical kind nor an alias come back as OpUnknown.
func ToKind(name string) OpKind {
	lowered := strings.ToLower(strings.TrimSpace(name))
	if canonicalKinds[OpKind(lowered)] {
		return OpKind(lowered)
	}
	if k, ok := kindAliases[lowered]; ok {
		return k
	}
	return OpUnknown
}

// IsControl reports whether the kind carries no payload sizes.
func (k OpKind) IsControl() bool {
	return k == OpWait || k == OpBarrier || k == OpInit
}

// NonBlocking reports whether the kind posts without completing.
func (k OpKind) NonBlocking() bool {
	return k == OpISend || k == OpIRecv
}

// DType tags the element type of a collective's buffers.
type DType string

const (
	Float32 DType = "float32"
	Float64 DType = "float64"
	Float16 DType = "float16"
	Int32   DType = "int32"
	Int64   DType = "int64"
	Bool    DType = "bool"
	Byte    DType = "byte"
)

// dtypeTags maps trace dtype tags (as PyTorch-style capitalized names or
// plain type names) onto element types.
var dtypeTags = map[string]DType{
	"float":   Float32,
	"float32": Float32,
	"double":  Float64,
	"float64": Float64,
	"half":    Float16,
	"float16": Float16,
	"int":     Int32,
	"int32":   Int32,
	"long":    Int64,
	"int64":   Int64,
	"bool":    Bool,
	"byte":    Byte,
	"char":    Byte,
	"uint8":   Byte,
}

// ToDType canonicalizes a recorded dtype tag. The second return is false for
// unrecognized tags, for which callers fall back to Float32.
func ToDType(tag string) (DType, bool) {
	dt, ok := dtypeTags[strings.ToLower(strings.TrimSpace(tag))]
	if !ok {
		return Float32, false
	}
	return dt, true
}

// Size returns the element width in bytes.
func (d DType) Size() int64 {
	switch d {
	case Float64, Int64:
		return 8
	case Float16:
		return 2
	case Bool, Byte:
		return 1
	default:
		return 4
	}
}

// RawOp mirrors one element of the on-disk trace document. Optional fields
// are pointers so absence survives decoding.
type RawOp struct {
	Comms       string   `json:"comms"`
	SeqNum      *int     `json:"seqnum,omitempty"`
	Req         *int64   `json:"req,omitempty"`
	StartTimeNs *int64   `json:"startTime_ns,omitempty"`
	Markers     []string `json:"markers,omitempty"`
	WorldSize   *int     `json:"world_size,omitempty"`
	Root        *int     `json:"root,omitempty"`
	PGID        *int     `json:"pg_id,omitempty"`
	GlobalRanks []int    `json:"global_ranks,omitempty"`
	InMsgSize   *int64   `json:"in_msg_size,omitempty"`
	OutMsgSize  *int64   `json:"out_msg_size,omitempty"`
	DType       *string  `json:"dtype,omitempty"`
	InSplit     []int64  `json:"in_split,omitempty"`
	OutSplit    []int64  `json:"out_split,omitempty"`
	ExecID      *int64   `json:"eg_id,omitempty"`
}

// OpRecord is the canonical form of one traced operation.
type OpRecord struct {
	Kind        OpKind
	Seq         int
	Req         *int64
	StartTimeNs *int64
	MarkerStack []string
	InMsgElems  int64 // element counts, not bytes
	OutMsgElems int64
	HasSizes    bool
	InSplit     []int64
	OutSplit    []int64
	DType       DType
	WorldSize   int // 0 when the trace did not record it
	PGID        *int
	GroupRanks  []int
	Root        *int
	ExecID      *int64
}

// Clone returns a deep copy so the warm-up pass can mutate freely without
// touching the measured pass's record.
func (op *OpRecord) Clone() *OpRecord {
	dup := *op
	dup.MarkerStack = append([]string(nil), op.MarkerStack...)
	dup.InSplit = append([]int64(nil), op.InSplit...)
	dup.OutSplit = append([]int64(nil), op.OutSplit...)
	dup.GroupRanks = append([]int(nil), op.GroupRanks...)
	return &dup
}

// BlockLabel joins the marker stack into the label used for block-level
// reporting. Ops without markers land in a shared bucket.
func (op *OpRecord) BlockLabel() string {
	if len(op.MarkerStack) == 0 {
		return "Unamed/Unknown"
	}
	return strings.Join(op.MarkerStack, " ")
}

// Normalize converts raw trace records into canonical OpRecords, assigning
// dense sequence numbers from zero. It fails with ErrBadTraceFormat when a
// non-control op misses its size or dtype fields, or an init record misses
// its member list. Unknown kinds normalize fine; the scheduler skips them.
func Normalize(raws []RawOp) ([]OpRecord, error) {
	ops := make([]OpRecord, 0, len(raws))
	for i, raw := range raws {
		kind := ToKind(raw.Comms)
		op := OpRecord{
			Kind:        kind,
			Seq:         i,
			Req:         raw.Req,
			StartTimeNs: raw.StartTimeNs,
			MarkerStack: raw.Markers,
			PGID:        raw.PGID,
			GroupRanks:  raw.GlobalRanks,
			Root:        raw.Root,
			ExecID:      raw.ExecID,
		}
		if raw.WorldSize != nil {
			op.WorldSize = *raw.WorldSize
		}
		if raw.SeqNum != nil && *raw.SeqNum != i {
			return nil, fmt.Errorf("%w: record %d carries seqnum %d", ErrBadTraceFormat, i, *raw.SeqNum)
		}
		if kind == OpInit && len(raw.GlobalRanks) == 0 {
			return nil, fmt.Errorf("%w: init record %d has no global_ranks", ErrBadTraceFormat, i)
		}
		if !kind.IsControl() && kind != OpUnknown {
			if raw.InMsgSize == nil && raw.OutMsgSize == nil {
				return nil, fmt.Errorf("%w: op %d (%s) misses in_msg_size/out_msg_size", ErrBadTraceFormat, i, kind)
			}
			if raw.DType == nil {
				return nil, fmt.Errorf("%w: op %d (%s) misses dtype", ErrBadTraceFormat, i, kind)
			}
			// one-sided ops may record only the side they move; mirror it
			in, out := raw.InMsgSize, raw.OutMsgSize
			if in == nil {
				in = out
			}
			if out == nil {
				out = in
			}
			op.InMsgElems = *in
			op.OutMsgElems = *out
			op.HasSizes = true
			dt, known := ToDType(*raw.DType)
			op.DType = dt
			if !known {
				op.DType = Float32
			}
			if op.InMsgElems < 0 || op.OutMsgElems < 0 {
				return nil, fmt.Errorf("%w: op %d (%s) has negative size", ErrBadTraceFormat, i, kind)
			}
		}
		if kind == OpAllToAllv {
			op.InSplit = raw.InSplit
			op.OutSplit = raw.OutSplit
		}
		ops = append(ops, op)
	}
	return ops, nil
}
