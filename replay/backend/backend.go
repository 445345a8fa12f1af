// Package backend defines the capability boundary between the replay engine
// and a collective-communication library, plus an in-process implementation
// used for single-host runs and tests.
package backend

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/comms-replay/comms-replay/replay/trace"
)

var (
	// ErrUnsupportedBackend reports a requested stack that is not available.
	ErrUnsupportedBackend = errors.New("unsupported backend")
	// ErrBackendRuntime wraps failures surfaced during dispatch.
	ErrBackendRuntime = errors.New("backend runtime error")
)

// ReduceOp selects the reduction applied by reducing collectives.
type ReduceOp int

const (
	ReduceSum ReduceOp = iota
	ReduceMax
)

// ParseReduceOp maps a reduction name onto a ReduceOp, defaulting to sum.
func ParseReduceOp(name string) ReduceOp {
	if name == "max" {
		return ReduceMax
	}
	return ReduceSum
}

// Tensor is a flat element buffer. Values are held as float64 regardless of
// dtype; DType is kept for size accounting and output checks.
type Tensor struct {
	DType trace.DType
	Vals  []float64
}

// Elems returns the element count.
func (t *Tensor) Elems() int64 {
	if t == nil {
		return 0
	}
	return int64(len(t.Vals))
}

// Bytes returns the buffer size in bytes under its dtype.
func (t *Tensor) Bytes() int64 {
	if t == nil {
		return 0
	}
	return t.Elems() * t.DType.Size()
}

// Request is a waitable handle for a posted asynchronous operation.
type Request interface {
	// Wait blocks until the posted operation completes.
	Wait() error
}

// Group is an opaque process-group handle owned by one rank's backend.
type Group interface {
	// Rank returns the group-local rank of the owning process, -1 when the
	// owner is not a member.
	Rank() int
	// Size returns the number of member ranks.
	Size() int
	// Ranks returns the ordered global member ranks.
	Ranks() []int
}

// CollectiveArgs bundles everything one dispatch needs.
type CollectiveArgs struct {
	In       *Tensor
	Out      *Tensor
	Group    Group
	Async    bool
	Op       ReduceOp
	Root     int
	InSplit  []int64
	OutSplit []int64
}

// Backend is the capability contract to the collective library. One instance
// serves exactly one rank.
type Backend interface {
	// Init connects the rank to the communication stack.
	Init(master string, port int) error
	// SayHello logs the rank's identity banner.
	SayHello()

	DefaultGroup() Group
	// NewGroup creates a non-default group over the given global ranks.
	NewGroup(ranks []int) (Group, error)
	GlobalRank() int
	LocalRank() int
	WorldSize() int
	Device() string

	AllocRandom(elems int64, dtype trace.DType, scale float64) *Tensor
	AllocEmpty(elems int64, dtype trace.DType) *Tensor

	// Supports reports whether the backend can dispatch the kind.
	Supports(kind trace.OpKind) bool
	// Dispatch issues one collective. Blocking dispatches complete before
	// returning and yield a nil Request; async dispatches return a handle
	// that is also tracked on the backend's outstanding queue.
	Dispatch(kind trace.OpKind, args *CollectiveArgs) (Request, error)

	// Barrier blocks until every member of the group arrives.
	Barrier(group Group) error
	// DeviceSync flushes device-side work, a no-op for host backends.
	DeviceSync()
	// CompleteAccelOps waits outstanding queued requests when devSync is
	// set; otherwise it only flushes the post queue.
	CompleteAccelOps(devSync bool) error
	// WaitSingle pops and waits the oldest outstanding request, if any.
	WaitSingle() error

	// DCheck validates the final output buffer of a blocking collective.
	DCheck(expectedElems int64, out *Tensor) error

	ClearMemory()
	Teardown() error
}

// WorldInfo carries the launch environment consumed by backends.
type WorldInfo struct {
	WorldSize  int
	GlobalRank int
	LocalRank  int
	MasterAddr string
	MasterPort int
}

// WorldInfoFromEnv reads WORLD_SIZE, RANK, LOCAL_RANK, MASTER_ADDR and
// MASTER_PORT. Missing entries default to a single-rank world on localhost.
func WorldInfoFromEnv() WorldInfo {
	info := WorldInfo{
		WorldSize:  envInt("WORLD_SIZE", 1),
		GlobalRank: envInt("RANK", 0),
		LocalRank:  envInt("LOCAL_RANK", 0),
		MasterAddr: os.Getenv("MASTER_ADDR"),
		MasterPort: envInt("MASTER_PORT", 29500),
	}
	if info.MasterAddr == "" {
		info.MasterAddr = "127.0.0.1"
	}
	return info
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// NewFabricForStack builds the shared fabric for a named stack. Only the
// in-process stack is linked into this binary; other stacks are plugged in by
// callers providing their own Backend.
func NewFabricForStack(stack string, worldSize int) (*Fabric, error) {
	switch stack {
	case "inproc":
		return NewFabric(worldSize), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, stack)
	}
}
