package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/comms-replay/comms-replay/replay/backend"
	"github.com/comms-replay/comms-replay/replay/trace"
)

// tensorPair keeps the buffers last allocated for one exec id.
type tensorPair struct {
	in  *backend.Tensor
	out *backend.Tensor
}

// Engine replays one rank's comms trace. All state is owned exclusively by
// the rank's single scheduler thread; nothing here is shared across ranks
// except through the Backend's collective primitives.
type Engine struct {
	params Params
	world  backend.WorldInfo
	be     backend.Backend

	traceFile string
	ops       []trace.OpRecord
	maxOps    int

	allow      map[trace.OpKind]bool
	groupTable map[int][]int // pg_id -> ordered global member ranks
	groups     map[int]backend.Group

	// per-kind statistics
	collInMsgSizes    map[trace.OpKind][]float64
	collInUniSizes    map[trace.OpKind]map[int64]bool
	collOutMsgSizes   map[trace.OpKind][]float64
	collOutUniSizes   map[trace.OpKind]map[int64]bool
	collLat           map[trace.OpKind][]float64
	commsBlocks       map[string][]trace.ReplayedOp
	blockOrder        []string
	batchLat          []float64
	traceWithPerf     []trace.ReplayedOp
	totalCommsLatency float64
	totalTraceLatency float64

	asyncReqs   map[int64]backend.Request
	tensorCache map[int64]tensorPair
	reduceOp    backend.ReduceOp
}

// New builds an engine for one rank. be may be nil for dry runs.
func New(params Params, world backend.WorldInfo, be backend.Backend) *Engine {
	return &Engine{
		params:          params,
		world:           world,
		be:              be,
		groupTable:      make(map[int][]int),
		groups:          make(map[int]backend.Group),
		collInMsgSizes:  make(map[trace.OpKind][]float64),
		collInUniSizes:  make(map[trace.OpKind]map[int64]bool),
		collOutMsgSizes: make(map[trace.OpKind][]float64),
		collOutUniSizes: make(map[trace.OpKind]map[int64]bool),
		collLat:         make(map[trace.OpKind][]float64),
		commsBlocks:     make(map[string][]trace.ReplayedOp),
		asyncReqs:       make(map[int64]backend.Request),
		tensorCache:     make(map[int64]tensorPair),
	}
}

// Run executes the whole benchmark for this rank: load, statistics pass,
// backend setup, warm-up, measured replays, reporting, output, teardown.
func (e *Engine) Run(ctx context.Context) error {
	e.traceFile = trace.FilePath(e.params.TracePath, e.world.GlobalRank, e.params.UseOneTrace)
	logrus.Infof("[Rank-%d] reading trace from %s", e.world.GlobalRank, e.traceFile)

	ops, err := trace.Load(ctx, e.traceFile)
	if err != nil {
		return err
	}
	e.ops = ops
	e.initTraceStat()

	if e.params.DryRun {
		if e.world.GlobalRank == 0 {
			logrus.Info("+ Dry run mode...No replaying, Only Rank 0 read and analyze the trace...")
			e.ReportBenchTime()
		}
		return nil
	}

	if err := e.setupBackend(); err != nil {
		return err
	}
	if err := e.benchTime(ctx); err != nil {
		return err
	}

	if e.world.GlobalRank == 0 {
		e.ReportBenchTime()
	}
	if err := trace.WriteReplayed(ctx, e.params.OutputPath, e.world.GlobalRank, e.traceWithPerf); err != nil {
		return err
	}

	// Drain everything before the backend goes away.
	if err := e.be.Barrier(e.be.DefaultGroup()); err != nil {
		return err
	}
	if err := e.be.CompleteAccelOps(true); err != nil {
		return err
	}
	return e.be.Teardown()
}

// setupBackend initializes the communication stack, builds the process-group
// table, and fixes the allow list against backend support.
func (e *Engine) setupBackend() error {
	e.planGroups()

	if err := e.be.Init(e.world.MasterAddr, e.world.MasterPort); err != nil {
		return err
	}
	e.be.SayHello()

	if err := e.createGroups(); err != nil {
		return err
	}

	e.allow = e.params.allowSet(e.be.Supports)
	e.reduceOp = backend.ParseReduceOp("sum")
	return nil
}

// benchTime runs the warm-up pass and the measured replays.
func (e *Engine) benchTime(ctx context.Context) error {
	if e.params.DoWarmUp {
		if err := e.warmUp(ctx); err != nil {
			return err
		}
	}

	// sync everything before starting real runs
	if err := e.syncBarrier(); err != nil {
		return err
	}

	if e.world.GlobalRank == 0 {
		logrus.Infof("+ %d messages in the trace...replaying (if present) %v", e.maxOps, kindNames(e.allow))
		for kind, sizes := range e.collInMsgSizes {
			logrus.Infof("\t%s: %d", kind, len(sizes))
		}
	}

	traceStart := time.Now()
	for i := 0; i < e.params.NumReplays; i++ {
		if e.world.GlobalRank == 0 {
			logrus.Infof("Replay #%d", i)
		}
		if err := e.replayTrace(ctx); err != nil {
			return err
		}
		// fence the replay and drain whatever never saw a wait op
		if err := e.syncBarrier(); err != nil {
			return err
		}
	}
	e.totalTraceLatency = float64(time.Since(traceStart).Nanoseconds()) / 1e3

	e.be.ClearMemory()
	e.tensorCache = make(map[int64]tensorPair)
	return nil
}

// syncBarrier fences the default group and drains outstanding async work.
func (e *Engine) syncBarrier() error {
	if err := e.be.Barrier(e.be.DefaultGroup()); err != nil {
		return err
	}
	if err := e.be.CompleteAccelOps(true); err != nil {
		return err
	}
	for id := range e.asyncReqs {
		delete(e.asyncReqs, id)
	}
	return nil
}

func kindNames(set map[trace.OpKind]bool) []string {
	names := make([]string, 0, len(set))
	for k := range set {
		names = append(names, string(k))
	}
	return names
}

// fatalAt decorates a dispatch failure with the offending sequence number.
func fatalAt(seq int, err error) error {
	return fmt.Errorf("replaying op %d: %w", seq, err)
}
