package backend

import (
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/comms-replay/comms-replay/replay/trace"
)

// Fabric is the shared rendezvous substrate for in-process ranks. Every rank
// of one world holds a Backend bound to the same Fabric; collectives meet on
// keyed rendezvous points, point-to-point ops go through buffered mailboxes.
type Fabric struct {
	worldSize int

	mu        sync.Mutex
	meets     map[string]*meeting
	mailboxes map[mailKey]chan []float64
}

// NewFabric creates a fabric for worldSize in-process ranks.
func NewFabric(worldSize int) *Fabric {
	return &Fabric{
		worldSize: worldSize,
		meets:     make(map[string]*meeting),
		mailboxes: make(map[mailKey]chan []float64),
	}
}

// NewBackend binds one rank to the fabric.
func (f *Fabric) NewBackend(world WorldInfo) Backend {
	b := &inprocBackend{
		fabric: f,
		world:  world,
		rng:    rand.New(rand.NewSource(int64(world.GlobalRank) + 1)),
	}
	allRanks := make([]int, f.worldSize)
	for i := range allRanks {
		allRanks[i] = i
	}
	b.defGroup = &inprocGroup{backend: b, ranks: allRanks, key: groupKey(allRanks)}
	return b
}

type mailKey struct {
	src, dst int
}

func (f *Fabric) mailbox(src, dst int) chan []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := mailKey{src: src, dst: dst}
	ch, ok := f.mailboxes[key]
	if !ok {
		ch = make(chan []float64, 1024)
		f.mailboxes[key] = ch
	}
	return ch
}

// contrib is one rank's deposit at a rendezvous point.
type contrib struct {
	vals  []float64
	split []int64
}

// meeting collects contributions until all members arrived, then the last
// arriver runs the combiner exactly once and releases everyone.
type meeting struct {
	need     int
	contribs map[int]contrib
	result   map[int][]float64
	err      error
	done     chan struct{}
}

// exchange deposits c for group-rank gRank at key and blocks until all need
// members arrived. combine maps contributions to per-member results.
func (f *Fabric) exchange(key string, need, gRank int, c contrib,
	combine func(map[int]contrib) (map[int][]float64, error)) ([]float64, error) {
	f.mu.Lock()
	m, ok := f.meets[key]
	if !ok {
		m = &meeting{need: need, contribs: make(map[int]contrib), done: make(chan struct{})}
		f.meets[key] = m
	}
	m.contribs[gRank] = c
	if len(m.contribs) == m.need {
		m.result, m.err = combine(m.contribs)
		delete(f.meets, key)
		close(m.done)
	}
	f.mu.Unlock()

	<-m.done
	if m.err != nil {
		return nil, m.err
	}
	return m.result[gRank], nil
}

func groupKey(ranks []int) string {
	parts := make([]string, len(ranks))
	for i, r := range ranks {
		parts[i] = fmt.Sprint(r)
	}
	return strings.Join(parts, ",")
}

// inprocGroup is one rank's handle on a process group. The per-handle op
// counter advances identically on every member because replay dispatches the
// same op sequence per group, which keeps rendezvous keys aligned.
type inprocGroup struct {
	backend *inprocBackend
	ranks   []int
	key     string
	seq     int
}

func (g *inprocGroup) Rank() int {
	for i, r := range g.ranks {
		if r == g.backend.world.GlobalRank {
			return i
		}
	}
	return -1
}

func (g *inprocGroup) Size() int     { return len(g.ranks) }
func (g *inprocGroup) Ranks() []int  { return append([]int(nil), g.ranks...) }

func (g *inprocGroup) nextKey(tag string) string {
	g.seq++
	return fmt.Sprintf("%s|%d|%s", g.key, g.seq, tag)
}

// inprocBackend serves one rank. The outstanding queue is touched only by
// the rank's scheduler thread; request goroutines never mutate it.
type inprocBackend struct {
	fabric *Fabric
	world  WorldInfo
	rng    *rand.Rand

	defGroup    *inprocGroup
	outstanding []Request
}

// inprocRequest resolves when its op goroutine finishes.
type inprocRequest struct {
	done chan struct{}
	err  error
}

func (r *inprocRequest) Wait() error {
	<-r.done
	return r.err
}

func completedRequest(err error) *inprocRequest {
	done := make(chan struct{})
	close(done)
	return &inprocRequest{done: done, err: err}
}

func (b *inprocBackend) Init(master string, port int) error {
	if b.world.WorldSize != b.fabric.worldSize {
		return fmt.Errorf("%w: world size %d does not match fabric size %d",
			ErrUnsupportedBackend, b.world.WorldSize, b.fabric.worldSize)
	}
	logrus.Debugf("[Rank %d] inproc backend up, master %s:%d", b.world.GlobalRank, master, port)
	return nil
}

func (b *inprocBackend) SayHello() {
	host, _ := os.Hostname()
	logrus.Infof("[Rank %3d] host %s, device: %s, local_rank: %d world_size: %d, master_ip: %s",
		b.world.GlobalRank, host, b.Device(), b.world.LocalRank, b.world.WorldSize, b.world.MasterAddr)
}

func (b *inprocBackend) DefaultGroup() Group { return b.defGroup }

func (b *inprocBackend) NewGroup(ranks []int) (Group, error) {
	if len(ranks) == 0 {
		return nil, fmt.Errorf("%w: empty group", ErrBackendRuntime)
	}
	sorted := append([]int(nil), ranks...)
	sort.Ints(sorted)
	if sorted[0] < 0 || sorted[len(sorted)-1] >= b.world.WorldSize {
		return nil, fmt.Errorf("%w: group ranks %v outside world of %d", ErrBackendRuntime, ranks, b.world.WorldSize)
	}
	if len(ranks) == b.world.WorldSize {
		return b.defGroup, nil
	}
	return &inprocGroup{backend: b, ranks: append([]int(nil), ranks...), key: groupKey(ranks)}, nil
}

func (b *inprocBackend) GlobalRank() int { return b.world.GlobalRank }
func (b *inprocBackend) LocalRank() int  { return b.world.LocalRank }
func (b *inprocBackend) WorldSize() int  { return b.world.WorldSize }
func (b *inprocBackend) Device() string  { return "cpu" }

func (b *inprocBackend) AllocRandom(elems int64, dtype trace.DType, scale float64) *Tensor {
	t := &Tensor{DType: dtype, Vals: make([]float64, elems)}
	switch dtype {
	case trace.Int32, trace.Int64, trace.Byte:
		for i := range t.Vals {
			t.Vals[i] = float64(b.rng.Intn(10))
		}
	case trace.Bool:
		for i := range t.Vals {
			if b.rng.Float64() < 0.5 {
				t.Vals[i] = 1
			}
		}
	default:
		for i := range t.Vals {
			v := b.rng.Float64()
			if scale != 0 {
				v /= scale
			}
			t.Vals[i] = v
		}
	}
	return t
}

func (b *inprocBackend) AllocEmpty(elems int64, dtype trace.DType) *Tensor {
	return &Tensor{DType: dtype, Vals: make([]float64, elems)}
}

var inprocSupported = map[trace.OpKind]bool{
	trace.OpAllReduce: true, trace.OpReduce: true,
	trace.OpAllGather: true, trace.OpAllGatherBase: true,
	trace.OpGather: true, trace.OpScatter: true,
	trace.OpReduceScatter: true, trace.OpReduceScatterBase: true,
	trace.OpBroadcast: true, trace.OpAllToAll: true, trace.OpAllToAllv: true,
	trace.OpSend: true, trace.OpRecv: true, trace.OpISend: true, trace.OpIRecv: true,
	trace.OpWait: true, trace.OpBarrier: true,
}

func (b *inprocBackend) Supports(kind trace.OpKind) bool { return inprocSupported[kind] }

func (b *inprocBackend) Dispatch(kind trace.OpKind, args *CollectiveArgs) (Request, error) {
	if !b.Supports(kind) {
		return nil, nil // unsupported kinds are silent no-ops at this layer
	}
	group, ok := args.Group.(*inprocGroup)
	if !ok || group == nil {
		group = b.defGroup
	}

	async := args.Async || kind.NonBlocking()
	if kind == trace.OpBarrier {
		async = false // a posted barrier completes on arrival of all members
	}

	if !async {
		return nil, b.run(kind, group, args)
	}

	// Collectives rendezvous by per-group sequence, so the key must be taken
	// on the posting thread before the goroutine races with later posts.
	req := &inprocRequest{done: make(chan struct{})}
	run := b.asyncRunner(kind, group, args)
	go func() {
		req.err = run()
		close(req.done)
	}()
	b.outstanding = append(b.outstanding, req)
	return req, nil
}

func (b *inprocBackend) Barrier(group Group) error {
	g, ok := group.(*inprocGroup)
	if !ok || g == nil {
		g = b.defGroup
	}
	if g.Rank() == -1 {
		return nil
	}
	_, err := b.fabric.exchange(g.nextKey("barrier"), g.Size(), g.Rank(), contrib{},
		func(map[int]contrib) (map[int][]float64, error) { return nil, nil })
	return err
}

func (b *inprocBackend) DeviceSync() {}

func (b *inprocBackend) CompleteAccelOps(devSync bool) error {
	if !devSync {
		// Posting already happened on Dispatch; nothing to flush host-side.
		return nil
	}
	var firstErr error
	for _, req := range b.outstanding {
		if err := req.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.outstanding = b.outstanding[:0]
	b.DeviceSync()
	return firstErr
}

func (b *inprocBackend) WaitSingle() error {
	if len(b.outstanding) == 0 {
		return nil
	}
	req := b.outstanding[0]
	b.outstanding = b.outstanding[1:]
	err := req.Wait()
	b.DeviceSync()
	return err
}

func (b *inprocBackend) DCheck(expectedElems int64, out *Tensor) error {
	if out == nil {
		return nil
	}
	if expectedElems >= 0 && out.Elems() != expectedElems {
		return fmt.Errorf("%w: output holds %d elements, trace recorded %d",
			ErrBackendRuntime, out.Elems(), expectedElems)
	}
	for i, v := range out.Vals {
		if v != v { // NaN
			return fmt.Errorf("%w: output element %d is NaN", ErrBackendRuntime, i)
		}
	}
	return nil
}

func (b *inprocBackend) ClearMemory() { b.outstanding = nil }

func (b *inprocBackend) Teardown() error { return nil }
