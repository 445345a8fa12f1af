// Package replay implements the trace-driven replay engine: statistics pass,
// process-group planning, tensor preparation, the replay scheduler, and
// reporting.
package replay

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/comms-replay/comms-replay/replay/blob"
	"github.com/comms-replay/comms-replay/replay/trace"
)

var (
	// ErrInvalidConfiguration reports unusable runtime parameters, e.g. a
	// trace path that neither exists locally nor names a URL.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrUnknownPolicy reports an unrecognized rebalance policy. Recoverable:
	// the policy is ignored with a warning.
	ErrUnknownPolicy = errors.New("unknown rebalance policy")
)

// RebalanceEqual is the single built-in rebalance policy.
const RebalanceEqual = "equal"

// Params are the runtime parameters of one replay run. The zero value is not
// usable; start from DefaultParams.
type Params struct {
	TracePath       string `yaml:"trace_path"`
	UseOneTrace     bool   `yaml:"use_one_trace"`
	DryRun          bool   `yaml:"dry_run"`
	AutoShrink      bool   `yaml:"auto_shrink"`
	MaxMsgCnt       int    `yaml:"max_msg_cnt"`
	DoWarmUp        bool   `yaml:"do_warm_up"`
	AllowOps        string `yaml:"allow_ops"`
	OutputPath      string `yaml:"output_path"`
	CollsPerBatch   int    `yaml:"colls_per_batch"`
	UseTimestamp    bool   `yaml:"use_timestamp"`
	RebalancePolicy string `yaml:"rebalance_policy"`
	NumReplays      int    `yaml:"num_replays"`
	Blocking        bool   `yaml:"blocking"`
	DCheck          bool   `yaml:"dcheck"`
	Backend         string `yaml:"backend"`
}

// DefaultParams mirrors the flag defaults.
func DefaultParams() Params {
	return Params{
		TracePath:     "./",
		AllowOps:      "all",
		CollsPerBatch: -1,
		NumReplays:    1,
		Blocking:      true,
		Backend:       "inproc",
	}
}

// LoadParams overlays a YAML config file onto the defaults. Unknown keys are
// rejected so typos surface instead of silently running defaults.
func LoadParams(path string) (Params, error) {
	params := DefaultParams()
	data, err := os.ReadFile(path)
	if err != nil {
		return params, fmt.Errorf("reading config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&params); err != nil {
		return params, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return params, nil
}

// Validate rejects parameter combinations the engine cannot run.
func (p *Params) Validate() error {
	if p.NumReplays < 1 {
		return fmt.Errorf("%w: num-replays must be >= 1, got %d", ErrInvalidConfiguration, p.NumReplays)
	}
	if p.MaxMsgCnt < 0 {
		return fmt.Errorf("%w: max-msg-cnt must be >= 0, got %d", ErrInvalidConfiguration, p.MaxMsgCnt)
	}
	if !blob.IsRemote(p.TracePath) {
		info, err := os.Stat(p.TracePath)
		if err != nil {
			return fmt.Errorf("%w: trace path %s does not exist", ErrInvalidConfiguration, p.TracePath)
		}
		if p.UseOneTrace && info.IsDir() {
			return fmt.Errorf("%w: trace path %s is not a file", ErrInvalidConfiguration, p.TracePath)
		}
	}
	if p.RebalancePolicy != "" && strings.ToLower(p.RebalancePolicy) != RebalanceEqual {
		// Recoverable per the error taxonomy: warn and ignore.
		logrus.Warnf("%v: %q, ignoring", ErrUnknownPolicy, p.RebalancePolicy)
		p.RebalancePolicy = ""
	}
	return nil
}

// allowSet expands the allow-ops CSV into the kind set to replay. "all" (and
// its spellings) admits every kind the given predicate supports.
func (p *Params) allowSet(supports func(trace.OpKind) bool) map[trace.OpKind]bool {
	allow := make(map[trace.OpKind]bool)
	switch strings.ToLower(strings.TrimSpace(p.AllowOps)) {
	case "all", "default", "*":
		for _, k := range []trace.OpKind{
			trace.OpAllReduce, trace.OpReduce, trace.OpAllGather, trace.OpAllGatherBase,
			trace.OpGather, trace.OpScatter, trace.OpReduceScatter, trace.OpReduceScatterBase,
			trace.OpBroadcast, trace.OpAllToAll, trace.OpAllToAllv,
			trace.OpSend, trace.OpRecv, trace.OpISend, trace.OpIRecv,
			trace.OpWait, trace.OpBarrier,
		} {
			if supports == nil || supports(k) {
				allow[k] = true
			}
		}
	default:
		for _, name := range strings.Split(p.AllowOps, ",") {
			kind := trace.ToKind(name)
			if kind == trace.OpUnknown {
				logrus.Warnf("Ignoring unknown collective %q in allow list", name)
				continue
			}
			allow[kind] = true
		}
	}
	return allow
}
