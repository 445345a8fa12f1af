package replay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/comms-replay/comms-replay/replay/trace"
)

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()
	assert.Equal(t, "all", p.AllowOps)
	assert.Equal(t, 1, p.NumReplays)
	assert.True(t, p.Blocking)
	assert.Equal(t, "inproc", p.Backend)
	assert.False(t, p.DryRun)
}

func TestLoadParams_OverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replay.yaml")
	body := "trace_path: /traces\nuse_one_trace: true\nnum_replays: 5\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadParams(path)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "/traces", p.TracePath)
	assert.True(t, p.UseOneTrace)
	assert.Equal(t, 5, p.NumReplays)
	// untouched fields keep their defaults
	assert.Equal(t, "all", p.AllowOps)
	assert.True(t, p.Blocking)
}

// unknown keys must error instead of silently running defaults
func TestLoadParams_UnknownFieldIsRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replay.yaml")
	if err := os.WriteFile(path, []byte("trace_pth: /oops\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadParams(path)
	assert.Error(t, err)
}

func TestValidate_MissingTracePath(t *testing.T) {
	p := DefaultParams()
	p.TracePath = "/definitely/not/there"
	assert.ErrorIs(t, p.Validate(), ErrInvalidConfiguration)

	// a URL cannot be checked locally, so it passes validation
	p.TracePath = "https://host/trace.json"
	assert.NoError(t, p.Validate())
}

func TestValidate_UseOneTraceNeedsAFile(t *testing.T) {
	dir := t.TempDir()
	p := DefaultParams()
	p.TracePath = dir
	p.UseOneTrace = true
	assert.ErrorIs(t, p.Validate(), ErrInvalidConfiguration)
}

func TestValidate_BadReplayCount(t *testing.T) {
	p := DefaultParams()
	p.TracePath = t.TempDir()
	p.NumReplays = 0
	assert.ErrorIs(t, p.Validate(), ErrInvalidConfiguration)
}

func TestValidate_UnknownPolicyIsIgnored(t *testing.T) {
	p := DefaultParams()
	p.TracePath = t.TempDir()
	p.RebalancePolicy = "zigzag"
	assert.NoError(t, p.Validate())
	assert.Empty(t, p.RebalancePolicy, "unknown policies are dropped with a warning")

	p.RebalancePolicy = RebalanceEqual
	assert.NoError(t, p.Validate())
	assert.Equal(t, RebalanceEqual, p.RebalancePolicy)
}

func TestAllowSet_All(t *testing.T) {
	p := DefaultParams()
	allow := p.allowSet(nil)
	assert.True(t, allow[trace.OpAllReduce])
	assert.True(t, allow[trace.OpWait])
	assert.False(t, allow[trace.OpInit])
	assert.False(t, allow[trace.OpUnknown])
}

func TestAllowSet_HonorsBackendSupport(t *testing.T) {
	p := DefaultParams()
	allow := p.allowSet(func(k trace.OpKind) bool { return k == trace.OpAllReduce })
	assert.Equal(t, map[trace.OpKind]bool{trace.OpAllReduce: true}, allow)
}

func TestAllowSet_CSVWithTypos(t *testing.T) {
	p := DefaultParams()
	p.AllowOps = "all_reduce,alltoallv,exotic_op"
	allow := p.allowSet(nil)
	assert.True(t, allow[trace.OpAllReduce])
	assert.True(t, allow[trace.OpAllToAllv], "aliases canonicalize")
	assert.Len(t, allow, 2, "typos are dropped")
}
