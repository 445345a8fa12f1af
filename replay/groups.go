package replay

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/comms-replay/comms-replay/replay/backend"
	"github.com/comms-replay/comms-replay/replay/trace"
)

// planGroups walks the full trace once and collects init records into the
// process-group table. The table is immutable afterwards.
func (e *Engine) planGroups() {
	for i := range e.ops {
		op := &e.ops[i]
		if op.Kind != trace.OpInit || op.PGID == nil {
			continue
		}
		e.groupTable[*op.PGID] = append([]int(nil), op.GroupRanks...)
	}
}

// createGroups asks the backend for every planned non-default group. A group
// whose member list equals the whole world is the default group. With
// auto-shrink, groups larger than the live world are discarded; every op that
// references one rebinds to the default group at prepare time.
func (e *Engine) createGroups() error {
	world := e.be.WorldSize()
	for pgID, ranks := range e.groupTable {
		if len(ranks) > world {
			if !e.params.AutoShrink {
				return fmt.Errorf("%w: group %d wants %d ranks but world is %d (try --auto-shrink)",
					backend.ErrBackendRuntime, pgID, len(ranks), world)
			}
			logrus.Warnf("Discarding group %d (%d ranks > world %d); ops rebind to default group",
				pgID, len(ranks), world)
			continue
		}
		if len(ranks) == world {
			e.groups[pgID] = e.be.DefaultGroup()
			continue
		}
		group, err := e.be.NewGroup(ranks)
		if err != nil {
			return fmt.Errorf("creating group %d over %v: %w", pgID, ranks, err)
		}
		e.groups[pgID] = group
	}
	return nil
}

// commGroup resolves the process group an op runs on, plus a description for
// logging. With auto-shrink on, or without a recorded pg_id, ops run on the
// default group.
func (e *Engine) commGroup(op *trace.OpRecord) (backend.Group, string) {
	if op.PGID != nil && !e.params.AutoShrink {
		if group, ok := e.groups[*op.PGID]; ok {
			return group, fmt.Sprintf("PG: id=%d, world_ranks=%v", *op.PGID, e.groupTable[*op.PGID])
		}
	}
	return e.be.DefaultGroup(), "PG: default group"
}
