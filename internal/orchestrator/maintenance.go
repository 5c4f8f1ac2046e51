package orchestrator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/opencode-lore/lore/internal/curator"
	"github.com/opencode-lore/lore/internal/distill"
	. "github.com/opencode-lore/lore/internal/logging"
	"github.com/opencode-lore/lore/internal/loreconfig"
	"github.com/opencode-lore/lore/internal/temporal"
)

// knowledgeMaxEntryLen bounds how long a single knowledge entry's content
// may be before PruneOversized soft-retires it; the pruning pass runs with
// a fixed ceiling rather than a configurable one since no spec option names
// this dimension separately from MaxEntries.
const knowledgeMaxEntryLen = 4000

// MaintenanceResult reports what one idle-maintenance pass did across its
// steps.
type MaintenanceResult struct {
	Distill  distill.RunResult
	Curator  curator.RunResult
	Pruned   temporal.PruneResult
	Retired  int
	Exported int
	Skipped  bool
}

// RunIdleMaintenance implements spec §5's debounced background-task model:
// at most one distillation and one curator pass run per process at a time.
// A trigger that arrives while one is already running is dropped rather
// than queued. Per spec §2/§4.2, the steps are NOT all independent:
// distillation and curation run concurrently (bounded by an errgroup, since
// neither reads the other's writes), but pruning must wait for both to
// finish first — temporal.Prune's cap-eviction only ever touches
// distilled=true rows, so running it before distillation completes would
// act on a stale, pre-distillation view and miss rows distillation just
// freed up. The knowledge store is re-exported to the agents file last,
// after pruning, matching §2's idle-flow ordering.
func (o *Orchestrator) RunIdleMaintenance(ctx context.Context, projectPath, sessionID string, cfg loreconfig.ProjectConfig, force bool) (MaintenanceResult, error) {
	proj, err := o.resolveProject(projectPath)
	if err != nil {
		return MaintenanceResult{}, fmt.Errorf("resolving project: %w", err)
	}

	if !o.tryStart() {
		return MaintenanceResult{Skipped: true}, nil
	}
	defer o.finish()

	var result MaintenanceResult
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		distillCfg := distill.Config{
			MinMessages:   cfg.Distillation.MinMessages,
			MaxSegment:    cfg.Distillation.MaxSegment,
			MetaThreshold: cfg.Distillation.MetaThreshold,
		}
		pipeline := distill.NewPipeline(o.distill, o.temporal, o.registry, distillCfg)
		r, err := pipeline.Run(gctx, proj.ID, sessionID, force, nil)
		if err != nil {
			return fmt.Errorf("distill: %w", err)
		}
		result.Distill = r
		return nil
	})

	if cfg.Curator.Enabled {
		g.Go(func() error {
			curatorCfg := curator.Config{
				Enabled:    cfg.Curator.Enabled,
				OnIdle:     cfg.Curator.OnIdle,
				AfterTurns: cfg.Curator.AfterTurns,
				MaxEntries: cfg.Curator.MaxEntries,
			}
			pipeline := curator.NewPipeline(o.knowledge, o.temporal, o.registry, curatorCfg)
			r, err := pipeline.Run(gctx, proj.ID, sessionID, 0, force)
			if err != nil {
				return fmt.Errorf("curator: %w", err)
			}
			result.Curator = r
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		L_warn("orchestrator: idle maintenance pass failed", "project_id", proj.ID, "error", err)
		return result, err
	}

	pruned, err := o.temporal.Prune(proj.ID, cfg.Pruning.RetentionDays, int64(cfg.Pruning.MaxStorageMB))
	if err != nil {
		L_warn("orchestrator: idle maintenance pass failed", "project_id", proj.ID, "error", err)
		return result, fmt.Errorf("temporal prune: %w", err)
	}
	result.Pruned = pruned

	retired, err := o.knowledge.PruneOversized(knowledgeMaxEntryLen)
	if err != nil {
		L_warn("orchestrator: idle maintenance pass failed", "project_id", proj.ID, "error", err)
		return result, fmt.Errorf("knowledge prune: %w", err)
	}
	result.Retired = retired

	if cfg.AgentsFile.Enabled {
		exported, err := o.ExportAgentsFile(projectPath, proj.ID, cfg)
		if err != nil {
			L_warn("orchestrator: agents file export failed", "project_id", proj.ID, "error", err)
			return result, fmt.Errorf("agents file export: %w", err)
		}
		result.Exported = exported
	}

	L_info("orchestrator: idle maintenance complete",
		"project_id", proj.ID,
		"segments_distilled", result.Distill.SegmentsDistilled,
		"entries_created", result.Curator.Created,
		"entries_updated", result.Curator.Updated,
		"messages_pruned", result.Pruned.TTLDeleted+result.Pruned.CapDeleted,
		"entries_retired", result.Retired,
		"entries_exported", result.Exported,
	)
	return result, nil
}

// tryStart claims the singleton maintenance slot, refusing if one is
// already in flight.
func (o *Orchestrator) tryStart() bool {
	o.maintMu.Lock()
	defer o.maintMu.Unlock()
	if o.distilling || o.curating {
		return false
	}
	o.distilling = true
	o.curating = true
	return true
}

func (o *Orchestrator) finish() {
	o.maintMu.Lock()
	defer o.maintMu.Unlock()
	o.distilling = false
	o.curating = false
}
