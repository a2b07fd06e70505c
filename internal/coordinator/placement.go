package coordinator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardps/internal/actor"
	"github.com/dreamware/shardps/internal/metrics"
)

// PlacementWarning reports actors sharing a host. It is advisory: the run
// continues with the actors where they are.
type PlacementWarning struct {
	// Identities lists every actor's host token, parameter servers first.
	Identities []string
	Actors     int
	Distinct   int
}

func (w PlacementWarning) String() string {
	return fmt.Sprintf("%d actors on %d distinct hosts; some hosts are reused (%s)",
		w.Actors, w.Distinct, strings.Join(w.Identities, ", "))
}

// CheckPlacement asks the runtime where every actor landed and warns once if
// any two share a host. It only runs for cluster runs; local runs skip
// straight to rounds. Failing to reach an actor's host is logged and the
// check is abandoned, since placement is diagnostic only.
func (c *Coordinator) CheckPlacement(ctx context.Context) ([]PlacementWarning, error) {
	if p := c.Phase(); p != PhasePlacementCheck {
		return nil, fmt.Errorf("placement check: coordinator is in %s", p)
	}
	defer c.setPhase(PhaseRoundRunning)

	if !c.cfg.Cluster {
		c.logger.Debug("placement check skipped for local run")
		return nil, nil
	}

	actors := append(c.ParameterServers(), c.workers...)
	futures := make([]*actor.Future[string], len(actors))
	for i, h := range actors {
		futures[i] = c.rt.HostIdentity(ctx, h)
	}
	ids, err := actor.WaitAll(ctx, futures)
	if err != nil {
		c.logger.Warn("placement check abandoned", zap.Error(err))
		return nil, nil
	}

	c.logger.Info("placement",
		zap.Strings("parameter_server_hosts", ids[:len(c.servers)]),
		zap.Strings("worker_hosts", ids[len(c.servers):]),
	)

	distinct := slices.Clone(ids)
	slices.Sort(distinct)
	distinct = slices.Compact(distinct)
	if len(distinct) >= len(ids) {
		return nil, nil
	}

	w := PlacementWarning{Identities: ids, Actors: len(ids), Distinct: len(distinct)}
	c.logger.Warn("actors share hosts", zap.Stringer("warning", w))
	c.sink.Record(0, metrics.PlacementWarnings, 1)
	return []PlacementWarning{w}, nil
}
