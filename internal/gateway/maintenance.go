package gateway

import (
	"context"
	"time"
)

// runMaintenance resets expired auto-reset attributes, recomputes
// availability, refreshes the device gauges and prunes state history.
func (g *Gateway) runMaintenance(ctx context.Context) {
	tick := time.NewTicker(maintenanceInterval)
	defer tick.Stop()
	gauges := time.NewTicker(gaugeInterval)
	defer gauges.Stop()
	prune := time.NewTicker(pruneInterval)
	defer prune.Stop()

	g.refreshGauges()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			g.maintain(g.now())
		case <-gauges.C:
			g.refreshGauges()
		case <-prune.C:
			g.pruneHistory(ctx)
		}
	}
}

// maintain runs one auto-reset and availability pass.
func (g *Gateway) maintain(now time.Time) {
	if n := g.engine.Expire(now); n > 0 {
		g.logger.Debug("auto-reset attributes expired", "units", n)
	}
	g.engine.CheckAvailability(now)
}

func (g *Gateway) refreshGauges() {
	if g.metrics == nil {
		return
	}
	devices := g.engine.List()
	available := 0
	for _, d := range devices {
		if d.Available {
			available++
		}
	}
	g.metrics.RecordDevices(len(devices), available)
	g.setPendingGauge(g.PendingCount())
}

func (g *Gateway) pruneHistory(ctx context.Context) {
	if g.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	n, err := g.history.PruneHistory(ctx, historyRetention)
	if err != nil {
		g.logger.Warn("pruning state history failed", "error", err)
		return
	}
	if n == 0 {
		return
	}
	g.logger.Info("state history pruned", "rows", n)

	if g.store != nil {
		if err := g.store.Optimize(ctx); err != nil {
			g.logger.Warn("optimizing store after prune failed", "error", err)
		}
	}
}
