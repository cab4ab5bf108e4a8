package storemaster

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// EnableTableHandler brings a table online by requesting assignment of every
// offline region. Regions already online are left alone; an unknown table
// fails immediately with ErrTableNotFound and no side effects.
type EnableTableHandler struct {
	table      string
	catalog    Catalog
	assignment AssignmentManager
	metrics    *Metrics
	log        *slog.Logger
}

// NewEnableTableHandler creates a handler for one enable operation.
func NewEnableTableHandler(table string, catalog Catalog, assignment AssignmentManager, metrics *Metrics, log *slog.Logger) *EnableTableHandler {
	if log == nil {
		log = slog.Default()
	}
	return &EnableTableHandler{
		table:      table,
		catalog:    catalog,
		assignment: assignment,
		metrics:    metrics,
		log:        log,
	}
}

// Process runs the enable operation.
func (h *EnableTableHandler) Process(ctx context.Context) error {
	start := time.Now()
	h.log.Info("enabling table", "table", h.table)

	exists, err := h.catalog.TableExists(ctx, h.table)
	if err != nil {
		h.metrics.ObserveTableEnable("error", time.Since(start))
		return fmt.Errorf("failed to check table %s: %w", h.table, err)
	}
	if !exists {
		h.metrics.ObserveTableEnable("not_found", time.Since(start))
		return fmt.Errorf("%w: %s", ErrTableNotFound, h.table)
	}

	regions, err := h.catalog.TableRegions(ctx, h.table)
	if err != nil {
		h.metrics.ObserveTableEnable("error", time.Since(start))
		return fmt.Errorf("failed to list regions of table %s: %w", h.table, err)
	}

	assigned := 0
	for _, region := range regions {
		if !region.IsOffline() {
			continue
		}
		if err := h.assignment.Assign(ctx, region); err != nil {
			h.metrics.ObserveTableEnable("error", time.Since(start))
			return err
		}
		assigned++
	}

	h.metrics.IncRegionsAssigned(assigned)
	h.metrics.ObserveTableEnable("ok", time.Since(start))
	h.log.Info("table enabled", "table", h.table, "regions", len(regions), "assigned", assigned)
	return nil
}
