package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/INLOpen/wellrelay/core"
)

// SnapshotSync pushes the well record, and its parent when it has one, each
// time a destination connection is established.
type SnapshotSync struct {
	wellID  int64
	repo    core.SourceRepository
	metrics *Metrics
	logger  *slog.Logger
}

func NewSnapshotSync(wellID int64, repo core.SourceRepository, metrics *Metrics, logger *slog.Logger) *SnapshotSync {
	if metrics == nil {
		metrics = NewMetrics(false, "")
	}
	return &SnapshotSync{
		wellID:  wellID,
		repo:    repo,
		metrics: metrics,
		logger:  logger.With("component", "SnapshotSync"),
	}
}

// Sync emits the well and its parent on ch. A missing well is logged and
// skipped; a missing parent only produces a warning.
func (s *SnapshotSync) Sync(ctx context.Context, ch core.Channel) error {
	well, err := s.repo.GetWellByID(ctx, s.wellID)
	if errors.Is(err, core.ErrNotFound) {
		s.logger.Warn("Well not found, skipping snapshot", "well_id", s.wellID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read well %d: %w", s.wellID, err)
	}

	if err := ch.Emit(ctx, EventWell, well.Payload(false)); err != nil {
		return fmt.Errorf("failed to emit well %d: %w", s.wellID, err)
	}
	s.metrics.SnapshotsTotal.Add(1)

	if !well.HasParent() {
		return nil
	}
	parentID := *well.ParentID
	parent, err := s.repo.GetWellByID(ctx, parentID)
	if errors.Is(err, core.ErrNotFound) {
		s.logger.Warn("Parent well not found", "well_id", s.wellID, "parent_id", parentID)
		return nil
	}
	if err != nil {
		s.logger.Warn("Failed to read parent well", "well_id", s.wellID, "parent_id", parentID, "error", err)
		return nil
	}
	if err := ch.Emit(ctx, EventWell, parent.Payload(true)); err != nil {
		return fmt.Errorf("failed to emit parent well %d: %w", parentID, err)
	}
	return nil
}
