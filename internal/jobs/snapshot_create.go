package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"ledgermill.io/ledgermill/internal/pkg/logger"
	"ledgermill.io/ledgermill/internal/snapshot"
)

// SnapshotCreateArgs captures a point-in-time snapshot of one projection.
type SnapshotCreateArgs struct {
	ProjectionType string `json:"projection_type"`
}

// Kind returns the job kind identifier for snapshot creation.
func (SnapshotCreateArgs) Kind() string { return "snapshot_create" }

// InsertOpts spaces out snapshots of the same projection.
func (SnapshotCreateArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       "projections",
		MaxAttempts: 3,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: time.Minute,
			ByArgs:   true,
			ByQueue:  true,
		},
	}
}

// SnapshotCreateWorker captures projection snapshots off the request path.
type SnapshotCreateWorker struct {
	river.WorkerDefaults[SnapshotCreateArgs]
	snapshots *snapshot.Service
}

func NewSnapshotCreateWorker(snapshots *snapshot.Service) *SnapshotCreateWorker {
	return &SnapshotCreateWorker{snapshots: snapshots}
}

// Work creates the snapshot and logs its identity.
func (w *SnapshotCreateWorker) Work(ctx context.Context, job *river.Job[SnapshotCreateArgs]) error {
	if w == nil || w.snapshots == nil {
		return fmt.Errorf("snapshot worker is not initialized")
	}

	snap, err := w.snapshots.Create(ctx, job.Args.ProjectionType)
	if err != nil {
		return fmt.Errorf("create snapshot for %s: %w", job.Args.ProjectionType, err)
	}

	logger.Info("snapshot job completed",
		zap.String("projection_type", snap.ProjectionType),
		zap.String("snapshot_id", snap.ID),
		zap.Int64("sequence", int64(snap.SequenceNumber)),
		zap.Int("rows", snap.RowCount),
	)
	return nil
}
