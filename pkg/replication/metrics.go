package replication

import "time"

// PrimaryMetrics snapshots a Primary's replication progress.
type PrimaryMetrics struct {
	RecordsReplicated  uint64
	BytesReplicated    uint64
	FailedAttempts     uint64
	LastSuccessAt      time.Time
	LastFailureAt      time.Time
	Connected          bool
	OldestPendingAgeMs int64 // now - oldest unacked record's enqueue time; -1 if none pending
}

// BackupMetrics snapshots a Backup's replication progress.
type BackupMetrics struct {
	RecordsApplied       uint64
	FailedApplies        uint64
	LastApplyAt          time.Time
	TimeSinceLastApplyMs int64 // now - LastApplyAt; -1 if nothing applied yet
	Connected            bool
}
