package domain

import (
	"time"

	"github.com/google/uuid"
)

// SyncStatus is the outcome of an inventory sync run.
type SyncStatus string

const (
	SyncStatusRunning   SyncStatus = "running"
	SyncStatusSucceeded SyncStatus = "succeeded"
	// SyncStatusDegraded means the provider failed part way; fetched assets were
	// kept and stale marking was skipped.
	SyncStatusDegraded SyncStatus = "degraded"
	SyncStatusFailed   SyncStatus = "failed"
)

// SyncRun records one inventory sync attempt.
type SyncRun struct {
	ID                uuid.UUID  `json:"id"`
	Status            SyncStatus `json:"status"`
	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	AssetsUpserted    int        `json:"assets_upserted"`
	AssetsMarkedStale int        `json:"assets_marked_stale"`
	Error             string     `json:"error,omitempty"`
}
