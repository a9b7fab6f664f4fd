package model

import "strings"

type JobStatus string

const (
	JobStatusNew       JobStatus = "NEW"       // created, not yet picked up by the scheduler
	JobStatusQueued    JobStatus = "QUEUED"    // waiting for compute
	JobStatusRunning   JobStatus = "RUNNING"   // training in progress
	JobStatusStopping  JobStatus = "STOPPING"  // stop requested, awaiting confirmation
	JobStatusStopped   JobStatus = "STOPPED"   // stopped by user or system
	JobStatusCompleted JobStatus = "COMPLETED" // finished successfully
	JobStatusFailed    JobStatus = "FAILED"    // finished with an error
	JobStatusDeleted   JobStatus = "DELETED"   // soft-deleted by the user
)

// schedulerStatusMapping hides scheduler-internal VM lifecycle statuses behind
// the public QUEUED status. Statuses not listed here pass through unchanged.
var schedulerStatusMapping = map[string]JobStatus{
	"WAIT_FOR_VM": JobStatusQueued,
	"FOUND_VM":    JobStatusQueued,
	"DETACHED_VM": JobStatusQueued,
}

// MapSchedulerStatus translates a scheduler status string to the internal
// vocabulary. Unmapped values pass through as-is; callers that persist the
// result should validate with Known first.
func MapSchedulerStatus(external string) JobStatus {
	if mapped, ok := schedulerStatusMapping[strings.ToUpper(external)]; ok {
		return mapped
	}
	return JobStatus(external)
}

// Known reports whether s is part of the internal status vocabulary.
func (s JobStatus) Known() bool {
	switch s {
	case JobStatusNew, JobStatusQueued, JobStatusRunning, JobStatusStopping,
		JobStatusStopped, JobStatusCompleted, JobStatusFailed, JobStatusDeleted:
		return true
	}
	return false
}

// Terminal reports whether a job in this status will never change again
// through reconciliation.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusStopped, JobStatusCompleted, JobStatusFailed, JobStatusDeleted:
		return true
	}
	return false
}

// NonTerminalStatuses lists the statuses the reconciliation loop polls for.
func NonTerminalStatuses() []JobStatus {
	return []JobStatus{JobStatusNew, JobStatusQueued, JobStatusRunning, JobStatusStopping}
}

// MergeTimestamps folds scheduler-reported per-status timestamps into the
// locally stored map, keyed by lowercase internal status name. Because the
// scheduler mapping is many-to-one, the first recorded timestamp wins per
// internal bucket, and an empty scheduler timestamp never clears a stored one.
// The returned map is a fresh copy; existing is not mutated.
func MergeTimestamps(existing map[string]string, updates map[string]string) map[string]string {
	merged := make(map[string]string, len(existing)+len(updates))
	for k, v := range existing {
		merged[k] = v
	}
	for event, ts := range updates {
		if ts == "" {
			continue
		}
		key := strings.ToLower(string(MapSchedulerStatus(event)))
		if merged[key] != "" {
			continue
		}
		merged[key] = ts
	}
	return merged
}
