package events

import "github.com/orchardlog/fieldsync/internal/models"

// Name identifies a sync lifecycle event.
type Name string

const (
	NameSyncStart    Name = "sync_start"
	NameSyncComplete Name = "sync_complete"
	NameSyncError    Name = "sync_error"
)

// Event is one of SyncStart, SyncComplete or SyncError.
type Event interface {
	Name() Name
}

// SyncStart is published when a run begins, before the queue is read.
type SyncStart struct {
	Trigger models.Trigger
}

// SyncComplete is published when a run has processed its snapshot, including
// runs that stopped early on a retryable failure.
type SyncComplete struct {
	Trigger      models.Trigger
	SuccessCount int
	FailCount    int
	DeadCount    int
	// Stopped is set when the run left items behind to preserve order.
	Stopped   bool
	Remaining int
}

// SyncError is published when a run could not start or read its queue.
type SyncError struct {
	Trigger models.Trigger
	Err     error
}

func (SyncStart) Name() Name    { return NameSyncStart }
func (SyncComplete) Name() Name { return NameSyncComplete }
func (SyncError) Name() Name    { return NameSyncError }
