package bus

import "time"

// Task lifecycle topics. One topic per state-machine transition so channel
// and gateway subscribers can filter on the "task." prefix.
const (
	TopicTaskCreated    = "task.created"
	TopicTaskRunning    = "task.running"
	TopicTaskNeedsInput = "task.needs_input"
	TopicTaskSucceeded  = "task.succeeded"
	TopicTaskFailed     = "task.failed"
	TopicTaskCancelled  = "task.cancelled"
	TopicTaskRecovered  = "task.recovered"
)

// Bridge and config topics.
const (
	TopicBridgeMirrorFailed = "bridge.mirror_failed"
	TopicConfigReloaded     = "config.reloaded"
)

// TaskEvent is published on every task lifecycle transition.
type TaskEvent struct {
	TaskID    string    // Task ID
	ProjectID string    // Owning project ID, empty for project-less tasks
	OldStatus string    // Previous status (empty on creation)
	NewStatus string    // New status
	Prompt    string    // Pending question, set for needs_input events
	Reason    string    // Failure reason, set for failed events
	CreatedAt time.Time // Task creation time, for duration measurements
}

// BridgeEvent is published when a best-effort mirror call fails.
type BridgeEvent struct {
	TaskID     string // Task ID
	ExternalID int64  // External tracker ID, 0 if unmirrored
	Op         string // "create", "status" or "close"
	Error      string // Error text from the tracker
}
