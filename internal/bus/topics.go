package bus

// Task lifecycle topics.
const (
	TopicTaskCreated      = "task.created"
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskHandedOff    = "task.handed_off"
)

// Lease topics.
const (
	TopicLeaseAcquired  = "lease.acquired"
	TopicLeaseReleased  = "lease.released"
	TopicLeaseReclaimed = "lease.reclaimed"
)

// Reference data topics.
const (
	TopicHandoffRulesReloaded = "config.handoff_reloaded"
)

// TaskCreatedEvent is published when a task is ingested or spawned by a handoff.
type TaskCreatedEvent struct {
	TaskID  string `json:"task_id"`
	Segment string `json:"segment"`
	Status  string `json:"status"`
}

// TaskStateChangedEvent is published after a committed status transition.
type TaskStateChangedEvent struct {
	TaskID    string `json:"task_id"`
	Segment   string `json:"segment"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	ActorID   string `json:"actor_id,omitempty"` // empty for system transitions
	Version   int64  `json:"version"`
}

// TaskHandedOffEvent is published when a submission routes work to a new segment.
type TaskHandedOffEvent struct {
	FromTaskID  string `json:"from_task_id"`
	FromSegment string `json:"from_segment"`
	ToTaskID    string `json:"to_task_id"`
	ToSegment   string `json:"to_segment"`
}

// LeaseEvent is published when a lease is acquired, released or reclaimed.
type LeaseEvent struct {
	LeaseID  string `json:"lease_id"`
	Scope    string `json:"scope"`
	TargetID string `json:"target_id"`
	OwnerID  string `json:"owner_id"`
	Reason   string `json:"reason,omitempty"`
}

// HandoffRulesReloaded is published after the rule table is replaced.
type HandoffRulesReloaded struct {
	Count int    `json:"count"`
	Path  string `json:"path"`
}
