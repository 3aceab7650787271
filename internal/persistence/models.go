package persistence

import (
	"encoding/json"
	"time"
)

// Enum group and well-known codes seeded at schema init.
const (
	EnumGroupTaskStatus = "task_status"

	StatusQueued     = "queued"
	StatusReady      = "ready"
	StatusInProgress = "in_progress"
	StatusReview     = "review"
	StatusReturned   = "returned"
	StatusBlocked    = "blocked"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// Lease scopes.
const (
	ScopeQueue = "queue"
	ScopeItem  = "item"
)

// Template link types.
const (
	TemplatePrimary   = "primary"
	TemplateChecklist = "checklist"
	TemplateReference = "reference"
)

// Artifact kinds.
const (
	ArtifactLink = "link"
	ArtifactFile = "file"
)

type Agent struct {
	ID          string    `json:"id"`
	RoleKey     string    `json:"role_key"`
	DisplayName string    `json:"display_name"`
	Contact     string    `json:"contact,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type EnumValue struct {
	ID        int64  `json:"id"`
	GroupCode string `json:"group_code"`
	Code      string `json:"code"`
	Title     string `json:"title"`
	SortOrder int    `json:"sort_order"`
	Terminal  bool   `json:"terminal"`
}

type Queue struct {
	ID         string    `json:"id"`
	Segment    string    `json:"segment"`
	StatusCode string    `json:"status_code"`
	Title      string    `json:"title"`
	OwnerID    string    `json:"owner_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Task is a queue item. Segment is denormalized from its queue.
type Task struct {
	ID             string          `json:"id"`
	QueueID        string          `json:"queue_id"`
	Segment        string          `json:"segment"`
	ExternalRef    string          `json:"external_ref"`
	Title          string          `json:"title"`
	Priority       int             `json:"priority"`
	Payload        json.RawMessage `json:"payload"`
	CreatedBy      string          `json:"created_by,omitempty"`
	AssignedTo     string          `json:"assigned_to,omitempty"`
	DueAt          *time.Time      `json:"due_at,omitempty"`
	LockedUntil    *time.Time      `json:"locked_until,omitempty"`
	CurrentStateID string          `json:"current_state_id"`
	StatusValueID  int64           `json:"status_value_id"`
	StatusCode     string          `json:"status"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// StateEntry is one immutable row of a task's state history.
type StateEntry struct {
	Seq           int64           `json:"seq"`
	ID            string          `json:"id"`
	ItemID        string          `json:"item_id"`
	StatusCode    string          `json:"status"`
	StatusValueID int64           `json:"status_value_id"`
	Note          string          `json:"note"`
	ActorID       string          `json:"actor_id,omitempty"`
	Metadata      json.RawMessage `json:"metadata"`
	TraceID       string          `json:"trace_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Lease is an exclusive grant over a queue or a single item.
type Lease struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope"`
	TargetID  string    `json:"target_id"`
	OwnerID   string    `json:"owner_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the lease is no longer valid at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

type HandoffRule struct {
	ID             int64    `json:"id" yaml:"-"`
	CurrentSegment string   `json:"current_segment" yaml:"segment"`
	StatusCode     string   `json:"status_code,omitempty" yaml:"status"` // empty means any status
	NextSegment    string   `json:"next_segment" yaml:"next"`
	TemplateCodes  []string `json:"template_codes" yaml:"templates"`
}

// AgentPreference is stored either per agent or per role.
type AgentPreference struct {
	AgentID              string    `json:"agent_id,omitempty" yaml:"-"`
	RoleKey              string    `json:"role_key,omitempty" yaml:"-"`
	PrimarySegments      []string  `json:"primary_segments" yaml:"primary_segments"`
	FallbackSegments     []string  `json:"fallback_segments" yaml:"fallback_segments"`
	PickupStatuses       []string  `json:"pickup_statuses" yaml:"pickup_statuses"`
	ActiveStatuses       []string  `json:"active_statuses" yaml:"active_statuses"`
	AcceptStatus         string    `json:"accept_status" yaml:"accept_status"`
	ReturnStatus         string    `json:"return_status" yaml:"return_status"`
	MaxInProgressMinutes int       `json:"max_in_progress_minutes" yaml:"max_in_progress_minutes"`
	MaxActiveTasks       int       `json:"max_active_tasks" yaml:"max_active_tasks"`
	UpdatedAt            time.Time `json:"updated_at" yaml:"-"`
}

type TemplateLink struct {
	ID         string    `json:"id"`
	ItemID     string    `json:"item_id"`
	Code       string    `json:"code"`
	Type       string    `json:"type"`
	Version    string    `json:"version,omitempty"`
	SourcePath string    `json:"source_path,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type Artifact struct {
	ID          string    `json:"id"`
	ItemID      string    `json:"item_id"`
	Kind        string    `json:"kind"`
	Title       string    `json:"title,omitempty"`
	URL         string    `json:"url,omitempty"`
	StoragePath string    `json:"storage_path,omitempty"`
	MediaType   string    `json:"media_type,omitempty"`
	SizeBytes   int64     `json:"size_bytes,omitempty"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
