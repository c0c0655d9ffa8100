package domain

// VersionTag is the fixed discriminator every incoming directive must carry.
const VersionTag = "directive_v1"

// Directive statuses.
const (
	DirectivePendingReview = "pending_review"
	DirectiveApproved      = "approved"
	DirectiveRejected      = "rejected"
	DirectiveApplied       = "applied"
)

// Risk severities.
const (
	SeverityLow  = "low"
	SeverityMed  = "med"
	SeverityHigh = "high"
)

type Project struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Directive is the validated, normalized form of a planner proposal.
type Directive struct {
	ID               string            `json:"id"`
	ProjectID        string            `json:"project_id"`
	Version          string            `json:"version"`
	SchemaVersion    string            `json:"schema_version"`
	Objective        string            `json:"objective"`
	ContextSummary   string            `json:"context_summary,omitempty"`
	Risks            []Risk            `json:"risks"`
	TasksToCreate    []TaskProposal    `json:"tasks_to_create"`
	RequiredRequests []RequiredRequest `json:"required_requests"`
	SuccessCriteria  []string          `json:"success_criteria"`
	EstimatedImpact  string            `json:"estimated_impact"`
	ApplyNotes       string            `json:"apply_notes,omitempty"`
	PayloadHash      string            `json:"payload_hash"`
	Status           string            `json:"status" enum:"pending_review,approved,rejected,applied"`
	RejectReason     string            `json:"reject_reason,omitempty"`
	CreatedAt        string            `json:"created_at" format:"date-time"`
	DecidedAt        *string           `json:"decided_at,omitempty" format:"date-time"`
	AppliedAt        *string           `json:"applied_at,omitempty" format:"date-time"`
}

type Risk struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Severity string `json:"severity" enum:"low,med,high"`
}

// TaskProposal is one proposed work item inside a directive. After
// normalization TaskID is always set; it is display-only and never part of the
// content fingerprint.
type TaskProposal struct {
	TaskID             string         `json:"task_id"`
	TaskType           string         `json:"task_type"`
	Title              string         `json:"title"`
	Steps              []string       `json:"steps"`
	DependsOn          []string       `json:"depends_on"`
	Priority           int            `json:"priority"`
	Phase              *int           `json:"phase,omitempty"`
	Params             map[string]any `json:"params"`
	AcceptanceCriteria []string       `json:"acceptance_criteria,omitempty"`
	Description        string         `json:"description,omitempty"`
}

type RequiredRequest struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

// Task is a materialized backlog entry. ContentHash is the dedup key within a
// project; DirectiveID is a non-owning back-reference.
type Task struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	DirectiveID string   `json:"directive_id"`
	Type        string   `json:"type"`
	Title       string   `json:"title"`
	Status      string   `json:"status"`
	Priority    int      `json:"priority"`
	Phase       *int     `json:"phase,omitempty"`
	Steps       []string `json:"steps"`
	DependsOn   []string `json:"depends_on,omitempty"`
	ContentHash string   `json:"content_hash"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

// RequiredData tracks whether an external data request has been satisfied.
type RequiredData struct {
	ProjectID  string  `json:"project_id"`
	RequestID  string  `json:"request_id"`
	Reason     string  `json:"reason,omitempty"`
	Satisfied  bool    `json:"satisfied"`
	ProvidedAt *string `json:"provided_at,omitempty" format:"date-time"`
}

// ApplyResult reports what apply did. Blocked and idempotent outcomes are
// results, not errors.
type ApplyResult struct {
	DirectiveID       string   `json:"directive_id"`
	TasksCreated      int      `json:"tasks_created"`
	TasksSkipped      int      `json:"tasks_skipped"`
	CreatedTaskIDs    []string `json:"created_task_ids,omitempty"`
	Idempotent        bool     `json:"idempotent"`
	BlockedByRequests bool     `json:"blocked_by_requests"`
	MissingRequests   []string `json:"missing_requests,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
