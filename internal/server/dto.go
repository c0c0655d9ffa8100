package server

import (
	"encoding/json"

	"planline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type RejectDirectiveRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type DirectiveResponse struct {
	ID               string                   `json:"id"`
	ProjectID        string                   `json:"project_id"`
	Version          string                   `json:"version"`
	SchemaVersion    string                   `json:"schema_version"`
	Objective        string                   `json:"objective"`
	ContextSummary   string                   `json:"context_summary,omitempty"`
	Risks            []domain.Risk            `json:"risks"`
	TasksToCreate    []domain.TaskProposal    `json:"tasks_to_create"`
	RequiredRequests []domain.RequiredRequest `json:"required_requests,omitempty"`
	SuccessCriteria  []string                 `json:"success_criteria"`
	EstimatedImpact  string                   `json:"estimated_impact"`
	ApplyNotes       string                   `json:"apply_notes,omitempty"`
	PayloadHash      string                   `json:"payload_hash"`
	Status           string                   `json:"status" enum:"pending_review,approved,rejected,applied"`
	RejectReason     string                   `json:"reject_reason,omitempty"`
	CreatedAt        string                   `json:"created_at" format:"date-time"`
	DecidedAt        *string                  `json:"decided_at,omitempty" format:"date-time"`
	AppliedAt        *string                  `json:"applied_at,omitempty" format:"date-time"`
}

type SubmitDirectiveResponse struct {
	Directive    DirectiveResponse `json:"directive"`
	Deduplicated bool              `json:"deduplicated"`
}

type TaskResponse struct {
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

type ApplyResultResponse struct {
	DirectiveID       string   `json:"directive_id"`
	TasksCreated      int      `json:"tasks_created"`
	TasksSkipped      int      `json:"tasks_skipped"`
	CreatedTaskIDs    []string `json:"created_task_ids,omitempty"`
	Idempotent        bool     `json:"idempotent"`
	BlockedByRequests bool     `json:"blocked_by_requests"`
	MissingRequests   []string `json:"missing_requests,omitempty"`
}

type RequiredDataResponse struct {
	ProjectID  string  `json:"project_id"`
	RequestID  string  `json:"request_id"`
	Reason     string  `json:"reason,omitempty"`
	Satisfied  bool    `json:"satisfied"`
	ProvidedAt *string `json:"provided_at,omitempty" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedDirectives struct {
	Items      []DirectiveResponse `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Kind:        p.Kind,
		Status:      p.Status,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

func directiveResponse(d domain.Directive) DirectiveResponse {
	return DirectiveResponse{
		ID:               d.ID,
		ProjectID:        d.ProjectID,
		Version:          d.Version,
		SchemaVersion:    d.SchemaVersion,
		Objective:        d.Objective,
		ContextSummary:   d.ContextSummary,
		Risks:            d.Risks,
		TasksToCreate:    d.TasksToCreate,
		RequiredRequests: d.RequiredRequests,
		SuccessCriteria:  d.SuccessCriteria,
		EstimatedImpact:  d.EstimatedImpact,
		ApplyNotes:       d.ApplyNotes,
		PayloadHash:      d.PayloadHash,
		Status:           d.Status,
		RejectReason:     d.RejectReason,
		CreatedAt:        d.CreatedAt,
		DecidedAt:        d.DecidedAt,
		AppliedAt:        d.AppliedAt,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		ProjectID:   t.ProjectID,
		DirectiveID: t.DirectiveID,
		Type:        t.Type,
		Title:       t.Title,
		Status:      t.Status,
		Priority:    t.Priority,
		Phase:       t.Phase,
		Steps:       t.Steps,
		DependsOn:   t.DependsOn,
		ContentHash: t.ContentHash,
		CreatedAt:   t.CreatedAt,
	}
}

func applyResponse(r domain.ApplyResult) ApplyResultResponse {
	return ApplyResultResponse{
		DirectiveID:       r.DirectiveID,
		TasksCreated:      r.TasksCreated,
		TasksSkipped:      r.TasksSkipped,
		CreatedTaskIDs:    r.CreatedTaskIDs,
		Idempotent:        r.Idempotent,
		BlockedByRequests: r.BlockedByRequests,
		MissingRequests:   r.MissingRequests,
	}
}

func requiredDataResponse(rd domain.RequiredData) RequiredDataResponse {
	return RequiredDataResponse{
		ProjectID:  rd.ProjectID,
		RequestID:  rd.RequestID,
		Reason:     rd.Reason,
		Satisfied:  rd.Satisfied,
		ProvidedAt: rd.ProvidedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	resp := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
	}
	if e.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(e.Payload), &payload); err == nil {
			resp.Payload = payload
		}
	}
	return resp
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func mapDirectives(items []domain.Directive) []DirectiveResponse {
	res := make([]DirectiveResponse, 0, len(items))
	for _, d := range items {
		res = append(res, directiveResponse(d))
	}
	return res
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}
