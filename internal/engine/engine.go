package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"planline/internal/config"
	"planline/internal/domain"
	"planline/internal/events"
	"planline/internal/fingerprint"
	"planline/internal/repo"
	"planline/internal/schema"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitProject initializes a new project with migrations already run.
func (e Engine) InitProject(ctx context.Context, projectID, description, actorID string) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:          projectID,
		Kind:        "software-project",
		Status:      "active",
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO projects(id,kind,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Kind, p.Status, nullable(p.Description), p.CreatedAt); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.init", p.ID, "project", p.ID, actorID, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) validationOptions() schema.Options {
	opts := schema.Options{Now: e.now}
	if e.Config != nil {
		opts.TaskIDPrefix = e.Config.Intake.TaskIDPrefix
		opts.DefaultTaskType = e.Config.Intake.DefaultTaskType
	}
	return opts
}

// CreateDirective validates a raw proposal, normalizes it and stores it in
// pending_review. When a pending directive with the same content fingerprint
// already exists for the project, that directive is returned and created is
// false.
func (e Engine) CreateDirective(ctx context.Context, projectID string, raw map[string]any, actorID string) (domain.Directive, bool, error) {
	if projectID == "" {
		return domain.Directive{}, false, errors.New("project is required")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Directive{}, false, err
	}

	d, err := schema.ValidateWith(raw, e.validationOptions())
	if err != nil {
		return domain.Directive{}, false, err
	}
	d.ProjectID = projectID
	d.PayloadHash = fingerprint.PayloadHash(d)
	d.Status = domain.DirectivePendingReview
	d.CreatedAt = e.now().UTC().Format(time.RFC3339)
	d.ID = "dir-" + uuid.NewString()

	if existing, err := e.Repo.FindPendingByPayloadHash(ctx, projectID, d.PayloadHash); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Directive{}, false, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Directive{}, false, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertDirective(ctx, tx, d); err != nil {
		return domain.Directive{}, false, fmt.Errorf("insert directive: %w", err)
	}
	for _, req := range d.RequiredRequests {
		if err := e.Repo.UpsertRequiredData(ctx, tx, projectID, req.RequestID, req.Reason); err != nil {
			return domain.Directive{}, false, fmt.Errorf("register required data %s: %w", req.RequestID, err)
		}
	}
	if err := e.Events.Append(ctx, tx, "directive.created", projectID, "directive", d.ID, actorID, events.EventPayload{
		"objective":    d.Objective,
		"payload_hash": d.PayloadHash,
		"tasks":        len(d.TasksToCreate),
	}); err != nil {
		return domain.Directive{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Directive{}, false, err
	}
	return d, true, nil
}

// ApproveDirective moves a pending directive to approved.
func (e Engine) ApproveDirective(ctx context.Context, id, actorID string) (domain.Directive, error) {
	return e.decide(ctx, id, domain.DirectiveApproved, "", actorID)
}

// RejectDirective moves a pending directive to rejected. The reason is
// persisted when given.
func (e Engine) RejectDirective(ctx context.Context, id, reason, actorID string) (domain.Directive, error) {
	return e.decide(ctx, id, domain.DirectiveRejected, reason, actorID)
}

func (e Engine) decide(ctx context.Context, id, target, reason, actorID string) (domain.Directive, error) {
	d, err := e.Repo.GetDirective(ctx, id)
	if err != nil {
		return domain.Directive{}, err
	}
	if d.Status != domain.DirectivePendingReview {
		return domain.Directive{}, &domain.InvalidTransitionError{DirectiveID: id, From: d.Status, To: target}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Directive{}, err
	}
	defer tx.Rollback()

	decidedAt := e.now().UTC().Format(time.RFC3339)
	ok, err := e.Repo.UpdateDirectiveDecision(ctx, tx, id, target, reason, decidedAt)
	if err != nil {
		return domain.Directive{}, err
	}
	if !ok {
		// Lost the race against a concurrent decision.
		tx.Rollback()
		current, err := e.Repo.GetDirective(ctx, id)
		if err != nil {
			return domain.Directive{}, err
		}
		return domain.Directive{}, &domain.InvalidTransitionError{DirectiveID: id, From: current.Status, To: target}
	}
	evtType := "directive.approved"
	payload := events.EventPayload{}
	if target == domain.DirectiveRejected {
		evtType = "directive.rejected"
		payload["reason"] = reason
	}
	if err := e.Events.Append(ctx, tx, evtType, d.ProjectID, "directive", id, actorID, payload); err != nil {
		return domain.Directive{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Directive{}, err
	}

	d.Status = target
	d.RejectReason = reason
	d.DecidedAt = &decidedAt
	return d, nil
}

// ApplyDirective materializes an approved directive's task proposals into the
// backlog. Applying an already applied directive reports the earlier outcome
// without writing anything. Unsatisfied required data blocks the apply and
// leaves the directive approved.
func (e Engine) ApplyDirective(ctx context.Context, id, actorID string) (domain.ApplyResult, error) {
	d, err := e.Repo.GetDirective(ctx, id)
	if err != nil {
		return domain.ApplyResult{}, err
	}
	if d.Status == domain.DirectiveApplied {
		return e.idempotentResult(ctx, d)
	}
	if d.Status != domain.DirectiveApproved {
		return domain.ApplyResult{}, &domain.InvalidTransitionError{DirectiveID: id, From: d.Status, To: domain.DirectiveApplied}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApplyResult{}, err
	}
	defer tx.Rollback()

	requestIDs := make([]string, 0, len(d.RequiredRequests))
	for _, req := range d.RequiredRequests {
		requestIDs = append(requestIDs, req.RequestID)
	}
	missing, err := e.Repo.UnsatisfiedRequests(ctx, tx, d.ProjectID, requestIDs)
	if err != nil {
		return domain.ApplyResult{}, err
	}
	if len(missing) > 0 {
		return domain.ApplyResult{
			DirectiveID:       id,
			BlockedByRequests: true,
			MissingRequests:   missing,
		}, nil
	}

	appliedAt := e.now().UTC().Format(time.RFC3339)
	ok, err := e.Repo.MarkDirectiveApplied(ctx, tx, id, appliedAt)
	if err != nil {
		return domain.ApplyResult{}, err
	}
	if !ok {
		// A concurrent apply won the compare-and-set.
		tx.Rollback()
		current, err := e.Repo.GetDirective(ctx, id)
		if err != nil {
			return domain.ApplyResult{}, err
		}
		if current.Status == domain.DirectiveApplied {
			return e.idempotentResult(ctx, current)
		}
		return domain.ApplyResult{}, &domain.InvalidTransitionError{DirectiveID: id, From: current.Status, To: domain.DirectiveApplied}
	}

	result := domain.ApplyResult{DirectiveID: id}
	for _, p := range d.TasksToCreate {
		t := domain.Task{
			ID:          p.TaskID,
			ProjectID:   d.ProjectID,
			DirectiveID: d.ID,
			Type:        p.TaskType,
			Title:       p.Title,
			Status:      "planned",
			Priority:    p.Priority,
			Phase:       p.Phase,
			Steps:       p.Steps,
			DependsOn:   p.DependsOn,
			ContentHash: fingerprint.TaskHash(p, d.Objective),
			CreatedAt:   appliedAt,
		}
		created, err := e.Repo.InsertTask(ctx, tx, t)
		if err != nil {
			return domain.ApplyResult{}, fmt.Errorf("insert task %s: %w", t.ID, err)
		}
		if !created {
			result.TasksSkipped++
			continue
		}
		result.TasksCreated++
		result.CreatedTaskIDs = append(result.CreatedTaskIDs, t.ID)
		if err := e.Events.Append(ctx, tx, "task.materialized", d.ProjectID, "task", t.ID, actorID, events.EventPayload{
			"directive_id": d.ID,
			"title":        t.Title,
			"content_hash": t.ContentHash,
		}); err != nil {
			return domain.ApplyResult{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "directive.applied", d.ProjectID, "directive", d.ID, actorID, events.EventPayload{
		"tasks_created": result.TasksCreated,
		"tasks_skipped": result.TasksSkipped,
	}); err != nil {
		return domain.ApplyResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ApplyResult{}, err
	}
	return result, nil
}

func (e Engine) idempotentResult(ctx context.Context, d domain.Directive) (domain.ApplyResult, error) {
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{DirectiveID: d.ID})
	if err != nil {
		return domain.ApplyResult{}, err
	}
	result := domain.ApplyResult{
		DirectiveID:  d.ID,
		Idempotent:   true,
		TasksSkipped: len(d.TasksToCreate),
	}
	for _, t := range tasks {
		result.CreatedTaskIDs = append(result.CreatedTaskIDs, t.ID)
	}
	return result, nil
}

// ProvideRequiredData marks an external data request satisfied.
func (e Engine) ProvideRequiredData(ctx context.Context, projectID, requestID, actorID string) (domain.RequiredData, error) {
	if projectID == "" || requestID == "" {
		return domain.RequiredData{}, errors.New("project and request are required")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.RequiredData{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RequiredData{}, err
	}
	defer tx.Rollback()

	providedAt := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.MarkRequiredDataProvided(ctx, tx, projectID, requestID, providedAt); err != nil {
		return domain.RequiredData{}, err
	}
	if err := e.Events.Append(ctx, tx, "data.provided", projectID, "required_data", requestID, actorID, nil); err != nil {
		return domain.RequiredData{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RequiredData{}, err
	}
	return domain.RequiredData{
		ProjectID:  projectID,
		RequestID:  requestID,
		Satisfied:  true,
		ProvidedAt: &providedAt,
	}, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
