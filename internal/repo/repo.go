package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"planline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,kind,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Kind, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,kind,status,description,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Kind, &p.Status, &desc, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,kind,status,COALESCE(description,'') AS description,created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Kind, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

func (r Repo) InsertDirective(ctx context.Context, tx *sql.Tx, d domain.Directive) error {
	risks, err := json.Marshal(d.Risks)
	if err != nil {
		return err
	}
	tasks, err := json.Marshal(d.TasksToCreate)
	if err != nil {
		return err
	}
	requests, err := json.Marshal(d.RequiredRequests)
	if err != nil {
		return err
	}
	criteria, err := json.Marshal(d.SuccessCriteria)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO directives(id,project_id,version,schema_version,objective,context_summary,risks_json,tasks_json,required_requests_json,success_criteria_json,estimated_impact,apply_notes,payload_hash,status,reject_reason,created_at,decided_at,applied_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ProjectID, d.Version, d.SchemaVersion, d.Objective, nullable(d.ContextSummary),
		string(risks), string(tasks), string(requests), string(criteria),
		d.EstimatedImpact, nullable(d.ApplyNotes), d.PayloadHash, d.Status, nullable(d.RejectReason),
		d.CreatedAt, nullableStringPtr(d.DecidedAt), nullableStringPtr(d.AppliedAt))
	return err
}

const directiveColumns = `id,project_id,version,schema_version,objective,context_summary,risks_json,tasks_json,required_requests_json,success_criteria_json,estimated_impact,apply_notes,payload_hash,status,reject_reason,created_at,decided_at,applied_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDirective(row rowScanner) (domain.Directive, error) {
	var d domain.Directive
	var contextSummary, applyNotes, rejectReason, decidedAt, appliedAt sql.NullString
	var risks, tasks, requests, criteria string
	err := row.Scan(&d.ID, &d.ProjectID, &d.Version, &d.SchemaVersion, &d.Objective, &contextSummary,
		&risks, &tasks, &requests, &criteria,
		&d.EstimatedImpact, &applyNotes, &d.PayloadHash, &d.Status, &rejectReason,
		&d.CreatedAt, &decidedAt, &appliedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if contextSummary.Valid {
		d.ContextSummary = contextSummary.String
	}
	if applyNotes.Valid {
		d.ApplyNotes = applyNotes.String
	}
	if rejectReason.Valid {
		d.RejectReason = rejectReason.String
	}
	if decidedAt.Valid {
		d.DecidedAt = &decidedAt.String
	}
	if appliedAt.Valid {
		d.AppliedAt = &appliedAt.String
	}
	if err := json.Unmarshal([]byte(risks), &d.Risks); err != nil {
		return d, fmt.Errorf("directive %s risks: %w", d.ID, err)
	}
	if err := json.Unmarshal([]byte(tasks), &d.TasksToCreate); err != nil {
		return d, fmt.Errorf("directive %s tasks: %w", d.ID, err)
	}
	if err := json.Unmarshal([]byte(requests), &d.RequiredRequests); err != nil {
		return d, fmt.Errorf("directive %s required requests: %w", d.ID, err)
	}
	if err := json.Unmarshal([]byte(criteria), &d.SuccessCriteria); err != nil {
		return d, fmt.Errorf("directive %s success criteria: %w", d.ID, err)
	}
	return d, nil
}

func (r Repo) GetDirective(ctx context.Context, id string) (domain.Directive, error) {
	return scanDirective(r.DB.QueryRowContext(ctx, `SELECT `+directiveColumns+` FROM directives WHERE id=?`, id))
}

func (r Repo) GetDirectiveTx(ctx context.Context, tx *sql.Tx, id string) (domain.Directive, error) {
	return scanDirective(tx.QueryRowContext(ctx, `SELECT `+directiveColumns+` FROM directives WHERE id=?`, id))
}

// FindPendingByPayloadHash returns the pending directive carrying the same
// content fingerprint, if any.
func (r Repo) FindPendingByPayloadHash(ctx context.Context, projectID, payloadHash string) (domain.Directive, error) {
	return scanDirective(r.DB.QueryRowContext(ctx,
		`SELECT `+directiveColumns+` FROM directives WHERE project_id=? AND payload_hash=? AND status=?`,
		projectID, payloadHash, domain.DirectivePendingReview))
}

type DirectiveFilters struct {
	ProjectID       string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListDirectives(ctx context.Context, f DirectiveFilters) ([]domain.Directive, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + directiveColumns + ` FROM directives ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Directive
	for rows.Next() {
		d, err := scanDirective(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, nil
}

// UpdateDirectiveDecision moves a pending directive to approved or rejected.
// The WHERE clause doubles as the transition guard; zero rows affected means
// the directive was not pending anymore (or does not exist).
func (r Repo) UpdateDirectiveDecision(ctx context.Context, tx *sql.Tx, id, status, rejectReason, decidedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE directives SET status=?, reject_reason=?, decided_at=? WHERE id=? AND status=?`,
		status, nullable(rejectReason), decidedAt, id, domain.DirectivePendingReview)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkDirectiveApplied is the compare-and-set that makes apply idempotent under
// concurrency: only one caller observes the approved row.
func (r Repo) MarkDirectiveApplied(ctx context.Context, tx *sql.Tx, id, appliedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE directives SET status=?, applied_at=? WHERE id=? AND status=?`,
		domain.DirectiveApplied, appliedAt, id, domain.DirectiveApproved)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertTask inserts a backlog task unless a task with the same content hash
// already exists in the project. Returns whether a row was created.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) (bool, error) {
	steps, err := json.Marshal(t.Steps)
	if err != nil {
		return false, err
	}
	var dependsOn any
	if len(t.DependsOn) > 0 {
		data, err := json.Marshal(t.DependsOn)
		if err != nil {
			return false, err
		}
		dependsOn = string(data)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,project_id,directive_id,type,title,status,priority,phase,steps_json,depends_on_json,content_hash,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(project_id, content_hash) DO NOTHING`,
		t.ID, t.ProjectID, t.DirectiveID, t.Type, t.Title, t.Status, t.Priority, nullableIntPtr(t.Phase),
		string(steps), dependsOn, t.ContentHash, t.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const taskColumns = `id,project_id,directive_id,type,title,status,priority,phase,steps_json,depends_on_json,content_hash,created_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var phase sql.NullInt64
	var steps string
	var dependsOn sql.NullString
	err := row.Scan(&t.ID, &t.ProjectID, &t.DirectiveID, &t.Type, &t.Title, &t.Status, &t.Priority, &phase, &steps, &dependsOn, &t.ContentHash, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if phase.Valid {
		p := int(phase.Int64)
		t.Phase = &p
	}
	if err := json.Unmarshal([]byte(steps), &t.Steps); err != nil {
		return t, fmt.Errorf("task %s steps: %w", t.ID, err)
	}
	if dependsOn.Valid {
		if err := json.Unmarshal([]byte(dependsOn.String), &t.DependsOn); err != nil {
			return t, fmt.Errorf("task %s depends_on: %w", t.ID, err)
		}
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) FindTaskByContentHash(ctx context.Context, projectID, contentHash string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE project_id=? AND content_hash=?`, projectID, contentHash))
}

type TaskFilters struct {
	ProjectID       string
	DirectiveID     string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.DirectiveID != "" {
		clauses = append(clauses, "directive_id=?")
		args = append(args, f.DirectiveID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, nil
}

// UpsertRequiredData registers a request without marking it satisfied. Existing
// rows keep their satisfied state; only the reason is refreshed.
func (r Repo) UpsertRequiredData(ctx context.Context, tx *sql.Tx, projectID, requestID, reason string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO required_data(project_id,request_id,reason,satisfied) VALUES (?,?,?,0)
ON CONFLICT(project_id, request_id) DO UPDATE SET reason=excluded.reason`, projectID, requestID, nullable(reason))
	return err
}

// MarkRequiredDataProvided satisfies a request, inserting the row if the
// request was never registered.
func (r Repo) MarkRequiredDataProvided(ctx context.Context, tx *sql.Tx, projectID, requestID, providedAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO required_data(project_id,request_id,satisfied,provided_at) VALUES (?,?,1,?)
ON CONFLICT(project_id, request_id) DO UPDATE SET satisfied=1, provided_at=excluded.provided_at`, projectID, requestID, providedAt)
	return err
}

// UnsatisfiedRequests filters requestIDs down to those without a satisfied row.
func (r Repo) UnsatisfiedRequests(ctx context.Context, tx *sql.Tx, projectID string, requestIDs []string) ([]string, error) {
	var missing []string
	for _, id := range requestIDs {
		var satisfied bool
		err := tx.QueryRowContext(ctx, `SELECT satisfied FROM required_data WHERE project_id=? AND request_id=?`, projectID, id).Scan(&satisfied)
		if err == sql.ErrNoRows {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !satisfied {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (r Repo) ListRequiredData(ctx context.Context, projectID string) ([]domain.RequiredData, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,request_id,COALESCE(reason,''),satisfied,provided_at FROM required_data WHERE project_id=? ORDER BY request_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RequiredData
	for rows.Next() {
		var rd domain.RequiredData
		var providedAt sql.NullString
		if err := rows.Scan(&rd.ProjectID, &rd.RequestID, &rd.Reason, &rd.Satisfied, &providedAt); err != nil {
			return nil, err
		}
		if providedAt.Valid {
			rd.ProvidedAt = &providedAt.String
		}
		res = append(res, rd)
	}
	return res, nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, projectID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

func scanEvent(row rowScanner) (domain.Event, error) {
	var e domain.Event
	var projID, entID sql.NullString
	if err := row.Scan(&e.ID, &e.TS, &e.Type, &projID, &e.EntityKind, &entID, &e.ActorID, &e.Payload); err != nil {
		return e, err
	}
	if projID.Valid {
		e.ProjectID = projID.String
	}
	if entID.Valid {
		e.EntityID = entID.String
	}
	return e, nil
}

// LatestEventID returns the most recent event ID for a project.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE project_id=?`, projectID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
