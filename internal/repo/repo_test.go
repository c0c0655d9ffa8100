package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"planline/internal/db"
	"planline/internal/domain"
	"planline/internal/migrate"
	"planline/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, *sql.DB) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	if err := r.InsertProject(context.Background(), domain.Project{
		ID: "proj-1", Kind: "software-project", Status: "active", CreatedAt: "2026-08-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	return r, conn
}

func inTx(t *testing.T, conn *sql.DB, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatalf("tx body: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func sampleDirective(id, status string) domain.Directive {
	return domain.Directive{
		ID:              id,
		ProjectID:       "proj-1",
		Version:         "directive_v1",
		SchemaVersion:   "v1",
		Objective:       "tighten release checks",
		EstimatedImpact: "medium",
		PayloadHash:     "hash-" + id,
		Status:          status,
		CreatedAt:       "2026-08-01T10:00:00Z",
	}
}

func TestDecisionUpdateGuardsOnPendingStatus(t *testing.T) {
	r, conn := newTestRepo(t)
	ctx := context.Background()
	inTx(t, conn, func(tx *sql.Tx) error {
		return r.InsertDirective(ctx, tx, sampleDirective("dir-1", domain.DirectivePendingReview))
	})

	inTx(t, conn, func(tx *sql.Tx) error {
		ok, err := r.UpdateDirectiveDecision(ctx, tx, "dir-1", domain.DirectiveApproved, "", "2026-08-01T11:00:00Z")
		if err != nil {
			return err
		}
		if !ok {
			t.Fatalf("expected pending directive to accept decision")
		}
		return nil
	})

	// The row is no longer pending, so a second decision affects nothing.
	inTx(t, conn, func(tx *sql.Tx) error {
		ok, err := r.UpdateDirectiveDecision(ctx, tx, "dir-1", domain.DirectiveRejected, "changed my mind", "2026-08-01T12:00:00Z")
		if err != nil {
			return err
		}
		if ok {
			t.Fatalf("decision on non-pending directive reported rows affected")
		}
		return nil
	})

	d, err := r.GetDirective(ctx, "dir-1")
	if err != nil {
		t.Fatalf("get directive: %v", err)
	}
	if d.Status != domain.DirectiveApproved || d.RejectReason != "" {
		t.Fatalf("directive after guarded update: %+v", d)
	}
}

func TestMarkAppliedIsCompareAndSet(t *testing.T) {
	r, conn := newTestRepo(t)
	ctx := context.Background()
	inTx(t, conn, func(tx *sql.Tx) error {
		return r.InsertDirective(ctx, tx, sampleDirective("dir-2", domain.DirectiveApproved))
	})

	inTx(t, conn, func(tx *sql.Tx) error {
		ok, err := r.MarkDirectiveApplied(ctx, tx, "dir-2", "2026-08-01T13:00:00Z")
		if err != nil {
			return err
		}
		if !ok {
			t.Fatalf("first apply mark should win")
		}
		return nil
	})
	inTx(t, conn, func(tx *sql.Tx) error {
		ok, err := r.MarkDirectiveApplied(ctx, tx, "dir-2", "2026-08-01T14:00:00Z")
		if err != nil {
			return err
		}
		if ok {
			t.Fatalf("second apply mark should lose the compare-and-set")
		}
		return nil
	})

	d, err := r.GetDirective(ctx, "dir-2")
	if err != nil {
		t.Fatalf("get directive: %v", err)
	}
	if d.Status != domain.DirectiveApplied || d.AppliedAt == nil || *d.AppliedAt != "2026-08-01T13:00:00Z" {
		t.Fatalf("directive after apply marks: %+v", d)
	}
}

func TestInsertTaskConflictReportsNoRow(t *testing.T) {
	r, conn := newTestRepo(t)
	ctx := context.Background()
	inTx(t, conn, func(tx *sql.Tx) error {
		return r.InsertDirective(ctx, tx, sampleDirective("dir-3", domain.DirectiveApplied))
	})

	task := domain.Task{
		ID:          "T-GPT-001",
		ProjectID:   "proj-1",
		DirectiveID: "dir-3",
		Type:        "generic",
		Title:       "add smoke checks",
		Status:      "planned",
		Priority:    3,
		Steps:       []string{"define", "wire"},
		ContentHash: "cafe01",
		CreatedAt:   "2026-08-01T13:00:00Z",
	}
	inTx(t, conn, func(tx *sql.Tx) error {
		created, err := r.InsertTask(ctx, tx, task)
		if err != nil {
			return err
		}
		if !created {
			t.Fatalf("first insert should create a row")
		}
		return nil
	})

	dup := task
	dup.ID = "T-GPT-002"
	inTx(t, conn, func(tx *sql.Tx) error {
		created, err := r.InsertTask(ctx, tx, dup)
		if err != nil {
			return err
		}
		if created {
			t.Fatalf("duplicate content hash should not create a row")
		}
		return nil
	})

	if _, err := r.GetTask(ctx, "T-GPT-002"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("duplicate task id lookup: %v", err)
	}
	existing, err := r.FindTaskByContentHash(ctx, "proj-1", "cafe01")
	if err != nil {
		t.Fatalf("find by content hash: %v", err)
	}
	if existing.ID != "T-GPT-001" {
		t.Fatalf("surviving task: %+v", existing)
	}
}

func TestUnsatisfiedRequestsTreatsMissingRowsAsUnsatisfied(t *testing.T) {
	r, conn := newTestRepo(t)
	ctx := context.Background()

	inTx(t, conn, func(tx *sql.Tx) error {
		if err := r.UpsertRequiredData(ctx, tx, "proj-1", "repo.access", "need the repo"); err != nil {
			return err
		}
		return r.MarkRequiredDataProvided(ctx, tx, "proj-1", "api.credentials", "2026-08-01T15:00:00Z")
	})

	var missing []string
	inTx(t, conn, func(tx *sql.Tx) error {
		var err error
		missing, err = r.UnsatisfiedRequests(ctx, tx, "proj-1", []string{"repo.access", "api.credentials", "metrics.baseline"})
		return err
	})
	if len(missing) != 2 || missing[0] != "repo.access" || missing[1] != "metrics.baseline" {
		t.Fatalf("missing requests: %v", missing)
	}
}

func TestRegisterRequestKeepsSatisfiedState(t *testing.T) {
	r, conn := newTestRepo(t)
	ctx := context.Background()

	inTx(t, conn, func(tx *sql.Tx) error {
		return r.MarkRequiredDataProvided(ctx, tx, "proj-1", "repo.access", "2026-08-01T15:00:00Z")
	})
	// Re-registering via a new directive must not reset the provided flag.
	inTx(t, conn, func(tx *sql.Tx) error {
		return r.UpsertRequiredData(ctx, tx, "proj-1", "repo.access", "still need the repo")
	})

	items, err := r.ListRequiredData(ctx, "proj-1")
	if err != nil {
		t.Fatalf("list required data: %v", err)
	}
	if len(items) != 1 || !items[0].Satisfied || items[0].Reason != "still need the repo" {
		t.Fatalf("required data: %+v", items)
	}
}

func TestFindPendingByPayloadHashIgnoresDecidedRows(t *testing.T) {
	r, conn := newTestRepo(t)
	ctx := context.Background()

	rejected := sampleDirective("dir-4", domain.DirectiveRejected)
	pending := sampleDirective("dir-5", domain.DirectivePendingReview)
	pending.PayloadHash = rejected.PayloadHash
	inTx(t, conn, func(tx *sql.Tx) error {
		if err := r.InsertDirective(ctx, tx, rejected); err != nil {
			return err
		}
		return r.InsertDirective(ctx, tx, pending)
	})

	got, err := r.FindPendingByPayloadHash(ctx, "proj-1", rejected.PayloadHash)
	if err != nil {
		t.Fatalf("find pending: %v", err)
	}
	if got.ID != "dir-5" {
		t.Fatalf("pending lookup returned %s", got.ID)
	}

	if _, err := r.FindPendingByPayloadHash(ctx, "proj-1", "no-such-hash"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing hash lookup: %v", err)
	}
}
