package fingerprint

import (
	"regexp"
	"testing"

	"planline/internal/domain"
)

var hexRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

func sampleDirective() domain.Directive {
	return domain.Directive{
		Version:       domain.VersionTag,
		SchemaVersion: "v1",
		Objective:     "Implement feature X for the orchestrator",
		Risks: []domain.Risk{
			{ID: "r1", Text: "might break things", Severity: domain.SeverityMed},
		},
		TasksToCreate: []domain.TaskProposal{
			{TaskID: "T-GPT-1", TaskType: "generic", Title: "Do thing A", Steps: []string{"step1", "step2"}, Priority: 3},
		},
		SuccessCriteria: []string{"it works"},
		EstimatedImpact: "medium",
	}
}

func TestPayloadHashShape(t *testing.T) {
	h := PayloadHash(sampleDirective())
	if !hexRe.MatchString(h) {
		t.Fatalf("expected 64 lowercase hex chars, got %q", h)
	}
}

func TestPayloadHashIgnoresStorageFields(t *testing.T) {
	a := sampleDirective()
	b := sampleDirective()
	b.ID = "dir-123"
	b.ProjectID = "proj"
	b.Status = domain.DirectiveApplied
	b.PayloadHash = "whatever"
	b.CreatedAt = "2024-01-01T00:00:00Z"
	if PayloadHash(a) != PayloadHash(b) {
		t.Fatalf("storage metadata leaked into payload hash")
	}
}

func TestPayloadHashIgnoresGeneratedTaskIDs(t *testing.T) {
	a := sampleDirective()
	b := sampleDirective()
	b.TasksToCreate[0].TaskID = "T-GPT-other"
	if PayloadHash(a) != PayloadHash(b) {
		t.Fatalf("task id affected payload hash")
	}
}

func TestPayloadHashSensitivity(t *testing.T) {
	base := PayloadHash(sampleDirective())
	mutations := []func(*domain.Directive){
		func(d *domain.Directive) { d.Objective = "A different objective entirely" },
		func(d *domain.Directive) { d.ContextSummary = "context" },
		func(d *domain.Directive) { d.Risks[0].Severity = domain.SeverityHigh },
		func(d *domain.Directive) { d.TasksToCreate[0].Title = "Do thing B" },
		func(d *domain.Directive) { d.TasksToCreate[0].Steps = []string{"step1"} },
		func(d *domain.Directive) { d.TasksToCreate[0].Priority = 5 },
		func(d *domain.Directive) { d.SuccessCriteria = []string{"it really works"} },
		func(d *domain.Directive) { d.EstimatedImpact = "high" },
		func(d *domain.Directive) { d.ApplyNotes = "careful" },
		func(d *domain.Directive) {
			d.RequiredRequests = []domain.RequiredRequest{{RequestID: "api-key", Reason: "needed"}}
		},
	}
	for i, mutate := range mutations {
		d := sampleDirective()
		mutate(&d)
		if PayloadHash(d) == base {
			t.Fatalf("mutation %d did not change payload hash", i)
		}
	}
}

func TestPayloadHashParamsKeyOrder(t *testing.T) {
	a := sampleDirective()
	a.TasksToCreate[0].Params = map[string]any{"x": float64(1), "y": "z"}
	b := sampleDirective()
	b.TasksToCreate[0].Params = map[string]any{"y": "z", "x": float64(1)}
	if PayloadHash(a) != PayloadHash(b) {
		t.Fatalf("params key order affected payload hash")
	}
}

func TestTaskHashContentNotIdentity(t *testing.T) {
	a := domain.TaskProposal{TaskID: "A", Title: "T", Steps: []string{}}
	b := domain.TaskProposal{TaskID: "B", Title: "T", Steps: []string{}}
	if TaskHash(a, "obj") != TaskHash(b, "obj") {
		t.Fatalf("task id affected task hash")
	}
}

func TestTaskHashExcludesSchedulingFields(t *testing.T) {
	phase := 2
	a := domain.TaskProposal{Title: "T", Priority: 1, DependsOn: []string{"x"}, Phase: &phase}
	b := domain.TaskProposal{Title: "T", Priority: 5}
	if TaskHash(a, "obj") != TaskHash(b, "obj") {
		t.Fatalf("priority/dependsOn/phase affected task hash")
	}
}

func TestTaskHashObjectiveScoped(t *testing.T) {
	p := domain.TaskProposal{Title: "T", Steps: []string{"s"}}
	if TaskHash(p, "obj1") == TaskHash(p, "obj2") {
		t.Fatalf("expected different hashes under different objectives")
	}
}

func TestTaskHashDefaults(t *testing.T) {
	a := domain.TaskProposal{Title: "T"}
	b := domain.TaskProposal{Title: "T", TaskType: "generic", Steps: []string{}, Params: map[string]any{}}
	if TaskHash(a, "") != TaskHash(b, "") {
		t.Fatalf("defaulted fields should hash like explicit defaults")
	}
	if !hexRe.MatchString(TaskHash(a, "")) {
		t.Fatalf("expected 64 lowercase hex chars")
	}
}
