// Package schema validates and normalizes raw planner payloads into canonical
// directives. Validation is one pass over the loosely-typed payload and the
// returned error aggregates every violated field, since the error message is
// the only feedback loop toward the upstream generator.
package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"planline/internal/domain"
)

const (
	DefaultTaskIDPrefix = "T-GPT"
	DefaultTaskType     = "generic"

	maxSteps = 20
)

// Options tune normalization. Zero values fall back to the spec defaults, so
// schema.Validate(raw) behaves identically to an unconfigured intake.
type Options struct {
	TaskIDPrefix    string
	DefaultTaskType string
	Now             func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TaskIDPrefix == "" {
		o.TaskIDPrefix = DefaultTaskIDPrefix
	}
	if o.DefaultTaskType == "" {
		o.DefaultTaskType = DefaultTaskType
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Violation names one failed constraint at a field path.
type Violation struct {
	Path       string `json:"path"`
	Constraint string `json:"constraint"`
}

// ValidationError aggregates every violation found in a payload.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.Path + ": " + v.Constraint
	}
	return fmt.Sprintf("invalid directive (%d violations): %s", len(e.Violations), strings.Join(parts, "; "))
}

// Validate checks a decoded payload against the directive_v1 schema with
// default options.
func Validate(raw map[string]any) (domain.Directive, error) {
	return ValidateWith(raw, Options{})
}

// ValidateWith validates raw and, on success, returns the normalized directive
// with defaults applied and missing task ids generated. The returned directive
// carries no storage metadata; callers stamp id, status and hash.
func ValidateWith(raw map[string]any, opts Options) (domain.Directive, error) {
	opts = opts.withDefaults()
	v := &collector{}

	var d domain.Directive

	if version, ok := v.requireString(raw, "version"); ok && version != domain.VersionTag {
		v.add("version", fmt.Sprintf("must equal %q", domain.VersionTag))
	} else {
		d.Version = version
	}

	d.SchemaVersion = v.optionalString(raw, "schemaVersion", "v1", 0)
	d.Objective = v.boundedString(raw, "objective", 10, 500)
	d.ContextSummary = v.optionalString(raw, "contextSummary", "", 2000)
	d.EstimatedImpact = v.boundedString(raw, "estimatedImpact", 1, 500)
	d.ApplyNotes = v.optionalString(raw, "applyNotes", "", 1000)
	d.Risks = v.risks(raw)
	d.TasksToCreate = v.taskProposals(raw, opts)
	d.RequiredRequests = v.requiredRequests(raw)
	d.SuccessCriteria = v.successCriteria(raw)

	if len(v.violations) > 0 {
		return domain.Directive{}, &ValidationError{Violations: v.violations}
	}
	return d, nil
}

// GenerateTaskID returns a display-only task id: prefix, millisecond timestamp
// in base36, and a short random suffix. Never part of any content hash, so
// regenerating on every validation is harmless.
func GenerateTaskID(prefix string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:6]
	return prefix + "-" + strconv.FormatInt(now.UnixMilli(), 36) + "-" + suffix
}

type collector struct {
	violations []Violation
}

func (c *collector) add(path, constraint string) {
	c.violations = append(c.violations, Violation{Path: path, Constraint: constraint})
}

func (c *collector) requireString(m map[string]any, key string) (string, bool) {
	raw, present := m[key]
	if !present || raw == nil {
		c.add(key, "is required")
		return "", false
	}
	s, ok := raw.(string)
	if !ok {
		c.add(key, "must be a string")
		return "", false
	}
	return s, true
}

func (c *collector) boundedString(m map[string]any, key string, min, max int) string {
	s, ok := c.requireString(m, key)
	if !ok {
		return ""
	}
	c.checkLength(key, s, min, max)
	return s
}

func (c *collector) optionalString(m map[string]any, key, def string, max int) string {
	raw, present := m[key]
	if !present || raw == nil {
		return def
	}
	s, ok := raw.(string)
	if !ok {
		c.add(key, "must be a string")
		return def
	}
	if max > 0 {
		c.checkLength(key, s, 0, max)
	}
	return s
}

func (c *collector) checkLength(path, s string, min, max int) {
	n := utf8.RuneCountInString(s)
	if n < min || n > max {
		if min > 0 {
			c.add(path, fmt.Sprintf("must be %d-%d chars, got %d", min, max, n))
		} else {
			c.add(path, fmt.Sprintf("must be at most %d chars, got %d", max, n))
		}
	}
}

func (c *collector) objectSlice(m map[string]any, key string, required bool) ([]map[string]any, bool) {
	raw, present := m[key]
	if !present || raw == nil {
		if required {
			c.add(key, "is required and must be a non-empty array")
		}
		return nil, false
	}
	arr, ok := raw.([]any)
	if !ok {
		c.add(key, "must be an array")
		return nil, false
	}
	if required && len(arr) == 0 {
		c.add(key, "must contain at least one entry")
		return nil, false
	}
	out := make([]map[string]any, 0, len(arr))
	for i, item := range arr {
		obj, ok := item.(map[string]any)
		if !ok {
			c.add(fmt.Sprintf("%s[%d]", key, i), "must be an object")
			continue
		}
		out = append(out, obj)
	}
	return out, true
}

func (c *collector) risks(m map[string]any) []domain.Risk {
	items, ok := c.objectSlice(m, "risks", true)
	if !ok {
		return nil
	}
	risks := make([]domain.Risk, 0, len(items))
	for i, item := range items {
		path := fmt.Sprintf("risks[%d]", i)
		var r domain.Risk
		if id, ok := item["id"].(string); ok && id != "" {
			r.ID = id
		} else {
			c.add(path+".id", "is required and must be non-empty")
		}
		if text, ok := item["text"].(string); ok {
			c.checkLength(path+".text", text, 1, 500)
			r.Text = text
		} else {
			c.add(path+".text", "is required and must be a string")
		}
		switch sev, _ := item["severity"].(string); sev {
		case domain.SeverityLow, domain.SeverityMed, domain.SeverityHigh:
			r.Severity = sev
		default:
			c.add(path+".severity", "must be one of low, med, high")
		}
		risks = append(risks, r)
	}
	return risks
}

func (c *collector) taskProposals(m map[string]any, opts Options) []domain.TaskProposal {
	items, ok := c.objectSlice(m, "tasksToCreate", true)
	if !ok {
		return nil
	}
	proposals := make([]domain.TaskProposal, 0, len(items))
	for i, item := range items {
		path := fmt.Sprintf("tasksToCreate[%d]", i)
		p := domain.TaskProposal{
			TaskID:   c.stringAt(item, path, "taskId", ""),
			TaskType: c.stringAt(item, path, "taskType", opts.DefaultTaskType),
			Priority: 3,
			Params:   map[string]any{},
		}
		c.checkLength(path+".taskType", p.TaskType, 1, 50)

		if title, ok := item["title"].(string); ok {
			c.checkLength(path+".title", title, 1, 200)
			p.Title = title
		} else {
			c.add(path+".title", "is required and must be a string")
		}

		p.Steps = c.stringSliceAt(item, path, "steps", 500)
		if len(p.Steps) > maxSteps {
			c.add(path+".steps", fmt.Sprintf("must have at most %d entries, got %d", maxSteps, len(p.Steps)))
		}
		p.DependsOn = c.stringSliceAt(item, path, "dependsOn", 0)

		if pr, ok := c.intAt(item, path, "priority"); ok {
			if pr < 1 || pr > 5 {
				c.add(path+".priority", "must be between 1 and 5")
			} else {
				p.Priority = pr
			}
		}
		if ph, ok := c.intAt(item, path, "phase"); ok {
			if ph < 0 || ph > 99 {
				c.add(path+".phase", "must be between 0 and 99")
			} else {
				p.Phase = &ph
			}
		}
		if rawParams, present := item["params"]; present && rawParams != nil {
			if params, ok := rawParams.(map[string]any); ok {
				p.Params = params
			} else {
				c.add(path+".params", "must be an object")
			}
		}

		// Legacy planner fields, accepted as-is.
		p.AcceptanceCriteria = c.stringSliceAt(item, path, "acceptanceCriteria", 0)
		p.Description = c.stringAt(item, path, "description", "")

		if p.TaskID == "" {
			p.TaskID = GenerateTaskID(opts.TaskIDPrefix, opts.Now())
		}
		proposals = append(proposals, p)
	}
	return proposals
}

func (c *collector) requiredRequests(m map[string]any) []domain.RequiredRequest {
	items, ok := c.objectSlice(m, "requiredRequests", false)
	if !ok {
		return []domain.RequiredRequest{}
	}
	requests := make([]domain.RequiredRequest, 0, len(items))
	for i, item := range items {
		path := fmt.Sprintf("requiredRequests[%d]", i)
		var rr domain.RequiredRequest
		if id, ok := item["requestId"].(string); ok && id != "" {
			rr.RequestID = id
		} else {
			c.add(path+".requestId", "is required and must be non-empty")
		}
		if reason, ok := item["reason"].(string); ok {
			c.checkLength(path+".reason", reason, 1, 500)
			rr.Reason = reason
		} else {
			c.add(path+".reason", "is required and must be a string")
		}
		requests = append(requests, rr)
	}
	return requests
}

func (c *collector) successCriteria(m map[string]any) []string {
	raw, present := m["successCriteria"]
	if !present || raw == nil {
		c.add("successCriteria", "is required and must be a non-empty array")
		return nil
	}
	arr, ok := raw.([]any)
	if !ok {
		c.add("successCriteria", "must be an array")
		return nil
	}
	if len(arr) == 0 {
		c.add("successCriteria", "must contain at least one entry")
		return nil
	}
	out := make([]string, 0, len(arr))
	for i, item := range arr {
		s, ok := item.(string)
		if !ok {
			c.add(fmt.Sprintf("successCriteria[%d]", i), "must be a string")
			continue
		}
		c.checkLength(fmt.Sprintf("successCriteria[%d]", i), s, 0, 500)
		out = append(out, s)
	}
	return out
}

func (c *collector) stringAt(m map[string]any, path, key, def string) string {
	raw, present := m[key]
	if !present || raw == nil {
		return def
	}
	s, ok := raw.(string)
	if !ok {
		c.add(path+"."+key, "must be a string")
		return def
	}
	if s == "" {
		return def
	}
	return s
}

func (c *collector) stringSliceAt(m map[string]any, path, key string, maxEach int) []string {
	raw, present := m[key]
	if !present || raw == nil {
		return []string{}
	}
	arr, ok := raw.([]any)
	if !ok {
		c.add(path+"."+key, "must be an array of strings")
		return []string{}
	}
	out := make([]string, 0, len(arr))
	for i, item := range arr {
		s, ok := item.(string)
		if !ok {
			c.add(fmt.Sprintf("%s.%s[%d]", path, key, i), "must be a string")
			continue
		}
		if maxEach > 0 {
			c.checkLength(fmt.Sprintf("%s.%s[%d]", path, key, i), s, 0, maxEach)
		}
		out = append(out, s)
	}
	return out
}

func (c *collector) intAt(m map[string]any, path, key string) (int, bool) {
	raw, present := m[key]
	if !present || raw == nil {
		return 0, false
	}
	f, ok := raw.(float64)
	if !ok || f != float64(int(f)) {
		c.add(path+"."+key, "must be an integer")
		return 0, false
	}
	return int(f), true
}
