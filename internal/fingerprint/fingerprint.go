// Package fingerprint derives content hashes for directives and task
// proposals. Hashes are SHA-256 over the canonical encoding, so logically
// identical content always fingerprints the same.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"

	"planline/internal/canonical"
	"planline/internal/domain"
)

// PayloadHash fingerprints a normalized directive's content. Storage metadata
// (id, project, status, timestamps, the hash itself) is excluded so the hash
// is a pure function of what the planner proposed.
func PayloadHash(d domain.Directive) string {
	risks := make([]map[string]any, 0, len(d.Risks))
	for _, r := range d.Risks {
		risks = append(risks, map[string]any{
			"id":       r.ID,
			"text":     r.Text,
			"severity": r.Severity,
		})
	}
	tasks := make([]map[string]any, 0, len(d.TasksToCreate))
	for _, p := range d.TasksToCreate {
		// Generated task ids are excluded here too: revalidating the same raw
		// payload regenerates them, and that must not move the hash.
		content := taskContent(p)
		content["dependsOn"] = nonNil(p.DependsOn)
		content["priority"] = p.Priority
		if p.Phase != nil {
			content["phase"] = *p.Phase
		}
		if len(p.AcceptanceCriteria) > 0 {
			content["acceptanceCriteria"] = p.AcceptanceCriteria
		}
		if p.Description != "" {
			content["description"] = p.Description
		}
		tasks = append(tasks, content)
	}
	requests := make([]map[string]any, 0, len(d.RequiredRequests))
	for _, rr := range d.RequiredRequests {
		requests = append(requests, map[string]any{
			"requestId": rr.RequestID,
			"reason":    rr.Reason,
		})
	}
	return sum(map[string]any{
		"version":          d.Version,
		"schemaVersion":    d.SchemaVersion,
		"objective":        d.Objective,
		"contextSummary":   d.ContextSummary,
		"risks":            risks,
		"tasksToCreate":    tasks,
		"requiredRequests": requests,
		"successCriteria":  nonNil(d.SuccessCriteria),
		"estimatedImpact":  d.EstimatedImpact,
		"applyNotes":       d.ApplyNotes,
	})
}

// TaskHash fingerprints a task proposal scoped to its directive's objective.
// Task id, priority, dependencies, phase and legacy fields are excluded:
// changing any of them never changes dedup identity. Including the objective
// keeps identical task content under different objectives distinct.
func TaskHash(p domain.TaskProposal, directiveObjective string) string {
	content := taskContent(p)
	content["directiveObjective"] = directiveObjective
	return sum(content)
}

func taskContent(p domain.TaskProposal) map[string]any {
	taskType := p.TaskType
	if taskType == "" {
		taskType = "generic"
	}
	params := p.Params
	if params == nil {
		params = map[string]any{}
	}
	return map[string]any{
		"taskType": taskType,
		"title":    p.Title,
		"steps":    nonNil(p.Steps),
		"params":   params,
	}
}

func sum(v map[string]any) string {
	h := sha256.Sum256([]byte(canonical.Encode(v)))
	return hex.EncodeToString(h[:])
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
