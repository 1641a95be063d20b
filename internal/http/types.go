package http

import (
	"github.com/fyrsmithlabs/insightd/internal/insight"
	"github.com/fyrsmithlabs/insightd/internal/reflection"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// CreateReflectionRequest is the body of POST /api/v1/reflections. ID is
// optional; a caller redelivering the same reflection should send the
// same ID so ingestion stays idempotent.
type CreateReflectionRequest struct {
	ID           string              `json:"id,omitempty"`
	Pain         string              `json:"pain"`
	Impact       string              `json:"impact"`
	Evidence     []string            `json:"evidence"`
	WentWell     string              `json:"went_well,omitempty"`
	SuspectedWhy string              `json:"suspected_why,omitempty"`
	ProposedFix  string              `json:"proposed_fix,omitempty"`
	Confidence   float64             `json:"confidence"`
	RoleType     reflection.RoleType `json:"role_type"`
	Severity     reflection.Severity `json:"severity,omitempty"`
	Author       string              `json:"author"`
	TaskID       string              `json:"task_id,omitempty"`
	Tags         []string            `json:"tags,omitempty"`
	TeamID       string              `json:"team_id,omitempty"`
	Metadata     map[string]any      `json:"metadata,omitempty"`
}

func (r CreateReflectionRequest) reflection() *reflection.Reflection {
	return &reflection.Reflection{
		ID:           r.ID,
		Pain:         r.Pain,
		Impact:       r.Impact,
		Evidence:     r.Evidence,
		WentWell:     r.WentWell,
		SuspectedWhy: r.SuspectedWhy,
		ProposedFix:  r.ProposedFix,
		Confidence:   r.Confidence,
		RoleType:     r.RoleType,
		Severity:     r.Severity,
		Author:       r.Author,
		TaskID:       r.TaskID,
		Tags:         r.Tags,
		TeamID:       r.TeamID,
		Metadata:     r.Metadata,
	}
}

// UpdateStatusRequest is the body of PATCH /api/v1/insights/:id/status.
type UpdateStatusRequest struct {
	Status string `json:"status"`
	TaskID string `json:"task_id,omitempty"`
}

// TracesResponse wraps the decision trace audit log of one Insight.
type TracesResponse struct {
	InsightID string                `json:"insight_id"`
	Traces    []insight.TraceRecord `json:"traces"`
}
