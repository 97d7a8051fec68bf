package server

import (
	"time"

	"regcycle/internal/assign"
	"regcycle/internal/domain"
)

// Request payloads

type CreateAssignmentRequest struct {
	EntityType       string         `json:"entity_type"`
	EntityID         string         `json:"entity_id"`
	Assignee         string         `json:"assignee"`
	AssignmentType   string         `json:"assignment_type" enum:"review,approval,data_upload,assign,escalation"`
	FromRole         *string        `json:"from_role,omitempty"`
	ToRole           *string        `json:"to_role,omitempty"`
	Priority         *string        `json:"priority,omitempty" enum:"low,medium,high,critical"`
	DueDate          *string        `json:"due_date,omitempty" format:"date-time"`
	RequiresApproval bool           `json:"requires_approval,omitempty"`
	ApprovalRole     *string        `json:"approval_role,omitempty"`
	ContextType      *string        `json:"context_type,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
}

type CompleteAssignmentRequest struct {
	Notes string `json:"notes,omitempty"`
}

type ApproveAssignmentRequest struct {
	Notes string `json:"notes,omitempty"`
}

type RejectAssignmentRequest struct {
	Reason string `json:"reason"`
}

type CancelAssignmentRequest struct {
	Reason string `json:"reason,omitempty"`
}

type DelegateAssignmentRequest struct {
	Delegate string `json:"delegate"`
	Reason   string `json:"reason,omitempty"`
	StartsAt string `json:"starts_at" format:"date-time"`
	EndsAt   string `json:"ends_at" format:"date-time"`
}

type ActivityActionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Response payloads

type PhaseResponse struct {
	CycleID     string             `json:"cycle_id"`
	ReportID    string             `json:"report_id"`
	Phase       string             `json:"phase"`
	Status      string             `json:"status" enum:"not_started,in_progress,completed"`
	Progress    int                `json:"progress"`
	StartedAt   *string            `json:"started_at,omitempty" format:"date-time"`
	SLADeadline *string            `json:"sla_deadline,omitempty" format:"date-time"`
	RiskLevel   string             `json:"risk_level" enum:"on_track,at_risk,breached"`
	Activities  []ActivityResponse `json:"activities,omitempty"`
}

type ActivityResponse struct {
	ID             string  `json:"id"`
	Phase          string  `json:"phase"`
	ActivityCode   string  `json:"activity_code"`
	Status         string  `json:"status" enum:"pending,active,completed,skipped,revision_requested"`
	IsBlocked      bool    `json:"is_blocked"`
	BlockingReason string  `json:"blocking_reason,omitempty"`
	StartedAt      *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt    *string `json:"completed_at,omitempty" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type AssignmentResponse struct {
	ID               string  `json:"id"`
	EntityType       string  `json:"entity_type"`
	EntityID         string  `json:"entity_id"`
	Assignee         string  `json:"assignee"`
	AssignmentType   string  `json:"assignment_type"`
	FromRole         string  `json:"from_role,omitempty"`
	ToRole           string  `json:"to_role,omitempty"`
	Status           string  `json:"status" enum:"assigned,acknowledged,in_progress,completed,approved,rejected,cancelled,escalated"`
	Priority         string  `json:"priority,omitempty"`
	DueDate          *string `json:"due_date,omitempty" format:"date-time"`
	RequiresApproval bool    `json:"requires_approval"`
	ApprovalRole     string  `json:"approval_role,omitempty"`
	ContextType      string  `json:"context_type,omitempty"`
	IsOverdue        bool    `json:"is_overdue"`
	DaysUntilDue     *int    `json:"days_until_due,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	ResolvedAt       *string `json:"resolved_at,omitempty" format:"date-time"`
}

type HistoryResponse struct {
	ID         string `json:"id"`
	Action     string `json:"action"`
	Actor      string `json:"actor"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status"`
	Notes      string `json:"notes,omitempty"`
	TS         string `json:"ts" format:"date-time"`
}

type DelegationResponse struct {
	ID       string `json:"id"`
	Delegate string `json:"delegate"`
	Reason   string `json:"reason,omitempty"`
	StartsAt string `json:"starts_at" format:"date-time"`
	EndsAt   string `json:"ends_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	Type       string         `json:"type"`
	CycleID    string         `json:"cycle_id"`
	ReportID   string         `json:"report_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	TS         string         `json:"ts" format:"date-time"`
}

func activityResponse(a domain.ActivityState) ActivityResponse {
	return ActivityResponse{
		ID:             a.ID,
		Phase:          a.Phase,
		ActivityCode:   a.ActivityCode,
		Status:         a.Status,
		IsBlocked:      a.IsBlocked,
		BlockingReason: a.BlockingReason,
		StartedAt:      a.StartedAt,
		CompletedAt:    a.CompletedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

func mapActivities(items []domain.ActivityState) []ActivityResponse {
	out := make([]ActivityResponse, 0, len(items))
	for _, a := range items {
		out = append(out, activityResponse(a))
	}
	return out
}

func phaseResponse(snap domain.PhaseSnapshot) PhaseResponse {
	return PhaseResponse{
		CycleID:     snap.CycleID,
		ReportID:    snap.ReportID,
		Phase:       snap.Phase,
		Status:      snap.Status,
		Progress:    snap.Progress,
		StartedAt:   snap.StartedAt,
		SLADeadline: snap.SLADeadline,
		RiskLevel:   snap.RiskLevel,
		Activities:  mapActivities(snap.Activities),
	}
}

// assignmentResponse derives overdue state at read time so expired due
// dates are visible without waiting for a sweep.
func assignmentResponse(a domain.Assignment, now time.Time) AssignmentResponse {
	resp := AssignmentResponse{
		ID:               a.ID,
		EntityType:       a.EntityType,
		EntityID:         a.EntityID,
		Assignee:         a.Assignee,
		AssignmentType:   a.AssignmentType,
		FromRole:         a.FromRole,
		ToRole:           a.ToRole,
		Status:           a.Status,
		Priority:         a.Priority,
		DueDate:          a.DueDate,
		RequiresApproval: a.RequiresApproval,
		ApprovalRole:     a.ApprovalRole,
		ContextType:      a.ContextType,
		CreatedAt:        a.CreatedAt,
		ResolvedAt:       a.ResolvedAt,
	}
	if a.DueDate != nil && domain.IsActiveAssignmentStatus(a.Status) {
		overdue, days := assign.Overdue(a, now)
		resp.IsOverdue = overdue
		resp.DaysUntilDue = &days
	}
	return resp
}

func mapAssignments(items []domain.Assignment, now time.Time) []AssignmentResponse {
	out := make([]AssignmentResponse, 0, len(items))
	for _, a := range items {
		out = append(out, assignmentResponse(a, now))
	}
	return out
}

func historyResponse(h domain.AssignmentHistory) HistoryResponse {
	return HistoryResponse{
		ID:         h.ID,
		Action:     h.Action,
		Actor:      h.Actor,
		FromStatus: h.FromStatus,
		ToStatus:   h.ToStatus,
		Notes:      h.Notes,
		TS:         h.TS,
	}
}

func delegationResponse(d domain.Delegation) DelegationResponse {
	return DelegationResponse{
		ID:       d.ID,
		Delegate: d.Delegate,
		Reason:   d.Reason,
		StartsAt: d.StartsAt,
		EndsAt:   d.EndsAt,
	}
}
