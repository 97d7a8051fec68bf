package domain

// Activity statuses. Blocked is deliberately not a status: it is a derived
// flag carried on Pending/Active rows so that "blocked" and "not started"
// can never disagree.
const (
	ActivityPending           = "pending"
	ActivityActive            = "active"
	ActivityCompleted         = "completed"
	ActivitySkipped           = "skipped"
	ActivityRevisionRequested = "revision_requested"
)

// Assignment statuses.
const (
	AssignmentAssigned     = "assigned"
	AssignmentAcknowledged = "acknowledged"
	AssignmentInProgress   = "in_progress"
	AssignmentCompleted    = "completed"
	AssignmentApproved     = "approved"
	AssignmentRejected     = "rejected"
	AssignmentCancelled    = "cancelled"
	AssignmentEscalated    = "escalated"
)

// Assignment types.
const (
	AssignReview     = "review"
	AssignApproval   = "approval"
	AssignDataUpload = "data_upload"
	AssignGeneric    = "assign"
	AssignEscalation = "escalation"
)

// Phase statuses (derived, never stored independently of activity rows).
const (
	PhaseNotStarted = "not_started"
	PhaseInProgress = "in_progress"
	PhaseCompleted  = "completed"
)

// Risk levels for phase/assignment SLA state.
const (
	RiskOnTrack  = "on_track"
	RiskAtRisk   = "at_risk"
	RiskBreached = "breached"
)

// SkipPredicate tags. The predicate set is closed: skip conditions are data,
// not executable logic.
const (
	SkipNever                 = ""
	SkipWhenDataSourcePresent = "data_source_configured"
)

// ActivityDefinition is the immutable template for one activity within a
// phase. Instances reference it by (phase, code), never by a mutable key.
type ActivityDefinition struct {
	Phase            string   `json:"phase"`
	Code             string   `json:"code"`
	DisplayName      string   `json:"display_name"`
	Order            int      `json:"order"`
	DependsOn        []string `json:"depends_on,omitempty"`
	CanSkip          bool     `json:"can_skip"`
	SkipWhen         string   `json:"skip_when,omitempty"`
	RequiredRole     string   `json:"required_role,omitempty"`
	Manual           bool     `json:"manual"`
	RequiresApproval bool     `json:"requires_approval"`
	ApprovalRole     string   `json:"approval_role,omitempty"`
}

// ActivityState is one instantiated activity for a (cycle, report, phase).
type ActivityState struct {
	ID             string  `json:"id"`
	CycleID        string  `json:"cycle_id"`
	ReportID       string  `json:"report_id"`
	Phase          string  `json:"phase"`
	ActivityCode   string  `json:"activity_code"`
	Status         string  `json:"status" enum:"pending,active,completed,skipped,revision_requested"`
	IsBlocked      bool    `json:"is_blocked"`
	BlockingReason string  `json:"blocking_reason,omitempty"`
	StartedAt      *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt    *string `json:"completed_at,omitempty" format:"date-time"`
	MetadataJSON   *string `json:"metadata_json,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// PhaseSnapshot is the derived view of one (cycle, report, phase). It is
// computed from the activity set and is never independently mutable.
type PhaseSnapshot struct {
	CycleID     string          `json:"cycle_id"`
	ReportID    string          `json:"report_id"`
	Phase       string          `json:"phase"`
	Status      string          `json:"status" enum:"not_started,in_progress,completed"`
	Progress    int             `json:"progress"`
	StartedAt   *string         `json:"started_at,omitempty" format:"date-time"`
	SLADeadline *string         `json:"sla_deadline,omitempty" format:"date-time"`
	RiskLevel   string          `json:"risk_level" enum:"on_track,at_risk,breached"`
	Activities  []ActivityState `json:"activities,omitempty"`
}

// Assignment is a routed unit of work against an arbitrary entity. The
// entity reference is opaque to the assignment engine.
type Assignment struct {
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
	ContextJSON      *string `json:"context_json,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
	ResolvedAt       *string `json:"resolved_at,omitempty" format:"date-time"`
}

// AssignmentHistory is one append-only ledger entry for a status transition.
type AssignmentHistory struct {
	ID           string `json:"id"`
	AssignmentID string `json:"assignment_id"`
	Action       string `json:"action"`
	Actor        string `json:"actor"`
	FromStatus   string `json:"from_status,omitempty"`
	ToStatus     string `json:"to_status"`
	Notes        string `json:"notes,omitempty"`
	TS           string `json:"ts" format:"date-time"`
}

// Delegation grants a second user visibility of an assignment for a bounded
// window. It never changes the primary assignee.
type Delegation struct {
	ID           string `json:"id"`
	AssignmentID string `json:"assignment_id"`
	Delegate     string `json:"delegate"`
	Reason       string `json:"reason,omitempty"`
	StartsAt     string `json:"starts_at" format:"date-time"`
	EndsAt       string `json:"ends_at" format:"date-time"`
	CreatedBy    string `json:"created_by"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// Event is one audit ledger row.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CycleID    string `json:"cycle_id,omitempty"`
	ReportID   string `json:"report_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// ActiveAssignmentStatuses are the statuses under which an assignment still
// represents pending work. The storage-layer uniqueness constraint and the
// overdue computation are both scoped to this set. Escalated is included:
// an escalated assignment is still unresolved work and must stay visibly
// overdue until it is explicitly resolved.
var ActiveAssignmentStatuses = []string{
	AssignmentAssigned,
	AssignmentAcknowledged,
	AssignmentInProgress,
	AssignmentEscalated,
}

// IsActiveAssignmentStatus reports whether s counts as pending work.
func IsActiveAssignmentStatus(s string) bool {
	for _, a := range ActiveAssignmentStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// IsTerminalAssignmentStatus reports whether no further transitions are
// allowed out of s, apart from completed which can still be approved or
// rejected.
func IsTerminalAssignmentStatus(s string) bool {
	switch s {
	case AssignmentApproved, AssignmentRejected, AssignmentCancelled:
		return true
	}
	return false
}
