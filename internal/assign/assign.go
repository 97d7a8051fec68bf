// Package assign implements the universal assignment engine: it creates,
// routes, and resolves units of work against arbitrary entities, with an
// at-most-one-active uniqueness guarantee enforced by the storage layer.
package assign

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"regcycle/internal/config"
	"regcycle/internal/domain"
	"regcycle/internal/events"
	"regcycle/internal/metrics"
	"regcycle/internal/repo"
)

// ErrApprovalRoleRequired is returned when approve/reject is attempted by an
// actor who does not hold the assignment's approval role.
var ErrApprovalRoleRequired = errors.New("actor does not hold the approval role")

// ActivityLink identifies the activity an assignment was created for. It is
// carried in context_json so that assignment resolution can re-enter the
// activity tracker without a direct call graph.
type ActivityLink struct {
	CycleID      string `json:"cycle_id"`
	ReportID     string `json:"report_id"`
	Phase        string `json:"phase"`
	ActivityCode string `json:"activity_code"`
}

// ActivityResolver is the hand-off channel back into the activity tracker.
// Resolution may be delayed indefinitely; the phase simply stays in progress
// until it arrives.
type ActivityResolver interface {
	ResolveApproval(ctx context.Context, link ActivityLink, approved bool, actor, reason string) error
	HandleCancellation(ctx context.Context, link ActivityLink, actor, reason string) error
}

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Metrics    *metrics.Metrics
	Activities ActivityResolver
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CreateOptions are parameters for creating an assignment.
type CreateOptions struct {
	EntityType       string
	EntityID         string
	Assignee         string
	AssignmentType   string
	FromRole         string
	ToRole           string
	Priority         string
	DueDate          *string
	RequiresApproval bool
	ApprovalRole     string
	ContextType      string
	Context          map[string]any
	Actor            string
}

// Create inserts a new assignment. If an active assignment already exists
// for the same (entity_type, entity_id, assignee, assignment_type) the
// existing one is returned, so re-triggering a workflow step never spawns
// duplicates.
func (e *Engine) Create(ctx context.Context, opts CreateOptions) (domain.Assignment, error) {
	if opts.EntityType == "" || opts.EntityID == "" {
		return domain.Assignment{}, errors.New("entity-type and entity-id are required")
	}
	if opts.Assignee == "" {
		return domain.Assignment{}, errors.New("assignee is required")
	}
	if opts.AssignmentType == "" {
		opts.AssignmentType = domain.AssignGeneric
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	priority := opts.Priority
	if priority == "" {
		priority = e.Config.Assignments.DefaultPriority
	}
	if priority == "" {
		priority = "medium"
	}
	due := opts.DueDate
	if due == nil {
		d := now.AddDate(0, 0, e.Config.DueDays(opts.AssignmentType)).Format(time.RFC3339)
		due = &d
	}
	var contextJSON *string
	if len(opts.Context) > 0 {
		b, err := json.Marshal(opts.Context)
		if err != nil {
			return domain.Assignment{}, fmt.Errorf("marshal context: %w", err)
		}
		s := string(b)
		contextJSON = &s
	}
	a := domain.Assignment{
		ID:               uuid.New().String(),
		EntityType:       opts.EntityType,
		EntityID:         opts.EntityID,
		Assignee:         opts.Assignee,
		AssignmentType:   opts.AssignmentType,
		FromRole:         opts.FromRole,
		ToRole:           opts.ToRole,
		Status:           domain.AssignmentAssigned,
		Priority:         priority,
		DueDate:          due,
		RequiresApproval: opts.RequiresApproval,
		ApprovalRole:     opts.ApprovalRole,
		ContextType:      opts.ContextType,
		ContextJSON:      contextJSON,
		CreatedAt:        nowStr,
		UpdatedAt:        nowStr,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertAssignment(ctx, tx, a); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			// Idempotent create: the partial unique index guarantees a
			// single active row; return it. The failed-insert transaction
			// must release its lock before the re-read, or the read blocks
			// behind it on the shared-cache connection.
			_ = tx.Rollback()
			return e.Repo.GetActiveAssignment(ctx, a.EntityType, a.EntityID, a.Assignee, a.AssignmentType)
		}
		return domain.Assignment{}, err
	}
	if err := e.appendHistory(ctx, tx, a.ID, "created", opts.Actor, "", domain.AssignmentAssigned, ""); err != nil {
		return domain.Assignment{}, err
	}
	if err := e.Events.Append(ctx, tx, "assignment.created", "", "", "assignment", a.ID, opts.Actor, events.EventPayload{
		"entity_type": a.EntityType, "entity_id": a.EntityID, "assignee": a.Assignee, "type": a.AssignmentType,
	}); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}
	e.Metrics.AssignmentCreated(a.AssignmentType)
	return a, nil
}

func ensureAssignmentTransition(from, to string) error {
	switch from {
	case domain.AssignmentAssigned:
		switch to {
		case domain.AssignmentAcknowledged, domain.AssignmentInProgress, domain.AssignmentCompleted,
			domain.AssignmentCancelled, domain.AssignmentEscalated:
			return nil
		}
	case domain.AssignmentAcknowledged:
		switch to {
		case domain.AssignmentInProgress, domain.AssignmentCompleted,
			domain.AssignmentCancelled, domain.AssignmentEscalated:
			return nil
		}
	case domain.AssignmentInProgress:
		switch to {
		case domain.AssignmentCompleted, domain.AssignmentCancelled, domain.AssignmentEscalated:
			return nil
		}
	case domain.AssignmentEscalated:
		switch to {
		case domain.AssignmentInProgress, domain.AssignmentCompleted, domain.AssignmentCancelled:
			return nil
		}
	case domain.AssignmentCompleted:
		switch to {
		case domain.AssignmentApproved, domain.AssignmentRejected:
			return nil
		}
	}
	return fmt.Errorf("%w: assignment %s -> %s", domain.ErrInvalidTransition, from, to)
}

// Acknowledge marks the assignment as seen by its assignee.
func (e *Engine) Acknowledge(ctx context.Context, id, actor string) (domain.Assignment, error) {
	return e.advance(ctx, id, actor, "acknowledge", domain.AssignmentAcknowledged, "", false)
}

// Start marks the assignment in progress.
func (e *Engine) Start(ctx context.Context, id, actor string) (domain.Assignment, error) {
	return e.advance(ctx, id, actor, "start", domain.AssignmentInProgress, "", false)
}

// Complete finishes the work. If the assignment requires approval the
// status stays Completed pending approve/reject; otherwise completion is
// final and any linked activity is resolved.
func (e *Engine) Complete(ctx context.Context, id, actor, notes string) (domain.Assignment, error) {
	a, err := e.advance(ctx, id, actor, "complete", domain.AssignmentCompleted, notes, false)
	if err != nil {
		return a, err
	}
	if !a.RequiresApproval {
		if err := e.resolveLinked(ctx, a, true, actor, notes); err != nil {
			return a, err
		}
	}
	return a, nil
}

// Approve resolves a completed approval-required assignment. The actor must
// hold the designated approval role.
func (e *Engine) Approve(ctx context.Context, id, actor string, roles []string, notes string) (domain.Assignment, error) {
	a, err := e.Repo.GetAssignment(ctx, id)
	if err != nil {
		return a, err
	}
	if err := e.checkApprovalRole(a, roles); err != nil {
		return a, err
	}
	a, err = e.advance(ctx, id, actor, "approve", domain.AssignmentApproved, notes, a.AssignmentType == domain.AssignApproval)
	if err != nil {
		return a, err
	}
	if err := e.resolveLinked(ctx, a, true, actor, notes); err != nil {
		return a, err
	}
	return a, nil
}

// Reject resolves a completed approval-required assignment negatively: the
// assignment is rejected, a revision assignment carrying the reason is
// routed back to the originator, and any linked activity is moved to
// revision requested.
func (e *Engine) Reject(ctx context.Context, id, actor string, roles []string, reason string) (domain.Assignment, error) {
	a, err := e.Repo.GetAssignment(ctx, id)
	if err != nil {
		return a, err
	}
	if err := e.checkApprovalRole(a, roles); err != nil {
		return a, err
	}
	if reason == "" {
		return a, errors.New("rejection reason is required")
	}
	a, err = e.advance(ctx, id, actor, "reject", domain.AssignmentRejected, reason, a.AssignmentType == domain.AssignApproval)
	if err != nil {
		return a, err
	}
	// Revision goes back to whoever originated the work, with the reason
	// visible in context.
	revisionAssignee := a.Assignee
	revisionType := a.AssignmentType
	if link, reqBy, ok := e.link(a); ok {
		if reqBy != "" {
			revisionAssignee = reqBy
		}
		revisionType = domain.AssignGeneric
		_, err = e.Create(ctx, CreateOptions{
			EntityType:     a.EntityType,
			EntityID:       a.EntityID,
			Assignee:       revisionAssignee,
			AssignmentType: revisionType,
			Priority:       a.Priority,
			ContextType:    "activity",
			Context: map[string]any{
				"cycle_id": link.CycleID, "report_id": link.ReportID,
				"phase": link.Phase, "activity_code": link.ActivityCode,
				"reason": reason, "revision_of": a.ID,
			},
			Actor: actor,
		})
	} else {
		_, err = e.Create(ctx, CreateOptions{
			EntityType:     a.EntityType,
			EntityID:       a.EntityID,
			Assignee:       revisionAssignee,
			AssignmentType: revisionType,
			Priority:       a.Priority,
			ContextType:    a.ContextType,
			Context:        map[string]any{"reason": reason, "revision_of": a.ID},
			Actor:          actor,
		})
	}
	if err != nil {
		return a, fmt.Errorf("create revision assignment: %w", err)
	}
	if err := e.resolveLinked(ctx, a, false, actor, reason); err != nil {
		return a, err
	}
	return a, nil
}

// Cancel is terminal from any active status, used when an entity is deleted
// or a phase is reset. The cancellation is propagated synchronously to a
// linked activity.
func (e *Engine) Cancel(ctx context.Context, id, actor, reason string) (domain.Assignment, error) {
	a, err := e.advance(ctx, id, actor, "cancel", domain.AssignmentCancelled, reason, false)
	if err != nil {
		return a, err
	}
	if link, _, ok := e.link(a); ok && e.Activities != nil {
		if err := e.Activities.HandleCancellation(ctx, link, actor, reason); err != nil {
			return a, err
		}
	}
	return a, nil
}

// Delegate grants a second user time-bounded visibility of the assignment
// without changing the primary assignee.
func (e *Engine) Delegate(ctx context.Context, id, delegate, reason string, startsAt, endsAt time.Time, actor string) (domain.Delegation, error) {
	if delegate == "" {
		return domain.Delegation{}, errors.New("delegate is required")
	}
	if !endsAt.After(startsAt) {
		return domain.Delegation{}, errors.New("delegation window must end after it starts")
	}
	a, err := e.Repo.GetAssignment(ctx, id)
	if err != nil {
		return domain.Delegation{}, err
	}
	if !domain.IsActiveAssignmentStatus(a.Status) {
		return domain.Delegation{}, fmt.Errorf("%w: cannot delegate %s assignment", domain.ErrInvalidTransition, a.Status)
	}
	d := domain.Delegation{
		ID:           uuid.New().String(),
		AssignmentID: a.ID,
		Delegate:     delegate,
		Reason:       reason,
		StartsAt:     startsAt.UTC().Format(time.RFC3339),
		EndsAt:       endsAt.UTC().Format(time.RFC3339),
		CreatedBy:    actor,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Delegation{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDelegation(ctx, tx, d); err != nil {
		return domain.Delegation{}, err
	}
	if err := e.appendHistory(ctx, tx, a.ID, "delegated", actor, a.Status, a.Status, reason); err != nil {
		return domain.Delegation{}, err
	}
	if err := e.Events.Append(ctx, tx, "assignment.delegated", "", "", "assignment", a.ID, actor, events.EventPayload{
		"delegate": delegate, "ends_at": d.EndsAt,
	}); err != nil {
		return domain.Delegation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Delegation{}, err
	}
	return d, nil
}

// Escalate raises a supervisory escalation for an overdue assignment. The
// original moves to Escalated (still active, still overdue) and one
// escalation assignment is created for the configured supervisory role.
// Raising twice for the same breach is a no-op.
func (e *Engine) Escalate(ctx context.Context, id, actor string) (domain.Assignment, bool, error) {
	a, err := e.Repo.GetAssignment(ctx, id)
	if err != nil {
		return a, false, err
	}
	if a.Status == domain.AssignmentEscalated {
		// An earlier raise may have flipped the status and then failed to
		// create the supervisory assignment. Re-check instead of no-opping
		// so the breach cannot silently lose its escalation.
		raised, err := e.ensureEscalationAssignment(ctx, a, actor)
		return a, raised, err
	}
	a, err = e.advance(ctx, id, actor, "escalated", domain.AssignmentEscalated, "sla breached", false)
	if err != nil {
		return a, false, err
	}
	if err := e.createEscalationAssignment(ctx, a, actor); err != nil {
		return a, false, err
	}
	e.Metrics.EscalationRaised()
	return a, true, nil
}

// ensureEscalationAssignment verifies the supervisory assignment for an
// already-escalated original exists, recreating it if a previous raise was
// interrupted. The partial unique index makes the retry free.
func (e *Engine) ensureEscalationAssignment(ctx context.Context, a domain.Assignment, actor string) (bool, error) {
	_, err := e.Repo.GetActiveAssignment(ctx, "assignment", a.ID, e.Config.SLA.EscalationRole, domain.AssignEscalation)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return false, err
	}
	if err := e.createEscalationAssignment(ctx, a, actor); err != nil {
		return false, err
	}
	e.Metrics.EscalationRaised()
	return true, nil
}

func (e *Engine) createEscalationAssignment(ctx context.Context, a domain.Assignment, actor string) error {
	due := e.now().UTC().AddDate(0, 0, e.Config.SLA.EscalationDueDays).Format(time.RFC3339)
	priority := e.Config.SLA.EscalationPriority
	if priority == "" {
		priority = "high"
	}
	_, err := e.Create(ctx, CreateOptions{
		EntityType:     "assignment",
		EntityID:       a.ID,
		Assignee:       e.Config.SLA.EscalationRole,
		AssignmentType: domain.AssignEscalation,
		Priority:       priority,
		DueDate:        &due,
		ContextType:    "escalation",
		Context: map[string]any{
			"assignment_id": a.ID,
			"entity_type":   a.EntityType,
			"entity_id":     a.EntityID,
			"assignee":      a.Assignee,
			"due_date":      a.DueDate,
		},
		Actor: actor,
	})
	if err != nil {
		return fmt.Errorf("create escalation: %w", err)
	}
	return nil
}

// Overdue reports whether the assignment is past due and the signed number
// of days until its deadline (negative when overdue). Stored state is never
// mutated by time alone; callers recompute on read.
func Overdue(a domain.Assignment, now time.Time) (bool, int) {
	if a.DueDate == nil {
		return false, 0
	}
	due, err := time.Parse(time.RFC3339, *a.DueDate)
	if err != nil {
		return false, 0
	}
	days := int(due.Sub(now).Hours() / 24)
	overdue := due.Before(now) && domain.IsActiveAssignmentStatus(a.Status)
	return overdue, days
}

// AtRisk reports whether an active assignment is due within the configured
// lead window.
func (e *Engine) AtRisk(a domain.Assignment, now time.Time) bool {
	if a.DueDate == nil || !domain.IsActiveAssignmentStatus(a.Status) {
		return false
	}
	due, err := time.Parse(time.RFC3339, *a.DueDate)
	if err != nil {
		return false
	}
	lead := time.Duration(e.Config.SLA.AtRiskLeadDays) * 24 * time.Hour
	return !due.Before(now) && due.Sub(now) <= lead
}

// advance performs one guarded status transition in a single transaction.
func (e *Engine) advance(ctx context.Context, id, actor, action, to, notes string, allowDirectApproval bool) (domain.Assignment, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAssignmentTx(ctx, tx, id)
	if err != nil {
		return a, err
	}
	from := a.Status
	// An approval work item can be resolved by the approver acting on it
	// directly; demanding a separate complete step first would be noise.
	directApproval := allowDirectApproval && domain.IsActiveAssignmentStatus(from) &&
		(to == domain.AssignmentApproved || to == domain.AssignmentRejected)
	if !directApproval {
		if err := ensureAssignmentTransition(from, to); err != nil {
			return a, err
		}
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	a.Status = to
	a.UpdatedAt = nowStr
	switch to {
	case domain.AssignmentApproved, domain.AssignmentRejected, domain.AssignmentCancelled:
		a.ResolvedAt = &nowStr
	case domain.AssignmentCompleted:
		if !a.RequiresApproval {
			a.ResolvedAt = &nowStr
		}
	}
	if err := e.Repo.UpdateAssignment(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.appendHistory(ctx, tx, a.ID, action, actor, from, to, notes); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "assignment."+action, "", "", "assignment", a.ID, actor, events.EventPayload{
		"from_status": from, "to_status": to,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

func (e *Engine) appendHistory(ctx context.Context, tx *sql.Tx, assignmentID, action, actor, from, to, notes string) error {
	return e.Repo.AppendAssignmentHistory(ctx, tx, domain.AssignmentHistory{
		ID:           uuid.New().String(),
		AssignmentID: assignmentID,
		Action:       action,
		Actor:        actor,
		FromStatus:   from,
		ToStatus:     to,
		Notes:        notes,
		TS:           e.now().UTC().Format(time.RFC3339),
	})
}

func (e *Engine) checkApprovalRole(a domain.Assignment, roles []string) error {
	if a.ApprovalRole == "" {
		return nil
	}
	for _, r := range roles {
		if r == a.ApprovalRole {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrApprovalRoleRequired, a.ApprovalRole)
}

// link extracts the activity reference from context, if present, along with
// the originating actor recorded at creation.
func (e *Engine) link(a domain.Assignment) (ActivityLink, string, bool) {
	if a.ContextType != "activity" || a.ContextJSON == nil {
		return ActivityLink{}, "", false
	}
	var payload struct {
		ActivityLink
		RequestedBy string `json:"requested_by"`
	}
	if err := json.Unmarshal([]byte(*a.ContextJSON), &payload); err != nil {
		return ActivityLink{}, "", false
	}
	if payload.CycleID == "" || payload.ActivityCode == "" {
		return ActivityLink{}, "", false
	}
	return payload.ActivityLink, payload.RequestedBy, true
}

// resolveLinked feeds an approval outcome back into the activity tracker.
// Only the approval work item itself may move the gate: a revision or upload
// assignment on the same activity resolves without touching it, and the
// activity re-enters approval when it is completed again.
func (e *Engine) resolveLinked(ctx context.Context, a domain.Assignment, approved bool, actor, reason string) error {
	if a.AssignmentType != domain.AssignApproval {
		return nil
	}
	link, _, ok := e.link(a)
	if !ok || e.Activities == nil {
		return nil
	}
	return e.Activities.ResolveApproval(ctx, link, approved, actor, reason)
}
