// Package tracker owns the per-(cycle, report, phase) activity set: it
// instantiates phases from the template registry, evaluates dependency
// satisfaction, applies conditional skips, and performs guarded status
// transitions. Blocking is derived from unmet dependencies, never stored as
// a status of its own.
package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"regcycle/internal/assign"
	"regcycle/internal/config"
	"regcycle/internal/domain"
	"regcycle/internal/events"
	"regcycle/internal/metrics"
	"regcycle/internal/registry"
	"regcycle/internal/repo"
)

// Transition actions accepted from callers.
const (
	ActionStart    = "start"
	ActionComplete = "complete"
	ActionSkip     = "skip"
	ActionResubmit = "resubmit"
)

// DataSourceQuery is the external collaborator consulted by conditional
// skip. It must be fast and idempotent; failures are treated as "not
// skippable" rather than blocking the transition.
type DataSourceQuery interface {
	HasDataSource(ctx context.Context, cycleID, reportID string) (bool, error)
}

type Tracker struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Config      *config.Config
	Registry    *registry.Registry
	Assign      *assign.Engine
	DataSources DataSourceQuery
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

func New(db *sql.DB, cfg *config.Config, reg *registry.Registry) *Tracker {
	return &Tracker{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Registry: reg,
		Logger:   slog.Default(),
		Now:      time.Now,
	}
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// InitializePhase bulk-creates Pending rows for every definition in registry
// order. Idempotent: if rows already exist for the phase, existing statuses
// are left untouched and returned as-is.
func (t *Tracker) InitializePhase(ctx context.Context, cycleID, reportID, phase, actor string) ([]domain.ActivityState, error) {
	defs, err := t.Registry.DefinitionsForPhase(phase)
	if err != nil {
		return nil, err
	}
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	nowStr := t.now().UTC().Format(time.RFC3339)
	for i, def := range defs {
		a := domain.ActivityState{
			ID:           uuid.New().String(),
			CycleID:      cycleID,
			ReportID:     reportID,
			Phase:        phase,
			ActivityCode: def.Code,
			Status:       domain.ActivityPending,
			CreatedAt:    nowStr,
			UpdatedAt:    nowStr,
		}
		if err := t.Repo.InsertActivityState(ctx, tx, a, i); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				// Already initialized, possibly by a concurrent caller:
				// leave the existing rows untouched and return them.
				_ = tx.Rollback()
				return t.Repo.ListPhaseActivities(ctx, cycleID, reportID, phase)
			}
			return nil, err
		}
	}
	if err := t.refreshPhase(ctx, tx, cycleID, reportID, phase, actor); err != nil {
		return nil, err
	}
	if err := t.Events.Append(ctx, tx, "phase.initialized", cycleID, reportID, "phase", phase, actor, events.EventPayload{
		"activities": len(defs),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t.Repo.ListPhaseActivities(ctx, cycleID, reportID, phase)
}

// ResetPhase deletes all activity rows for the phase, cancels assignments
// linked to them, and re-initializes from the current template. Recovery
// path only, never normal workflow progress.
func (t *Tracker) ResetPhase(ctx context.Context, cycleID, reportID, phase, actor string) ([]domain.ActivityState, error) {
	if _, err := t.Registry.DefinitionsForPhase(phase); err != nil {
		return nil, err
	}
	if t.Assign != nil {
		if err := t.cancelPhaseAssignments(ctx, cycleID, reportID, phase, actor); err != nil {
			return nil, err
		}
	}
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := t.Repo.DeletePhaseActivities(ctx, tx, cycleID, reportID, phase); err != nil {
		return nil, err
	}
	if err := t.Events.Append(ctx, tx, "phase.reset", cycleID, reportID, "phase", phase, actor, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t.InitializePhase(ctx, cycleID, reportID, phase, actor)
}

func (t *Tracker) cancelPhaseAssignments(ctx context.Context, cycleID, reportID, phase, actor string) error {
	active, err := t.Repo.ListAssignments(ctx, repo.AssignmentFilters{
		EntityType: "activity",
		ActiveOnly: true,
	})
	if err != nil {
		return err
	}
	prefix := ActivityEntityID(cycleID, reportID, phase, "")
	for _, a := range active {
		if !strings.HasPrefix(a.EntityID, prefix) {
			continue
		}
		if _, err := t.Assign.Cancel(ctx, a.ID, actor, "phase reset"); err != nil {
			return fmt.Errorf("cancel assignment %s: %w", a.ID, err)
		}
	}
	return nil
}

// ActivityEntityID is the opaque entity reference an activity presents to
// the assignment engine.
func ActivityEntityID(cycleID, reportID, phase, code string) string {
	return fmt.Sprintf("%s/%s/%s/%s", cycleID, reportID, phase, code)
}

// TransitionRequest is one user action against an activity.
type TransitionRequest struct {
	CycleID      string
	ReportID     string
	Phase        string
	ActivityCode string
	Action       string
	Actor        string
	Reason       string
}

// Transition applies one guarded transition. It is the only mutating call
// and runs in a single transaction; concurrent transitions on the same row
// are linearized by the storage layer.
func (t *Tracker) Transition(ctx context.Context, req TransitionRequest) (domain.ActivityState, error) {
	def, err := t.Registry.Definition(req.Phase, req.ActivityCode)
	if err != nil {
		return domain.ActivityState{}, err
	}

	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActivityState{}, err
	}
	defer tx.Rollback()

	a, err := t.Repo.GetActivityStateTx(ctx, tx, req.CycleID, req.ReportID, req.Phase, req.ActivityCode)
	if err != nil {
		return a, err
	}
	nowStr := t.now().UTC().Format(time.RFC3339)
	pendingApproval := false

	switch req.Action {
	case ActionStart:
		if err := ensureActivityTransition(a.Status, domain.ActivityActive); err != nil {
			return a, err
		}
		satisfied, missing, err := t.dependenciesSatisfiedTx(ctx, tx, def, req.CycleID, req.ReportID, req.Phase)
		if err != nil {
			return a, err
		}
		if !satisfied {
			return a, fmt.Errorf("%w: waiting on %s", domain.ErrDependencyNotSatisfied, strings.Join(missing, ", "))
		}
		a.Status = domain.ActivityActive
		a.IsBlocked = false
		a.BlockingReason = ""
		if a.StartedAt == nil {
			a.StartedAt = &nowStr
		}
	case ActionComplete:
		if err := ensureActivityTransition(a.Status, domain.ActivityCompleted); err != nil {
			return a, err
		}
		if def.RequiresApproval && !t.Config.Approval.AutoApprove {
			// The activity stays Active while the approval assignment is
			// outstanding; Active -> RevisionRequested remains reachable on
			// rejection.
			pendingApproval = true
			a = withMetadata(a, "approval_pending", true)
		} else {
			a.Status = domain.ActivityCompleted
			a.CompletedAt = &nowStr
		}
	case ActionSkip:
		if !def.CanSkip {
			return a, fmt.Errorf("%w: activity %s is not optional", domain.ErrInvalidTransition, def.Code)
		}
		if err := ensureActivityTransition(a.Status, domain.ActivitySkipped); err != nil {
			return a, err
		}
		a.Status = domain.ActivitySkipped
		reason := req.Reason
		if reason == "" {
			reason = "skipped manually"
		}
		a = withMetadata(a, "skip_reason", reason)
	case ActionResubmit:
		if err := ensureActivityTransition(a.Status, domain.ActivityActive); err != nil {
			return a, err
		}
		a.Status = domain.ActivityActive
	default:
		return a, fmt.Errorf("unknown action %q", req.Action)
	}

	a.UpdatedAt = nowStr
	if err := t.Repo.UpdateActivityState(ctx, tx, a); err != nil {
		return a, err
	}
	if err := t.refreshPhase(ctx, tx, req.CycleID, req.ReportID, req.Phase, req.Actor); err != nil {
		return a, err
	}
	if err := t.Events.Append(ctx, tx, "activity."+req.Action, req.CycleID, req.ReportID, "activity", a.ID, req.Actor, events.EventPayload{
		"phase": req.Phase, "code": req.ActivityCode, "status": a.Status,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	t.Metrics.Transition(req.Phase, a.Status)

	if pendingApproval {
		if err := t.emitApprovalAssignment(ctx, def, req); err != nil {
			return a, err
		}
	}
	return t.Repo.GetActivityState(ctx, req.CycleID, req.ReportID, req.Phase, req.ActivityCode)
}

// emitApprovalAssignment hands the completed activity to the assignment
// engine for approval. Create is idempotent, so re-completing the activity
// while approval is pending never spawns a duplicate.
func (t *Tracker) emitApprovalAssignment(ctx context.Context, def domain.ActivityDefinition, req TransitionRequest) error {
	if t.Assign == nil {
		return nil
	}
	_, err := t.Assign.Create(ctx, assign.CreateOptions{
		EntityType:       "activity",
		EntityID:         ActivityEntityID(req.CycleID, req.ReportID, req.Phase, req.ActivityCode),
		Assignee:         def.ApprovalRole,
		AssignmentType:   domain.AssignApproval,
		FromRole:         def.RequiredRole,
		ToRole:           def.ApprovalRole,
		RequiresApproval: true,
		ApprovalRole:     def.ApprovalRole,
		ContextType:      "activity",
		Context: map[string]any{
			"cycle_id":      req.CycleID,
			"report_id":     req.ReportID,
			"phase":         req.Phase,
			"activity_code": req.ActivityCode,
			"requested_by":  req.Actor,
		},
		Actor: req.Actor,
	})
	return err
}

// ResolveApproval is the assignment engine's feedback channel: approval
// completes the linked activity, rejection moves it to revision requested.
func (t *Tracker) ResolveApproval(ctx context.Context, link assign.ActivityLink, approved bool, actor, reason string) error {
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	a, err := t.Repo.GetActivityStateTx(ctx, tx, link.CycleID, link.ReportID, link.Phase, link.ActivityCode)
	if err != nil {
		return err
	}
	nowStr := t.now().UTC().Format(time.RFC3339)
	target := domain.ActivityCompleted
	evt := "activity.approved"
	if !approved {
		target = domain.ActivityRevisionRequested
		evt = "activity.revision_requested"
	}
	if err := ensureActivityTransition(a.Status, target); err != nil {
		return err
	}
	a.Status = target
	a.UpdatedAt = nowStr
	if approved {
		a.CompletedAt = &nowStr
		a = withMetadata(a, "approval_pending", false)
	} else {
		a = withMetadata(a, "revision_reason", reason)
	}
	if err := t.Repo.UpdateActivityState(ctx, tx, a); err != nil {
		return err
	}
	if err := t.refreshPhase(ctx, tx, link.CycleID, link.ReportID, link.Phase, actor); err != nil {
		return err
	}
	if err := t.Events.Append(ctx, tx, evt, link.CycleID, link.ReportID, "activity", a.ID, actor, events.EventPayload{
		"phase": link.Phase, "code": link.ActivityCode, "reason": reason,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	t.Metrics.Transition(link.Phase, a.Status)
	return nil
}

// HandleCancellation propagates an assignment cancellation: an activity left
// mid-flight goes back to revision requested so the phase visibly needs
// operator attention.
func (t *Tracker) HandleCancellation(ctx context.Context, link assign.ActivityLink, actor, reason string) error {
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	a, err := t.Repo.GetActivityStateTx(ctx, tx, link.CycleID, link.ReportID, link.Phase, link.ActivityCode)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// phase reset already removed the row
			return nil
		}
		return err
	}
	if a.Status != domain.ActivityActive {
		return nil
	}
	nowStr := t.now().UTC().Format(time.RFC3339)
	a.Status = domain.ActivityRevisionRequested
	a.UpdatedAt = nowStr
	a = withMetadata(a, "revision_reason", "assignment cancelled: "+reason)
	if err := t.Repo.UpdateActivityState(ctx, tx, a); err != nil {
		return err
	}
	if err := t.Events.Append(ctx, tx, "activity.assignment_cancelled", link.CycleID, link.ReportID, "activity", a.ID, actor, events.EventPayload{
		"phase": link.Phase, "code": link.ActivityCode, "reason": reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// EvaluateDependencies reports whether all dependency codes of the
// activity's definition resolve to Completed or Skipped, and which are
// still unmet. Side-effect free and safe to retry. A missing dependency row
// counts as not satisfied.
func (t *Tracker) EvaluateDependencies(ctx context.Context, a domain.ActivityState) (bool, []string, error) {
	def, err := t.Registry.Definition(a.Phase, a.ActivityCode)
	if err != nil {
		return false, nil, err
	}
	siblings, err := t.Repo.ListPhaseActivities(ctx, a.CycleID, a.ReportID, a.Phase)
	if err != nil {
		return false, nil, err
	}
	missing := unmetDependencies(def, siblings)
	return len(missing) == 0, missing, nil
}

func (t *Tracker) dependenciesSatisfiedTx(ctx context.Context, tx *sql.Tx, def domain.ActivityDefinition, cycleID, reportID, phase string) (bool, []string, error) {
	siblings, err := t.Repo.ListPhaseActivitiesTx(ctx, tx, cycleID, reportID, phase)
	if err != nil {
		return false, nil, err
	}
	missing := unmetDependencies(def, siblings)
	return len(missing) == 0, missing, nil
}

// unmetDependencies evaluates the dependency codes as a set; order is
// irrelevant and a code with no instantiated row is unmet.
func unmetDependencies(def domain.ActivityDefinition, siblings []domain.ActivityState) []string {
	byCode := make(map[string]domain.ActivityState, len(siblings))
	for _, s := range siblings {
		byCode[s.ActivityCode] = s
	}
	var missing []string
	for _, dep := range def.DependsOn {
		s, ok := byCode[dep]
		if !ok || (s.Status != domain.ActivityCompleted && s.Status != domain.ActivitySkipped) {
			missing = append(missing, dep)
		}
	}
	return missing
}

// refreshPhase recomputes derived blocking flags for the whole phase and
// applies conditional skips that have become eligible. Skips can cascade,
// so the pass iterates to a fixpoint (bounded by the activity count).
func (t *Tracker) refreshPhase(ctx context.Context, tx *sql.Tx, cycleID, reportID, phase, actor string) error {
	defs, err := t.Registry.DefinitionsForPhase(phase)
	if err != nil {
		return err
	}
	defByCode := make(map[string]domain.ActivityDefinition, len(defs))
	for _, d := range defs {
		defByCode[d.Code] = d
	}
	for range defs {
		siblings, err := t.Repo.ListPhaseActivitiesTx(ctx, tx, cycleID, reportID, phase)
		if err != nil {
			return err
		}
		changed := false
		nowStr := t.now().UTC().Format(time.RFC3339)
		for _, s := range siblings {
			def, ok := defByCode[s.ActivityCode]
			if !ok {
				// template no longer defines this code; flag it stale for
				// operator review rather than touching it
				if !s.IsBlocked || s.BlockingReason != staleReason {
					s.IsBlocked = true
					s.BlockingReason = staleReason
					s.UpdatedAt = nowStr
					if err := t.Repo.UpdateActivityState(ctx, tx, s); err != nil {
						return err
					}
					t.Logger.Warn("stale activity definition reference",
						"cycle", cycleID, "report", reportID, "phase", phase, "code", s.ActivityCode)
				}
				continue
			}
			if s.Status != domain.ActivityPending && s.Status != domain.ActivityActive {
				continue
			}
			missing := unmetDependencies(def, siblings)
			blocked := len(missing) > 0
			reason := ""
			if blocked {
				reason = "waiting on: " + strings.Join(missing, ", ")
			}
			if s.Status == domain.ActivityPending && !blocked && def.SkipWhen != domain.SkipNever {
				skip, skipReason := t.evaluateSkip(ctx, def, cycleID, reportID)
				if skip {
					s.Status = domain.ActivitySkipped
					s.IsBlocked = false
					s.BlockingReason = ""
					s.UpdatedAt = nowStr
					s = withMetadata(s, "skip_reason", skipReason)
					if err := t.Repo.UpdateActivityState(ctx, tx, s); err != nil {
						return err
					}
					if err := t.Events.Append(ctx, tx, "activity.auto_skipped", cycleID, reportID, "activity", s.ID, actor, events.EventPayload{
						"phase": phase, "code": s.ActivityCode, "reason": skipReason,
					}); err != nil {
						return err
					}
					changed = true
					continue
				}
			}
			if s.IsBlocked != blocked || s.BlockingReason != reason {
				s.IsBlocked = blocked
				s.BlockingReason = reason
				s.UpdatedAt = nowStr
				if err := t.Repo.UpdateActivityState(ctx, tx, s); err != nil {
					return err
				}
			}
		}
		if !changed {
			return nil
		}
	}
	return nil
}

const staleReason = "definition removed from template; operator reset required"

// evaluateSkip resolves the definition's skip predicate. The collaborator
// query must be treated as fast and idempotent; on failure the activity is
// simply not skippable.
func (t *Tracker) evaluateSkip(ctx context.Context, def domain.ActivityDefinition, cycleID, reportID string) (bool, string) {
	switch def.SkipWhen {
	case domain.SkipWhenDataSourcePresent:
		if t.DataSources == nil {
			return false, ""
		}
		ok, err := t.DataSources.HasDataSource(ctx, cycleID, reportID)
		if err != nil {
			t.Logger.Warn("data source query failed; treating as not skippable",
				"cycle", cycleID, "report", reportID, "code", def.Code, "err", err)
			return false, ""
		}
		if ok {
			return true, "data source configured"
		}
	}
	return false, ""
}

func ensureActivityTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.ActivityPending:
		if newStatus == domain.ActivityActive || newStatus == domain.ActivitySkipped {
			return nil
		}
	case domain.ActivityActive:
		if newStatus == domain.ActivityCompleted || newStatus == domain.ActivityRevisionRequested {
			return nil
		}
	case domain.ActivityRevisionRequested:
		if newStatus == domain.ActivityActive {
			return nil
		}
	}
	return fmt.Errorf("%w: activity %s -> %s", domain.ErrInvalidTransition, oldStatus, newStatus)
}

// StaleActivities lists instance codes the current template no longer
// defines, for operator review.
func (t *Tracker) StaleActivities(ctx context.Context, cycleID, reportID, phase string) ([]string, error) {
	states, err := t.Repo.ListPhaseActivities(ctx, cycleID, reportID, phase)
	if err != nil {
		return nil, err
	}
	return t.Registry.StaleCodes(phase, states)
}

func withMetadata(a domain.ActivityState, key string, value any) domain.ActivityState {
	meta := map[string]any{}
	if a.MetadataJSON != nil && *a.MetadataJSON != "" {
		_ = json.Unmarshal([]byte(*a.MetadataJSON), &meta)
	}
	meta[key] = value
	b, err := json.Marshal(meta)
	if err != nil {
		return a
	}
	s := string(b)
	a.MetadataJSON = &s
	return a
}
