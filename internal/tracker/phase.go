package tracker

import (
	"context"
	"time"

	"regcycle/internal/domain"
)

// ComputeSnapshot derives the phase view from its activity rows. Phase
// status is never stored: it is always recomputed so it cannot drift from
// the activities.
func (t *Tracker) ComputeSnapshot(ctx context.Context, cycleID, reportID, phase string) (domain.PhaseSnapshot, error) {
	if _, err := t.Registry.DefinitionsForPhase(phase); err != nil {
		return domain.PhaseSnapshot{}, err
	}
	states, err := t.Repo.ListPhaseActivities(ctx, cycleID, reportID, phase)
	if err != nil {
		return domain.PhaseSnapshot{}, err
	}
	snap := domain.PhaseSnapshot{
		CycleID:    cycleID,
		ReportID:   reportID,
		Phase:      phase,
		Status:     domain.PhaseNotStarted,
		RiskLevel:  domain.RiskOnTrack,
		Activities: states,
	}
	if len(states) == 0 {
		return snap, nil
	}

	var completed, skipped int
	var earliestStart, earliestCreated *time.Time
	allTerminal := true
	anyActivity := false
	for _, s := range states {
		switch s.Status {
		case domain.ActivityCompleted:
			completed++
			anyActivity = true
		case domain.ActivitySkipped:
			skipped++
		case domain.ActivityActive, domain.ActivityRevisionRequested:
			anyActivity = true
			allTerminal = false
		default:
			allTerminal = false
		}
		if s.StartedAt != nil {
			if ts, err := time.Parse(time.RFC3339, *s.StartedAt); err == nil {
				if earliestStart == nil || ts.Before(*earliestStart) {
					earliestStart = &ts
				}
				anyActivity = true
			}
		}
		if ts, err := time.Parse(time.RFC3339, s.CreatedAt); err == nil {
			if earliestCreated == nil || ts.Before(*earliestCreated) {
				earliestCreated = &ts
			}
		}
	}

	// Progress counts only mandatory work: skipped activities shrink the
	// denominator instead of inflating the numerator. An all-skipped phase
	// is 100% by convention.
	denom := len(states) - skipped
	if denom <= 0 {
		snap.Progress = 100
	} else {
		snap.Progress = completed * 100 / denom
	}

	switch {
	case allTerminal:
		snap.Status = domain.PhaseCompleted
	case anyActivity:
		snap.Status = domain.PhaseInProgress
	}

	if earliestStart != nil {
		startStr := earliestStart.UTC().Format(time.RFC3339)
		snap.StartedAt = &startStr
	}
	// The SLA clock runs from phase instantiation, not from the first
	// activity start: an initialized phase nobody touches still breaches.
	if earliestCreated != nil {
		if pc, ok := t.Registry.PhaseConfig(phase); ok && pc.DurationDays > 0 {
			deadline := earliestCreated.AddDate(0, 0, pc.DurationDays)
			deadlineStr := deadline.UTC().Format(time.RFC3339)
			snap.SLADeadline = &deadlineStr
			if snap.Status != domain.PhaseCompleted {
				snap.RiskLevel = riskLevel(deadline, t.now(), t.Config.SLA.AtRiskLeadDays)
			}
		}
	}
	return snap, nil
}

func riskLevel(deadline, now time.Time, leadDays int) string {
	if !now.Before(deadline) {
		return domain.RiskBreached
	}
	if !now.Before(deadline.AddDate(0, 0, -leadDays)) {
		return domain.RiskAtRisk
	}
	return domain.RiskOnTrack
}

// CycleOverview aggregates snapshots for every configured phase of one
// (cycle, report). Uninstantiated phases appear as NotStarted with no
// activities.
func (t *Tracker) CycleOverview(ctx context.Context, cycleID, reportID string) ([]domain.PhaseSnapshot, error) {
	phases := t.Registry.PhaseNames()
	out := make([]domain.PhaseSnapshot, 0, len(phases))
	for _, p := range phases {
		snap, err := t.ComputeSnapshot(ctx, cycleID, reportID, p)
		if err != nil {
			return nil, err
		}
		snap.Activities = nil
		out = append(out, snap)
	}
	return out, nil
}
