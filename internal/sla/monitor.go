// Package sla periodically sweeps active assignments for due-date breaches
// and raises escalations through the assignment engine.
package sla

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"regcycle/internal/assign"
	"regcycle/internal/metrics"
	"regcycle/internal/repo"
)

type Monitor struct {
	Repo    repo.Repo
	Assign  *assign.Engine
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

func New(r repo.Repo, eng *assign.Engine) *Monitor {
	return &Monitor{
		Repo:   r,
		Assign: eng,
		Logger: slog.Default(),
		Now:    time.Now,
	}
}

// SweepResult summarizes one pass over the active assignment set.
type SweepResult struct {
	Scanned    int `json:"scanned"`
	Overdue    int `json:"overdue"`
	AtRisk     int `json:"at_risk"`
	Escalated  int `json:"escalated"`
	Failures   int `json:"failures"`
	DurationMS int `json:"duration_ms"`
}

// Sweep examines every active assignment with a due date and escalates the
// overdue ones. Escalation is idempotent, so overlapping or repeated sweeps
// converge on the same state. One failing assignment is logged and skipped;
// it never aborts the rest of the pass.
func (m *Monitor) Sweep(ctx context.Context, actor string) (SweepResult, error) {
	start := m.Now()
	var res SweepResult
	items, err := m.Repo.ListActiveDueAssignments(ctx)
	if err != nil {
		return res, err
	}
	res.Scanned = len(items)
	for _, a := range items {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		overdue, daysLeft := assign.Overdue(a, start)
		if !overdue {
			if m.Assign.AtRisk(a, start) {
				res.AtRisk++
				m.Logger.Info("assignment at risk",
					"assignment", a.ID, "assignee", a.Assignee, "days_left", daysLeft)
			}
			continue
		}
		res.Overdue++
		_, raised, err := m.Assign.Escalate(ctx, a.ID, actor)
		if err != nil {
			res.Failures++
			m.Logger.Error("escalation failed",
				"assignment", a.ID, "assignee", a.Assignee, "err", err)
			continue
		}
		if raised {
			res.Escalated++
			m.Logger.Warn("assignment escalated",
				"assignment", a.ID, "assignee", a.Assignee, "days_overdue", -daysLeft)
		}
	}
	res.DurationMS = int(m.Now().Sub(start).Milliseconds())
	m.Metrics.SweepRun(res.Overdue, res.Failures)
	m.Logger.Info("sla sweep finished",
		"scanned", res.Scanned, "overdue", res.Overdue, "escalated", res.Escalated,
		"at_risk", res.AtRisk, "failures", res.Failures, "duration_ms", res.DurationMS)
	return res, nil
}

// Schedule registers the sweep on a cron scheduler. The caller owns the
// scheduler's lifecycle.
func (m *Monitor) Schedule(c *cron.Cron, spec, actor string) (cron.EntryID, error) {
	return c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := m.Sweep(ctx, actor); err != nil {
			m.Logger.Error("scheduled sla sweep failed", "err", err)
		}
	})
}
