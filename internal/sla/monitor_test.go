package sla_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regcycle/internal/assign"
	"regcycle/internal/config"
	"regcycle/internal/db"
	"regcycle/internal/domain"
	"regcycle/internal/migrate"
	"regcycle/internal/repo"
	"regcycle/internal/sla"
)

type clock struct{ now time.Time }

func newMonitor(t *testing.T) (*sla.Monitor, *assign.Engine, *clock) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	c := &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	e := assign.New(conn, config.Default())
	e.Now = func() time.Time { return c.now }
	m := sla.New(repo.Repo{DB: conn}, e)
	m.Now = e.Now
	return m, e, c
}

func create(t *testing.T, e *assign.Engine, assignee string, dueInDays int, c *clock) domain.Assignment {
	t.Helper()
	due := c.now.AddDate(0, 0, dueInDays).Format(time.RFC3339)
	a, err := e.Create(context.Background(), assign.CreateOptions{
		EntityType:     "report",
		EntityID:       "c1/" + assignee,
		Assignee:       assignee,
		AssignmentType: domain.AssignReview,
		DueDate:        &due,
		Actor:          "system",
	})
	require.NoError(t, err)
	return a
}

func TestSweepEscalatesOverdueOnce(t *testing.T) {
	m, e, c := newMonitor(t)
	ctx := context.Background()
	overdue := create(t, e, "alice", 2, c)
	onTime := create(t, e, "bob", 30, c)

	c.now = c.now.AddDate(0, 0, 5)
	res, err := m.Sweep(ctx, "sla-monitor")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 1, res.Overdue)
	assert.Equal(t, 1, res.Escalated)
	assert.Equal(t, 0, res.Failures)

	got, err := e.Repo.GetAssignment(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentEscalated, got.Status)
	got, err = e.Repo.GetAssignment(ctx, onTime.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentAssigned, got.Status)

	// overlapping or repeated sweeps converge: nothing new is raised
	res, err = m.Sweep(ctx, "sla-monitor")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Overdue, "escalated assignment stays overdue")
	assert.Equal(t, 0, res.Escalated)

	escalations, err := e.Repo.ListAssignments(ctx, repo.AssignmentFilters{
		EntityType:     "assignment",
		AssignmentType: domain.AssignEscalation,
	})
	require.NoError(t, err)
	assert.Len(t, escalations, 1, "exactly one escalation per breach")
	assert.Equal(t, "test_executive", escalations[0].Assignee)
}

func TestSweepReportsAtRisk(t *testing.T) {
	m, e, c := newMonitor(t)
	// default lead window is 3 days
	create(t, e, "alice", 2, c)
	create(t, e, "bob", 10, c)

	res, err := m.Sweep(context.Background(), "sla-monitor")
	require.NoError(t, err)
	assert.Equal(t, 1, res.AtRisk)
	assert.Equal(t, 0, res.Overdue)
	assert.Equal(t, 0, res.Escalated)
}

func TestSweepSkipsResolvedWork(t *testing.T) {
	m, e, c := newMonitor(t)
	ctx := context.Background()
	a := create(t, e, "alice", 2, c)
	_, err := e.Acknowledge(ctx, a.ID, "alice")
	require.NoError(t, err)
	_, err = e.Complete(ctx, a.ID, "alice", "done")
	require.NoError(t, err)

	c.now = c.now.AddDate(0, 0, 5)
	res, err := m.Sweep(ctx, "sla-monitor")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Scanned)
	assert.Equal(t, 0, res.Escalated)
}
