package assign_test

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
)

func newEngine(t *testing.T) (*assign.Engine, *time.Time) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	e := assign.New(conn, config.Default())
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	e.Now = func() time.Time { return now }
	return e, &now
}

func createReview(t *testing.T, e *assign.Engine) domain.Assignment {
	t.Helper()
	a, err := e.Create(context.Background(), assign.CreateOptions{
		EntityType:     "report",
		EntityID:       "c1/r1",
		Assignee:       "alice",
		AssignmentType: domain.AssignReview,
		Actor:          "system",
	})
	require.NoError(t, err)
	return a
}

func TestCreateDefaultsAndDueDate(t *testing.T) {
	e, now := newEngine(t)
	a := createReview(t, e)

	assert.Equal(t, domain.AssignmentAssigned, a.Status)
	assert.Equal(t, "medium", a.Priority)
	require.NotNil(t, a.DueDate)
	// review due_days is 5 in the default template
	want := now.AddDate(0, 0, 5).Format(time.RFC3339)
	assert.Equal(t, want, *a.DueDate)

	history, err := e.Repo.ListAssignmentHistory(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "created", history[0].Action)
}

func TestCreateIdempotentPerActiveSlot(t *testing.T) {
	e, _ := newEngine(t)
	first := createReview(t, e)
	second := createReview(t, e)
	assert.Equal(t, first.ID, second.ID)

	// resolving the slot frees it for a fresh assignment
	_, err := e.Acknowledge(context.Background(), first.ID, "alice")
	require.NoError(t, err)
	_, err = e.Complete(context.Background(), first.ID, "alice", "done")
	require.NoError(t, err)
	third := createReview(t, e)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestLifecycleGuards(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	a := createReview(t, e)

	_, err := e.Acknowledge(ctx, a.ID, "alice")
	require.NoError(t, err)
	_, err = e.Start(ctx, a.ID, "alice")
	require.NoError(t, err)
	done, err := e.Complete(ctx, a.ID, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentCompleted, done.Status)
	assert.NotNil(t, done.ResolvedAt)

	// completed without requires_approval is terminal for the work path
	_, err = e.Start(ctx, a.ID, "alice")
	assert.Error(t, err)
	_, err = e.Cancel(ctx, a.ID, "alice", "oops")
	assert.Error(t, err)
}

func TestApproveRequiresRole(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	a, err := e.Create(ctx, assign.CreateOptions{
		EntityType:       "report",
		EntityID:         "c1/r1",
		Assignee:         "alice",
		AssignmentType:   domain.AssignReview,
		RequiresApproval: true,
		ApprovalRole:     "test_lead",
		Actor:            "system",
	})
	require.NoError(t, err)
	_, err = e.Acknowledge(ctx, a.ID, "alice")
	require.NoError(t, err)
	done, err := e.Complete(ctx, a.ID, "alice", "")
	require.NoError(t, err)
	// approval pending: not resolved yet
	assert.Nil(t, done.ResolvedAt)

	_, err = e.Approve(ctx, a.ID, "bob", []string{"tester"}, "")
	assert.ErrorIs(t, err, assign.ErrApprovalRoleRequired)

	approved, err := e.Approve(ctx, a.ID, "lead-1", []string{"test_lead"}, "ok")
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentApproved, approved.Status)
	assert.NotNil(t, approved.ResolvedAt)
}

func TestRejectSpawnsRevision(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	a, err := e.Create(ctx, assign.CreateOptions{
		EntityType:       "report",
		EntityID:         "c1/r1",
		Assignee:         "alice",
		AssignmentType:   domain.AssignReview,
		RequiresApproval: true,
		ApprovalRole:     "test_lead",
		Actor:            "system",
	})
	require.NoError(t, err)
	_, err = e.Acknowledge(ctx, a.ID, "alice")
	require.NoError(t, err)
	_, err = e.Complete(ctx, a.ID, "alice", "")
	require.NoError(t, err)

	_, err = e.Reject(ctx, a.ID, "lead-1", []string{"test_lead"}, "")
	assert.Error(t, err, "reason is mandatory")

	rejected, err := e.Reject(ctx, a.ID, "lead-1", []string{"test_lead"}, "incomplete evidence")
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentRejected, rejected.Status)

	revision, err := e.Repo.GetActiveAssignment(ctx, "report", "c1/r1", "alice", domain.AssignReview)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentAssigned, revision.Status)
	require.NotNil(t, revision.ContextJSON)
	assert.Contains(t, *revision.ContextJSON, "incomplete evidence")
	assert.Contains(t, *revision.ContextJSON, rejected.ID)
}

func TestDelegationWindow(t *testing.T) {
	e, now := newEngine(t)
	ctx := context.Background()
	a := createReview(t, e)

	_, err := e.Delegate(ctx, a.ID, "carol", "vacation", now.AddDate(0, 0, 2), now.AddDate(0, 0, 1), "alice")
	assert.Error(t, err, "window must end after it starts")

	d, err := e.Delegate(ctx, a.ID, "carol", "vacation", *now, now.AddDate(0, 0, 7), "alice")
	require.NoError(t, err)
	assert.Equal(t, "carol", d.Delegate)

	// the assignee is untouched
	got, err := e.Repo.GetAssignment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Assignee)
}

func TestDelegatedVisibilityWindow(t *testing.T) {
	e, now := newEngine(t)
	ctx := context.Background()
	a := createReview(t, e)

	_, err := e.Delegate(ctx, a.ID, "carol", "vacation", *now, now.AddDate(0, 0, 2), "alice")
	require.NoError(t, err)

	listFor := func(assignee string, includeDelegations bool, at time.Time) []domain.Assignment {
		t.Helper()
		res, err := e.Repo.ListAssignments(ctx, repo.AssignmentFilters{
			Assignee:           assignee,
			IncludeDelegations: includeDelegations,
			Now:                at.Format(time.RFC3339),
		})
		require.NoError(t, err)
		return res
	}

	// inside the window the delegate sees the assignment
	inside := now.AddDate(0, 0, 1)
	visible := listFor("carol", true, inside)
	require.Len(t, visible, 1)
	assert.Equal(t, a.ID, visible[0].ID)

	// plain assignee matching never includes delegations
	assert.Empty(t, listFor("carol", false, inside))

	// outside the window the delegation lapses
	assert.Empty(t, listFor("carol", true, now.AddDate(0, 0, 3)))

	// the primary assignee is unaffected either way
	require.Len(t, listFor("alice", true, inside), 1)
}

func TestEscalateIdempotent(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	a := createReview(t, e)

	esc, raised, err := e.Escalate(ctx, a.ID, "sla-monitor")
	require.NoError(t, err)
	assert.True(t, raised)
	assert.Equal(t, domain.AssignmentEscalated, esc.Status)

	_, raised, err = e.Escalate(ctx, a.ID, "sla-monitor")
	require.NoError(t, err)
	assert.False(t, raised, "second escalation is a no-op")

	escalation, err := e.Repo.GetActiveAssignment(ctx, "assignment", a.ID, "test_executive", domain.AssignEscalation)
	require.NoError(t, err)
	assert.Equal(t, "high", escalation.Priority)
}

func TestEscalateRecreatesLostEscalation(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	a := createReview(t, e)

	_, raised, err := e.Escalate(ctx, a.ID, "sla-monitor")
	require.NoError(t, err)
	require.True(t, raised)

	// the supervisory assignment disappears (an earlier raise interrupted
	// between the status flip and the create looks the same)
	escalation, err := e.Repo.GetActiveAssignment(ctx, "assignment", a.ID, "test_executive", domain.AssignEscalation)
	require.NoError(t, err)
	_, err = e.Cancel(ctx, escalation.ID, "admin", "mis-raised")
	require.NoError(t, err)

	// escalating the already-escalated original restores it
	_, raised, err = e.Escalate(ctx, a.ID, "sla-monitor")
	require.NoError(t, err)
	assert.True(t, raised, "missing escalation must be recreated")
	restored, err := e.Repo.GetActiveAssignment(ctx, "assignment", a.ID, "test_executive", domain.AssignEscalation)
	require.NoError(t, err)
	assert.NotEqual(t, escalation.ID, restored.ID)

	// and once present it stays a no-op
	_, raised, err = e.Escalate(ctx, a.ID, "sla-monitor")
	require.NoError(t, err)
	assert.False(t, raised)
}

func TestOverdueComputation(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	due := now.AddDate(0, 0, 3).Format(time.RFC3339)
	a := domain.Assignment{Status: domain.AssignmentAssigned, DueDate: &due}

	overdue, days := assign.Overdue(a, now)
	assert.False(t, overdue)
	assert.Equal(t, 3, days)

	overdue, days = assign.Overdue(a, now.AddDate(0, 0, 5))
	assert.True(t, overdue)
	assert.Equal(t, -2, days)

	// escalated stays overdue until resolved
	a.Status = domain.AssignmentEscalated
	overdue, _ = assign.Overdue(a, now.AddDate(0, 0, 5))
	assert.True(t, overdue)

	a.Status = domain.AssignmentApproved
	overdue, _ = assign.Overdue(a, now.AddDate(0, 0, 5))
	assert.False(t, overdue)
}
