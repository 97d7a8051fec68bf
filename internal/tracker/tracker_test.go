package tracker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"regcycle/internal/app"
	"regcycle/internal/config"
	"regcycle/internal/db"
	"regcycle/internal/domain"
	"regcycle/internal/migrate"
	"regcycle/internal/repo"
	"regcycle/internal/tracker"
)

type testEnv struct {
	App *app.App
	Ctx context.Context
	Now time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	a := app.New(conn, config.Default())
	env := &testEnv{App: a, Ctx: context.Background(), Now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return env.Now }
	a.Tracker.Now = clock
	a.Assign.Now = clock
	a.Monitor.Now = clock
	return env
}

func (e *testEnv) transition(t *testing.T, phase, code, action string) domain.ActivityState {
	t.Helper()
	a, err := e.App.Tracker.Transition(e.Ctx, tracker.TransitionRequest{
		CycleID: "c1", ReportID: "r1", Phase: phase,
		ActivityCode: code, Action: action, Actor: "tester",
	})
	if err != nil {
		t.Fatalf("%s %s: %v", action, code, err)
	}
	return a
}

func (e *testEnv) activity(t *testing.T, phase, code string) domain.ActivityState {
	t.Helper()
	a, err := e.App.Repo.GetActivityState(e.Ctx, "c1", "r1", phase, code)
	if err != nil {
		t.Fatalf("get %s/%s: %v", phase, code, err)
	}
	return a
}

func TestInitializePhaseIdempotent(t *testing.T) {
	env := newTestEnv(t)
	states, err := env.App.Tracker.InitializePhase(env.Ctx, "c1", "r1", "planning", "tester")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if len(states) != 3 {
		t.Fatalf("expected 3 activities, got %d", len(states))
	}
	env.transition(t, "planning", "capture_attributes", "start")

	again, err := env.App.Tracker.InitializePhase(env.Ctx, "c1", "r1", "planning", "tester")
	if err != nil {
		t.Fatalf("re-init: %v", err)
	}
	if len(again) != 3 {
		t.Fatalf("re-init changed count: %d", len(again))
	}
	if a := env.activity(t, "planning", "capture_attributes"); a.Status != domain.ActivityActive {
		t.Fatalf("re-init clobbered status: %s", a.Status)
	}
}

func TestUnknownPhaseRejected(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.App.Tracker.InitializePhase(env.Ctx, "c1", "r1", "nope", "tester"); err == nil {
		t.Fatalf("expected unknown phase error")
	}
}

func TestDependencyGate(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.App.Tracker.InitializePhase(env.Ctx, "c1", "r1", "planning", "tester"); err != nil {
		t.Fatal(err)
	}
	// define_approach depends on capture_attributes
	_, err := env.App.Tracker.Transition(env.Ctx, tracker.TransitionRequest{
		CycleID: "c1", ReportID: "r1", Phase: "planning",
		ActivityCode: "define_approach", Action: "start", Actor: "tester",
	})
	if !errors.Is(err, domain.ErrDependencyNotSatisfied) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if a := env.activity(t, "planning", "define_approach"); !a.IsBlocked {
		t.Fatalf("expected blocked flag, got %+v", a)
	}

	env.transition(t, "planning", "capture_attributes", "start")
	env.transition(t, "planning", "capture_attributes", "complete")
	a := env.transition(t, "planning", "define_approach", "start")
	if a.Status != domain.ActivityActive || a.IsBlocked {
		t.Fatalf("expected active unblocked, got %+v", a)
	}
}

func TestInvalidTransitions(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.App.Tracker.InitializePhase(env.Ctx, "c1", "r1", "planning", "tester"); err != nil {
		t.Fatal(err)
	}
	// complete from pending
	_, err := env.App.Tracker.Transition(env.Ctx, tracker.TransitionRequest{
		CycleID: "c1", ReportID: "r1", Phase: "planning",
		ActivityCode: "capture_attributes", Action: "complete", Actor: "tester",
	})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	// skip on a mandatory activity
	_, err = env.App.Tracker.Transition(env.Ctx, tracker.TransitionRequest{
		CycleID: "c1", ReportID: "r1", Phase: "planning",
		ActivityCode: "capture_attributes", Action: "skip", Actor: "tester",
	})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected skip rejection, got %v", err)
	}
	// completed is terminal
	env.transition(t, "planning", "capture_attributes", "start")
	env.transition(t, "planning", "capture_attributes", "complete")
	_, err = env.App.Tracker.Transition(env.Ctx, tracker.TransitionRequest{
		CycleID: "c1", ReportID: "r1", Phase: "planning",
		ActivityCode: "capture_attributes", Action: "start", Actor: "tester",
	})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected terminal completed, got %v", err)
	}
}

func TestDataProfilingSkipScenario(t *testing.T) {
	env := newTestEnv(t)
	if err := env.App.Repo.SetDataSource(env.Ctx, "c1", "r1", true); err != nil {
		t.Fatal(err)
	}
	if _, err := env.App.Tracker.InitializePhase(env.Ctx, "c1", "r1", "data_profiling", "tester"); err != nil {
		t.Fatal(err)
	}
	env.transition(t, "data_profiling", "start", "start")
	env.transition(t, "data_profiling", "start", "complete")

	// upload's dependency is now satisfied and the data source predicate
	// holds, so it auto-skips without manual action
	if a := env.activity(t, "data_profiling", "upload"); a.Status != domain.ActivitySkipped {
		t.Fatalf("expected upload auto-skipped, got %s", a.Status)
	}

	env.transition(t, "data_profiling", "generate_rules", "start")
	env.transition(t, "data_profiling", "generate_rules", "complete")
	env.transition(t, "data_profiling", "review", "start")
	env.transition(t, "data_profiling", "review", "complete")

	// review requires approval: it stays active with an approval assignment
	// routed to the report owner
	if a := env.activity(t, "data_profiling", "review"); a.Status != domain.ActivityActive {
		t.Fatalf("expected review pending approval, got %s", a.Status)
	}
	entity := tracker.ActivityEntityID("c1", "r1", "data_profiling", "review")
	appr, err := env.App.Repo.GetActiveAssignment(env.Ctx, "activity", entity, "report_owner", domain.AssignApproval)
	if err != nil {
		t.Fatalf("approval assignment missing: %v", err)
	}
	if _, err := env.App.Assign.Approve(env.Ctx, appr.ID, "owner-1", []string{"report_owner"}, "looks good"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if a := env.activity(t, "data_profiling", "review"); a.Status != domain.ActivityCompleted {
		t.Fatalf("expected review completed after approval, got %s", a.Status)
	}

	snap, err := env.App.Tracker.ComputeSnapshot(env.Ctx, "c1", "r1", "data_profiling")
	if err != nil {
		t.Fatal(err)
	}
	// skipped shrinks the denominator: 3 of 3 mandatory done
	if snap.Progress != 100 || snap.Status != domain.PhaseCompleted {
		t.Fatalf("expected 100%% completed, got %d%% %s", snap.Progress, snap.Status)
	}
}

func TestManualSkipWithoutDataSource(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.App.Tracker.InitializePhase(env.Ctx, "c1", "r1", "data_profiling", "tester"); err != nil {
		t.Fatal(err)
	}
	env.transition(t, "data_profiling", "start", "start")
	env.transition(t, "data_profiling", "start", "complete")

	// no data source: upload must not auto-skip
	if a := env.activity(t, "data_profiling", "upload"); a.Status != domain.ActivityPending {
		t.Fatalf("expected upload pending, got %s", a.Status)
	}
	a := env.transition(t, "data_profiling", "upload", "skip")
	if a.Status != domain.ActivitySkipped {
		t.Fatalf("manual skip failed: %s", a.Status)
	}
}

func TestApprovalRejectionRequestsRevision(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.App.Tracker.InitializePhase(env.Ctx, "c1", "r1", "scoping", "tester"); err != nil {
		t.Fatal(err)
	}
	env.transition(t, "scoping", "select_attributes", "start")
	env.transition(t, "scoping", "select_attributes", "complete")
	env.transition(t, "scoping", "approve_scope", "start")
	env.transition(t, "scoping", "approve_scope", "complete")

	entity := tracker.ActivityEntityID("c1", "r1", "scoping", "approve_scope")
	appr, err := env.App.Repo.GetActiveAssignment(env.Ctx, "activity", entity, "report_owner", domain.AssignApproval)
	if err != nil {
		t.Fatalf("approval assignment missing: %v", err)
	}
	if _, err := env.App.Assign.Reject(env.Ctx, appr.ID, "owner-1", []string{"report_owner"}, "scope too narrow"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if a := env.activity(t, "scoping", "approve_scope"); a.Status != domain.ActivityRevisionRequested {
		t.Fatalf("expected revision_requested, got %s", a.Status)
	}

	// the revision assignment routes back to whoever completed the work
	revisions, err := env.App.Repo.ListAssignments(env.Ctx, repo.AssignmentFilters{
		Assignee: "tester", EntityID: entity, ActiveOnly: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(revisions) != 1 || revisions[0].AssignmentType != domain.AssignGeneric {
		t.Fatalf("expected one revision assignment, got %+v", revisions)
	}

	// resubmit goes back to active and re-completion re-enters approval
	env.transition(t, "scoping", "approve_scope", "resubmit")
	if a := env.activity(t, "scoping", "approve_scope"); a.Status != domain.ActivityActive {
		t.Fatalf("expected active after resubmit, got %s", a.Status)
	}
}

// rejectApproveScope drives scoping to the point where approve_scope has been
// rejected and a revision assignment is routed back to the tester.
func rejectApproveScope(t *testing.T, env *testEnv) (string, domain.Assignment) {
	t.Helper()
	if _, err := env.App.Tracker.InitializePhase(env.Ctx, "c1", "r1", "scoping", "tester"); err != nil {
		t.Fatal(err)
	}
	env.transition(t, "scoping", "select_attributes", "start")
	env.transition(t, "scoping", "select_attributes", "complete")
	env.transition(t, "scoping", "approve_scope", "start")
	env.transition(t, "scoping", "approve_scope", "complete")

	entity := tracker.ActivityEntityID("c1", "r1", "scoping", "approve_scope")
	appr, err := env.App.Repo.GetActiveAssignment(env.Ctx, "activity", entity, "report_owner", domain.AssignApproval)
	if err != nil {
		t.Fatalf("approval assignment missing: %v", err)
	}
	if _, err := env.App.Assign.Reject(env.Ctx, appr.ID, "owner-1", []string{"report_owner"}, "scope too narrow"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	revision, err := env.App.Repo.GetActiveAssignment(env.Ctx, "activity", entity, "tester", domain.AssignGeneric)
	if err != nil {
		t.Fatalf("revision assignment missing: %v", err)
	}
	return entity, revision
}

func TestRevisionCompletionKeepsApprovalGate(t *testing.T) {
	env := newTestEnv(t)
	entity, revision := rejectApproveScope(t, env)

	env.transition(t, "scoping", "approve_scope", "resubmit")
	if _, err := env.App.Assign.Complete(env.Ctx, revision.ID, "tester", "reworked"); err != nil {
		t.Fatalf("complete revision: %v", err)
	}
	// finishing the revision work item must not stand in for the approver
	if a := env.activity(t, "scoping", "approve_scope"); a.Status != domain.ActivityActive {
		t.Fatalf("expected activity still awaiting completion, got %s", a.Status)
	}

	// only the approval path closes the gate
	env.transition(t, "scoping", "approve_scope", "complete")
	appr, err := env.App.Repo.GetActiveAssignment(env.Ctx, "activity", entity, "report_owner", domain.AssignApproval)
	if err != nil {
		t.Fatalf("second approval assignment missing: %v", err)
	}
	if _, err := env.App.Assign.Approve(env.Ctx, appr.ID, "owner-1", []string{"report_owner"}, "ok now"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if a := env.activity(t, "scoping", "approve_scope"); a.Status != domain.ActivityCompleted {
		t.Fatalf("expected completed after approval, got %s", a.Status)
	}
}

func TestRevisionCompletionBeforeResubmit(t *testing.T) {
	env := newTestEnv(t)
	_, revision := rejectApproveScope(t, env)

	// completing the revision while the activity still sits in
	// revision_requested must neither fail nor strand the assignment
	done, err := env.App.Assign.Complete(env.Ctx, revision.ID, "tester", "reworked")
	if err != nil {
		t.Fatalf("complete revision: %v", err)
	}
	if done.Status != domain.AssignmentCompleted {
		t.Fatalf("expected completed revision, got %s", done.Status)
	}
	if a := env.activity(t, "scoping", "approve_scope"); a.Status != domain.ActivityRevisionRequested {
		t.Fatalf("expected revision_requested untouched, got %s", a.Status)
	}

	env.transition(t, "scoping", "approve_scope", "resubmit")
	if a := env.activity(t, "scoping", "approve_scope"); a.Status != domain.ActivityActive {
		t.Fatalf("expected active after resubmit, got %s", a.Status)
	}
}

func TestResetPhaseCancelsAssignments(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.App.Tracker.InitializePhase(env.Ctx, "c1", "r1", "scoping", "tester"); err != nil {
		t.Fatal(err)
	}
	env.transition(t, "scoping", "select_attributes", "start")
	env.transition(t, "scoping", "select_attributes", "complete")
	env.transition(t, "scoping", "approve_scope", "start")
	env.transition(t, "scoping", "approve_scope", "complete")

	entity := tracker.ActivityEntityID("c1", "r1", "scoping", "approve_scope")
	appr, err := env.App.Repo.GetActiveAssignment(env.Ctx, "activity", entity, "report_owner", domain.AssignApproval)
	if err != nil {
		t.Fatal(err)
	}

	states, err := env.App.Tracker.ResetPhase(env.Ctx, "c1", "r1", "scoping", "admin")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	for _, s := range states {
		if s.Status != domain.ActivityPending {
			t.Fatalf("expected pending after reset, got %s for %s", s.Status, s.ActivityCode)
		}
	}
	got, err := env.App.Repo.GetAssignment(env.Ctx, appr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.AssignmentCancelled {
		t.Fatalf("expected cancelled assignment after reset, got %s", got.Status)
	}
}

func TestSnapshotLifecycleAndRisk(t *testing.T) {
	env := newTestEnv(t)
	snap, err := env.App.Tracker.ComputeSnapshot(env.Ctx, "c1", "r1", "scoping")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != domain.PhaseNotStarted || snap.Progress != 0 {
		t.Fatalf("expected empty not_started, got %+v", snap)
	}

	if _, err := env.App.Tracker.InitializePhase(env.Ctx, "c1", "r1", "scoping", "tester"); err != nil {
		t.Fatal(err)
	}
	env.transition(t, "scoping", "select_attributes", "start")
	snap, err = env.App.Tracker.ComputeSnapshot(env.Ctx, "c1", "r1", "scoping")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != domain.PhaseInProgress || snap.StartedAt == nil || snap.SLADeadline == nil {
		t.Fatalf("expected in_progress with SLA fields, got %+v", snap)
	}
	if snap.RiskLevel != domain.RiskOnTrack {
		t.Fatalf("expected on_track, got %s", snap.RiskLevel)
	}

	// scoping runs 7 days; 5 days in we are inside the 3-day lead window
	env.Now = env.Now.AddDate(0, 0, 5)
	snap, _ = env.App.Tracker.ComputeSnapshot(env.Ctx, "c1", "r1", "scoping")
	if snap.RiskLevel != domain.RiskAtRisk {
		t.Fatalf("expected at_risk, got %s", snap.RiskLevel)
	}
	env.Now = env.Now.AddDate(0, 0, 3)
	snap, _ = env.App.Tracker.ComputeSnapshot(env.Ctx, "c1", "r1", "scoping")
	if snap.RiskLevel != domain.RiskBreached {
		t.Fatalf("expected breached, got %s", snap.RiskLevel)
	}
}

func TestUntouchedPhaseRunsSLAClock(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.App.Tracker.InitializePhase(env.Ctx, "c1", "r1", "scoping", "tester"); err != nil {
		t.Fatal(err)
	}
	snap, err := env.App.Tracker.ComputeSnapshot(env.Ctx, "c1", "r1", "scoping")
	if err != nil {
		t.Fatal(err)
	}
	// the clock anchors on instantiation, before anyone starts an activity
	if snap.Status != domain.PhaseNotStarted || snap.SLADeadline == nil {
		t.Fatalf("expected not_started with a deadline, got %+v", snap)
	}
	if snap.RiskLevel != domain.RiskOnTrack {
		t.Fatalf("expected on_track, got %s", snap.RiskLevel)
	}

	// scoping runs 7 days; 5 days of silence puts it in the lead window
	env.Now = env.Now.AddDate(0, 0, 5)
	snap, _ = env.App.Tracker.ComputeSnapshot(env.Ctx, "c1", "r1", "scoping")
	if snap.Status != domain.PhaseNotStarted || snap.RiskLevel != domain.RiskAtRisk {
		t.Fatalf("expected at_risk while untouched, got %s %s", snap.Status, snap.RiskLevel)
	}

	env.Now = env.Now.AddDate(0, 0, 3)
	snap, _ = env.App.Tracker.ComputeSnapshot(env.Ctx, "c1", "r1", "scoping")
	if snap.RiskLevel != domain.RiskBreached {
		t.Fatalf("expected breached while untouched, got %s", snap.RiskLevel)
	}
}

func TestProgressMonotonicUnderCompletion(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.App.Tracker.InitializePhase(env.Ctx, "c1", "r1", "request_for_information", "tester"); err != nil {
		t.Fatal(err)
	}
	last := -1
	steps := [][2]string{
		{"issue_requests", "start"}, {"issue_requests", "complete"},
		{"collect_evidence", "start"}, {"collect_evidence", "complete"},
		{"validate_evidence", "start"}, {"validate_evidence", "complete"},
	}
	for _, s := range steps {
		env.transition(t, "request_for_information", s[0], s[1])
		snap, err := env.App.Tracker.ComputeSnapshot(env.Ctx, "c1", "r1", "request_for_information")
		if err != nil {
			t.Fatal(err)
		}
		if snap.Progress < last {
			t.Fatalf("progress went backwards: %d -> %d", last, snap.Progress)
		}
		last = snap.Progress
	}
	if last != 100 {
		t.Fatalf("expected 100%%, got %d", last)
	}
}
