package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"regcycle/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// MapConstraintErr converts a sqlite uniqueness violation into ErrDuplicate
// so callers can implement idempotent create without a racy existence check.
func MapConstraintErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicate
	}
	return err
}

const activityStateCols = `id,cycle_id,report_id,phase,activity_code,status,is_blocked,COALESCE(blocking_reason,''),started_at,completed_at,metadata_json,created_at,updated_at`

type activityScanner interface {
	Scan(dest ...any) error
}

func scanActivityState(row activityScanner) (domain.ActivityState, error) {
	var a domain.ActivityState
	var blocked int
	var startedAt, completedAt, metadata sql.NullString
	err := row.Scan(&a.ID, &a.CycleID, &a.ReportID, &a.Phase, &a.ActivityCode, &a.Status,
		&blocked, &a.BlockingReason, &startedAt, &completedAt, &metadata, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.IsBlocked = blocked != 0
	if startedAt.Valid {
		a.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		a.CompletedAt = &completedAt.String
	}
	if metadata.Valid {
		a.MetadataJSON = &metadata.String
	}
	return a, nil
}

func (r Repo) InsertActivityState(ctx context.Context, tx *sql.Tx, a domain.ActivityState, seq int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO activity_states(id,cycle_id,report_id,phase,activity_code,status,is_blocked,blocking_reason,started_at,completed_at,metadata_json,seq,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.CycleID, a.ReportID, a.Phase, a.ActivityCode, a.Status, boolInt(a.IsBlocked), nullable(a.BlockingReason),
		nullableStringPtr(a.StartedAt), nullableStringPtr(a.CompletedAt), nullableStringPtr(a.MetadataJSON), seq, a.CreatedAt, a.UpdatedAt)
	return MapConstraintErr(err)
}

func (r Repo) UpdateActivityState(ctx context.Context, tx *sql.Tx, a domain.ActivityState) error {
	res, err := tx.ExecContext(ctx, `UPDATE activity_states SET status=?, is_blocked=?, blocking_reason=?, started_at=?, completed_at=?, metadata_json=?, updated_at=? WHERE id=?`,
		a.Status, boolInt(a.IsBlocked), nullable(a.BlockingReason), nullableStringPtr(a.StartedAt),
		nullableStringPtr(a.CompletedAt), nullableStringPtr(a.MetadataJSON), a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetActivityState(ctx context.Context, cycleID, reportID, phase, code string) (domain.ActivityState, error) {
	return scanActivityState(r.DB.QueryRowContext(ctx,
		`SELECT `+activityStateCols+` FROM activity_states WHERE cycle_id=? AND report_id=? AND phase=? AND activity_code=?`,
		cycleID, reportID, phase, code))
}

func (r Repo) GetActivityStateTx(ctx context.Context, tx *sql.Tx, cycleID, reportID, phase, code string) (domain.ActivityState, error) {
	return scanActivityState(tx.QueryRowContext(ctx,
		`SELECT `+activityStateCols+` FROM activity_states WHERE cycle_id=? AND report_id=? AND phase=? AND activity_code=?`,
		cycleID, reportID, phase, code))
}

func (r Repo) ListPhaseActivities(ctx context.Context, cycleID, reportID, phase string) ([]domain.ActivityState, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+activityStateCols+` FROM activity_states WHERE cycle_id=? AND report_id=? AND phase=? ORDER BY seq ASC, activity_code ASC`,
		cycleID, reportID, phase)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectActivities(rows)
}

func (r Repo) ListPhaseActivitiesTx(ctx context.Context, tx *sql.Tx, cycleID, reportID, phase string) ([]domain.ActivityState, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+activityStateCols+` FROM activity_states WHERE cycle_id=? AND report_id=? AND phase=? ORDER BY seq ASC, activity_code ASC`,
		cycleID, reportID, phase)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectActivities(rows)
}

func collectActivities(rows *sql.Rows) ([]domain.ActivityState, error) {
	var res []domain.ActivityState
	for rows.Next() {
		a, err := scanActivityState(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) DeletePhaseActivities(ctx context.Context, tx *sql.Tx, cycleID, reportID, phase string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM activity_states WHERE cycle_id=? AND report_id=? AND phase=?`,
		cycleID, reportID, phase)
	return err
}

// SetDataSource records whether an active data-source configuration exists
// for a (cycle, report). Consumed by conditional-skip evaluation.
func (r Repo) SetDataSource(ctx context.Context, cycleID, reportID string, active bool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO data_sources(cycle_id,report_id,active,updated_at) VALUES (?,?,?,?)
ON CONFLICT(cycle_id,report_id) DO UPDATE SET active=excluded.active, updated_at=excluded.updated_at`,
		cycleID, reportID, boolInt(active), now)
	return err
}

func (r Repo) HasDataSource(ctx context.Context, cycleID, reportID string) (bool, error) {
	var active int
	err := r.DB.QueryRowContext(ctx, `SELECT active FROM data_sources WHERE cycle_id=? AND report_id=?`,
		cycleID, reportID).Scan(&active)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return active != 0, nil
}

// LatestEvents returns recent audit rows, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, cycleID, reportID, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if cycleID != "" {
		clauses = append(clauses, "cycle_id=?")
		args = append(args, cycleID)
	}
	if reportID != "" {
		clauses = append(clauses, "report_id=?")
		args = append(args, reportID)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,COALESCE(cycle_id,''),COALESCE(report_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.CycleID, &e.ReportID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
