package repo

import (
	"context"
	"database/sql"
	"strings"

	"regcycle/internal/domain"
)

const assignmentCols = `id,entity_type,entity_id,assignee,assignment_type,COALESCE(from_role,''),COALESCE(to_role,''),status,priority,due_date,requires_approval,COALESCE(approval_role,''),COALESCE(context_type,''),context_json,created_at,updated_at,resolved_at`

func scanAssignment(row activityScanner) (domain.Assignment, error) {
	var a domain.Assignment
	var requiresApproval int
	var dueDate, contextJSON, resolvedAt sql.NullString
	err := row.Scan(&a.ID, &a.EntityType, &a.EntityID, &a.Assignee, &a.AssignmentType, &a.FromRole, &a.ToRole,
		&a.Status, &a.Priority, &dueDate, &requiresApproval, &a.ApprovalRole, &a.ContextType, &contextJSON,
		&a.CreatedAt, &a.UpdatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.RequiresApproval = requiresApproval != 0
	if dueDate.Valid {
		a.DueDate = &dueDate.String
	}
	if contextJSON.Valid {
		a.ContextJSON = &contextJSON.String
	}
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.String
	}
	return a, nil
}

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assignments(id,entity_type,entity_id,assignee,assignment_type,from_role,to_role,status,priority,due_date,requires_approval,approval_role,context_type,context_json,created_at,updated_at,resolved_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.EntityType, a.EntityID, a.Assignee, a.AssignmentType, nullable(a.FromRole), nullable(a.ToRole),
		a.Status, a.Priority, nullableStringPtr(a.DueDate), boolInt(a.RequiresApproval), nullable(a.ApprovalRole),
		nullable(a.ContextType), nullableStringPtr(a.ContextJSON), a.CreatedAt, a.UpdatedAt, nullableStringPtr(a.ResolvedAt))
	return MapConstraintErr(err)
}

func (r Repo) UpdateAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET status=?, priority=?, due_date=?, context_json=?, updated_at=?, resolved_at=? WHERE id=?`,
		a.Status, a.Priority, nullableStringPtr(a.DueDate), nullableStringPtr(a.ContextJSON), a.UpdatedAt, nullableStringPtr(a.ResolvedAt), a.ID)
	if err != nil {
		return MapConstraintErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetAssignment(ctx context.Context, id string) (domain.Assignment, error) {
	return scanAssignment(r.DB.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE id=?`, id))
}

func (r Repo) GetAssignmentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Assignment, error) {
	return scanAssignment(tx.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE id=?`, id))
}

// GetActiveAssignment finds the single active assignment for a tuple, if any.
func (r Repo) GetActiveAssignment(ctx context.Context, entityType, entityID, assignee, assignmentType string) (domain.Assignment, error) {
	return scanAssignment(r.DB.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments
WHERE entity_type=? AND entity_id=? AND assignee=? AND assignment_type=? AND status IN (`+activeStatusPlaceholders+`)`,
		append([]any{entityType, entityID, assignee, assignmentType}, activeStatusArgs()...)...))
}

var activeStatusPlaceholders = strings.TrimSuffix(strings.Repeat("?,", len(domain.ActiveAssignmentStatuses)), ",")

func activeStatusArgs() []any {
	args := make([]any, len(domain.ActiveAssignmentStatuses))
	for i, s := range domain.ActiveAssignmentStatuses {
		args[i] = s
	}
	return args
}

type AssignmentFilters struct {
	Assignee       string
	Status         string
	EntityType     string
	EntityID       string
	AssignmentType string
	ActiveOnly     bool
	// IncludeDelegations extends assignee matching to assignments delegated
	// to them within an active window. Now must be set when used.
	IncludeDelegations bool
	Now                string
	Limit              int
}

func (r Repo) ListAssignments(ctx context.Context, f AssignmentFilters) ([]domain.Assignment, error) {
	var clauses []string
	var args []any
	if f.Assignee != "" {
		if f.IncludeDelegations {
			clauses = append(clauses, `(assignee=? OR id IN (SELECT assignment_id FROM delegations WHERE delegate=? AND starts_at<=? AND ends_at>? ))`)
			args = append(args, f.Assignee, f.Assignee, f.Now, f.Now)
		} else {
			clauses = append(clauses, "assignee=?")
			args = append(args, f.Assignee)
		}
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "status IN ("+activeStatusPlaceholders+")")
		args = append(args, activeStatusArgs()...)
	}
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.AssignmentType != "" {
		clauses = append(clauses, "assignment_type=?")
		args = append(args, f.AssignmentType)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + assignmentCols + ` FROM assignments ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListActiveDueAssignments returns active assignments carrying a due date,
// for the SLA sweep.
func (r Repo) ListActiveDueAssignments(ctx context.Context) ([]domain.Assignment, error) {
	query := `SELECT ` + assignmentCols + ` FROM assignments WHERE due_date IS NOT NULL AND status IN (` + activeStatusPlaceholders + `) ORDER BY due_date ASC`
	rows, err := r.DB.QueryContext(ctx, query, activeStatusArgs()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) AppendAssignmentHistory(ctx context.Context, tx *sql.Tx, h domain.AssignmentHistory) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assignment_history(id,assignment_id,action,actor,from_status,to_status,notes,ts) VALUES (?,?,?,?,?,?,?,?)`,
		h.ID, h.AssignmentID, h.Action, h.Actor, nullable(h.FromStatus), h.ToStatus, nullable(h.Notes), h.TS)
	return err
}

func (r Repo) ListAssignmentHistory(ctx context.Context, assignmentID string) ([]domain.AssignmentHistory, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,assignment_id,action,actor,COALESCE(from_status,''),to_status,COALESCE(notes,''),ts
FROM assignment_history WHERE assignment_id=? ORDER BY ts ASC, id ASC`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AssignmentHistory
	for rows.Next() {
		var h domain.AssignmentHistory
		if err := rows.Scan(&h.ID, &h.AssignmentID, &h.Action, &h.Actor, &h.FromStatus, &h.ToStatus, &h.Notes, &h.TS); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) InsertDelegation(ctx context.Context, tx *sql.Tx, d domain.Delegation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO delegations(id,assignment_id,delegate,reason,starts_at,ends_at,created_by,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, d.AssignmentID, d.Delegate, nullable(d.Reason), d.StartsAt, d.EndsAt, d.CreatedBy, d.CreatedAt)
	return err
}

func (r Repo) ListDelegations(ctx context.Context, assignmentID string) ([]domain.Delegation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,assignment_id,delegate,COALESCE(reason,''),starts_at,ends_at,created_by,created_at
FROM delegations WHERE assignment_id=? ORDER BY created_at ASC`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Delegation
	for rows.Next() {
		var d domain.Delegation
		if err := rows.Scan(&d.ID, &d.AssignmentID, &d.Delegate, &d.Reason, &d.StartsAt, &d.EndsAt, &d.CreatedBy, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
