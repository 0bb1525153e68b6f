package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"siteline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const projectColumns = `id,code,name,house_type,stage,percent_complete,status,start_date,original_target,target_finish,actual_finish,delay_days,is_delayed,delay_reason,assigned_to_id,notes,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	var start, original, target, created, updated string
	var actual, delayReason, assignedTo, notes sql.NullString
	var isDelayed int
	err := row.Scan(&p.ID, &p.Code, &p.Name, &p.HouseType, &p.Stage, &p.PercentComplete, &p.Status,
		&start, &original, &target, &actual, &p.DelayDays, &isDelayed, &delayReason, &assignedTo, &notes,
		&created, &updated)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if p.StartDate, err = parseTS(start); err != nil {
		return p, fmt.Errorf("start_date: %w", err)
	}
	if p.OriginalTarget, err = parseTS(original); err != nil {
		return p, fmt.Errorf("original_target: %w", err)
	}
	if p.TargetFinish, err = parseTS(target); err != nil {
		return p, fmt.Errorf("target_finish: %w", err)
	}
	if actual.Valid {
		t, err := parseTS(actual.String)
		if err != nil {
			return p, fmt.Errorf("actual_finish: %w", err)
		}
		p.ActualFinish = &t
	}
	if p.CreatedAt, err = parseTS(created); err != nil {
		return p, fmt.Errorf("created_at: %w", err)
	}
	if p.UpdatedAt, err = parseTS(updated); err != nil {
		return p, fmt.Errorf("updated_at: %w", err)
	}
	p.IsDelayed = isDelayed != 0
	if delayReason.Valid {
		p.DelayReason = delayReason.String
	}
	if assignedTo.Valid {
		p.AssignedToID = &assignedTo.String
	}
	if notes.Valid {
		p.Notes = notes.String
	}
	return p, nil
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Code, p.Name, p.HouseType, p.Stage, p.PercentComplete, p.Status,
		formatTS(p.StartDate), formatTS(p.OriginalTarget), formatTS(p.TargetFinish), formatTSPtr(p.ActualFinish),
		p.DelayDays, boolToInt(p.IsDelayed), nullable(p.DelayReason), nullableStringPtr(p.AssignedToID), nullable(p.Notes),
		formatTS(p.CreatedAt), formatTS(p.UpdatedAt))
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return fmt.Errorf("project code %s already exists", p.Code)
	}
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

// GetProjectTx loads the row inside tx so diffs run against the value the
// transaction will overwrite.
func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return scanProject(tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectByCode(ctx context.Context, code string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE code=?`, code))
}

// UpdateProjectTx writes the full mutable field set in one statement.
func (r Repo) UpdateProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET code=?, name=?, house_type=?, stage=?, percent_complete=?, status=?, start_date=?, target_finish=?, actual_finish=?, delay_days=?, is_delayed=?, delay_reason=?, assigned_to_id=?, notes=?, updated_at=? WHERE id=?`,
		p.Code, p.Name, p.HouseType, p.Stage, p.PercentComplete, p.Status,
		formatTS(p.StartDate), formatTS(p.TargetFinish), formatTSPtr(p.ActualFinish),
		p.DelayDays, boolToInt(p.IsDelayed), nullable(p.DelayReason), nullableStringPtr(p.AssignedToID), nullable(p.Notes),
		formatTS(p.UpdatedAt), p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ProjectFilters struct {
	Status       string
	HouseType    string
	AssignedToID string
	Limit        int
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilters) ([]domain.Project, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.HouseType != "" {
		clauses = append(clauses, "house_type=?")
		args = append(args, f.HouseType)
	}
	if f.AssignedToID != "" {
		clauses = append(clauses, "assigned_to_id=?")
		args = append(args, f.AssignedToID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + projectColumns + ` FROM projects ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListProjectIDs returns ids of projects not yet completed, oldest first.
// The compliance sweep walks this list.
func (r Repo) ListProjectIDs(ctx context.Context, excludeCompleted bool) ([]string, error) {
	query := `SELECT id FROM projects ORDER BY created_at ASC, id ASC`
	if excludeCompleted {
		query = `SELECT id FROM projects WHERE status != 'completed' ORDER BY created_at ASC, id ASC`
	}
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- helpers ---

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func formatTS(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTSPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTS(*t)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
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
