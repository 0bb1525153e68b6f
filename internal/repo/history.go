package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"siteline/internal/domain"
)

const historyColumns = `id,project_id,changed_by,changed_by_name,field_name,old_value,new_value,created_at`

func scanHistory(rows rowScanner) (domain.HistoryEntry, error) {
	var h domain.HistoryEntry
	var name, oldVal, newVal sql.NullString
	var created string
	err := rows.Scan(&h.ID, &h.ProjectID, &h.ChangedBy, &name, &h.Field, &oldVal, &newVal, &created)
	if err != nil {
		return h, err
	}
	if h.CreatedAt, err = parseTS(created); err != nil {
		return h, fmt.Errorf("created_at: %w", err)
	}
	if name.Valid {
		h.ChangedByName = name.String
	}
	if oldVal.Valid {
		h.OldValue = &oldVal.String
	}
	if newVal.Valid {
		h.NewValue = &newVal.String
	}
	return h, nil
}

type HistoryFilters struct {
	ProjectID string
	Field     string
	ChangedBy string
	Limit     int
}

// ListHistory returns change records in canonical audit order.
func (r Repo) ListHistory(ctx context.Context, f HistoryFilters) ([]domain.HistoryEntry, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Field != "" {
		clauses = append(clauses, "field_name=?")
		args = append(args, f.Field)
	}
	if f.ChangedBy != "" {
		clauses = append(clauses, "changed_by=?")
		args = append(args, f.ChangedBy)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + historyColumns + ` FROM project_history ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// HistoryAfter returns records with IDs greater than the cursor in ascending
// order; the webhook dispatcher pages through the feed with it.
func (r Repo) HistoryAfter(ctx context.Context, limit int, cursor int64) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+historyColumns+` FROM project_history WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// LatestHistoryID returns the most recent history record ID.
func (r Repo) LatestHistoryID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM project_history`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
