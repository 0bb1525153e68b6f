package audit

import (
	"context"
	"database/sql"
	"time"

	"siteline/internal/domain"
)

// Writer appends immutable field-change records to project_history.
// Appends happen inside the caller's transaction so state and audit commit
// together or not at all.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Change is one staged field mutation awaiting commit.
type Change struct {
	Field string
	Old   *string
	New   *string
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append writes a single history record within tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, projectID string, actor domain.Actor, c Change) error {
	ts := w.now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO project_history(project_id,changed_by,changed_by_name,field_name,old_value,new_value,created_at) VALUES (?,?,?,?,?,?,?)`,
		projectID, actor.ID, nullable(actor.DisplayName), c.Field, nullableFromPtr(c.Old), nullableFromPtr(c.New), ts)
	return err
}

// AppendAll writes one record per change, in order, within tx.
func (w Writer) AppendAll(ctx context.Context, tx *sql.Tx, projectID string, actor domain.Actor, changes []Change) error {
	for _, c := range changes {
		if err := w.Append(ctx, tx, projectID, actor, c); err != nil {
			return err
		}
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableFromPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
