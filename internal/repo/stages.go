package repo

import (
	"context"
	"database/sql"

	"siteline/internal/domain"
)

// PercentForTx looks up the completion percent for (houseType, stage).
// Exact match on both keys; misses return ErrNotFound.
func (r Repo) PercentForTx(ctx context.Context, tx *sql.Tx, houseType domain.HouseType, stage string) (int, error) {
	var pct int
	err := tx.QueryRowContext(ctx, `SELECT percent FROM stage_configs WHERE house_type=? AND stage=?`, houseType, stage).Scan(&pct)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return pct, err
}

func (r Repo) PercentFor(ctx context.Context, houseType domain.HouseType, stage string) (int, error) {
	var pct int
	err := r.DB.QueryRowContext(ctx, `SELECT percent FROM stage_configs WHERE house_type=? AND stage=?`, houseType, stage).Scan(&pct)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return pct, err
}

// ListStages returns the catalog list for a house type in build order.
func (r Repo) ListStages(ctx context.Context, houseType domain.HouseType) ([]domain.StageConfig, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT house_type,stage,percent,sort_order FROM stage_configs WHERE house_type=? ORDER BY sort_order ASC`, houseType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageConfig
	for rows.Next() {
		var sc domain.StageConfig
		if err := rows.Scan(&sc.HouseType, &sc.Stage, &sc.Percent, &sc.SortOrder); err != nil {
			return nil, err
		}
		res = append(res, sc)
	}
	return res, rows.Err()
}

// FirstStage returns the opening catalog entry for a house type.
func (r Repo) FirstStage(ctx context.Context, houseType domain.HouseType) (domain.StageConfig, error) {
	var sc domain.StageConfig
	err := r.DB.QueryRowContext(ctx, `SELECT house_type,stage,percent,sort_order FROM stage_configs WHERE house_type=? ORDER BY sort_order ASC LIMIT 1`, houseType).
		Scan(&sc.HouseType, &sc.Stage, &sc.Percent, &sc.SortOrder)
	if err == sql.ErrNoRows {
		return sc, ErrNotFound
	}
	return sc, err
}

// ReplaceCatalog swaps the stored list for a house type with the given
// entries. Administrative reseeding only; the engine never calls this.
func (r Repo) ReplaceCatalog(ctx context.Context, houseType domain.HouseType, entries []domain.StageConfig) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM stage_configs WHERE house_type=?`, houseType); err != nil {
		return err
	}
	for i, e := range entries {
		if _, err := tx.ExecContext(ctx, `INSERT INTO stage_configs(house_type,stage,percent,sort_order) VALUES (?,?,?,?)`,
			houseType, e.Stage, e.Percent, i+1); err != nil {
			return err
		}
	}
	return tx.Commit()
}
