package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"siteline/internal/config"
	"siteline/internal/db"
	"siteline/internal/domain"
	"siteline/internal/engine"
	"siteline/internal/migrate"
	"siteline/internal/repo"
)

// Env bundles the open database, effective config and wired engine for one
// workspace. Close when done.
type Env struct {
	DB     *sql.DB
	Config *config.Config
	Repo   repo.Repo
	Engine engine.Engine
}

// Open prepares a workspace: ensures the data directory, opens the
// database, applies migrations and loads siteline.yml (falling back to the
// built-in defaults when absent).
func Open(workspace string) (*Env, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", db.Path(workspace), err)
	}
	return &Env{
		DB:     conn,
		Config: cfg,
		Repo:   repo.Repo{DB: conn},
		Engine: engine.New(conn, cfg),
	}, nil
}

func (e *Env) Close() error {
	return e.DB.Close()
}

// ResolveProject accepts either a project id or a project code, in that
// lookup order.
func (e *Env) ResolveProject(ctx context.Context, ref string) (domain.Project, error) {
	if ref == "" {
		return domain.Project{}, fmt.Errorf("project not specified; use --project")
	}
	p, err := e.Repo.GetProject(ctx, ref)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, err
	}
	return e.Repo.GetProjectByCode(ctx, ref)
}

// SyncCatalog replaces the stored stage catalog with the lists declared in
// config. House types absent from config keep their stored rows.
func (e *Env) SyncCatalog(ctx context.Context) error {
	if e.Config == nil || len(e.Config.Catalog) == 0 {
		return nil
	}
	for houseType, stages := range e.Config.Catalog {
		ht := domain.HouseType(houseType)
		entries := make([]domain.StageConfig, 0, len(stages))
		for i, s := range stages {
			entries = append(entries, domain.StageConfig{
				HouseType: ht,
				Stage:     s.Stage,
				Percent:   s.Percent,
				SortOrder: i,
			})
		}
		if err := e.Repo.ReplaceCatalog(ctx, ht, entries); err != nil {
			return fmt.Errorf("catalog %s: %w", houseType, err)
		}
	}
	return nil
}
