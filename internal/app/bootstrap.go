package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"centuria/internal/config"
	"centuria/internal/db"
	"centuria/internal/domain"
	"centuria/internal/engine"
	"centuria/internal/migrate"
	"centuria/internal/repo"
)

// Open opens the workspace database, applies migrations, loads the config
// (seeding the default one if missing) and seeds configured administrators.
func Open(ctx context.Context, workspace string) (*sql.DB, *config.Config, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if err := EnsureAdmins(ctx, repo.Repo{DB: conn}, cfg); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, cfg, nil
}

// NewEngine is the standard wiring used by the CLI and the server.
func NewEngine(ctx context.Context, workspace string) (engine.Engine, error) {
	conn, cfg, err := Open(ctx, workspace)
	if err != nil {
		return engine.Engine{}, err
	}
	return engine.New(conn, cfg), nil
}

// EnsureAdmins registers every configured administrator identifier.
// Existing persons are only ever raised, never lowered: an identifier
// already holding a rank keeps it.
func EnsureAdmins(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	if len(cfg.AdminIDs) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := time.Now().UTC().Format(time.RFC3339)
	for _, id := range cfg.AdminIDs {
		existing, err := r.GetPersonTx(ctx, tx, id)
		if err == nil {
			if existing.Role == domain.RoleAdministrator {
				continue
			}
			if err := r.SetRoleTx(ctx, tx, id, domain.RoleAdministrator, now); err != nil {
				return fmt.Errorf("raise admin %s: %w", id, err)
			}
			continue
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		p := domain.Person{ID: id, Role: domain.RoleAdministrator, CreatedAt: now, UpdatedAt: now}
		if err := r.UpsertPersonTx(ctx, tx, p); err != nil {
			return fmt.Errorf("seed admin %s: %w", id, err)
		}
	}
	return tx.Commit()
}
