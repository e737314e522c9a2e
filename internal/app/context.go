package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"bitacora/internal/config"
	"bitacora/internal/domain"
	"bitacora/internal/repo"
)

// Bootstrap ensures a workspace has a config file and a seed admin user.
// Missing pieces are created; existing ones are left alone.
func Bootstrap(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		projectID := projectIDFor(workspace)
		cfg = config.Default(projectID)
		if err := os.WriteFile(config.Path(workspace), []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
			return nil, fmt.Errorf("seed config: %w", err)
		}
	}
	if err := ensureAdmin(ctx, r); err != nil {
		return nil, err
	}
	return cfg, nil
}

func projectIDFor(workspace string) string {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return "bitacora"
	}
	base := filepath.Base(abs)
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "bitacora"
	}
	return base
}

func ensureAdmin(ctx context.Context, r repo.Repo) error {
	_, err := r.GetUser(ctx, "admin")
	if err == nil {
		return nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	admin := domain.User{
		ID:        "admin",
		FullName:  "Administrator",
		Role:      domain.RoleAdmin,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.InsertUser(ctx, nil, admin, ""); err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}
	return nil
}
