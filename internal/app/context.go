package app

import (
	"context"
	"errors"

	"planline/internal/config"
	"planline/internal/repo"
)

// ResolveProjectAndConfig determines the active project and its config.
// Precedence: explicit flag, workspace planline.yml, the single project in the
// database.
func ResolveProjectAndConfig(ctx context.Context, workspace, flagProject string, r repo.Repo) (string, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	projectID := flagProject
	if projectID == "" && cfg != nil {
		projectID = cfg.Project.ID
	}
	if projectID == "" {
		p, err := r.SingleProject(ctx)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", nil, errors.New("no project found; create one with pl project create --id <id>")
			}
			return "", nil, err
		}
		projectID = p.ID
	}
	if cfg == nil {
		cfg = config.Default(projectID)
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}
