package app

import (
	"fmt"
	"path/filepath"

	"gridconsent/internal/config"
)

// ResolveConfig picks the configuration for a command. An explicit file
// wins, then gridconsent.yml in the workspace, then the built-in defaults.
// A relative sqlite workspace is resolved against the given workspace.
func ResolveConfig(configPath, workspace string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case configPath != "":
		cfg, err = config.FromFile(configPath)
	default:
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if workspace != "" && !filepath.IsAbs(cfg.Database.Workspace) {
		cfg.Database.Workspace = filepath.Join(workspace, cfg.Database.Workspace)
	}
	return cfg, nil
}
