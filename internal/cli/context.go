package cli

import (
	"fmt"
	"path/filepath"

	"github.com/jvs-project/txfs/pkg/config"
	"github.com/jvs-project/txfs/pkg/logging"
	"github.com/jvs-project/txfs/pkg/txfs"
)

// resolveRoot returns the absolute --root directory.
func resolveRoot() (string, error) {
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	return abs, nil
}

// loadConfig loads the configuration under --root with --log-level applied.
func loadConfig() (string, *config.Config, error) {
	root, err := resolveRoot()
	if err != nil {
		return "", nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return "", nil, err
	}
	if logLevel != "" {
		if err := cfg.Set("logging.level", logLevel); err != nil {
			return "", nil, err
		}
	}
	return root, cfg, nil
}

// openClient opens a client on --root.
func openClient() (*txfs.Client, error) {
	root, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := txfs.NewLogger(cfg)
	logging.SetGlobal(logger)
	return txfs.Open(root, txfs.Options{Config: cfg, Logger: logger})
}
