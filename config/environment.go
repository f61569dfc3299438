package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Environment is the deployment stage read from APP_ENV.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

var environmentAliases = map[string]Environment{
	"dev":   Development,
	"prod":  Production,
	"stage": Staging,
	"stag":  Staging,
}

// CurrentEnvironment returns the normalised APP_ENV, development when unset.
func CurrentEnvironment() Environment {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV")))
	if env == "" {
		return Development
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return Environment(env)
}

// ProductionLike reports whether e hosts real players. Such deployments must
// not lose market state with the host.
func (e Environment) ProductionLike() bool {
	return e == Production || e == Staging
}

// resolvePath picks the file to load. An empty path means defaultPath, and
// for the default file a sibling named after the environment, such as
// config.production.yml, takes precedence when it exists. Explicit paths are
// used as given.
func resolvePath(path, defaultPath string, env Environment) string {
	if path != "" && path != defaultPath {
		return path
	}
	if variant := envVariant(defaultPath, env); variant != "" {
		return variant
	}
	return defaultPath
}

func envVariant(path string, env Environment) string {
	if env == Development || env == "" {
		return ""
	}
	ext := filepath.Ext(path)
	variant := strings.TrimSuffix(path, ext) + "." + string(env) + ext
	if info, err := os.Stat(variant); err == nil && !info.IsDir() {
		return variant
	}
	return ""
}

// validateEnvironment applies the stricter rules of production-like
// deployments: snapshots are backed up to S3 on an interval and logs are
// machine readable.
func validateEnvironment(cfg *Config, env Environment) error {
	if !env.ProductionLike() {
		return nil
	}
	if !cfg.Persistence.S3Backup {
		return fmt.Errorf("persistence.s3_backup is required in %s", env)
	}
	if cfg.Persistence.AutosaveInterval <= 0 {
		return fmt.Errorf("persistence.autosave_interval must be greater than 0 in %s", env)
	}
	if cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be json in %s", env)
	}
	return nil
}
