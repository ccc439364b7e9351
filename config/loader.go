package config

import (
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// ProjectConfigFile is looked up in the working directory and its
	// parents.
	ProjectConfigFile = "changeops.yaml"
	// UserConfigDir holds the per-user config under $HOME.
	UserConfigDir = ".config/changeops"
	UserConfigFile = "config.yaml"
)

// Loader resolves configuration in layers: defaults, then the user file,
// then the project file, then environment overrides.
type Loader struct {
	logger *slog.Logger
}

func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load merges the layers and validates the result. Missing files are fine;
// unreadable ones are logged and skipped rather than failing startup.
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	userPath := l.userConfigPath()
	if userConfig, err := LoadFromFile(userPath); err == nil {
		l.logger.Debug("Loaded user config", slog.String("path", userPath))
		config.Merge(userConfig)
	} else if !os.IsNotExist(err) {
		l.logger.Warn("Failed to load user config",
			slog.String("path", userPath), slog.String("error", err.Error()))
	}

	if projectPath := l.findProjectConfig(); projectPath != "" {
		if projectConfig, err := LoadFromFile(projectPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectPath))
			config.Merge(projectConfig)
		} else {
			l.logger.Warn("Failed to load project config",
				slog.String("path", projectPath), slog.String("error", err.Error()))
		}
	}

	// CHANGEOPS_NATS_URL wins over the plain NATS_URL convention.
	if url := os.Getenv("CHANGEOPS_NATS_URL"); url != "" {
		config.NATS.URL = url
	} else if url := os.Getenv("NATS_URL"); url != "" {
		config.NATS.URL = url
	}
	if addr := os.Getenv("CHANGEOPS_HTTP_ADDR"); addr != "" {
		config.HTTP.Addr = addr
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// EnsureUserConfig writes the default user config if none exists yet.
func (l *Loader) EnsureUserConfig() error {
	path := l.userConfigPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := DefaultConfig().SaveToFile(path); err != nil {
		return err
	}
	l.logger.Info("Created default user config", slog.String("path", path))
	return nil
}

func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig walks from the working directory up to the filesystem
// root looking for changeops.yaml.
func (l *Loader) findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		path := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(path); err == nil {
			return path
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
