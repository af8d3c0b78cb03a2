package commands

import (
	"os"
	"path/filepath"

	"github.com/mtrencseni/aiomemq/internal/core/config"
)

type Flags struct {
	LogLevel   string
	LogFile    string
	LogFormat  string
	ConfigPath string

	// Config is loaded in the Before hook and available to all commands.
	// It is not validated there; commands that need a valid config call
	// Validate after applying their own overrides.
	Config *config.Config
}

// DefaultConfigPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, _ := os.UserHomeDir()
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "aiomemq", "config.yaml")
}
