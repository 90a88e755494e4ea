package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths contains the standard XDG-style directories the host reads and
// writes: configuration files, persisted sessions, log files, and cache.
type Paths struct {
	Data   string // ~/.local/share/acphost
	Config string // ~/.config/acphost
	Cache  string // ~/.cache/acphost
	State  string // ~/.local/state/acphost
}

// GetPaths returns the standard paths for the host's on-disk state,
// honoring XDG_* overrides where set.
func GetPaths() *Paths {
	return &Paths{
		Data:   filepath.Join(getEnvOrDefault("XDG_DATA_HOME", defaultDataHome()), "acphost"),
		Config: filepath.Join(getEnvOrDefault("XDG_CONFIG_HOME", defaultConfigHome()), "acphost"),
		Cache:  filepath.Join(getEnvOrDefault("XDG_CACHE_HOME", defaultCacheHome()), "acphost"),
		State:  filepath.Join(getEnvOrDefault("XDG_STATE_HOME", defaultStateHome()), "acphost"),
	}
}

// EnsurePaths creates all four directories if they don't already exist.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Data, p.Config, p.Cache, p.State} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// StoragePath returns the directory sessions are persisted under.
func (p *Paths) StoragePath() string {
	return filepath.Join(p.Data, "sessions")
}

// LogPath returns the directory log files are written under.
func (p *Paths) LogPath() string {
	return filepath.Join(p.State, "log")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultDataHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "share")
}

func defaultConfigHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".config")
}

func defaultCacheHome() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("APPDATA"), "cache")
	}
	return filepath.Join(os.Getenv("HOME"), ".cache")
}

func defaultStateHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "state")
}

// GlobalConfigPath returns the conventional path for the global config file,
// extension-less — Load probes config.toml, config.yaml, config.json in turn.
func GlobalConfigPath() string {
	return filepath.Join(GetPaths().Config, "config")
}

// ProjectConfigPath returns the conventional project-local config directory.
func ProjectConfigPath(directory string) string {
	return filepath.Join(directory, ".acphost")
}
