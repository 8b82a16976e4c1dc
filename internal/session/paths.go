package session

import (
	"os"
	"path/filepath"
)

// EnvHome overrides the base directory.
const EnvHome = "CONVSYNC_HOME"

// BaseDir returns $CONVSYNC_HOME, or ~/.convsync.
func BaseDir() string {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".convsync")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// SocketPath returns the control API socket path for a session.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "api.sock")
}

// HealthSocketPath returns the gRPC health socket path for a session.
func HealthSocketPath(name string) string {
	return filepath.Join(Dir(name), "health.sock")
}

// LockPath returns the lock file path for a session.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// AppDBPath returns the path of the intent log and cache database.
func AppDBPath(name string) string {
	return filepath.Join(Dir(name), "convsync.db")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "convsyncd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnvFiles returns the .env files consulted for secrets. Earlier files
// win, so the session's takes precedence over the global one.
func EnvFiles(name string) []string {
	return []string{
		filepath.Join(Dir(name), ".env"),
		filepath.Join(BaseDir(), ".env"),
	}
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
