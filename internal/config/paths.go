package config

import (
	"os"
	"path/filepath"
	"sync"
)

// Paths holds standard fraude directory paths.
type Paths struct {
	// Home is the fraude home directory (~/.fraude)
	Home string

	// Data is the data directory (~/.fraude/data)
	Data string

	// Archive is the sqlite archive of finished interactions
	Archive string
}

var (
	paths     *Paths
	pathsOnce sync.Once
)

// GetPaths returns the singleton paths configuration.
// FRAUDE_HOME overrides the home directory.
func GetPaths() *Paths {
	pathsOnce.Do(func() {
		home := os.Getenv("FRAUDE_HOME")
		if home == "" {
			userHome, err := os.UserHomeDir()
			if err != nil {
				userHome = "."
			}
			home = filepath.Join(userHome, ".fraude")
		}
		paths = &Paths{
			Home:    home,
			Data:    filepath.Join(home, "data"),
			Archive: filepath.Join(home, "data", "interactions.db"),
		}
	})
	return paths
}

// ResetPaths clears the cached paths (for testing).
func ResetPaths() {
	pathsOnce = sync.Once{}
	paths = nil
}

// Path returns a path under the fraude home directory.
func Path(parts ...string) string {
	return filepath.Join(append([]string{GetPaths().Home}, parts...)...)
}

// EnsureDir creates a directory if it doesn't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
