// Package paths resolves where the proxy keeps its data and logs.
// Supports development mode (go run) and binary mode.
package paths

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	basePath string
	dataPath string
	once     sync.Once
)

// IsBinaryMode returns true if running as a compiled binary (not go run).
func IsBinaryMode() bool {
	exe, err := os.Executable()
	if err != nil {
		return false
	}
	// go run builds into a temp dir
	return !strings.HasPrefix(exe, os.TempDir())
}

// BasePath is the directory holding the binary, or the working directory
// under go run.
func BasePath() string {
	once.Do(initPaths)
	return basePath
}

// DataPath is the data directory. LLM_PROXY_DATA_DIR overrides it.
func DataPath() string {
	once.Do(initPaths)
	return dataPath
}

// DBPath is the default SQLite database file.
func DBPath() string {
	return filepath.Join(DataPath(), "session-proxy.db")
}

// LogDir is the default log directory.
func LogDir() string {
	return filepath.Join(DataPath(), "logs")
}

func initPaths() {
	if IsBinaryMode() {
		exe, _ := os.Executable()
		basePath = filepath.Dir(exe)
	} else {
		basePath, _ = os.Getwd()
	}

	if dp := os.Getenv("LLM_PROXY_DATA_DIR"); dp != "" {
		dataPath = dp
	} else {
		dataPath = filepath.Join(basePath, "data")
	}
}
