package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// LockfileData is the JSON structure stored in the server lockfile.
type LockfileData struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	Token     string    `json:"token,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// LockfileName is the filename of the server lockfile.
const LockfileName = "parley.lock"

// LockfilePath returns the path to the lockfile under dataDir.
func LockfilePath(dataDir string) string {
	return filepath.Join(dataDir, LockfileName)
}

// WriteLockfile writes the lockfile with the current PID, port, and token.
func WriteLockfile(dataDir string, port int, token string) error {
	data := LockfileData{
		PID:       os.Getpid(),
		Port:      port,
		Token:     token,
		StartedAt: time.Now(),
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling lockfile: %w", err)
	}
	return os.WriteFile(LockfilePath(dataDir), b, 0o600)
}

// ReadLockfile reads and parses the lockfile.
// Returns an error if the file does not exist or cannot be parsed.
func ReadLockfile(dataDir string) (*LockfileData, error) {
	b, err := os.ReadFile(LockfilePath(dataDir))
	if err != nil {
		return nil, fmt.Errorf("reading lockfile: %w", err)
	}
	var lf LockfileData
	if err := json.Unmarshal(b, &lf); err != nil {
		return nil, fmt.Errorf("parsing lockfile: %w", err)
	}
	return &lf, nil
}

// RemoveLockfile removes the lockfile.
func RemoveLockfile(dataDir string) error {
	if err := os.Remove(LockfilePath(dataDir)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lockfile: %w", err)
	}
	return nil
}

// IsLockfileStale checks whether the lockfile refers to a running, healthy
// server. Returns true if the lockfile is stale (process dead or not
// responding).
func IsLockfileStale(lf *LockfileData) bool {
	if !IsProcessAlive(lf.PID) {
		return true
	}
	// PID is alive -- verify with HTTP health check
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/api/health", lf.Port))
	if err != nil {
		return true
	}
	resp.Body.Close()
	return resp.StatusCode != http.StatusOK
}
