package agent

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const lockFileName = "agent.lock"

// acquireLock takes the state-dir file lock that limits a host to one
// running agent. The caller unlocks it on shutdown.
func acquireLock(stateDir string) (*flock.Flock, error) {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state dir %s: %w", stateDir, err)
	}

	lock := flock.New(filepath.Join(stateDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire agent lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another agent is already running (lock held on %s)", lock.Path())
	}
	return lock, nil
}
