package domain

import (
	"context"
	"os"
)

// SpawnSpec describes the process to launch for a worker.
type SpawnSpec struct {
	Command string
	Args    []string
	Env     []string
	WorkDir string
}

// ProcessHandle is a live spawned process. Implementations invoke the exit
// and error callbacks at most once, from a background goroutine.
type ProcessHandle interface {
	// PID returns the OS process id.
	PID() int
	// Kill sends sig to the process.
	Kill(sig os.Signal) error
	// OnExit registers a callback invoked with the exit code when the
	// process terminates.
	OnExit(fn func(code int))
	// OnError registers a callback invoked if the process fails outside
	// of normal exit (e.g., wait error).
	OnError(fn func(err error))
	// Output returns the buffered combined output captured so far.
	Output() string
}

// ProcessSpawner launches worker processes. Implementations are external
// collaborators of the fleet manager.
type ProcessSpawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (ProcessHandle, error)
}
