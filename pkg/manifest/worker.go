package manifest

import (
	"errors"
	"time"
)

// Worker describes the external worker process. An empty command means no
// worker is spawned and only local handlers serve requests.
type Worker struct {
	Command          string   `toml:"command"`
	Args             []string `toml:"args"`
	Dir              string   `toml:"dir"`
	Env              []string `toml:"env"` // extra KEY=VALUE entries
	MaxInFlight      int      `toml:"max_in_flight"`
	RequestTimeoutMS int      `toml:"request_timeout_ms"`
	ShutdownGraceMS  int      `toml:"shutdown_grace_ms"`
}

func (w *Worker) validate() error {
	if w.MaxInFlight < 0 || w.RequestTimeoutMS < 0 || w.ShutdownGraceMS < 0 {
		return errors.New("worker bounds must be >= 0")
	}
	if w.MaxInFlight == 0 {
		w.MaxInFlight = 256
	}
	if w.RequestTimeoutMS == 0 {
		w.RequestTimeoutMS = 30_000
	}
	if w.ShutdownGraceMS == 0 {
		w.ShutdownGraceMS = 3_000
	}
	return nil
}

func (w Worker) RequestTimeout() time.Duration {
	return time.Duration(w.RequestTimeoutMS) * time.Millisecond
}

func (w Worker) ShutdownGrace() time.Duration {
	return time.Duration(w.ShutdownGraceMS) * time.Millisecond
}
