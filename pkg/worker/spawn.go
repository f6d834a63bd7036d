package worker

import (
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"

	"github.com/joeydtaylor/steeze-tunnel/pkg/manifest"
)

// Spawn launches the configured worker process with piped stdin/stdout
// (stderr is inherited so worker diagnostics reach the gateway's stderr) and
// wires it into a Channel. The channel owns the process: it observes exit and
// drains in-flight requests when that happens.
func Spawn(cfg manifest.Worker, log *zap.Logger) (*Channel, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("spawn worker: no command configured")
	}
	if log == nil {
		log = zap.NewNop()
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn worker: stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn worker: stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}

	ch := New(stdin, stdout, Options{
		MaxInFlight:    cfg.MaxInFlight,
		RequestTimeout: cfg.RequestTimeout(),
		ShutdownGrace:  cfg.ShutdownGrace(),
		Logger:         log,
	})
	ch.proc = cmd.Process
	ch.exited = make(chan struct{})

	go func() {
		err := cmd.Wait()
		close(ch.exited)
		if err != nil {
			ch.log.Warn("worker process exited", zap.Error(err))
		} else {
			ch.log.Info("worker process exited")
		}
		ch.terminate("process exited")
	}()

	log.Info("worker spawned",
		zap.String("channel", ch.id),
		zap.String("command", cfg.Command),
		zap.Strings("args", cfg.Args),
		zap.Int("pid", cmd.Process.Pid),
	)
	return ch, nil
}
