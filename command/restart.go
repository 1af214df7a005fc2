package command

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
)

// ExecRestarter reboots the host with a configured command. Without a
// command it exits the process with a non-zero status and leaves the
// restart to the service supervisor.
type ExecRestarter struct {
	Command []string
	Logger  *slog.Logger

	// Before runs ahead of the restart, e.g. to flush storage.
	Before func()

	run  func(name string, args ...string) error
	exit func(code int)
}

func (r *ExecRestarter) Restart() error {
	if r.Before != nil {
		r.Before()
	}
	if len(r.Command) == 0 {
		r.Logger.Warn("exiting for supervisor restart")
		exit := r.exit
		if exit == nil {
			exit = os.Exit
		}
		exit(1)
		return nil
	}

	run := r.run
	if run == nil {
		run = func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		}
	}
	if err := run(r.Command[0], r.Command[1:]...); err != nil {
		return fmt.Errorf("run %v: %w", r.Command, err)
	}
	r.Logger.Info("restart command issued", "command", r.Command)
	return nil
}
