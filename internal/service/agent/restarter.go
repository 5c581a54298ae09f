package agent

import (
	"context"
	"os/exec"

	"github.com/roehann/cota/internal/logger"
)

// ExecRestarter restarts the device firmware by starting the configured
// entry command. An empty command means the agent runs under a process
// supervisor that restarts the firmware when the agent exits.
type ExecRestarter struct {
	// Command is the executable and its arguments.
	Command []string
}

// Restart starts the entry command without waiting for it to finish. The
// entry process must outlive the agent, which exits right after a successful
// update, so the command is deliberately not bound to the agent's context
// and its handle is released.
func (r ExecRestarter) Restart(ctx context.Context) error {
	if len(r.Command) == 0 {
		logger.Info(ctx, "No restart command configured, restart delegated to supervisor")
		return nil
	}

	logger.InfoKV(ctx, "Starting firmware entry command", "command", r.Command)

	cmd := exec.Command(r.Command[0], r.Command[1:]...)
	if err := cmd.Start(); err != nil {
		return err
	}

	return cmd.Process.Release()
}
