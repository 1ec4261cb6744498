// Package executor is the seam to the subsystem that actually runs a test
// suite. The orchestration core only depends on the Executor interface;
// the process-backed implementation lives here as the default collaborator.
package executor

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	api "github.com/testfleet/orchestrator/api/v1alpha1"
)

// Executor runs the test suite selected by tag and reports the outcome.
// Implementations must be safely callable from a detached worker and should
// observe ctx cancellation.
type Executor interface {
	Execute(ctx context.Context, tag string) (*api.JobResult, error)
}

// ProcessExecutor shells out to the configured runner command, appending
// the tag as the last argument. Cancelling the context kills the external
// process, so a cancelled job does not leave the suite running behind the
// orchestrator's back.
type ProcessExecutor struct {
	command string
	args    []string
}

var _ Executor = (*ProcessExecutor)(nil)

func NewProcessExecutor(command string, args []string) *ProcessExecutor {
	return &ProcessExecutor{command: command, args: args}
}

func (e *ProcessExecutor) Execute(ctx context.Context, tag string) (*api.JobResult, error) {
	runID := GenerateRunID()

	args := append(append([]string{}, e.args...), tag)
	cmd := exec.CommandContext(ctx, e.command, args...)
	cmd.Env = append(cmd.Environ(),
		fmt.Sprintf("RUN_ID=%s", runID),
		fmt.Sprintf("SUITE_FILTER_TAGS=%s", tag),
	)

	start := time.Now()
	zap.S().Named("executor").Infow("starting suite run", "run_id", runID, "tag", tag, "command", e.command)

	output, err := cmd.CombinedOutput()
	duration := time.Since(start)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("running suite command: %w", err)
		}

		// non-zero exit reports the number of failed scenarios
		failures := exitErr.ExitCode()
		zap.S().Named("executor").Infow("suite run completed with failures",
			"run_id", runID, "tag", tag, "failures", failures, "duration", duration)
		return &api.JobResult{
			Status:       fmt.Sprintf("Execution Completed with Failures: %d", failures),
			FailureCount: failures,
			RunID:        runID,
		}, nil
	}

	zap.S().Named("executor").Infow("suite run successful",
		"run_id", runID, "tag", tag, "duration", duration, "output_bytes", len(output))
	return &api.JobResult{
		Status:       "Execution Successful",
		FailureCount: 0,
		RunID:        runID,
	}, nil
}

// GenerateRunID produces a correlation id for a single suite run.
func GenerateRunID() string {
	return fmt.Sprintf("run-%s-%s",
		time.Now().UTC().Format("20060102-150405"),
		strings.Split(uuid.NewString(), "-")[0],
	)
}
