package executor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testfleet/orchestrator/internal/executor"
)

func TestProcessExecutorSuccess(t *testing.T) {
	e := executor.NewProcessExecutor("true", nil)

	result, err := e.Execute(context.Background(), "@smoke")
	require.NoError(t, err)
	assert.Equal(t, "Execution Successful", result.Status)
	assert.Equal(t, 0, result.FailureCount)
	assert.NotEmpty(t, result.RunID)
}

func TestProcessExecutorFailures(t *testing.T) {
	// exit code carries the failure count
	e := executor.NewProcessExecutor("sh", []string{"-c", "exit 3", "--"})

	result, err := e.Execute(context.Background(), "@smoke")
	require.NoError(t, err)
	assert.Equal(t, 3, result.FailureCount)
	assert.Contains(t, result.Status, "Failures: 3")
}

func TestProcessExecutorMissingCommand(t *testing.T) {
	e := executor.NewProcessExecutor("/nonexistent/runner", nil)

	_, err := e.Execute(context.Background(), "@smoke")
	require.Error(t, err)
}

func TestProcessExecutorCancellation(t *testing.T) {
	e := executor.NewProcessExecutor("sh", []string{"-c", "sleep 10", "--"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := e.Execute(ctx, "@smoke")
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestGenerateRunID(t *testing.T) {
	a := executor.GenerateRunID()
	b := executor.GenerateRunID()
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "run-")
}
