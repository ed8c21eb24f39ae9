package app

import (
	"context"
	"fmt"
	"os"

	"github.com/stickypool/stickypool/internal/channel"
	"github.com/stickypool/stickypool/internal/worker"
	"github.com/stickypool/stickypool/pkg/utils"
)

// RunWorker runs the worker side of the process. Its identity and channel
// come from the environment set up by the master.
func RunWorker(ctx context.Context, registry *worker.Registry) int {
	env, err := channel.WorkerEnvFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "stickypool worker: %v\n", err)
		return 1
	}

	level, err := utils.ParseLogLevel(env.LogLevel)
	if err != nil {
		level = utils.INFO
	}
	logger, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:  level,
		Output: os.Stderr,
		Format: utils.FormatText,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "stickypool worker: %v\n", err)
		return 1
	}

	parent, err := channel.ConnectParent(env)
	if err != nil {
		logger.Error("Failed to open master channel", map[string]interface{}{"error": err.Error()})
		return 1
	}

	return worker.Run(ctx, worker.Options{
		Env:      env,
		Registry: registry,
		Parent:   parent,
		Logger:   logger,
		Signals:  true,
	})
}
