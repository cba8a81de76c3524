package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-block-flow/internal/execution"
	"github.com/ramiqadoumi/go-block-flow/services/coordinator/config"
)

var smokeCmd = &cobra.Command{
	Use:   "smoke",
	Short: "Run one synthetic task execution end to end",
	Long: `Start an execution of a synthetic task against the configured Postgres,
Redis and Kafka, request numeric range blocks, complete them and complete the
execution. Use it to check a deployment before pointing real tasks at it.`,
	RunE: runSmoke,
}

func init() {
	smokeCmd.Flags().String("application", "blockflow", "application of the synthetic task")
	smokeCmd.Flags().String("task", "smoke", "name of the synthetic task")
	smokeCmd.Flags().Int64("size", 1000, "size of the numeric range to partition")
	smokeCmd.Flags().Int64("block-size", 250, "maximum size of one block")
}

func runSmoke(cmd *cobra.Command, _ []string) error {
	application, _ := cmd.Flags().GetString("application")
	task, _ := cmd.Flags().GetString("task")
	size, _ := cmd.Flags().GetInt64("size")
	blockSize, _ := cmd.Flags().GetInt64("block-size")

	cfg := config.Load(viper.GetViper())
	if cfg.InstanceID == "" {
		cfg.InstanceID, _ = os.Hostname()
	}
	logger := buildLogger(cfg.LogLevel, serviceName)

	ctx := cmd.Context()
	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	taskCfg, err := b.configs.Get(ctx, application, task)
	if err != nil {
		return fmt.Errorf("task config: %w", err)
	}
	run := execution.New(taskCfg, b.executionDeps(),
		execution.WithLogger(logger),
		execution.WithServerName(cfg.InstanceID),
	)

	started, err := run.TryStart(ctx, execution.WithReferenceValue("smoke"))
	if err != nil {
		return fmt.Errorf("try start: %w", err)
	}
	if !started {
		fmt.Fprintln(cmd.OutOrStdout(), "execution denied: task disabled or no execution token free")
		return run.Complete(ctx)
	}

	n, workErr := smokeBlocks(ctx, run, size, blockSize)
	if workErr != nil {
		_ = run.Error(ctx, workErr.Error(), true)
	}
	if err := run.Complete(ctx); err != nil {
		return errors.Join(workErr, fmt.Errorf("complete: %w", err))
	}
	if workErr != nil {
		return workErr
	}

	logger.Info("smoke run complete",
		slog.Int64("task_execution_id", run.ExecutionID()),
		slog.Int("blocks", n))
	fmt.Fprintf(cmd.OutOrStdout(), "execution %d completed %d blocks\n", run.ExecutionID(), n)
	return nil
}

// smokeBlocks partitions [0, size) and walks every block through
// STARTED to COMPLETED.
func smokeBlocks(ctx context.Context, run *execution.Context, size, blockSize int64) (int, error) {
	issued, err := run.GetNumericRangeBlocks(ctx, 0, size, blockSize, execution.WithoutRecovery())
	if err != nil {
		return 0, fmt.Errorf("get blocks: %w", err)
	}
	for _, blk := range issued {
		if err := blk.Start(ctx); err != nil {
			return 0, fmt.Errorf("start block %d: %w", blk.BlockID(), err)
		}
		if err := blk.Complete(ctx); err != nil {
			return 0, fmt.Errorf("complete block %d: %w", blk.BlockID(), err)
		}
	}
	return len(issued), nil
}
