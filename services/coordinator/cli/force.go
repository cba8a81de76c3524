package cli

import (
	"fmt"
	"os/user"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-block-flow/services/coordinator/config"
)

var forceCmd = &cobra.Command{
	Use:   "force <block-id>",
	Short: "Queue a block for forced reprocessing",
	Long: `Add a block to the forced-block queue of its task definition.

The next execution of that task that requests blocks of the same type picks
the block up with a new attempt number.`,
	Args: cobra.ExactArgs(1),
	RunE: runForce,
}

func init() {
	forceCmd.Flags().String("by", "", "who forced the block (default: current OS user)")
}

func runForce(cmd *cobra.Command, args []string) error {
	blockID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || blockID <= 0 {
		return fmt.Errorf("block id must be a positive integer, got %q", args[0])
	}
	forcedBy, _ := cmd.Flags().GetString("by")
	if forcedBy == "" {
		forcedBy = "cli"
		if u, err := user.Current(); err == nil {
			forcedBy = u.Username
		}
	}

	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, serviceName)

	ctx := cmd.Context()
	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	item, err := b.store.EnqueueForcedBlock(ctx, blockID, forcedBy)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "block %d queued (queue item %d, task definition %d)\n",
		item.BlockID, item.ID, item.TaskDefinitionID)
	return nil
}
