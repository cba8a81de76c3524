package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-block-flow/internal/kafka"
	"github.com/ramiqadoumi/go-block-flow/services/coordinator/config"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect the execution event stream",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Log execution events as they are published",
	RunE:  runEventsTail,
}

func init() {
	eventsTailCmd.Flags().String("group", "blockflow-events-tail", "Kafka consumer group")
	eventsTailCmd.Flags().Bool("from-start", false, "read the topic from the earliest retained offset")
	eventsCmd.AddCommand(eventsTailCmd)
}

func runEventsTail(cmd *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	if len(cfg.KafkaBrokers) == 0 {
		return errors.New("events tail: --kafka-brokers is required")
	}
	logger := buildLogger(cfg.LogLevel, serviceName)

	group, _ := cmd.Flags().GetString("group")
	fromStart, _ := cmd.Flags().GetBool("from-start")
	var opts []kafka.ConsumerOption
	if !fromStart {
		opts = append(opts, kafka.FromLatest())
	}

	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.EventsTopic, group, logger, opts...)
	defer func() { _ = consumer.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("tailing execution events", slog.String("topic", cfg.EventsTopic), slog.String("group", group))
	err := consumer.Subscribe(ctx, func(_ context.Context, msg kafka.Message) error {
		ev, err := kafka.DecodeEvent(msg.Value)
		if err != nil {
			// A malformed message would otherwise block the partition forever.
			logger.Warn("skipping undecodable event",
				slog.Int64("offset", msg.Offset), slog.String("error", err.Error()))
			return nil
		}
		logger.Info("event",
			slog.Int64("task_execution_id", ev.TaskExecutionID),
			slog.String("type", string(ev.Type)),
			slog.String("message", ev.Message),
			slog.String("server", ev.Server),
			slog.Time("at", ev.At),
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("events tail: %w", err)
	}
	return nil
}
