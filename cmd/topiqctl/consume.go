package topiqctl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/topiq/topiq/pkg/topic"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	consumeFromID       int64
	consumeMetrics      bool
	consumeMetricsAddr  string
)

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Stream a topic to stdout as newline-delimited JSON",
	RunE:  runConsume,
}

func runConsume(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := newLogger()
	defer logger.Sync()

	s, b, err := openAdapters(ctx, logger)
	if err != nil {
		return err
	}
	defer s.Close()
	defer b.Close()

	var wg sync.WaitGroup
	maybeStartMetrics(ctx, &wg, consumeMetrics, consumeMetricsAddr)

	c := topic.NewConsumer(cfg.Topic, s, b, logger)
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	err = c.StreamMessagesFrom(ctx, func(m topic.Message) error {
		return enc.Encode(m)
	}, consumeFromID, func() {
		logger.Info("drained")
	}, func(err error) {
		logger.Error("consumer crashed", zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("stream messages: %w", err)
	}

	runUntilSignal(c.Stop)
	return nil
}

func init() {
	consumeCmd.Flags().Int64Var(&consumeFromID, "from-id", 0, "cursor high-water mark to stream from")
	consumeCmd.Flags().BoolVar(&consumeMetrics, "metrics", false, "enable Prometheus metrics server")
	consumeCmd.Flags().StringVar(&consumeMetricsAddr, "metrics-addr", ":9100", "Prometheus metrics server address")
}
