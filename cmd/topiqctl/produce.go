package topiqctl

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/topiq/topiq/pkg/topic"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	produceShardingKey string
	produceMetrics     bool
	produceMetricsAddr string
)

var produceCmd = &cobra.Command{
	Use:   "produce",
	Short: "Push newline-delimited JSON payloads from stdin onto a topic",
	RunE:  runProduce,
}

func runProduce(cmd *cobra.Command, args []string) error {
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
	maybeStartMetrics(ctx, &wg, produceMetrics, produceMetricsAddr)

	p := topic.NewProducer(cfg.Topic, s, b, logger)
	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("start producer: %w", err)
	}
	defer p.Stop()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		payload := make([]byte, len(line))
		copy(payload, line)
		if err := p.Push(ctx, payload, produceShardingKey); err != nil {
			logger.Error("push failed", zap.Error(err))
			continue
		}
	}
	return scanner.Err()
}

func init() {
	produceCmd.Flags().StringVar(&produceShardingKey, "sharding-key", "default", "sharding key attached to every pushed message")
	produceCmd.Flags().BoolVar(&produceMetrics, "metrics", false, "enable Prometheus metrics server")
	produceCmd.Flags().StringVar(&produceMetricsAddr, "metrics-addr", ":9100", "Prometheus metrics server address")
}
