package topiqctl

import (
	"bufio"
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
	setterMetrics     bool
	setterMetricsAddr string
)

// setterWrite is the newline-delimited command format the setter
// subcommand reads from stdin: a compactionId present means a
// deduplicated write, absent means a plain append.
type setterWrite struct {
	CompactionID string          `json:"compactionId"`
	ShardingKey  string          `json:"shardingKey"`
	Payload      json.RawMessage `json:"payload"`
}

var setterCmd = &cobra.Command{
	Use:   "setter",
	Short: "Run the log-compaction setter, reading writes as newline-delimited JSON from stdin",
	RunE:  runSetter,
}

func runSetter(cmd *cobra.Command, args []string) error {
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
	maybeStartMetrics(ctx, &wg, setterMetrics, setterMetricsAddr)

	p := topic.NewProducer(cfg.Topic, s, b, logger)
	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("start producer: %w", err)
	}
	defer p.Stop()

	c := topic.NewConsumer(cfg.Topic, s, b, logger)
	setter := topic.NewSetter(c, p, logger)
	if err := setter.Start(ctx); err != nil {
		return fmt.Errorf("start setter: %w", err)
	}

	go readSetterWrites(setter, logger)

	runUntilSignal(setter.Stop)
	return nil
}

func readSetterWrites(setter *topic.Setter, logger *zap.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var w setterWrite
		if err := json.Unmarshal(line, &w); err != nil {
			logger.Warn("malformed setter write, skipping", zap.Error(err))
			continue
		}

		var err error
		if w.CompactionID != "" {
			err = setter.SetLogCompactedPayload(w.CompactionID, w.Payload, w.ShardingKey)
		} else {
			err = setter.SetPayload(w.Payload, w.ShardingKey)
		}
		if err != nil {
			logger.Warn("setter write rejected", zap.Error(err))
		}
	}
}

func init() {
	setterCmd.Flags().BoolVar(&setterMetrics, "metrics", false, "enable Prometheus metrics server")
	setterCmd.Flags().StringVar(&setterMetricsAddr, "metrics-addr", ":9100", "Prometheus metrics server address")
}
