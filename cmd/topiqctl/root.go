// Package topiqctl is a thin CLI over the pkg/topic engine, mirroring
// the teacher's cmd/pgo pattern of shipping a command wrapper around
// library packages rather than embedding logic in main.
package topiqctl

import (
	"fmt"
	"os"

	"github.com/topiq/topiq/pkg/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	logLevel string
	cfg      *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "topiqctl",
	Short: "topiqctl runs the ordered topic engine",
	Long:  `topiqctl produces to, consumes from, and runs the log-compaction setter over a topic.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func Main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/topiq.yaml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "L", "info", "log at this level (debug, info, warn, error)")

	rootCmd.PersistentFlags().String("store-connection-string", "", "store connection string")
	rootCmd.PersistentFlags().String("store-database", "", "store database name")
	rootCmd.PersistentFlags().String("topic", "", "topic name")
	rootCmd.PersistentFlags().String("bus-host", "", "signal bus host")
	rootCmd.PersistentFlags().Int("bus-port", 0, "signal bus port")

	rootCmd.AddCommand(produceCmd)
	rootCmd.AddCommand(consumeCmd)
	rootCmd.AddCommand(setterCmd)
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Println("Error loading config:", err)
		os.Exit(1)
	}

	if v := rootCmd.PersistentFlags().Lookup("store-connection-string").Value.String(); v != "" {
		cfg.Store.ConnectionString = v
	}
	if v := rootCmd.PersistentFlags().Lookup("store-database").Value.String(); v != "" {
		cfg.Store.Database = v
	}
	if v := rootCmd.PersistentFlags().Lookup("topic").Value.String(); v != "" {
		cfg.Topic = v
	}
	if v := rootCmd.PersistentFlags().Lookup("bus-host").Value.String(); v != "" {
		cfg.Bus.Host = v
	}
	if v := rootCmd.PersistentFlags().Lookup("bus-port").Value.String(); v != "0" && v != "" {
		fmt.Sscanf(v, "%d", &cfg.Bus.Port)
	}
}
