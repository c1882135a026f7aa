package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfg = viper.New()

var rootCmd = &cobra.Command{
	Use:   "taskengine",
	Short: "Per-user task orchestration engine",
	Long:  "taskengine registers planner-produced task DAGs and drives them to completion, dispatching server tools in-process and client tasks over a connected session.",
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.Duration("poll-interval", 0, "driver loop inter-iteration sleep (0 = engine default)")
	flags.Int("max-iterations", 0, "safety bound on driver loop iterations (0 = engine default)")
	flags.Int("max-idle", 0, "consecutive empty-batch iterations tolerated before exit (0 = engine default)")
	flags.String("listen-addr", ":8080", "address the websocket dispatcher listens on")

	cfg.SetEnvPrefix("taskengine")
	cfg.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	cfg.AutomaticEnv()
	_ = cfg.BindPFlags(flags)

	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(serveCmd)
}
