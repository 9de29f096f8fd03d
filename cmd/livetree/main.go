package main

import (
	"errors"
	"flag"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/livetree/livetree/internal/config"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "livetree",
		Short: "Keep a live instance tree in sync with a project authority",
		Long: `livetree serves a project tree over HTTP and websockets (serve) and
mirrors it into a live tree that can push its own edits back (watch).`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// glog reads its flags through the standard flag set.
			_ = flag.CommandLine.Parse(nil)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "livetree.yaml", "Path to config file")
	rootCmd.AddCommand(serveCmd, watchCmd)
}

func main() {
	defer glog.Flush()
	if err := rootCmd.Execute(); err != nil {
		glog.Errorf("%v", err)
		glog.Flush()
		os.Exit(1)
	}
}

// loadConfig reads --config. A missing default config file is not an error.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if errors.Is(err, os.ErrNotExist) && !rootCmd.PersistentFlags().Changed("config") {
		glog.Infof("no %s, using defaults", configPath)
		return config.Default(), nil
	}
	return cfg, err
}
