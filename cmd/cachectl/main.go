// Command cachectl runs and administers a datacache service
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/restopos/datacache/internal/config"
)

var (
	configFile string
	serverURL  string

	rootCmd = &cobra.Command{
		Use:           "cachectl",
		Short:         "Run and administer the datacache service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8090", "admin API of a running service")

	rootCmd.AddCommand(serveCmd, statsCmd, sweepCmd, clearCmd, invalidateCmd, configCmd)
}

// loadConfig applies the defaults, then the file, then the environment
func loadConfig() (*config.Configuration, error) {
	cfg := config.NewDefault()
	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
