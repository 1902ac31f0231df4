// Package main is the entry point for the deeptable server and tools.
package main

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/segmentio/encoding/json"
	"github.com/spf13/cobra"
)

var (
	configPath  string
	datasetID   string
	logLevel    string
	logIndent   bool
	macroSize   int
	macroParent int
)

var rootCmd = &cobra.Command{
	Use:           "deeptable",
	Short:         "Serve and inspect lazily loaded tile trees",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogs()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/server.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level, overrides the configuration")
	rootCmd.PersistentFlags().BoolVar(&logIndent, "log-indent", false, "Indent JSON logs")
}

func setupLogs() {
	logs.Encoder = json.Marshal
	if logIndent {
		logs.Encoder = func(v any) ([]byte, error) {
			return json.MarshalIndent(v, "", "  ")
		}
	}
	errors.Encoder = json.Marshal
	if logLevel != "" {
		logs.SetLevel(logs.ParseLevel(logLevel))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logs.Fatal(err)
	}
}
