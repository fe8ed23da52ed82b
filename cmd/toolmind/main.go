package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/casys-ai/toolmind/internal/logger"
	"github.com/casys-ai/toolmind/internal/mathx"
)

func main() {
	root := &cobra.Command{
		Use:   "toolmind",
		Short: "self-learning tool and capability recommender",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, _ := cmd.Flags().GetString("log-level")
			logFile, _ := cmd.Flags().GetString("log-file")
			if err := logger.Init(level, logFile); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			mathx.InitBLAS()
			return nil
		},
	}
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-file", "", "optional log file")
	root.PersistentFlags().String("config", "toolmind.yaml", "config file path")

	root.AddCommand(serveCmd())
	root.AddCommand(predictCmd())
	root.AddCommand(trainCmd())
	root.AddCommand(trainWorkerCmd())
	root.AddCommand(metricsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
