package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/casys-ai/toolmind/internal/config"
	"github.com/casys-ai/toolmind/internal/graph"
	"github.com/casys-ai/toolmind/internal/predict"
)

func predictCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "predict next tools from context (offline, graph only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			contextTools, _ := cmd.Flags().GetStringSlice("context")
			completed, _ := cmd.Flags().GetStringSlice("completed")

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			g := graph.NewStore(graph.Limits{})
			for _, id := range append(append([]string{}, contextTools...), completed...) {
				if err := g.RegisterTool(id, nil); err != nil {
					return err
				}
			}

			facade := predict.New(g, nil, predict.Config{
				ConfidenceFloor: cfg.Prediction.ConfidenceFloor,
				MaxConfidence:   cfg.Prediction.MaxConfidence,
			})
			predictions := facade.PredictNextNodes(contextTools, completed)
			return json.NewEncoder(os.Stdout).Encode(predictions)
		},
	}
	cmd.Flags().StringSlice("context", nil, "tools already in context")
	cmd.Flags().StringSlice("completed", nil, "completed task ids, oldest first")
	return cmd
}
