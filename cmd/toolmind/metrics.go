package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/casys-ai/toolmind/internal/store"
)

func metricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "print executed-tool history for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath, _ := cmd.Flags().GetString("db")
			userID, _ := cmd.Flags().GetString("user")
			sinceHours, _ := cmd.Flags().GetInt("since-hours")

			db, err := store.Open(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			since := time.Now().Add(-time.Duration(sinceHours) * time.Hour)
			tools, err := db.GetExecutedToolIDs(userID, since)
			if err != nil {
				return err
			}
			counts, err := db.TraceCountsSince(userID, since)
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(map[string]any{
				"executed_tools": tools,
				"trace_counts":   counts,
			})
		},
	}
	cmd.Flags().String("db", "toolmind.db", "database path")
	cmd.Flags().String("user", "default", "user scope")
	cmd.Flags().Int("since-hours", 24, "history window in hours")
	return cmd
}
