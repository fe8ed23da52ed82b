package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/casys-ai/toolmind/internal/store"
	"github.com/casys-ai/toolmind/internal/training"
)

// trainCmd is the controller side: it dispatches a run to a separate
// train-worker process and prints the lightweight result.
func trainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train <input.json>",
		Short: "dispatch a training run to a worker process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath, _ := cmd.Flags().GetString("db")

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			var input training.WorkerInput
			if err := json.Unmarshal(data, &input); err != nil {
				return fmt.Errorf("parse input: %w", err)
			}

			result, err := training.RunWorkerProcess(cmd.Context(), &input, dbPath)
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(result)
		},
	}
	cmd.Flags().String("db", "toolmind.db", "database path")
	return cmd
}

// trainWorkerCmd is the worker side: JSON input on stdin, JSON result on
// stdout, trained parameters written straight to the database.
func trainWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "train-worker",
		Short:  "training worker process (reads stdin, writes stdout)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath, _ := cmd.Flags().GetString("db")

			input, err := training.ReadWorkerInput(os.Stdin)
			if err != nil {
				training.WriteWorkerOutput(os.Stdout, nil, err) //nolint:errcheck
				os.Exit(1)
			}

			db, err := store.Open(dbPath)
			if err != nil {
				training.WriteWorkerOutput(os.Stdout, nil, err) //nolint:errcheck
				os.Exit(1)
			}
			defer db.Close()

			result, err := training.RunWorker(input, db)
			if err != nil {
				training.WriteWorkerOutput(os.Stdout, nil, err) //nolint:errcheck
				os.Exit(1)
			}
			return training.WriteWorkerOutput(os.Stdout, result, nil)
		},
	}
	cmd.Flags().String("db", "toolmind.db", "database path")
	return cmd
}
