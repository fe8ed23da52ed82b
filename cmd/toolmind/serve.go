package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/casys-ai/toolmind/internal/config"
	"github.com/casys-ai/toolmind/internal/emergence"
	"github.com/casys-ai/toolmind/internal/graph"
	"github.com/casys-ai/toolmind/internal/logger"
	"github.com/casys-ai/toolmind/internal/memory"
	"github.com/casys-ai/toolmind/internal/predict"
	"github.com/casys-ai/toolmind/internal/sandbox"
	"github.com/casys-ai/toolmind/internal/server"
	"github.com/casys-ai/toolmind/internal/shgat"
	"github.com/casys-ai/toolmind/internal/speculation"
	"github.com/casys-ai/toolmind/internal/store"
	"github.com/casys-ai/toolmind/internal/tools"
	"github.com/casys-ai/toolmind/internal/trace"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the recommender server",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			userID, _ := cmd.Flags().GetString("user")

			watcher, err := config.Watch(configPath)
			if err != nil {
				return err
			}
			defer watcher.Close()
			cfg := watcher.Current()

			db, err := store.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()

			g := graph.NewStore(graph.Limits{})
			modelCfg := shgat.Config{
				Dims:       cfg.Model.Dims,
				ScoringDim: cfg.Model.ScoringDim,
				Heads:      cfg.Model.Heads,
				Layers:     cfg.Model.Layers,
			}
			params := shgat.NewParams(modelCfg)
			if blob, ok, err := db.LoadParams(userID); err != nil {
				logger.Warn("load params", "error", err)
			} else if ok {
				if tensors, err := shgat.UnmarshalTensors(blob); err != nil {
					logger.Warn("stored params unreadable", "error", err)
				} else if err := params.Import(tensors); err != nil {
					logger.Warn("stored params incompatible", "error", err)
				} else {
					logger.Info("loaded trained params", "user", userID)
				}
			}
			model := shgat.NewModel(params, g)

			var adaptive *speculation.AdaptiveThreshold
			if cfg.Speculation.Adaptive.Enabled {
				adaptive = speculation.NewAdaptiveThreshold(
					cfg.Speculation.Adaptive.MinThreshold,
					cfg.Speculation.Adaptive.MaxThreshold,
				)
			}
			manager := speculation.NewManager(speculation.ManagerConfig{
				Enabled:             cfg.Speculation.Enabled,
				ConfidenceThreshold: cfg.Speculation.ConfidenceThreshold,
				MaxConcurrent:       cfg.Speculation.MaxConcurrentSpeculations,
			}, adaptive, g)

			episodic := memory.NewEpisodic()
			facade := predict.New(g, episodic, predict.Config{
				ConfidenceFloor: cfg.Prediction.ConfidenceFloor,
				MaxConfidence:   cfg.Prediction.MaxConfidence,
			})

			registry := tools.NewRegistry()
			bridge := sandbox.NewBridge(registry)
			runner := tools.NewSpeculativeRunner(bridge, registry,
				time.Duration(cfg.Speculation.SpeculationTimeoutMs)*time.Millisecond)
			executor := speculation.NewExecutor(speculation.ExecutorConfig{
				TimeoutMs:     cfg.Speculation.SpeculationTimeoutMs,
				MaxConcurrent: cfg.Speculation.MaxConcurrentSpeculations,
			}, manager, runner)
			defer executor.Close()

			learner := trace.NewLearner(g, db, cfg.Model.Dims)

			srv := server.New(server.Options{
				Graph:       g,
				Analyzer:    emergence.NewAnalyzer(),
				Facade:      facade,
				Speculation: manager,
				Learner:     learner,
				Observer:    episodic,
				Executor:    executor,
				ScoreCaps: func(intent []float32) []server.ScoredCandidate {
					cands := model.ScoreAllCapabilities(intent)
					out := make([]server.ScoredCandidate, len(cands))
					for i, c := range cands {
						out[i] = server.ScoredCandidate{ID: c.ID, Score: c.Score}
					}
					return out
				},
			})

			httpSrv := &http.Server{Addr: cfg.Server.Addr, Handler: srv.Router()}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			// Stale patterns fade unless traces keep reinforcing them.
			go func() {
				decay := time.NewTicker(time.Hour)
				defer decay.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-decay.C:
						g.DecayEdges(0.99)
					}
				}
			}()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("toolmind listening", "addr", cfg.Server.Addr)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				return httpSrv.Close()
			case err := <-errCh:
				return err
			}
		},
	}
	cmd.Flags().String("user", "default", "user scope for stored parameters")
	return cmd
}
