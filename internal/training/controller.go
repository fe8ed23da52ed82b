package training

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/casys-ai/toolmind/internal/logger"
)

// RunWorkerProcess dispatches a training run to a separate worker process
// (this binary's train-worker subcommand). The worker owns its own copy of
// the graph and parameters, writes the trained blob to the store itself,
// and only the lightweight JSON result crosses the pipe.
func RunWorkerProcess(ctx context.Context, input *WorkerInput, dbPath string) (*Result, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate binary: %w", err)
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode worker input: %w", err)
	}

	cmd := exec.CommandContext(ctx, self, "train-worker", "--db", dbPath)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if stderr.Len() > 0 {
		logger.Debug("train worker stderr", "output", stderr.String())
	}

	var out WorkerOutput
	if decErr := json.Unmarshal(stdout.Bytes(), &out); decErr != nil {
		if runErr != nil {
			return nil, fmt.Errorf("train worker failed: %w", runErr)
		}
		return nil, fmt.Errorf("decode worker result: %w", decErr)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("train worker: %s", out.Error)
	}
	if runErr != nil {
		return nil, fmt.Errorf("train worker exited: %w", runErr)
	}
	return out.Result, nil
}
