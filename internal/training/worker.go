package training

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/casys-ai/toolmind/internal/embedding"
	"github.com/casys-ai/toolmind/internal/graph"
	"github.com/casys-ai/toolmind/internal/logger"
	"github.com/casys-ai/toolmind/internal/shgat"
)

// ParamStore is the persistence the worker writes trained parameters to.
// The worker writes the (large) blob directly so the controlling process
// only ever sees the lightweight result on stdout.
type ParamStore interface {
	SaveParams(userID string, blob []byte) error
	LoadParams(userID string) ([]byte, bool, error)
}

// ToolDef registers a tool into the worker's private graph copy.
type ToolDef struct {
	ID        string    `json:"id"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// CapabilityDef registers a capability into the worker's private graph copy.
type CapabilityDef struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Embedding   []float32 `json:"embedding,omitempty"`
	Members     []string  `json:"members,omitempty"`
	SuccessRate float64   `json:"success_rate,omitempty"`
	Code        string    `json:"code,omitempty"`
}

// WorkerInput is the JSON document the controller writes to the worker's
// stdin.
type WorkerInput struct {
	UserID       string          `json:"user_id"`
	Tools        []ToolDef       `json:"tools"`
	Capabilities []CapabilityDef `json:"capabilities"`
	Examples     []Example       `json:"examples"`
	Train        Config          `json:"train"`
	Model        shgat.Config    `json:"model"`
}

// WorkerOutput is the JSON document the worker writes to stdout. Error is
// set (and the process exits non-zero) when the run failed.
type WorkerOutput struct {
	*Result
	Error string `json:"error,omitempty"`
}

// RunWorker executes one full training run from an input document: build a
// private graph copy, load or initialize parameters, train, and persist the
// trained parameters through store. Parameters reach the store only on a
// fully successful run.
func RunWorker(input *WorkerInput, store ParamStore) (*Result, error) {
	if len(input.Capabilities) == 0 {
		return nil, &InvalidTrainingInputError{Reason: "no capabilities"}
	}
	if len(input.Examples) == 0 {
		return nil, &InvalidTrainingInputError{Reason: "no examples"}
	}

	g := graph.NewStore(graph.Limits{})
	dims := input.Model.Dims
	if dims <= 0 {
		dims = shgat.DefaultDims
	}
	for _, tool := range input.Tools {
		if err := g.RegisterTool(tool.ID, tool.Embedding); err != nil {
			return nil, fmt.Errorf("register tool %s: %w", tool.ID, err)
		}
	}
	// Two passes so nested capabilities can reference later definitions.
	for _, c := range input.Capabilities {
		if err := g.RegisterCapability(c.ID, graph.CapabilityOptions{
			Name: c.Name, Embedding: c.Embedding, SuccessRate: c.SuccessRate, Code: c.Code,
		}); err != nil {
			return nil, fmt.Errorf("register capability %s: %w", c.ID, err)
		}
	}
	for _, c := range input.Capabilities {
		for _, m := range c.Members {
			if !g.HasNode(m) {
				if err := g.RegisterTool(m, embedding.DefaultVector(m, dims)); err != nil {
					return nil, fmt.Errorf("register member %s: %w", m, err)
				}
			}
		}
		if err := g.RegisterCapability(c.ID, graph.CapabilityOptions{
			Name: c.Name, Embedding: c.Embedding, Members: c.Members,
			SuccessRate: c.SuccessRate, Code: c.Code,
		}); err != nil {
			return nil, fmt.Errorf("register capability %s: %w", c.ID, err)
		}
	}

	params := shgat.NewParams(input.Model)
	if blob, ok, err := store.LoadParams(input.UserID); err != nil {
		logger.Warn("load params", "user", input.UserID, "error", err)
	} else if ok {
		tensors, err := shgat.UnmarshalTensors(blob)
		if err != nil {
			logger.Warn("stored params unreadable, starting fresh", "user", input.UserID, "error", err)
		} else if err := params.Import(tensors); err != nil {
			logger.Warn("stored params incompatible, starting fresh", "user", input.UserID, "error", err)
		}
	}

	model := shgat.NewModel(params, g)
	trainer := New(model, g, input.Train)
	result, err := trainer.Train(input.Examples)
	if err != nil {
		return nil, err
	}

	blob := shgat.MarshalTensors(model.Params().Export())
	if err := store.SaveParams(input.UserID, blob); err != nil {
		return nil, fmt.Errorf("save params: %w", err)
	}
	result.SavedToDB = true
	return result, nil
}

// ReadWorkerInput decodes the stdin document.
func ReadWorkerInput(r io.Reader) (*WorkerInput, error) {
	var input WorkerInput
	if err := json.NewDecoder(r).Decode(&input); err != nil {
		return nil, fmt.Errorf("decode worker input: %w", err)
	}
	return &input, nil
}

// WriteWorkerOutput encodes the result document to stdout.
func WriteWorkerOutput(w io.Writer, result *Result, runErr error) error {
	out := WorkerOutput{Result: result}
	if runErr != nil {
		out.Error = runErr.Error()
		if out.Result == nil {
			out.Result = &Result{Success: false, HealthCheck: HealthCheck{EarlyStopEpoch: -1}}
		}
		out.Result.Success = false
	}
	return json.NewEncoder(w).Encode(out)
}
