package embedding

// DefaultDims is the dimension served by the default embedding model.
const DefaultDims = 1024

// Embedder produces vector embeddings from text. The model itself is an
// external collaborator; the core only consumes its vectors.
type Embedder interface {
	Embed(texts []string) ([][]float32, error)
	Dims() int
	Name() string // unique key for caching, e.g. "openai-3small-1024"
}
