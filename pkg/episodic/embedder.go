package episodic

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Embedder turns text into vectors. It is the sole seam between the
// episodic store and any concrete embedding provider.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// OpenAIEmbedder backs Embedder with an OpenAI-compatible embeddings
// endpoint (SiliconFlow-style compatible providers included).
type OpenAIEmbedder struct {
	client model
	name   string
	dims   int
}

type model = openai.Client

// NewOpenAIEmbedder constructs an embedder against baseURL/apiKey for
// the given model name. dims is the known output width for that model
// (e.g. 1536 for text-embedding-3-small), reported by Dimensions(); the
// episodic store does not read it, taking its collection width from
// the memory_meta table or from the first embedding it writes.
func NewOpenAIEmbedder(baseURL, apiKey, modelName string, dims int) *OpenAIEmbedder {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIEmbedder{client: client, name: modelName, dims: dims}
}

func (e *OpenAIEmbedder) Dimensions() int { return e.dims }

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model:          openai.EmbeddingModel(e.name),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, fmt.Errorf("episodic: embed: %w", err)
	}
	out := make([][]float32, 0, len(resp.Data))
	for _, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		out = append(out, vec)
	}
	return out, nil
}
