package toolshttp

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// ImageGenAdapter implements tools.Adapter for generate_image against
// an OpenAI-compatible images endpoint.
type ImageGenAdapter struct {
	client openai.Client
	model  string
}

// NewImageGenAdapter builds an adapter bound to one provider.
func NewImageGenAdapter(baseURL, apiKey, model string) *ImageGenAdapter {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &ImageGenAdapter{client: openai.NewClient(opts...), model: model}
}

// Execute generates one image for prompt and returns its URL.
func (a *ImageGenAdapter) Execute(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", fmt.Errorf("generate_image: empty prompt")
	}
	resp, err := a.client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt: prompt,
		Model:  openai.ImageModel(a.model),
		N:      openai.Int(1),
	})
	if err != nil {
		return "", fmt.Errorf("generate_image: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", fmt.Errorf("generate_image: no image returned")
	}
	return resp.Data[0].URL, nil
}
