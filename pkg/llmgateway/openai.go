package llmgateway

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIProvider adapts an OpenAI-compatible chat-completions
// endpoint (base URL + API key per provider) to the Gateway's
// Provider seam.
type OpenAIProvider struct {
	name   string
	client openai.Client
}

// NewOpenAIProvider builds a provider bound to one base URL/API key
// pair. Construct one per configured provider and hand the ordered
// slice to New for failover.
func NewOpenAIProvider(name, baseURL, apiKey string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{name: name, client: openai.NewClient(opts...)}
}

func (p *OpenAIProvider) Name() string { return p.name }

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Text()))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Text()))
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Text(), ""))
		default:
			out = append(out, buildUserMessage(m))
		}
	}
	return out
}

// buildUserMessage folds image parts into OpenAI's multi-part content
// shape, carrying the agent stage's photo payloads.
func buildUserMessage(m Message) openai.ChatCompletionMessageParamUnion {
	hasImage := false
	for _, c := range m.Content {
		if c.ImageURL != "" {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return openai.UserMessage(m.Text())
	}
	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(m.Content))
	for _, c := range m.Content {
		if c.Text != "" {
			parts = append(parts, openai.ChatCompletionContentPartUnionParam{
				OfText: &openai.ChatCompletionContentPartTextParam{Text: c.Text},
			})
		}
		if c.ImageURL != "" {
			parts = append(parts, openai.ChatCompletionContentPartUnionParam{
				OfImageURL: &openai.ChatCompletionContentPartImageParam{
					ImageURL: openai.ChatCompletionContentPartImageImageURLParam{URL: c.ImageURL},
				},
			})
		}
	}
	return openai.UserMessage(parts)
}

// Generate issues one chat-completions call. Errors that look
// transient (timeout, connection reset) are wrapped in RetriableError
// so Gateway.callWithRetry backs off instead of propagating
// immediately; HTTP 5xx responses surface from the SDK as errors
// whose message carries the status line, so the substring check below
// catches them too pending a typed status code from the SDK.
func (p *OpenAIProvider) Generate(ctx context.Context, model string, messages []Message, temperature float64) (string, error) {
	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    toOpenAIMessages(messages),
		Temperature: openai.Float(temperature),
	})
	if err != nil {
		if isRetriableUpstreamError(err) {
			return "", &RetriableError{Err: err}
		}
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llmgateway: empty choices in completion response")
	}
	return resp.Choices[0].Message.Content, nil
}

func isRetriableUpstreamError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	for _, code := range []string{"500", "502", "503", "504", "connection reset", "EOF"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}
