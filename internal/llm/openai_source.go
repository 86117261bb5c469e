package llm

import (
	"context"
	"errors"
	"io"

	"github.com/sashabaranov/go-openai"

	"github.com/lexiqai/avatar-gateway/internal/fault"
	"github.com/lexiqai/avatar-gateway/internal/observability"
)

// OpenAIConfig configures an OpenAI-compatible chat completion source
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string // Optional; defaults to the public API
}

// OpenAISource streams chat completion deltas
type OpenAISource struct {
	client *openai.Client
	model  string
}

// NewOpenAISource creates a source from cfg
func NewOpenAISource(cfg OpenAIConfig) *OpenAISource {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAISource{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
	}
}

func (s *OpenAISource) Stream(ctx context.Context, prompt Prompt) (<-chan string, <-chan error) {
	out := make(chan string)
	errc := make(chan error, 1)

	go func() {
		defer close(errc)
		defer close(out)
		if err := s.stream(ctx, prompt, out); err != nil {
			observability.RecordError("stream", "llm")
			errc <- err
		}
	}()

	return out, errc
}

func (s *OpenAISource) stream(ctx context.Context, prompt Prompt, out chan<- string) error {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if prompt.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: prompt.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt.Input,
	})

	req := openai.ChatCompletionRequest{
		Model:    s.model,
		Messages: messages,
		Stream:   true,
		User:     prompt.UserID,
	}

	stream, err := s.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fault.New(fault.KindUpstream, "llm.stream", err)
	}
	defer stream.Close()

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fault.New(fault.KindUpstream, "llm.stream", err)
		}

		for _, choice := range response.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := send(ctx, out, choice.Delta.Content); err != nil {
				return err
			}
		}
	}
}
