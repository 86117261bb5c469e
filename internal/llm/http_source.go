package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"github.com/lexiqai/avatar-gateway/internal/fault"
	"github.com/lexiqai/avatar-gateway/internal/observability"
)

// streamEvent is one `data:` line of the local LLM service
type streamEvent struct {
	Chunk  string `json:"chunk"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

// HTTPSource reads the server-sent event stream of the local LLM service
type HTTPSource struct {
	url        string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewHTTPSource creates a source posting to url (e.g. http://localhost:8610/chat/stream)
func NewHTTPSource(url string) *HTTPSource {
	return &HTTPSource{
		url:        url,
		httpClient: &http.Client{},
		logger:     observability.Component("llm"),
	}
}

func (s *HTTPSource) Stream(ctx context.Context, prompt Prompt) (<-chan string, <-chan error) {
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

func (s *HTTPSource) stream(ctx context.Context, prompt Prompt, out chan<- string) error {
	body, err := sonic.Marshal(prompt)
	if err != nil {
		return fmt.Errorf("failed to marshal prompt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fault.New(fault.KindUpstream, "llm.stream", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fault.Newf(fault.KindUpstream, "llm.stream", "llm returned status %d: %s", resp.StatusCode, data)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var ev streamEvent
		if err := sonic.UnmarshalString(payload, &ev); err != nil {
			s.logger.Warn().Err(err).Str("line", payload).Msg("Skipping undecodable stream event")
			continue
		}

		switch ev.Status {
		case "error":
			return fault.Newf(fault.KindUpstream, "llm.stream", "llm error: %s", ev.Error)
		case "finished":
			if ev.Chunk != "" {
				if err := send(ctx, out, ev.Chunk); err != nil {
					return err
				}
			}
			return nil
		}

		if ev.Chunk != "" {
			if err := send(ctx, out, ev.Chunk); err != nil {
				return err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fault.New(fault.KindUpstream, "llm.stream", err)
	}
	// A stream that closes without a finished event still ends the reply
	return nil
}

func send(ctx context.Context, out chan<- string, fragment string) error {
	select {
	case out <- fragment:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
