// Package tts talks to the supervised synthesis backends over HTTP.
package tts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"github.com/lexiqai/avatar-gateway/internal/fault"
	"github.com/lexiqai/avatar-gateway/internal/observability"
)

// Client implements Synthesizer against the /generate form endpoint
type Client struct {
	host       string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a client for backends listening on host
func NewClient(host string, timeout time.Duration) *Client {
	if host == "" {
		host = "127.0.0.1"
	}
	return &Client{
		host:       host,
		httpClient: &http.Client{Timeout: timeout},
		logger:     observability.Component("tts"),
	}
}

func (c *Client) url(port int, path string) string {
	return fmt.Sprintf("http://%s:%d%s", c.host, port, path)
}

// Generate posts tts_text, prompt_text and the prompt_wav file and returns
// the synthesized audio
func (c *Client) Generate(ctx context.Context, port int, req Request) (*Audio, error) {
	start := time.Now()
	audio, err := c.generate(ctx, port, req)
	observability.RecordTTS(err == nil, time.Since(start))
	if err != nil {
		observability.RecordError("generate", "tts")
		return nil, fault.Wrap(err, fault.KindUpstream, "tts.generate", "", "", port)
	}

	c.logger.Debug().
		Int("port", port).
		Int("chars", len(req.Text)).
		Int("bytes", len(audio.Data)).
		Dur("latency", time.Since(start)).
		Msg("Synthesized push-unit")
	return audio, nil
}

func (c *Client) generate(ctx context.Context, port int, req Request) (*Audio, error) {
	if req.Text == "" {
		return nil, fault.Newf(fault.KindValidation, "tts.generate", "text is required").WithField("tts_text")
	}

	body, contentType, err := encodeForm(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(port, "/generate"), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts backend returned status %d: %s", resp.StatusCode, truncate(data, 200))
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("tts backend returned empty audio")
	}

	// Backends that omit the header get a sniffed text type from net/http
	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "audio/") {
		ct = "audio/wav"
	}
	return &Audio{Data: data, ContentType: ct}, nil
}

func encodeForm(req Request) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("tts_text", req.Text); err != nil {
		return nil, "", err
	}
	if req.Voice != "" {
		if err := w.WriteField("prompt_text", req.Voice); err != nil {
			return nil, "", err
		}
	}

	// The backends require the file part even when they ignore it
	name := "ref.wav"
	var ref []byte
	if req.RefAudio != "" {
		data, err := os.ReadFile(req.RefAudio)
		if err != nil {
			return nil, "", fault.Newf(fault.KindValidation, "tts.generate", "read reference audio: %v", err).
				WithField("ref_file")
		}
		ref = data
		name = filepath.Base(req.RefAudio)
	}
	part, err := w.CreateFormFile("prompt_wav", name)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(ref); err != nil {
		return nil, "", err
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

type healthResponse struct {
	Status string `json:"status"`
}

// Health checks GET /health on the backend bound to port
func (c *Client) Health(ctx context.Context, port int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(port, "/health"), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tts health returned status %d", resp.StatusCode)
	}

	var health healthResponse
	if err := sonic.Unmarshal(data, &health); err != nil {
		return fmt.Errorf("decode tts health: %w", err)
	}
	if health.Status != "running" {
		return fmt.Errorf("tts backend status %q", health.Status)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
