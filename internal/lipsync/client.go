// Package lipsync is the client of the visual (lip-sync) backend.
package lipsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"github.com/lexiqai/avatar-gateway/internal/fault"
	"github.com/lexiqai/avatar-gateway/internal/observability"
	"github.com/lexiqai/avatar-gateway/internal/resilience"
)

const breakerName = "lipsync"

// Options configures the client
type Options struct {
	Timeout            time.Duration // Per-request timeout; avatar creation is slow
	BreakerMaxFailures int
	BreakerReset       time.Duration
	Retry              *resilience.RetryConfig // Used for idempotent reads only
}

// SwitchRequest selects the avatar the visual backend renders
type SwitchRequest struct {
	AvatarID    string
	AvatarModel string
	RefFile     string
}

// Image is a preview frame
type Image struct {
	Data        []byte
	ContentType string
}

// Client calls the lip-sync backend behind a circuit breaker
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	retry      *resilience.RetryConfig
	logger     zerolog.Logger
}

type statusResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ImagePath string `json:"image_path"`
	Detail    string `json:"detail"`
}

// NewClient creates a client for the backend at baseURL
func NewClient(baseURL string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.BreakerMaxFailures <= 0 {
		opts.BreakerMaxFailures = 5
	}
	if opts.BreakerReset <= 0 {
		opts.BreakerReset = 30 * time.Second
	}
	if opts.Retry == nil {
		opts.Retry = resilience.DefaultRetryConfig()
	}

	breaker := resilience.NewCircuitBreaker(breakerName, opts.BreakerMaxFailures, opts.BreakerReset)
	breaker.OnStateChange(func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
	})

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: opts.Timeout},
		breaker:    breaker,
		retry:      opts.Retry,
		logger:     observability.Component("lipsync"),
	}
}

// Breaker exposes the circuit breaker state for readiness reporting
func (c *Client) Breaker() *resilience.CircuitBreaker {
	return c.breaker
}

type rawResponse struct {
	status      int
	contentType string
	body        []byte
}

// do sends one request. Transport failures and 5xx responses count against
// the breaker; 4xx responses are the caller's problem and do not.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, form url.Values) (*rawResponse, error) {
	var resp *rawResponse
	err := c.breaker.Call(func() error {
		u := c.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}

		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, u, body)
		if err != nil {
			return err
		}
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		httpResp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to make request: %w", err)
		}
		defer httpResp.Body.Close()

		data, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		resp = &rawResponse{
			status:      httpResp.StatusCode,
			contentType: httpResp.Header.Get("Content-Type"),
			body:        data,
		}
		if httpResp.StatusCode >= 500 {
			return resilience.NewRetryableError(fmt.Errorf("lipsync returned status %d: %s", httpResp.StatusCode, snippet(data)))
		}
		return nil
	})

	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures(breakerName)
		}
		observability.RecordError("request", "lipsync")
		return nil, err
	}
	return resp, nil
}

// decodeStatus turns a {status, message} body into an error unless it
// reports success
func decodeStatus(op string, resp *rawResponse) (statusResponse, error) {
	var body statusResponse
	if err := sonic.Unmarshal(resp.body, &body); err != nil {
		return body, fault.Newf(fault.KindUpstream, op, "status %d, undecodable body: %s", resp.status, snippet(resp.body))
	}
	if resp.status >= 400 || body.Status != "success" {
		msg := body.Message
		if msg == "" {
			msg = body.Detail
		}
		return body, fault.Newf(fault.KindUpstream, op, "lipsync status %d: %s", resp.status, msg)
	}
	return body, nil
}

// SwitchAvatar makes the visual backend render the given avatar
func (c *Client) SwitchAvatar(ctx context.Context, req SwitchRequest) (string, error) {
	query := url.Values{}
	query.Set("avatar_id", req.AvatarID)
	query.Set("ref_file", req.RefFile)
	if req.AvatarModel != "" {
		query.Set("avatar_model", req.AvatarModel)
	}

	resp, err := c.do(ctx, http.MethodPost, "/switch_avatar", query, nil)
	if err != nil {
		return "", fault.New(fault.KindUpstream, "lipsync.switch", err).WithAvatar(req.AvatarID)
	}
	body, err := decodeStatus("lipsync.switch", resp)
	if err != nil {
		return "", fault.Wrap(err, fault.KindUpstream, "lipsync.switch", req.AvatarID, "", 0)
	}

	c.logger.Info().Str("avatar_id", req.AvatarID).Str("avatar_model", req.AvatarModel).Msg("Visual backend switched")
	return body.Message, nil
}

// CreateAvatar prepares a new avatar from a face video and returns the path
// of its preview image
func (c *Client) CreateAvatar(ctx context.Context, name, videoPath string, blur bool) (string, error) {
	query := url.Values{}
	query.Set("avatar_name", name)
	query.Set("video_path", videoPath)
	query.Set("burr", strconv.FormatBool(blur))

	resp, err := c.do(ctx, http.MethodPost, "/create_avatar", query, nil)
	if err != nil {
		return "", fault.New(fault.KindUpstream, "lipsync.create", err).WithAvatar(name)
	}
	body, err := decodeStatus("lipsync.create", resp)
	if err != nil {
		return "", fault.Wrap(err, fault.KindUpstream, "lipsync.create", name, "", 0)
	}
	return body.ImagePath, nil
}

// DeleteAvatar removes the avatar's visual assets
func (c *Client) DeleteAvatar(ctx context.Context, name string) error {
	query := url.Values{}
	query.Set("avatar_name", name)

	resp, err := c.do(ctx, http.MethodDelete, "/delete_avatar", query, nil)
	if err != nil {
		return fault.New(fault.KindUpstream, "lipsync.delete", err).WithAvatar(name)
	}
	if _, err := decodeStatus("lipsync.delete", resp); err != nil {
		return fault.Wrap(err, fault.KindUpstream, "lipsync.delete", name, "", 0)
	}
	return nil
}

// Preview fetches the avatar's preview frame. Transient failures are retried.
func (c *Client) Preview(ctx context.Context, name string) (*Image, error) {
	form := url.Values{}
	form.Set("avatar_name", name)

	var img *Image
	err := resilience.Retry(ctx, func(ctx context.Context) error {
		resp, err := c.do(ctx, http.MethodPost, "/avatar/preview", nil, form)
		if err != nil {
			return err
		}
		if resp.status == http.StatusNotFound {
			return fault.Newf(fault.KindNotFound, "lipsync.preview", "preview not found").WithAvatar(name)
		}
		if resp.status != http.StatusOK || !strings.HasPrefix(resp.contentType, "image/") {
			return fault.Newf(fault.KindUpstream, "lipsync.preview", "status %d, content type %q", resp.status, resp.contentType).
				WithAvatar(name)
		}
		img = &Image{Data: resp.body, ContentType: resp.contentType}
		return nil
	}, c.retry, resilience.IsRetryableNetworkError)

	if err != nil {
		return nil, fault.Wrap(err, fault.KindUpstream, "lipsync.preview", name, "", 0)
	}
	return img, nil
}

// Health checks that the backend answers
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		return err
	}
	if resp.status != http.StatusOK {
		return fmt.Errorf("lipsync health returned status %d", resp.status)
	}
	return nil
}

func snippet(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
