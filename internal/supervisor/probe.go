package supervisor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Prober checks whether something answers on a port
type Prober interface {
	// Probe returns nil when the endpoint reports healthy
	Probe(ctx context.Context, port int, path string) error
}

// HTTPProber issues GET http://host:port/path
type HTTPProber struct {
	Host   string
	Client *http.Client
}

// NewHTTPProber creates a prober with a short per-request timeout
func NewHTTPProber(host string) *HTTPProber {
	if host == "" {
		host = "127.0.0.1"
	}
	return &HTTPProber{
		Host:   host,
		Client: &http.Client{Timeout: 2 * time.Second},
	}
}

func (p *HTTPProber) Probe(ctx context.Context, port int, path string) error {
	url := fmt.Sprintf("http://%s:%d%s", p.Host, port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health returned status %d", resp.StatusCode)
	}
	return nil
}
