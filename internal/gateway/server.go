// Package gateway is the HTTP surface of the avatar gateway. It owns request
// parsing and the mapping from faults to status codes; every decision about
// avatars and processes is delegated.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/avatar-gateway/internal/config"
	"github.com/lexiqai/avatar-gateway/internal/lipsync"
	"github.com/lexiqai/avatar-gateway/internal/llm"
	"github.com/lexiqai/avatar-gateway/internal/media"
	"github.com/lexiqai/avatar-gateway/internal/observability"
	"github.com/lexiqai/avatar-gateway/internal/registry"
	"github.com/lexiqai/avatar-gateway/internal/segment"
	"github.com/lexiqai/avatar-gateway/internal/speech"
	"github.com/lexiqai/avatar-gateway/internal/supervisor"
	"github.com/lexiqai/avatar-gateway/internal/switcher"
)

// Avatars is the avatar registry
type Avatars interface {
	Add(ctx context.Context, cfg registry.AvatarConfig) (registry.AvatarConfig, error)
	Get(ctx context.Context, avatarID string) (registry.AvatarConfig, error)
	List(ctx context.Context) ([]registry.AvatarConfig, error)
	Delete(ctx context.Context, avatarID string) error
}

// Switcher runs avatar switches and reports the active session
type Switcher interface {
	Switch(ctx context.Context, avatarID, refFile string) (switcher.Result, error)
	Session() switcher.Session
}

// Models reports the synthesis model table and process handles
type Models interface {
	Models() config.ModelTable
	Handles() []supervisor.Handle
}

// Visual is the part of the lip-sync backend the gateway calls directly
type Visual interface {
	CreateAvatar(ctx context.Context, name, videoPath string, blur bool) (string, error)
	Preview(ctx context.Context, name string) (*lipsync.Image, error)
}

// Speaker answers chat turns with synthesized speech
type Speaker interface {
	Run(ctx context.Context, prompt llm.Prompt, emit speech.EmitFunc) (segment.StatsSnapshot, error)
}

// Deps are the collaborators behind the HTTP surface
type Deps struct {
	Avatars  Avatars
	Switcher Switcher
	Models   Models
	Visual   Visual
	Media    media.Store
	Speaker  Speaker
	Checks   map[string]observability.HealthCheckFunc
}

// Options tunes the HTTP surface
type Options struct {
	PreviewTTL     time.Duration
	MetricsEnabled bool
	MaxUploadBytes int64
}

// Server serves the gateway routes
type Server struct {
	deps     Deps
	opts     Options
	previews *ttlcache.Cache[string, *lipsync.Image]
	logger   zerolog.Logger
}

// New creates a Server. Close releases the preview cache.
func New(deps Deps, opts Options) *Server {
	if opts.PreviewTTL <= 0 {
		opts.PreviewTTL = time.Minute
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 256 << 20
	}

	previews := ttlcache.New[string, *lipsync.Image](
		ttlcache.WithTTL[string, *lipsync.Image](opts.PreviewTTL),
		ttlcache.WithCapacity[string, *lipsync.Image](256),
		ttlcache.WithDisableTouchOnHit[string, *lipsync.Image](),
	)
	go previews.Start()

	return &Server{
		deps:     deps,
		opts:     opts,
		previews: previews,
		logger:   observability.Component("gateway"),
	}
}

// Close stops background cache expiry
func (s *Server) Close() {
	s.previews.Stop()
}

// Handler returns the routed handler wrapped in request logging
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /switch_avatar", s.handleSwitch)
	mux.HandleFunc("POST /avatar/start", s.handleStart)
	mux.HandleFunc("POST /avatar/add", s.handleAdd)
	mux.HandleFunc("POST /create_avatar", s.handleAdd)
	mux.HandleFunc("GET /avatar/get_avatars", s.handleGetAvatars)
	mux.HandleFunc("GET /avatar/list", s.handleList)
	mux.HandleFunc("POST /avatar/preview", s.handlePreview)
	mux.HandleFunc("DELETE /delete_avatar", s.handleDelete)
	mux.HandleFunc("POST /avatar/delete", s.handleDelete)
	mux.HandleFunc("GET /tts/models", s.handleModels)
	mux.HandleFunc("GET /session", s.handleSession)
	mux.HandleFunc("GET /chat/ws", s.handleChat)

	mux.HandleFunc("GET /health", observability.HealthCheckHandler())
	mux.HandleFunc("GET /ready", observability.ReadinessHandler(s.deps.Checks))
	if s.opts.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return s.logRequests(mux)
}

const correlationHeader = "X-Correlation-ID"

type loggerKey struct{}

// requestLogger returns the correlation-tagged logger of the request
func requestLogger(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(zerolog.Logger); ok {
		return l
	}
	return observability.Component("gateway")
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" {
			id = observability.NewCorrelationID()
		}
		logger := observability.WithCorrelationID(id).With().Str("component", "gateway").Logger()
		w.Header().Set(correlationHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), loggerKey{}, logger)))

		event := logger.Debug()
		if rec.status >= http.StatusInternalServerError {
			event = logger.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("Request handled")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
