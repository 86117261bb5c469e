package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/lexiqai/avatar-gateway/internal/llm"
	"github.com/lexiqai/avatar-gateway/internal/observability"
	"github.com/lexiqai/avatar-gateway/internal/speech"
)

var upgrader = websocket.Upgrader{
	// Browsers on the avatar front end connect from another origin
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 64 * 1024,
}

const (
	chatWriteTimeout = 10 * time.Second
	chatMaxMessage   = 64 * 1024
)

// chatRequest is one user turn sent over the socket
type chatRequest struct {
	Input     string `json:"input"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// chatEvent is a JSON text frame. A "chunk" event is followed by one binary
// frame holding the unit's audio when the unit had speakable text.
type chatEvent struct {
	Status      string `json:"status"` // chunk, finished, error
	Index       int    `json:"index"`
	Text        string `json:"text,omitempty"`
	Final       bool   `json:"final,omitempty"`
	HasAudio    bool   `json:"has_audio,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Units       int    `json:"units,omitempty"`
	FirstUnitMs int64  `json:"first_unit_ms,omitempty"`
	Error       string `json:"error,omitempty"`
}

// handleChat answers each text turn with ordered chunk events and audio
// frames. Turns are handled one at a time per connection.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger := requestLogger(r.Context())
		logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(chatMaxMessage)

	connID := observability.NewCorrelationID()
	logger := requestLogger(r.Context()).With().Str("conn_id", connID).Logger()
	logger.Info().Msg("Chat connection established")

	ctx := r.Context()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Warn().Err(err).Msg("WebSocket read error")
			}
			logger.Info().Msg("Chat connection closed")
			return
		}

		var req chatRequest
		if err := sonic.Unmarshal(message, &req); err != nil || strings.TrimSpace(req.Input) == "" {
			if err := writeEvent(conn, chatEvent{Status: statusError, Error: "expected {\"input\": \"...\"}"}); err != nil {
				return
			}
			continue
		}
		if req.SessionID == "" {
			req.SessionID = connID
		}

		prompt := llm.Prompt{Input: req.Input, SessionID: req.SessionID, UserID: req.UserID}
		snap, err := s.deps.Speaker.Run(ctx, prompt, func(c speech.Chunk) error {
			event := chatEvent{Status: "chunk", Index: c.Index, Text: c.Text, Final: c.Final}
			if c.Audio != nil {
				event.HasAudio = true
				event.ContentType = c.Audio.ContentType
			}
			if err := writeEvent(conn, event); err != nil {
				return err
			}
			if c.Audio == nil {
				return nil
			}
			conn.SetWriteDeadline(time.Now().Add(chatWriteTimeout))
			return conn.WriteMessage(websocket.BinaryMessage, c.Audio.Data)
		})
		if err != nil {
			logger.Error().Err(err).Str("session_id", req.SessionID).Msg("Chat turn failed")
			if werr := writeEvent(conn, chatEvent{Status: statusError, Error: err.Error(), Units: snap.Units}); werr != nil {
				return
			}
			continue
		}

		if err := writeEvent(conn, chatEvent{
			Status:      "finished",
			Units:       snap.Units,
			FirstUnitMs: snap.FirstUnitLatency.Milliseconds(),
		}); err != nil {
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, event chatEvent) error {
	data, err := sonic.Marshal(event)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(chatWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
