package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/Digital-Creators-Team/reward-module/pkg/jackpot"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	EventTypeConnected = "connected"
	EventTypeSnapshot  = "snapshot"
	EventTypeUpdated   = "updated"
	EventTypeHeartbeat = "heartbeat"
)

// JackpotHandler bridges the jackpot feed to HTTP routes (SSE + WebSocket).
type JackpotHandler struct {
	feed            *jackpot.Feed
	logger          zerolog.Logger
	heartbeatPeriod time.Duration
	writeDeadline   time.Duration
	upgrader        websocket.Upgrader
}

// NewJackpotHandler creates a jackpot handler.
func NewJackpotHandler(feed *jackpot.Feed, heartbeat time.Duration, logger zerolog.Logger) *JackpotHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &JackpotHandler{
		feed:            feed,
		logger:          logger.With().Str("handler", "jackpot").Logger(),
		heartbeatPeriod: heartbeat,
		writeDeadline:   10 * time.Second,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Event is one message on a jackpot stream.
// @Description Jackpot stream event
type Event struct {
	Type      string           `json:"type"`
	Timestamp int64            `json:"timestamp"`
	// Total and Version are set together on snapshot and update events,
	// including version 0 of a fresh pool.
	Total   *decimal.Decimal `json:"jackpot_total,omitempty"`
	Version *int64           `json:"jackpot_version,omitempty"`
}

func snapshotEvent(kind string, s jackpot.Snapshot) *Event {
	total, version := s.Total, s.Version
	return &Event{
		Type:      kind,
		Timestamp: time.Now().Unix(),
		Total:     &total,
		Version:   &version,
	}
}

// GetJackpot godoc
// @Summary      Current jackpot
// @Description  Returns the last committed jackpot total and version
// @Tags         jackpot
// @Produce      json
// @Success      200  {object}  BaseResponse{data=jackpot.Snapshot}
// @Router       /jackpot [get]
func (h *JackpotHandler) GetJackpot(c *gin.Context) {
	OK(c, h.feed.Snapshot())
}

// StreamUpdates opens an SSE connection and streams jackpot snapshots.
// Route: GET /api/v1/jackpot/stream
func (h *JackpotHandler) StreamUpdates(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	h.streamUpdates(c.Request.Context(), &sseSender{writer: c.Writer}, nil)
}

// StreamUpdatesWebSocket opens a WebSocket connection and streams jackpot snapshots.
// Route: GET /api/v1/jackpot/ws
func (h *JackpotHandler) StreamUpdatesWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade to WebSocket")
		return
	}
	defer conn.Close() //nolint:errcheck

	done := make(chan struct{})

	// The client never sends data; reading only detects the close and answers pings.
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.logger.Debug().Err(err).Msg("WebSocket connection closed unexpectedly")
				}
				return
			}
		}
	}()

	sender := &wsSender{
		conn:          conn,
		done:          done,
		logger:        h.logger,
		writeDeadline: h.writeDeadline,
	}
	h.streamUpdates(c.Request.Context(), sender, done)
}

// streamUpdates handles the common streaming logic for both SSE and WebSocket.
//
// The first message after connected is the current snapshot. Afterwards only
// snapshots with a version above the last one sent are forwarded, and a burst
// of queued snapshots is collapsed into its newest.
func (h *JackpotHandler) streamUpdates(ctx context.Context, sender messageSender, closed <-chan struct{}) {
	updates, cancel := h.feed.Listen(ctx)
	defer cancel()

	if err := sender.Send(&Event{Type: EventTypeConnected, Timestamp: time.Now().Unix()}); err != nil {
		h.logger.Debug().Err(err).Msg("Failed to send connected event, stopping stream")
		return
	}

	var mark jackpot.Watermark
	kind := EventTypeSnapshot

	heartbeat := time.NewTicker(h.heartbeatPeriod)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case <-heartbeat.C:
			if err := sender.Send(&Event{Type: EventTypeHeartbeat, Timestamp: time.Now().Unix()}); err != nil {
				h.logger.Debug().Err(err).Msg("Failed to send heartbeat, stopping stream")
				return
			}
		case snap, ok := <-updates:
			if !ok {
				return
			}
			snap, ok = drainNewest(updates, snap)
			if !mark.Apply(snap) {
				if !ok {
					return
				}
				continue
			}
			if err := sender.Send(snapshotEvent(kind, snap)); err != nil {
				h.logger.Debug().Err(err).Int64("version", snap.Version).Msg("Failed to send jackpot update, stopping stream")
				return
			}
			kind = EventTypeUpdated
			if !ok {
				return
			}
		}
	}
}

// drainNewest reads whatever is queued without blocking and returns the newest
// snapshot seen. ok is false when the channel was closed while draining.
func drainNewest(updates <-chan jackpot.Snapshot, latest jackpot.Snapshot) (jackpot.Snapshot, bool) {
	for {
		select {
		case next, ok := <-updates:
			if !ok {
				return latest, false
			}
			if next.Newer(latest) {
				latest = next
			}
		default:
			return latest, true
		}
	}
}

// messageSender interface for sending messages (SSE or WebSocket).
type messageSender interface {
	Send(*Event) error
}

// sseSender sends messages via SSE.
type sseSender struct {
	writer http.ResponseWriter
}

func (s *sseSender) Send(ev *Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := s.writer.Write([]byte("event: " + ev.Type + "\ndata: " + string(payload) + "\n\n")); err != nil {
		return err
	}
	if f, ok := s.writer.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// wsSender sends messages via WebSocket.
type wsSender struct {
	conn          *websocket.Conn
	done          <-chan struct{}
	logger        zerolog.Logger
	writeDeadline time.Duration
}

func (s *wsSender) Send(ev *Event) error {
	select {
	case <-s.done:
		return io.EOF
	default:
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeDeadline)); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to set write deadline")
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			s.logger.Debug().Err(err).Str("event_type", ev.Type).Msg("WebSocket write failed: connection closed")
		} else {
			s.logger.Warn().Err(err).Str("event_type", ev.Type).Msg("WebSocket write failed")
		}
		return err
	}
	return nil
}
