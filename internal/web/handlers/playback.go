package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/markerplow/internal/playback"
)

const (
	wsWriteWait    = 10 * time.Second
	wsMaxMessage   = 64 << 10
	wsPongWaitMult = 2
)

// APIPlaybackStart handles POST /api/playback/start
func (h *Handlers) APIPlaybackStart(w http.ResponseWriter, r *http.Request) {
	h.handlePlayback(w, r, playback.EventStart)
}

// APIPlaybackProgress handles POST /api/playback/progress
func (h *Handlers) APIPlaybackProgress(w http.ResponseWriter, r *http.Request) {
	h.handlePlayback(w, r, playback.EventProgress)
}

// APIPlaybackStopped handles POST /api/playback/stopped
func (h *Handlers) APIPlaybackStopped(w http.ResponseWriter, r *http.Request) {
	h.handlePlayback(w, r, playback.EventStopped)
}

func (h *Handlers) handlePlayback(w http.ResponseWriter, r *http.Request, eventType playback.EventType) {
	var ev playback.Event
	if !h.decodeJSON(w, r, &ev) {
		return
	}
	ev.Type = eventType
	if msg := validateEvent(ev); msg != "" {
		h.jsonError(w, msg, http.StatusBadRequest)
		return
	}

	h.deps.Monitor.HandleEvent(ev)
	h.writeJSON(w, http.StatusAccepted, map[string]any{"success": true})
}

// validateEvent returns a message describing why ev cannot be handled
func validateEvent(ev playback.Event) string {
	switch ev.Type {
	case playback.EventStart, playback.EventProgress, playback.EventStopped:
	default:
		return "Unknown event type"
	}
	if ev.SessionID == "" {
		return "session_id is required"
	}
	if ev.Item.ID == "" {
		return "item.id is required"
	}
	if ev.Type == playback.EventProgress {
		switch ev.Progress {
		case "", playback.ProgressTimeUpdate, playback.ProgressPause, playback.ProgressUnpause, playback.ProgressRateChange:
		default:
			return "Unknown progress kind"
		}
	}
	return ""
}

// wsMessage is one playback event sent over the websocket.
// Type overrides the event's own type when set.
type wsMessage struct {
	Type  playback.EventType `json:"type"`
	Event playback.Event     `json:"event"`
}

type wsReply struct {
	Error string `json:"error,omitempty"`
}

// APIEventsWebSocket handles GET /api/events/ws, a stream of playback events
func (h *Handlers) APIEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	log.Debug().Str("remote", r.RemoteAddr).Msg("Playback websocket connected")
	h.serveEvents(r.Context(), conn)
	log.Debug().Str("remote", r.RemoteAddr).Msg("Playback websocket disconnected")
}

func (h *Handlers) serveEvents(ctx context.Context, conn *websocket.Conn) {
	pongWait := h.wsPing * wsPongWaitMult
	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	replies := make(chan wsReply, 16)
	readErrCh := make(chan error, 1)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErrCh <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))

			var msg wsMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Debug().Err(err).Msg("Failed to parse websocket playback message")
				queueReply(replies, wsReply{Error: "invalid JSON"})
				continue
			}
			ev := msg.Event
			if msg.Type != "" {
				ev.Type = msg.Type
			}
			if reason := validateEvent(ev); reason != "" {
				queueReply(replies, wsReply{Error: reason})
				continue
			}
			h.deps.Monitor.HandleEvent(ev)
		}
	}()

	pingTicker := time.NewTicker(h.wsPing)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		case err := <-readErrCh:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("Playback websocket closed unexpectedly")
			}
			return
		case reply := <-replies:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(reply); err != nil {
				return
			}
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// queueReply drops the reply when the writer is backed up
func queueReply(replies chan<- wsReply, reply wsReply) {
	select {
	case replies <- reply:
	default:
	}
}

// APISessions handles GET /api/sessions
func (h *Handlers) APISessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.deps.Monitor.Sessions()
	if sessions == nil {
		sessions = []playback.SessionInfo{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}
