package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"pyromon/internal/broadcast"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard may be served from a different origin than the API.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 5 * time.Second
	wsPingPeriod = 30 * time.Second
)

// wsFrame is the envelope every live message travels in.
type wsFrame struct {
	Type string  `json:"type"`
	Data wsEvent `json:"data"`
}

type wsEvent struct {
	DeviceID     uint     `json:"device_id"`
	DeviceName   string   `json:"device_name"`
	Temperature  *float64 `json:"temperature"`
	Ambient      *float64 `json:"ambient_temp,omitempty"`
	Status       string   `json:"status"`
	Timestamp    string   `json:"timestamp"`
	RawHex       string   `json:"raw_hex,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
}

// handleWS upgrades the connection, subscribes it to the hub and streams
// reading_update frames until the client goes away. Client messages are
// read only to detect disconnects and otherwise ignored.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	events, cancel := s.hub.Subscribe()
	s.log.Info().Str("remote", conn.RemoteAddr().String()).Int("clients", s.hub.SubscriberCount()).Msg("websocket client connected")

	// Reader: discard inbound frames, unblock on close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		cancel()
		_ = conn.Close()
		s.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("websocket client disconnected")
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(frameFor(ev)); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func frameFor(ev broadcast.Event) wsFrame {
	return wsFrame{
		Type: "reading_update",
		Data: wsEvent{
			DeviceID:     ev.DeviceID,
			DeviceName:   ev.DeviceName,
			Temperature:  ev.Temperature,
			Ambient:      ev.Ambient,
			Status:       ev.Status,
			Timestamp:    formatTS(ev.Timestamp),
			RawHex:       ev.RawHex,
			ErrorMessage: ev.ErrorMessage,
		},
	}
}
