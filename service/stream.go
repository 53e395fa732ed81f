package service

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stackmotive/overlay/simulation"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// StreamMessage is one frame of the simulation status stream. Status
// frames carry Progress only; the final frame also carries the full result.
type StreamMessage struct {
	Type     string              `json:"type"` // "status" or "final"
	Progress simulation.Progress `json:"progress"`
	Result   *simulation.Result  `json:"result,omitempty"`
}

// handleSimulationStream upgrades to a WebSocket and pushes the job's
// progress on every change until it reaches a terminal status. The last
// frame has type "final" and the full result, after which the server
// closes the connection.
func (o *Overlay) handleSimulationStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := o.engine.Get(id); err != nil {
		o.writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.logger.Debug("WebSocket upgrade failed", "simulation", id, "error", err)
		return
	}
	defer conn.Close()

	// Reader: only control frames are expected; a read error means the
	// client went away.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		// Subscribe before reading so no update between the two is missed.
		changed, err := o.engine.Changed(id)
		if err != nil {
			o.closeStream(conn, websocket.CloseGoingAway, "simulation no longer retained")
			return
		}
		progress, err := o.engine.Progress(id)
		if err != nil {
			o.closeStream(conn, websocket.CloseGoingAway, "simulation no longer retained")
			return
		}

		msg := StreamMessage{Type: "status", Progress: progress}
		if progress.Status.Terminal() {
			// terminal results no longer change
			res, err := o.engine.Get(id)
			if err != nil {
				o.closeStream(conn, websocket.CloseGoingAway, "simulation no longer retained")
				return
			}
			msg.Type = "final"
			msg.Progress = res.Progress()
			msg.Result = res
		}
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(msg); err != nil {
			o.logger.Debug("Stream write failed", "simulation", id, "error", err)
			return
		}
		if msg.Type == "final" {
			o.closeStream(conn, websocket.CloseNormalClosure, string(msg.Progress.Status))
			return
		}

		select {
		case <-changed:
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (o *Overlay) closeStream(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteWait))
}
