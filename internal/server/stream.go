package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/factgraph/internal/preview"
	"github.com/raphaelgruber/factgraph/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4 << 10
)

// MessageType is the type of a stream message.
type MessageType string

// MessageSnapshot is sent once per connection before any event.
const MessageSnapshot MessageType = "snapshot"

// Message is one websocket frame. Event messages carry the registry event
// type; removed and updated events carry the task's card, and an updated
// event whose id changed carries the previous id.
type Message struct {
	Type   MessageType    `json:"type"`
	Card   *preview.Card  `json:"card,omitempty"`
	Cards  []preview.Card `json:"cards,omitempty"`
	PrevID string         `json:"prevId,omitempty"`
}

func eventMessage(ev service.Event) Message {
	msg := Message{Type: MessageType(ev.Type), PrevID: ev.PrevID}
	if ev.Type != service.EventCleared {
		card := preview.FromTask(ev.Task)
		msg.Card = &card
	}
	return msg
}

// handleStream upgrades to a websocket, sends a snapshot of all cards and
// then one message per registry event until either side goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	id := uuid.NewString()[:8]
	logger := s.logger.With("conn_id", id)
	logger.Debug("stream opened", "remote", r.RemoteAddr)

	// Subscribe before the snapshot so no event between the two is lost.
	events, unsubscribe := s.tracker.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go readPump(conn, done)

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	snapshot := Message{Type: MessageSnapshot, Cards: preview.FromTasks(s.tracker.Tasks())}
	if err := conn.WriteJSON(snapshot); err != nil {
		logger.Debug("snapshot write failed", "error", err)
		conn.Close()
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		logger.Debug("stream closed")
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(eventMessage(ev)); err != nil {
				logger.Debug("event write failed", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames and closes done when the peer goes away.
// Reading is required for pong and close frames to be processed.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
