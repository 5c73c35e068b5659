// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package walletrpc

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// The websocket.Upgrader is the preferred method of upgrading a request to
// a websocket connection.
var upgrader = websocket.Upgrader{
	// Web content served from any origin may talk to the wallet. Requests
	// still only reach state the engine chooses to expose.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	wsWriteWait = 10 * time.Second
	wsOutBuffer = 32
	wsTypeState = "state"
	wsTypeNote  = "note"
)

// wsMessage is a server-push message. State messages carry the full state
// document, note messages an engine notification.
type wsMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// wsClient is one connected websocket consumer. Writes are serialized
// through the out channel; a slow consumer is disconnected rather than
// allowed to block the broadcaster.
type wsClient struct {
	id   int32
	conn *websocket.Conn
	out  chan *wsMessage

	quitMtx sync.Mutex
	quit    bool
}

func (c *wsClient) send(msg *wsMessage) bool {
	c.quitMtx.Lock()
	defer c.quitMtx.Unlock()
	if c.quit {
		return true
	}
	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

func (c *wsClient) disconnect() {
	c.quitMtx.Lock()
	defer c.quitMtx.Unlock()
	if c.quit {
		return
	}
	c.quit = true
	close(c.out)
	c.conn.Close()
}

// handleWS upgrades the connection, pushes an initial state snapshot, and
// keeps the client registered for broadcasts until it goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("websocket upgrade error: %v", err)
		return
	}

	s.mtx.Lock()
	s.nextID++
	cl := &wsClient{
		id:   s.nextID,
		conn: conn,
		out:  make(chan *wsMessage, wsOutBuffer),
	}
	s.clients[cl.id] = cl
	s.mtx.Unlock()

	cl.send(&wsMessage{Type: wsTypeState, Payload: s.eng.Actor().Store().Get()})

	go s.writeLoop(cl)
	s.readLoop(cl)

	s.mtx.Lock()
	delete(s.clients, cl.id)
	s.mtx.Unlock()
	cl.disconnect()
}

// writeLoop drains the client's out channel onto the wire.
func (s *Server) writeLoop(cl *wsClient) {
	for msg := range cl.out {
		cl.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := cl.conn.WriteJSON(msg); err != nil {
			s.log.Debugf("websocket write error for client %d: %v", cl.id, err)
			cl.disconnect()
			return
		}
	}
}

// readLoop consumes and discards client frames until the connection drops.
// The stream is push-only; requests go over HTTP.
func (s *Server) readLoop(cl *wsClient) {
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// readNotifications fans engine notifications and state snapshots out to
// connected websocket clients.
func (s *Server) readNotifications(ctx context.Context) {
	feed := s.eng.NotificationFeed()
	sub := s.eng.Actor().Store().Subscribe()
	defer s.eng.Actor().Store().Unsubscribe(sub)

	for {
		var msg *wsMessage
		select {
		case note := <-feed:
			msg = &wsMessage{Type: wsTypeNote, Payload: note}
		case doc, ok := <-sub.C:
			if !ok {
				return
			}
			msg = &wsMessage{Type: wsTypeState, Payload: doc}
		case <-ctx.Done():
			return
		}
		s.broadcast(msg)
	}
}

func (s *Server) broadcast(msg *wsMessage) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, cl := range s.clients {
		if !cl.send(msg) {
			s.log.Warnf("disconnecting slow websocket client %d", cl.id)
			go cl.disconnect()
		}
	}
}
