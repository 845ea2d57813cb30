// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package webserver

import (
	"net/http"
	"sync"
	"time"

	"crossdex.org/crossdex/chain"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	// wsBuffer is the per-client outgoing queue. A client that cannot keep
	// up is dropped rather than blocking the notifier.
	wsBuffer = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// statusUpdate is the websocket notification sent when a submission is
// broadcast and when it reaches a terminal status.
type statusUpdate struct {
	Type        string `json:"type"`
	Network     string `json:"network"`
	TxHash      string `json:"txHash"`
	Status      int    `json:"status"`
	StatusText  string `json:"statusText"`
	Attempts    int    `json:"attempts"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
}

type wsClient struct {
	conn     *websocket.Conn
	out      chan *statusUpdate
	quitOnce sync.Once
	quit     chan struct{}
}

func (c *wsClient) disconnect() {
	c.quitOnce.Do(func() {
		close(c.quit)
		c.conn.Close()
	})
}

// handleWS upgrades the connection and streams status updates until the
// client goes away.
func (s *WebServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugf("ws upgrade error: %v", err)
		return
	}
	cl := &wsClient{
		conn: conn,
		out:  make(chan *statusUpdate, wsBuffer),
		quit: make(chan struct{}),
	}

	s.wsMtx.Lock()
	s.nextWSID++
	id := s.nextWSID
	s.wsClients[id] = cl
	s.wsMtx.Unlock()
	s.log.Debugf("ws client %d connected from %s", id, r.RemoteAddr)

	defer func() {
		s.wsMtx.Lock()
		delete(s.wsClients, id)
		s.wsMtx.Unlock()
		cl.disconnect()
		s.log.Debugf("ws client %d disconnected", id)
	}()

	// Write pump.
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case update := <-cl.out:
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(update); err != nil {
					cl.disconnect()
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					cl.disconnect()
					return
				}
			case <-cl.quit:
				return
			}
		}
	}()

	// The feed is one-way. Reads only service control frames and detect the
	// close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// notifyStatus pushes a submission's current status to every websocket
// client.
func (s *WebServer) notifyStatus(network string, rec *chain.SubmissionRecord) {
	snap := rec.Snapshot()
	update := &statusUpdate{
		Type:        "txstatus",
		Network:     network,
		TxHash:      snap.TxHash.Hex(),
		Status:      statusCode(snap.Status),
		StatusText:  snap.Status.String(),
		Attempts:    snap.Attempts,
		BlockNumber: snap.BlockNumber,
	}
	s.wsMtx.Lock()
	defer s.wsMtx.Unlock()
	for id, cl := range s.wsClients {
		select {
		case cl.out <- update:
		default:
			s.log.Warnf("ws client %d is not keeping up, dropping", id)
			cl.disconnect()
			delete(s.wsClients, id)
		}
	}
}
