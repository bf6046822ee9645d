package events

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// upgrader accepts any origin; the Gateway Supervisor enforces auth before
// ServeHTTP is ever reached, so origin checking here would be redundant.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Socket serves the event bus over a websocket stream: one goroutine
// per connection drains that connection's Bus Subscription and forwards
// each Event as a JSON text frame.
type Socket struct {
	bus *Bus

	// FrameGate, when set, is consulted before forwarding each frame
	// event; a false return drops the frame for socket subscribers only
	// (the /stream/start|stop toggle). All other kinds always flow.
	FrameGate func() bool
}

// NewSocket returns a Socket backed by bus.
func NewSocket(bus *Bus) *Socket {
	return &Socket{bus: bus}
}

// ServeHTTP upgrades the request to a websocket connection and streams
// events until the client disconnects or ctx is cancelled.
func (s *Socket) ServeHTTP(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[eventbus] websocket upgrade failed: %v", err)
		return
	}

	sub := s.bus.Subscribe(0)
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go s.readPump(conn, done)
	s.writePump(ctx, conn, sub, done)
}

// readPump discards inbound frames but keeps the read deadline (and thus
// the pong handler) alive; clients on this stream are read-only observers.
func (s *Socket) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	conn.SetReadLimit(4096)
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

func (s *Socket) writePump(ctx context.Context, conn *websocket.Conn, sub *Subscription, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	flush := func() bool {
		for _, e := range sub.Drain() {
			if e.Kind == KindFrame && s.FrameGate != nil && !s.FrameGate() {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return false
			}
		}
		return true
	}

	if !flush() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sub.WakeChan():
			if !flush() {
				return
			}
		}
	}
}
