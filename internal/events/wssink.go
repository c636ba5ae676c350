package events

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"foreman/internal/logger"
)

// WSSink broadcasts the event stream to WebSocket subscribers. It is one
// Sink implementation; the core never assumes a specific transport.
type WSSink struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]bool
}

func NewWSSink() *WSSink {
	return &WSSink{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]bool),
	}
}

// Handler upgrades incoming connections and registers them.
func (s *WSSink) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Log.Printf("ws sink: upgrade failed: %v", err)
			return
		}
		s.mu.Lock()
		s.conns[conn] = true
		s.mu.Unlock()
	}
}

// Send writes the event to every subscriber, dropping dead connections.
// Events below the minimum compatible schema version are discarded.
func (s *WSSink) Send(ev Event) error {
	if !Compatible(ev) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		if err := conn.WriteJSON(ev); err != nil {
			logger.Log.Printf("ws sink: dropping subscriber: %v", err)
			conn.Close()
			delete(s.conns, conn)
		}
	}
	return nil
}

func (s *WSSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
		delete(s.conns, conn)
	}
	return nil
}

// Forward pumps an emitter's stream into a sink until the stream closes.
func Forward(ch <-chan Event, sink Sink) {
	for ev := range ch {
		if err := sink.Send(ev); err != nil {
			logger.Log.Printf("event sink: %v", err)
		}
	}
}
