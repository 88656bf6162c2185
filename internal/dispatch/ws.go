package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/kv"
)

const writeWait = 5 * time.Second

// WSSession is one connected app.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// WSHub relays kv pub/sub channels to websocket sessions. Each session
// listens on a single channel.
type WSHub struct {
	store    kv.Store
	logger   *slog.Logger
	mu       sync.RWMutex
	sessions map[string]map[*WSSession]struct{}
}

func NewWSHub(store kv.Store, logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{store: store, logger: logger.With("component", "ws"), sessions: make(map[string]map[*WSSession]struct{})}
}

// Serve relays channel to conn until the client goes away or ctx ends.
func (h *WSHub) Serve(ctx context.Context, channel string, conn *websocket.Conn) error {
	sub, err := h.store.Subscribe(ctx, channel)
	if err != nil {
		return err
	}
	defer sub.Close()

	s := &WSSession{conn: conn}
	h.add(channel, s)
	defer h.remove(channel, s)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		// reads only detect the peer closing
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			if err := s.send(msg.Payload); err != nil {
				h.logger.WarnContext(ctx, "ws send error", "channel", channel, "err", err)
				return err
			}
		}
	}
}

// Sessions returns how many sessions listen on channel.
func (h *WSHub) Sessions(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[channel])
}

func (h *WSHub) add(channel string, s *WSSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[channel] == nil {
		h.sessions[channel] = make(map[*WSSession]struct{})
	}
	h.sessions[channel][s] = struct{}{}
}

func (h *WSHub) remove(channel string, s *WSSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions[channel], s)
	if len(h.sessions[channel]) == 0 {
		delete(h.sessions, channel)
	}
}
