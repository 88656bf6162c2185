package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/dispatch"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type streamKind func(id string) string

var (
	driverStream streamKind = dispatch.DriverChannel
	riderStream  streamKind = dispatch.RiderChannel
)

// handleWS upgrades the request and relays the participant's event channel
// until the client disconnects.
func (s *Server) handleWS(channel streamKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.WarnContext(r.Context(), "ws upgrade failed", "id", id, "err", err)
			return
		}
		defer conn.Close()
		if err := s.streams.Serve(r.Context(), channel(id), conn); err != nil {
			s.logger.DebugContext(r.Context(), "ws session ended", "id", id, "err", err)
		}
	}
}
