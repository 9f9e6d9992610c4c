package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func websocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// sessionEvents streams session events to the client over a WebSocket. The
// caller must be a member of the session.
func (s *Server) sessionEvents(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromCtx(r.Context())
	sid, err := sessionID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	// Membership gate before upgrading the connection.
	if err := s.engine.AuthorizeRead(sid, id.UserID); err != nil {
		s.respondError(w, err)
		return
	}
	if s.rdb == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := s.rdb.Subscribe(ctx, eventChannel(sid))
	defer sub.Close()

	// Drain client frames so we notice a closed connection.
	go func() {
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
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				return
			}
		}
	}
}
