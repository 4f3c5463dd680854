package server

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer. Clients only listen.
	maxMessageSize = 512
)

// handleEvents streams session events to a controller until either side
// goes away.
func (s *APIServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	for _, origin := range s.cfg.AllowedOrigins {
		if origin == "*" {
			opts.InsecureSkipVerify = true
			break
		}
	}
	if !opts.InsecureSkipVerify {
		opts.OriginPatterns = s.cfg.AllowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Warn(r.Context(), err, "Event stream upgrade failed")
		return
	}
	conn.SetReadLimit(maxMessageSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// CloseRead handles control frames and cancels ctx when the peer leaves.
	ctx = conn.CloseRead(ctx)
	events := s.controller.Changes(ctx)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, writeWait)
			err := wsjson.Write(writeCtx, conn, ev)
			writeCancel()
			if err != nil {
				s.logger.Debug(ctx, "Event stream write failed", "error", err.Error())
				return
			}

		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, writeWait)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return
			}

		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		}
	}
}
