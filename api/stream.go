package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"hostwatch/logger"
	"hostwatch/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// handleStream upgrades to a websocket and pushes every new Sample as one
// JSON text message. When a new run starts the stream restarts from its
// first sample.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context(), s.log)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go readPump(conn, closed)

	poll := time.NewTicker(s.pollEvery)
	defer poll.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	var (
		runID  string
		offset int
	)
	for {
		select {
		case <-closed:
			log.Debug("websocket client left")
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-poll.C:
			id, samples, err := s.session.Follow(runID, offset)
			if errors.Is(err, session.ErrUnavailable) {
				continue
			}
			if id != runID {
				runID, offset = id, 0
			}
			for _, sample := range samples {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(sample); err != nil {
					log.Debug("websocket write failed", zap.Error(err))
					return
				}
				offset++
			}
		}
	}
}

// readPump drains client frames so pongs and close messages are processed.
// Client messages are ignored.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
