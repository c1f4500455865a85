// Package proxy relays a DevTools WebSocket between a debugging client and
// the shared browser.
package proxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ControlURLProvider exposes the browser's DevTools endpoint
type ControlURLProvider interface {
	ControlURL() string
}

type Server struct {
	browser ControlURLProvider
	dialer  *websocket.Dialer
	log     *zap.Logger
}

func NewServer(browser ControlURLProvider, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		browser: browser,
		dialer:  websocket.DefaultDialer,
		log:     logger,
	}
}

// HandleDebugConnection upgrades the request and pipes frames both ways
// until either side closes
func (s *Server) HandleDebugConnection(w http.ResponseWriter, r *http.Request) {
	target := s.browser.ControlURL()
	if target == "" {
		http.Error(w, "Browser is not running", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	browserConn, _, err := s.dialer.DialContext(ctx, target, nil)
	if err != nil {
		s.log.Error("Failed to connect to browser", zap.Error(err))
		http.Error(w, "Failed to connect to browser", http.StatusBadGateway)
		return
	}
	defer browserConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}
	defer clientConn.Close()

	s.log.Info("Debug client connected", zap.String("remote", r.RemoteAddr))

	errChan := make(chan error, 2)
	go func() {
		errChan <- s.proxyMessages(clientConn, browserConn, "client→browser")
	}()
	go func() {
		errChan <- s.proxyMessages(browserConn, clientConn, "browser→client")
	}()

	err = <-errChan
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, websocket.ErrCloseSent) {
		s.log.Debug("Debug proxy stopped", zap.Error(err))
	}
	s.log.Info("Debug client disconnected", zap.String("remote", r.RemoteAddr))
}

func (s *Server) proxyMessages(src, dst *websocket.Conn, direction string) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn("WebSocket error", zap.String("direction", direction), zap.Error(err))
			}
			return err
		}

		if err := dst.WriteMessage(messageType, message); err != nil {
			return err
		}
	}
}
