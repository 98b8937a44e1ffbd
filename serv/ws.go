package serv

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// cross-origin policy is handled by the CORS middleware
	CheckOrigin: func(r *http.Request) bool { return true },
}

// progressHandler upgrades to a websocket and streams executor progress
// events until the client goes away.
// GET /api/v1/progress
func progressHandler(s1 *HttpService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := s1.service()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warnf("websocket upgrade: %s", err)
			return
		}
		defer conn.Close() //nolint:errcheck

		events, cancel := s.dilsor.Subscribe()
		defer cancel()

		// drain client frames so close and pong handling works
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()

		for {
			select {
			case <-done:
				return
			case <-r.Context().Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	})
}
