package server

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/cryscope/internal/observe"
	"github.com/MrWong99/cryscope/pkg/types"
)

// writeTimeout bounds a single websocket message write.
const writeTimeout = 5 * time.Second

// events streams the progress of a file over a websocket. The current status
// is sent first. The connection is closed normally once the file leaves the
// processing state.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	fileID := r.PathValue("id")
	log := observe.Logger(r.Context()).With("file_id", fileID)

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		log.Debug("websocket accept failed", "err", err)
		return
	}
	defer c.CloseNow()

	// Subscribe before reading the status so no update falls in between.
	updates, unsubscribe := s.runner.Subscribe(fileID)
	defer unsubscribe()

	ctx := c.CloseRead(r.Context())

	current, err := s.currentStatus(ctx, fileID)
	if err != nil {
		log.Warn("reading status for event stream", "err", err)
		c.Close(websocket.StatusInternalError, "status unavailable")
		return
	}
	if !send(ctx, c, current) {
		return
	}
	if current.Status != types.StatusProcessing {
		c.Close(websocket.StatusNormalClosure, string(current.Status))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-updates:
			if !ok {
				c.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			if !send(ctx, c, p) {
				return
			}
			if p.Status != types.StatusProcessing {
				c.Close(websocket.StatusNormalClosure, string(p.Status))
				return
			}
		}
	}
}

func send(ctx context.Context, c *websocket.Conn, p types.Progress) bool {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c, p); err != nil {
		observe.Logger(ctx).Debug("websocket write failed", "err", err)
		return false
	}
	return true
}
