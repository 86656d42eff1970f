package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shehryarbajwa/vizreview/pkg/models"
)

const (
	writeWait      = 10 * time.Second
	requestTimeout = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamMessage is what the stream sends besides pipeline events
type streamMessage struct {
	Type   string         `json:"type"`
	Error  string         `json:"error,omitempty"`
	Report *models.Report `json:"report,omitempty"`
}

// wsWriter serializes writes; gorilla connections allow one writer at a time
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) send(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(v)
}

// StreamReview handles GET /v1/reviews/stream. The first client message is
// the review request; every pipeline event is pushed as it happens and the
// final report closes the stream. Closing the socket interrupts the review.
func (h *Handler) StreamReview(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("failed to upgrade connection")
		return
	}
	defer conn.Close()
	out := &wsWriter{conn: conn}

	conn.SetReadLimit(maxBodySize)
	conn.SetReadDeadline(time.Now().Add(requestTimeout))
	var req models.ReviewRequest
	if err := conn.ReadJSON(&req); err != nil {
		out.send(streamMessage{Type: "error", Error: "Invalid request: " + err.Error()})
		return
	}
	conn.SetReadDeadline(time.Time{})

	// the request context outlives the hijack and carries server shutdown
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// a read error means the client went away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.WithError(err).Debug("stream client error")
				}
				return
			}
		}
	}()

	h.logger.WithField("origin", req.Origin).Info("📡 Review stream opened")

	report, err := h.svc.StartReview(ctx, req, func(ev models.Event) error {
		return out.send(ev)
	})
	if err != nil {
		out.send(streamMessage{Type: "error", Error: err.Error()})
	} else {
		out.send(streamMessage{Type: "report", Report: report})
	}

	out.mu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	out.mu.Unlock()

	h.logger.WithField("origin", req.Origin).Info("🔌 Review stream closed")
}
