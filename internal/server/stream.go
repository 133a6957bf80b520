package server

import (
	"context"
	"net/http"
	"time"

	"github.com/roach88/inapp/internal/lifecycle"
	"github.com/roach88/inapp/internal/model"
)

// StreamSubscribed is the kind of the first frame on a lifecycle stream,
// sent once the connection receives every lifecycle kind.
const StreamSubscribed = "subscribed"

// Notification is one lifecycle stream frame.
type Notification struct {
	Kind     string          `json:"kind"`
	Messages []model.Message `json:"messages"`
}

const writeTimeout = 10 * time.Second

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	frames := make(chan Notification, s.buffer)
	subs := make([]*lifecycle.Subscription, 0, len(model.LifecycleKinds))
	defer func() {
		for _, sub := range subs {
			sub.Remove()
		}
	}()

	for _, kind := range model.LifecycleKinds {
		sub, err := s.engine.Subscribe(kind, func(ctx context.Context, messages []model.Message) {
			select {
			case frames <- Notification{Kind: string(kind), Messages: messages}:
			default:
				s.logger.WarnContext(ctx, "lifecycle stream lagging, dropping notification", "kind", kind)
			}
		})
		if err != nil {
			s.logger.ErrorContext(r.Context(), "lifecycle subscribe failed", "kind", kind, "error", err)
			return
		}
		subs = append(subs, sub)
	}

	// Reads only detect the peer closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	frame := Notification{Kind: StreamSubscribed, Messages: []model.Message{}}
	for {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(frame); err != nil {
			return
		}

		select {
		case frame = <-frames:
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
