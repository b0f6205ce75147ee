// Package realtime listens on the backend's websocket for activity and turns
// it into early refreshes. It never replaces polling.
package realtime

import (
	"context"
	"io"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"nutrichat/internal/models"
	"nutrichat/internal/session"
)

type Nudger interface {
	Nudge()
}

type Subscriber struct {
	url    string
	sess   *session.Session
	target Nudger
	dialer *websocket.Dialer
	logger *log.Logger
}

func NewSubscriber(url string, sess *session.Session, target Nudger, logger *log.Logger) *Subscriber {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Subscriber{
		url:    url,
		sess:   sess,
		target: target,
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
}

// Run reads events until ctx is done, the session ends or the connection
// drops. The caller decides whether to reconnect.
func (s *Subscriber) Run(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.sess.Token())

	conn, resp, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return errors.Wrap(err, "realtime: unauthorized")
		}
		return errors.Wrap(err, "realtime: dial")
	}
	defer conn.Close()
	s.logger.Printf("connected to %s", s.url)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.sess.Done():
		case <-stop:
			return
		}
		conn.Close()
	}()

	for {
		var event models.WebSocketMessage
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil || s.sess.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "realtime: read")
		}

		switch event.Type {
		case models.EventMessage, models.EventNotification:
			s.target.Nudge()
		default:
			s.logger.Printf("ignoring %q event", event.Type)
		}
	}
}
