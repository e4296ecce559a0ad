package spindle

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Events streams status events over a websocket: everything after
// ?cursor= first, then live events as they are recorded. ?run= limits
// the stream to one run.
func (s *Spindle) Events(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Events")
	l.Info("received new connection")

	run := r.URL.Query().Get("run")
	var cursor int64
	if c := r.URL.Query().Get("cursor"); c != "" {
		var err error
		if cursor, err = strconv.ParseInt(c, 10, 64); err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	l.Info("upgraded http to wss")

	var ch chan struct{}
	if run != "" {
		ch = s.n.SubscribeTopic(run)
	} else {
		ch = s.n.Subscribe()
	}
	defer s.n.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				l.Debug("stopped reading", "err", err)
				cancel()
				return
			}
		}
	}()

	// complete backfill first before going to live data
	l.Info("going through backfill", "cursor", cursor)
	if err := s.streamEvents(conn, run, &cursor); err != nil {
		l.Error("failed to backfill", "err", err)
		return
	}

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Info("stopping stream: client closed connection")
			return
		case <-ch:
			// we have been notified of new data
			if err := s.streamEvents(conn, run, &cursor); err != nil {
				l.Error("failed to stream", "err", err)
				return
			}
		case <-ping.C:
			if err = conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				l.Error("failed to write control", "err", err)
				return
			}
		}
	}
}

// streamEvents writes every event after cursor and advances it.
func (s *Spindle) streamEvents(conn *websocket.Conn, run string, cursor *int64) error {
	for {
		evts, err := s.db.GetEvents(run, *cursor)
		if err != nil {
			return err
		}

		for _, ev := range evts {
			if err := conn.WriteJSON(ev); err != nil {
				return err
			}
			*cursor = ev.Created
		}

		// a full page means there may be more
		if len(evts) < 100 {
			return nil
		}
	}
}
