package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"sessionkeeper/internal/models"
	"sessionkeeper/internal/navigation"
)

const (
	streamPushInterval = 30 * time.Second
	streamWriteTimeout = 5 * time.Second
	streamQueueSize    = 16

	streamTypeState    = "state"
	streamTypeNavigate = "navigate"
)

var streamUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		host := strings.ToLower(strings.TrimSpace(r.Host))
		originHost := strings.ToLower(strings.TrimSpace(u.Host))
		return host == originHost
	},
}

// streamMessage is pushed to the host shell. State messages drive the
// offline loader; navigate messages ask the shell to perform a route change
// the agent issued.
type streamMessage struct {
	Type  string                  `json:"type"`
	At    time.Time               `json:"at"`
	State *models.ContinuityState `json:"state,omitempty"`
	Path  string                  `json:"path,omitempty"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.serveStream(conn)
}

func (s *Server) serveStream(conn *websocket.Conn) {
	defer conn.Close()

	// Subscribers run on the monitor's and router's goroutines and must not
	// block, so they only enqueue. A full queue drops the event; the next
	// state push carries the current state anyway.
	queue := make(chan streamMessage, streamQueueSize)
	enqueue := func(msg streamMessage) {
		select {
		case queue <- msg:
		default:
		}
	}
	unsubscribe := s.agent.Monitor.Subscribe(func(t models.Transition) {
		enqueue(streamMessage{Type: streamTypeState, At: t.At})
	})
	defer unsubscribe()
	stopRoutes := s.agent.Router.OnRouteChange(func(c navigation.Change) {
		if c.Programmatic {
			enqueue(streamMessage{Type: streamTypeNavigate, At: c.At, Path: c.Path})
		}
	})
	defer stopRoutes()

	if err := s.writeStreamState(conn, s.agent.Clock.Now()); err != nil {
		return
	}

	ticker := time.NewTicker(streamPushInterval)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg := <-queue:
			var err error
			if msg.Type == streamTypeState {
				err = s.writeStreamState(conn, msg.At)
			} else {
				err = writeStreamPayload(conn, msg)
			}
			if err != nil {
				return
			}
		case <-ticker.C:
			if err := s.writeStreamState(conn, s.agent.Clock.Now()); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// writeStreamState reads the state at write time, so a burst of transitions
// never reports a stale view.
func (s *Server) writeStreamState(conn *websocket.Conn, at time.Time) error {
	state := s.agent.Manager.State()
	return writeStreamPayload(conn, streamMessage{Type: streamTypeState, At: at, State: &state})
}

func writeStreamPayload(conn *websocket.Conn, payload streamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteJSON(payload)
}
