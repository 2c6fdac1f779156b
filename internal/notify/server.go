package notify

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Waker triggers an immediate sync pass for one account.
type Waker interface {
	WakeAccount(accountID string)
}

// Server exposes the notification hub to local UI clients: a WebSocket
// endpoint for change events and a trigger endpoint for on-demand sync.
// It binds to loopback only; there is no authentication layer.
type Server struct {
	hub   *Hub
	waker Waker
	log   *logrus.Entry
	srv   *http.Server
}

var upgrader = websocket.Upgrader{
	// Local desktop clients connect without an Origin header a browser
	// would set.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewServer builds the notification server for the given listen address.
func NewServer(addr string, hub *Hub, waker Waker, log *logrus.Entry) *Server {
	s := &Server{hub: hub, waker: waker, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/events", s.handleEvents)
	mux.HandleFunc("/v1/sync/", s.handleSync)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown closes the listener and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleEvents upgrades the connection and streams change events until
// the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("failed to upgrade notification connection")
		return
	}

	client := s.hub.Register(conn)
	if client == nil {
		return
	}

	// Read loop keeps the connection open and detects disconnects;
	// clients never send meaningful data.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		s.hub.Unregister(client)
	}()
}

// handleSync wakes the sync worker of the account named in the path:
// POST /v1/sync/{accountID}.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	accountID := r.URL.Path[len("/v1/sync/"):]
	if accountID == "" {
		http.Error(w, "missing account id", http.StatusBadRequest)
		return
	}

	s.waker.WakeAccount(accountID)
	w.WriteHeader(http.StatusAccepted)
}
