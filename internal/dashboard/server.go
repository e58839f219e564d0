// Package dashboard serves a live WebSocket feed of logging activity.
//
// Connected viewers receive every published event (track points, catches,
// session transitions, sync results) plus store statistics after each
// change. A viewer connecting mid-session first receives the latest stats.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/steveyegge/catchlog/internal/events"
)

// DefaultPort is the dashboard listen port when none is configured.
const DefaultPort = 8765

const writeTimeout = 5 * time.Second

// Message is the JSON frame sent to viewers.
type Message struct {
	Type      events.Type     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Config holds server configuration.
type Config struct {
	// Port to listen on; 0 picks a free port.
	Port int

	// Outbox is the per-viewer frame backlog (default DefaultOutbox).
	Outbox int

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns the default port and a stderr logger.
func DefaultConfig() *Config {
	return &Config{
		Port:   DefaultPort,
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// Server publishes events to dashboard viewers over WebSocket. It binds to
// loopback only.
type Server struct {
	addr   string
	feed   *feed
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// running tracks the serve goroutine and every viewer connection.
	running sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	http     *http.Server
}

// NewServer creates a dashboard server. Call Start to begin listening.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:   fmt.Sprintf("127.0.0.1:%d", config.Port),
		feed:   newFeed(config.Outbox),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start listens on the configured port and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveViewer)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.listener = ln
	s.http = srv
	s.mu.Unlock()

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		s.logger.Printf("Dashboard listening on http://%s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Dashboard server error: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every viewer and shuts the listener down.
func (s *Server) Stop() error {
	s.cancel()
	s.feed.closeAll()

	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down dashboard: %w", err)
	}
	s.running.Wait()
	s.logger.Println("Dashboard stopped")
	return nil
}

// Publish implements events.Publisher. It never blocks; a viewer that has
// fallen a full outbox behind is disconnected instead.
func (s *Server) Publish(ctx context.Context, ev events.Event) error {
	msg := Message{Type: ev.Type, Timestamp: ev.Timestamp}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if ev.Data != nil {
		raw, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal %s event: %w", ev.Type, err)
		}
		msg.Data = raw
	}

	dropped, err := s.feed.send(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", ev.Type, err)
	}
	if dropped > 0 {
		s.logger.Printf("Warning: disconnected %d viewer(s) that fell behind", dropped)
	}
	return nil
}

// serveViewer upgrades the request and pumps the viewer's outbox until the
// viewer leaves or falls behind, or until the server stops. Viewers are
// receive-only; one that sends a data frame is closed by CloseRead.
func (s *Server) serveViewer(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The server binds to loopback only.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.running.Add(1)
	defer s.running.Done()

	v, err := s.feed.join(time.Now())
	if err != nil {
		s.logger.Printf("Failed to build welcome frame: %v", err)
		_ = conn.Close(websocket.StatusInternalError, "")
		return
	}
	s.logger.Printf("Viewer connected (%d watching)", s.feed.len())

	ctx := conn.CloseRead(s.ctx)
	for {
		select {
		case frame := <-v.outbox:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				s.disconnect(conn, v, websocket.StatusNormalClosure, "")
				return
			}

		case <-v.gone:
			if s.ctx.Err() != nil {
				_ = conn.Close(websocket.StatusGoingAway, "dashboard shutting down")
			} else {
				s.logger.Printf("Viewer fell behind, disconnecting (%d watching)", s.feed.len())
				_ = conn.Close(websocket.StatusPolicyViolation, "too slow")
			}
			return

		case <-ctx.Done():
			s.disconnect(conn, v, websocket.StatusGoingAway, "")
			return
		}
	}
}

func (s *Server) disconnect(conn *websocket.Conn, v *viewer, code websocket.StatusCode, reason string) {
	if s.feed.leave(v) {
		s.logger.Printf("Viewer disconnected (%d watching)", s.feed.len())
	}
	_ = conn.Close(code, reason)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>catchlog</title>
</head>
<body>
    <h1>catchlog</h1>
    <pre id="log"></pre>
    <script>
    const ws = new WebSocket("ws://%s/ws");
    ws.onmessage = (e) => {
        const el = document.getElementById("log");
        el.textContent = e.data + "\n" + el.textContent;
    };
    </script>
</body>
</html>`, r.Host)
}

// Addr returns the listening address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected viewers.
func (s *Server) ClientCount() int {
	return s.feed.len()
}
