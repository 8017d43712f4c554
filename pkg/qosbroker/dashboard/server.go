// Package dashboard serves a live view of the broker: a JSON status API
// and a websocket stream of request lifecycle events.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chosenoffset/qosbroker/pkg/qosbroker/metrics"
)

// Event is one request lifecycle transition pushed to connected clients.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Request   uint64    `json:"request"`
	User      string    `json:"user"`
	Status    string    `json:"status"`
}

// Server is the dashboard HTTP server. Status and rules are pulled from
// provider callbacks on demand; events are pushed through a buffered
// channel and dropped when the buffer is full, so a slow dashboard never
// stalls the broker.
type Server struct {
	port int
	log  *slog.Logger

	server   *http.Server
	upgrader websocket.Upgrader

	mu         sync.RWMutex
	clients    map[*websocket.Conn]bool
	maxClients int
	getStatus  func() any
	getRules   func() any

	events chan Event
	recent []Event
	stop   chan struct{}
}

func NewServer(port int) *Server {
	return &Server{
		port: port,
		log:  slog.Default(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return origin == fmt.Sprintf("http://localhost:%d", port) ||
					origin == fmt.Sprintf("http://127.0.0.1:%d", port)
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients:    make(map[*websocket.Conn]bool),
		maxClients: 100,
		events:     make(chan Event, 256),
		stop:       make(chan struct{}),
	}
}

// SetStatusProvider installs the callback that produces the status
// document served on /api/status.
func (s *Server) SetStatusProvider(fn func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getStatus = fn
}

// SetRulesProvider installs the callback that produces the rules listing
// served on /api/rules.
func (s *Server) SetRulesProvider(fn func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getRules = fn
}

// SendEvent queues a lifecycle event for broadcast. It never blocks.
func (s *Server) SendEvent(kind string, request uint64, user, status string) {
	event := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Kind:      kind,
		Request:   request,
		User:      user,
		Status:    status,
	}
	select {
	case s.events <- event:
	default:
		// Drop if the buffer is full.
	}
}

// Start serves until Stop is called. It blocks.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/rules", s.handleRules)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go s.broadcast()

	s.log.Info("dashboard listening", "port", s.port)
	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	close(s.stop)
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) broadcast() {
	for {
		select {
		case event := <-s.events:
			s.mu.Lock()
			s.recent = append(s.recent, event)
			if len(s.recent) > 100 {
				s.recent = s.recent[len(s.recent)-100:]
			}
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for c := range s.clients {
				clients = append(clients, c)
			}
			s.mu.Unlock()

			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			for _, c := range clients {
				if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
					s.dropClient(c)
				}
			}
		case <-s.stop:
			return
		}
	}
}

func (s *Server) dropClient(c *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.Close()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	full := len(s.clients) >= s.maxClients
	s.mu.RUnlock()
	if full {
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()

	// Drain the client so pings and close frames are processed.
	go func() {
		defer s.dropClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	fn := s.getStatus
	s.mu.RUnlock()
	if fn == nil {
		http.Error(w, "no status provider", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, fn())
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	fn := s.getRules
	s.mu.RUnlock()
	if fn == nil {
		http.Error(w, "no rules provider", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, fn())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	recent := make([]Event, len(s.recent))
	copy(recent, s.recent)
	s.mu.RUnlock()
	writeJSON(w, recent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, indexHTML)
}

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Broker Dashboard</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 0; padding: 20px; background: #f5f5f5; }
        .header { background: #2c3e50; color: white; padding: 20px; border-radius: 5px; margin-bottom: 20px; }
        .grid { display: grid; grid-template-columns: 1fr 1fr; gap: 20px; }
        .card { background: white; padding: 20px; border-radius: 5px; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        .metric-value { font-size: 2em; font-weight: bold; color: #3498db; }
        .metric-label { color: #7f8c8d; margin-bottom: 10px; }
        .events-list { max-height: 400px; overflow-y: auto; }
        .event { padding: 8px; margin: 4px 0; border-left: 4px solid #3498db; background: #ecf0f1; }
        .event.aborted { border-left-color: #e74c3c; }
        .event.complete { border-left-color: #2ecc71; }
        table { width: 100%; border-collapse: collapse; }
        th, td { text-align: left; padding: 6px; border-bottom: 1px solid #ecf0f1; }
        pre { background: #f8f9fa; padding: 10px; border-radius: 3px; overflow-x: auto; }
        .timestamp { font-size: 0.8em; color: #7f8c8d; }
    </style>
</head>
<body>
    <div class="header">
        <h1>Broker Dashboard</h1>
        <p>Live queue, limits and request lifecycle</p>
    </div>
    <div class="grid">
        <div class="card">
            <div class="metric-label">Workers</div>
            <div class="metric-value" id="workers">--</div>
            <div class="metric-label">Active / Known</div>
            <div class="metric-value" id="counts">--</div>
        </div>
        <div class="card">
            <h3>Rules</h3>
            <pre id="rules">loading...</pre>
        </div>
        <div class="card">
            <h3>Requests</h3>
            <table>
                <thead><tr><th>ID</th><th>User</th><th>Status</th><th>Priority</th></tr></thead>
                <tbody id="requests"></tbody>
            </table>
        </div>
        <div class="card">
            <h3>Events</h3>
            <div class="events-list" id="events"></div>
        </div>
    </div>
    <script>
        function refresh() {
            fetch('/api/status').then(r => r.json()).then(s => {
                document.getElementById('workers').textContent = s.workers + (s.paused ? ' (paused)' : '');
                document.getElementById('counts').textContent = s.active + ' / ' + s.known;
                const tbody = document.getElementById('requests');
                tbody.innerHTML = '';
                (s.requests || []).forEach(r => {
                    const row = document.createElement('tr');
                    row.innerHTML = '<td>' + r.id + '</td><td>' + r.user + '</td><td>' + r.status +
                        '</td><td>' + r.priority.toFixed(1) + '</td>';
                    tbody.appendChild(row);
                });
            });
            fetch('/api/rules').then(r => r.json()).then(rules => {
                document.getElementById('rules').textContent = (rules || []).join('\n');
            });
        }
        refresh();
        setInterval(refresh, 2000);

        const ws = new WebSocket('ws://' + location.host + '/ws');
        ws.onmessage = function(msg) {
            const e = JSON.parse(msg.data);
            const list = document.getElementById('events');
            const div = document.createElement('div');
            div.className = 'event ' + e.kind;
            div.innerHTML = '<div><strong>' + e.kind + '</strong> request ' + e.request +
                ' (' + e.user + ')</div><div class="timestamp">' +
                new Date(e.timestamp).toLocaleString() + '</div>';
            list.insertBefore(div, list.firstChild);
            while (list.children.length > 20) {
                list.removeChild(list.lastChild);
            }
        };
    </script>
</body>
</html>
`
