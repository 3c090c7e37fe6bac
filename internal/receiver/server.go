package receiver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stride-relay/stride/internal/config"
	"github.com/stride-relay/stride/internal/device"
)

const maxIngestMessage = 4096

type Server struct {
	store          *Store
	broadcaster    *Broadcaster
	ingestor       *Ingestor
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	started        time.Time
}

func NewServer(cfg config.ReceiverConfig, store *Store, broadcaster *Broadcaster, ingestor *Ingestor) *Server {
	s := &Server{
		store:          store,
		broadcaster:    broadcaster,
		ingestor:       ingestor,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      cfg.AuthToken,
		started:        time.Now(),
	}

	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ingest", s.handleIngest)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSession)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// Handler is the full route set wrapped in the security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[receiver] ingest upgrade error: %v", err)
		return
	}
	conn.SetReadLimit(maxIngestMessage)

	from := r.Header.Get(device.Header)
	if from == "" {
		from = r.RemoteAddr
	}
	log.Printf("[receiver] device connected: %s (%s)", from, r.RemoteAddr)

	go func() {
		defer func() {
			conn.Close()
			log.Printf("[receiver] device disconnected: %s", from)
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := s.ingestor.Ingest(data, from); err != nil && !errors.Is(err, ErrStale) {
				log.Printf("[receiver] rejected message from %s: %v", from, err)
			}
		}
	}()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[receiver] ws upgrade error: %v", err)
		return
	}

	c := s.broadcaster.AddClient(conn)
	if c == nil {
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many viewers")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}
	log.Printf("[receiver] viewer connected: %s", r.RemoteAddr)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			log.Printf("[receiver] viewer disconnected: %s", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, s.store.GetAll())
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id, err := url.PathUnescape(strings.TrimPrefix(r.URL.Path, "/api/sessions/"))
	if err != nil || id == "" || strings.Contains(id, "/") {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		rec, ok := s.store.Get(id)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, rec)
	case http.MethodDelete:
		if _, ok := s.store.Get(id); !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		s.store.Remove(id)
		s.broadcaster.QueueRemoval([]string{id})
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type statsResponse struct {
	IngestStats
	UptimeSeconds int64 `json:"uptimeSeconds"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, statsResponse{
		IngestStats:   s.ingestor.Stats(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[receiver] encode response: %v", err)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

// checkOrigin accepts requests without an Origin (devices), configured
// origins, and otherwise same-host or loopback origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves handler on host:port until the server fails.
func ListenAndServe(srv *http.Server, host string, port int, handler http.Handler) error {
	srv.Addr = fmt.Sprintf("%s:%d", host, port)
	srv.Handler = handler
	srv.ReadHeaderTimeout = 10 * time.Second
	log.Printf("[receiver] listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
