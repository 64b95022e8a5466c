package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"plant-doctor/pkg/logger"
)

// Options selects the routes and limits of the side HTTP listener used by
// the bot process. Nil handlers leave their route unregistered.
type Options struct {
	Port         string
	Webhook      http.HandlerFunc
	Metrics      http.Handler
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Server struct {
	server  *http.Server
	logger  *logger.Logger
	started time.Time
	health  map[string]bool
}

func NewServer(opts Options, logger *logger.Logger) *Server {
	s := &Server{
		logger:  logger.Named("http"),
		started: time.Now(),
		health: map[string]bool{
			"payments": opts.Webhook != nil,
			"metrics":  opts.Metrics != nil,
		},
	}

	mux := http.NewServeMux()
	if opts.Webhook != nil {
		mux.HandleFunc("/webhook/stripe", opts.Webhook)
	}
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:         ":" + opts.Port,
		Handler:      mux,
		ReadTimeout:  orDefault(opts.ReadTimeout, 10*time.Second),
		WriteTimeout: orDefault(opts.WriteTimeout, 30*time.Second),
		IdleTimeout:  orDefault(opts.IdleTimeout, 120*time.Second),
	}
	return s
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status   string          `json:"status"`
		Uptime   string          `json:"uptime"`
		Features map[string]bool `json:"features"`
	}{"ok", time.Since(s.started).Round(time.Second).String(), s.health})
}

// Handler exposes the routes for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start() error {
	s.logger.Infow("Starting HTTP server", "addr", s.server.Addr, "features", s.health)
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Infow("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}
