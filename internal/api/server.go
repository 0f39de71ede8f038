package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"reqguard/internal/alerts"
	"reqguard/internal/config"
	"reqguard/internal/metrics"
	"reqguard/internal/model"
)

type EngineControl interface {
	Reset()
	UpdateConfig(cfg *config.Config)
}

// EventHistory serves persisted events.
type EventHistory interface {
	RecentEvents(ctx context.Context, limit int) ([]model.SecurityEvent, error)
}

// QueueStats reports emitter backlog.
type QueueStats interface {
	Pending() int
}

type Server struct {
	cfg     *config.Manager
	metrics *metrics.Store
	alerts  *alerts.Store
	engine  EngineControl
	history EventHistory
	queue   QueueStats
	intake  Intake
	logger  *slog.Logger
	version string
	started time.Time
}

type Options struct {
	Metrics *metrics.Store
	Alerts  *alerts.Store
	Engine  EngineControl
	History EventHistory
	Queue   QueueStats
	Intake  Intake
	Logger  *slog.Logger
	Version string
}

type statusResponse struct {
	Status      string          `json:"status"`
	Service     string          `json:"service"`
	Time        string          `json:"time"`
	Uptime      string          `json:"uptime"`
	Version     string          `json:"version"`
	ConfigPath  string          `json:"config_path"`
	Events      eventsStatus    `json:"events"`
	API         apiStatus       `json:"api"`
	Detection   detectionStatus `json:"detection"`
	RecentCount int             `json:"recent_events"`
}

type eventsStatus struct {
	Driver      string `json:"driver"`
	Destination string `json:"destination"`
	RoutingKey  string `json:"routing_key"`
	Pending     int    `json:"pending"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type detectionStatus struct {
	Window            string              `json:"window"`
	BurstWindow       string              `json:"burstWindow"`
	ScanWindow        string              `json:"scanWindow"`
	RateLimit         int                 `json:"maxRequestsPerWindow"`
	BurstLimit        int                 `json:"maxRequestsPerBurstWindow"`
	ScanLimit         int                 `json:"maxUniquePathsPerScanWindow"`
	BotScoreThreshold int                 `json:"botScoreThreshold"`
	Checks            config.ChecksConfig `json:"checks"`
}

func NewServer(cfg *config.Manager, opts Options) *Server {
	return &Server{
		cfg:     cfg,
		metrics: opts.Metrics,
		alerts:  opts.Alerts,
		engine:  opts.Engine,
		history: opts.History,
		queue:   opts.Queue,
		intake:  opts.Intake,
		logger:  opts.Logger,
		version: opts.Version,
		started: time.Now().UTC(),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/status", s.handleStatus)
	r.Get("/events", s.handleEvents)
	r.Get("/events/stored", s.handleStoredEvents)
	if s.intake != nil {
		r.Post("/events", s.handleIntake)
	}
	r.Get("/config/detection", s.handleGetDetection)
	r.Put("/config/detection", s.handlePutDetection)
	r.Post("/admin/clear", s.handleClear)
	r.Post("/admin/restart", s.handleRestart)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	return r
}

// Start serves the admin API until ctx is done. It returns nil when the API
// is disabled.
func Start(ctx context.Context, cfg *config.Manager, opts Options) *http.Server {
	if cfg == nil {
		return nil
	}
	logger := opts.Logger
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(cfg, opts)
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfg.Get()
	d := cfg.Detection
	pending := 0
	if s.queue != nil {
		pending = s.queue.Pending()
	}
	recent := 0
	if s.alerts != nil {
		recent = s.alerts.Len()
	}
	now := time.Now().UTC()
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     "ok",
		Service:    cfg.ServiceName,
		Time:       now.Format(time.RFC3339Nano),
		Uptime:     now.Sub(s.started).Truncate(time.Second).String(),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Events: eventsStatus{
			Driver:      cfg.Events.Driver,
			Destination: cfg.Events.Destination,
			RoutingKey:  cfg.Events.RoutingKey,
			Pending:     pending,
		},
		API: apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Detection: detectionStatus{
			Window:            d.Window.String(),
			BurstWindow:       d.BurstWindow.String(),
			ScanWindow:        d.ScanWindow.String(),
			RateLimit:         d.MaxRequestsPerWindow,
			BurstLimit:        d.MaxRequestsPerBurstWindow,
			ScanLimit:         d.MaxUniquePathsPerScanWindow,
			BotScoreThreshold: d.BotScoreThreshold,
			Checks:            d.Checks,
		},
		RecentCount: recent,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.alerts == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []model.SecurityEvent{}, "count": 0})
		return
	}
	limit := queryInt(r, "limit")
	var list []model.SecurityEvent
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "since must be RFC3339"})
			return
		}
		list = s.alerts.Since(ts)
	} else {
		list = s.alerts.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": list,
		"count":  len(list),
	})
}

func (s *Server) handleStoredEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	list, err := s.history.RecentEvents(r.Context(), queryInt(r, "limit"))
	if err != nil {
		if s.logger != nil {
			s.logger.Error("load stored events", "err", err)
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": list,
		"count":  len(list),
	})
}

func (s *Server) handleGetDetection(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"detection": s.cfg.Get().Detection,
	})
}

// handlePutDetection replaces the detection section. The body is decoded on
// top of the live values so partial updates keep the rest.
func (s *Server) handlePutDetection(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	current := s.cfg.Get()
	next := *current
	// json reuses slice backing arrays; detach them from the live config
	next.Detection.SensitivePaths = append([]string(nil), current.Detection.SensitivePaths...)
	next.Detection.AutomationAgents = append([]string(nil), current.Detection.AutomationAgents...)
	next.Detection.ExemptPaths = append([]string(nil), current.Detection.ExemptPaths...)
	if err := json.Unmarshal(body, &next.Detection); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if err := s.cfg.Update(&next); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if s.engine != nil {
		s.engine.UpdateConfig(&next)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		if s.alerts != nil {
			s.alerts.Clear()
		}
		if s.engine != nil {
			s.engine.Reset()
		}
	case "events":
		if s.alerts != nil {
			s.alerts.Clear()
		}
	case "counters":
		if s.engine != nil {
			s.engine.Reset()
		}
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleRestart(w http.ResponseWriter, _ *http.Request) {
	if s.engine != nil {
		s.engine.Reset()
	}
	if s.alerts != nil {
		s.alerts.Clear()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func queryInt(r *http.Request, name string) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
