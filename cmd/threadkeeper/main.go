// threadkeeper ingests conversation transcripts into a knowledge graph and
// streams graph changes to connected viewers over a websocket channel.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dwalters/threadkeeper/internal/capture"
	"github.com/dwalters/threadkeeper/internal/classify"
	"github.com/dwalters/threadkeeper/internal/ingest"
	"github.com/dwalters/threadkeeper/internal/logging"
	"github.com/dwalters/threadkeeper/internal/store"
	"github.com/dwalters/threadkeeper/internal/synchub"
	"github.com/dwalters/threadkeeper/internal/transcript"
)

// Config holds service configuration, populated from environment variables.
type Config struct {
	Port             string        // HTTP port (default "8240")
	DataDir          string        // Directory for the SQLite database (default "./data")
	TranscriptsDir   string        // Directory swept for *.jsonl session logs (default "./transcripts")
	SweepInterval    time.Duration // Between directory sweeps (default 5m)
	SweepCPULimit    float64       // Defer a sweep above this CPU percentage, 0 disables (default 85)
	OllamaURL        string        // Ollama API base URL (default "http://localhost:11434")
	OllamaModel      string        // Ollama generation model (default "llama3.2")
	OwnerName        string        // Display name for the owner node (default "Me")
	DiscordToken     string        // Optional live Discord capture
	DiscordChannelID string
	RulesFile        string // Optional YAML provenance rules override
}

func loadConfig() Config {
	cfg := Config{
		Port:             envOr("PORT", "8240"),
		DataDir:          envOr("DATA_DIR", "./data"),
		TranscriptsDir:   envOr("TRANSCRIPTS_DIR", "./transcripts"),
		SweepInterval:    durationOr("SWEEP_INTERVAL", 5*time.Minute),
		SweepCPULimit:    floatOr("SWEEP_CPU_LIMIT", 85),
		OllamaURL:        envOr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:      envOr("OLLAMA_MODEL", "llama3.2"),
		OwnerName:        envOr("OWNER_NAME", "Me"),
		DiscordToken:     os.Getenv("DISCORD_TOKEN"),
		DiscordChannelID: os.Getenv("DISCORD_CHANNEL_ID"),
		RulesFile:        os.Getenv("RULES_FILE"),
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		logging.Warn("config", "invalid %s=%q, using %s", key, v, fallback)
	}
	return fallback
}

func floatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		logging.Warn("config", "invalid %s=%q, using %.0f", key, v, fallback)
	}
	return fallback
}

// Service holds all the initialized components.
type Service struct {
	store    *store.Store
	pipeline *ingest.Pipeline
	hub      *synchub.Hub
	cfg      Config
}

func main() {
	// Load .env file (optional - won't error if missing)
	if err := godotenv.Load(); err != nil {
		logging.Info("config", "no .env file, using environment variables")
	}

	cfg := loadConfig()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logging.Info("main", "FATAL: failed to create data directory: %v", err)
		os.Exit(1)
	}
	if err := ingest.EnsureDir(cfg.TranscriptsDir); err != nil {
		logging.Info("main", "FATAL: failed to create transcripts directory: %v", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.DataDir, cfg.OwnerName)
	if err != nil {
		logging.Info("main", "FATAL: failed to open store: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	rules := transcript.DefaultRules()
	if cfg.RulesFile != "" {
		rules, err = transcript.LoadRules(cfg.RulesFile)
		if err != nil {
			logging.Info("main", "FATAL: failed to load rules %s: %v", cfg.RulesFile, err)
			os.Exit(1)
		}
	}
	classifier := transcript.NewClassifier(rules)

	ollama := classify.NewOllamaClient(cfg.OllamaURL, cfg.OllamaModel)
	adapter := classify.NewAdapter(ollama, classify.NewProseFallback(), 90*time.Second)

	hub := synchub.NewHub(db)
	pipeline := ingest.New(db, classifier, adapter, hub)

	svc := &Service{store: db, pipeline: pipeline, hub: hub, cfg: cfg}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := ingest.NewSweeper(pipeline, cfg.TranscriptsDir, cfg.SweepInterval, cfg.SweepCPULimit)
	go sweeper.Run(ctx)

	var discord *capture.DiscordSource
	if cfg.DiscordToken != "" {
		discord, err = capture.NewDiscordSource(capture.DiscordConfig{
			Token:     cfg.DiscordToken,
			ChannelID: cfg.DiscordChannelID,
		}, pipeline)
		if err != nil {
			logging.Info("main", "FATAL: failed to create Discord source: %v", err)
			os.Exit(1)
		}
		if err := discord.Start(); err != nil {
			logging.Info("main", "FATAL: failed to start Discord source: %v", err)
			os.Exit(1)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", svc.handleHealth)
	mux.HandleFunc("POST /ingest", svc.handleIngest)
	mux.HandleFunc("POST /turn", svc.handleTurn)
	mux.HandleFunc("POST /media", svc.handleMedia)
	mux.HandleFunc("GET /graph", svc.handleGraph)
	mux.HandleFunc("GET /stats", svc.handleStats)
	mux.HandleFunc("GET /ws", hub.ServeWS)
	mux.HandleFunc("POST /reset", svc.handleReset)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("main", "shutting down...")
		cancel()
		if discord != nil {
			discord.Stop()
		}
		hub.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	logging.Info("main", "listening on :%s (data: %s, transcripts: %s)", cfg.Port, cfg.DataDir, cfg.TranscriptsDir)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logging.Info("main", "FATAL: server error: %v", err)
		os.Exit(1)
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"viewers": s.hub.ClientCount(),
		"stats":   stats,
	})
}

// IngestRequest is the request body for POST /ingest. FilePath is resolved
// on the server's filesystem; SessionKey defaults to the file's base name.
type IngestRequest struct {
	SessionKey string `json:"session_key,omitempty"`
	FilePath   string `json:"file_path"`
	Provenance string `json:"provenance,omitempty"`
}

func (s *Service) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.FilePath == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "file_path required"})
		return
	}
	if req.SessionKey == "" {
		req.SessionKey = ingest.SessionKeyForPath(req.FilePath)
	}

	result, err := s.pipeline.IngestFile(r.Context(), req.SessionKey, req.FilePath, req.Provenance)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// TurnRequest is the request body for POST /turn.
type TurnRequest struct {
	SessionKey string `json:"session_key"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	Provenance string `json:"provenance,omitempty"`
}

func (s *Service) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.SessionKey == "" || req.Role == "" || req.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "session_key, role and content required"})
		return
	}

	result, err := s.pipeline.IngestTurn(r.Context(), req.SessionKey, req.Role, req.Content, req.Provenance)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// MediaRequest is the request body for POST /media.
type MediaRequest struct {
	PersonID  *int64 `json:"person_id,omitempty"`
	SessionID *int64 `json:"session_id,omitempty"`
	Kind      string `json:"kind"`
	URL       string `json:"url"`
	Caption   string `json:"caption,omitempty"`
}

func (s *Service) handleMedia(w http.ResponseWriter, r *http.Request) {
	var req MediaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.Kind == "" || req.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "kind and url required"})
		return
	}

	id, err := s.store.AddMedia(store.Media{
		PersonID:  req.PersonID,
		SessionID: req.SessionID,
		Kind:      req.Kind,
		URL:       req.URL,
		Caption:   req.Caption,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

func (s *Service) handleGraph(w http.ResponseWriter, r *http.Request) {
	graph, err := s.store.MaterializeGraph()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, graph)
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ResetRequest guards POST /reset; Confirm must be exactly "RESET".
type ResetRequest struct {
	Confirm string `json:"confirm"`
}

func (s *Service) handleReset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.Confirm != "RESET" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": `confirm must be "RESET"`})
		return
	}

	if err := s.store.Reset(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	logging.Info("main", "graph reset by request")
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
