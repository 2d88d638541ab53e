package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pm-ju/anya-web-extension/internal/logging"
	"github.com/pm-ju/anya-web-extension/internal/rag"
)

const serviceName = "anya-voice-assistant"

// MemoryStatsSource reports the state of the semantic memory
type MemoryStatsSource interface {
	Stats() rag.MemoryStats
}

// Services flags which external backends are configured
type Services struct {
	Transcription bool `json:"transcription"`
	Generation    bool `json:"generation"`
	Synthesis     bool `json:"synthesis"`
	Memory        bool `json:"memory"`
}

type Handlers struct {
	hub      *Hub
	memory   MemoryStatsSource
	services Services
}

func NewHandlers(hub *Hub, memory MemoryStatsSource, services Services) *Handlers {
	return &Handlers{
		hub:      hub,
		memory:   memory,
		services: services,
	}
}

// StatusResponse is served at /
type StatusResponse struct {
	Status      string       `json:"status"`
	Services    Services     `json:"services"`
	MemoryStats *MemoryTotal `json:"memory_stats,omitempty"`
	Hub         HubStats     `json:"hub"`
}

type MemoryTotal struct {
	TotalConversations int `json:"total_conversations"`
}

func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:   "Anya Voice Assistant with RAG Memory",
		Services: h.services,
		Hub:      h.hub.Stats(),
	}
	if h.memory != nil {
		resp.MemoryStats = &MemoryTotal{TotalConversations: h.memory.Stats().TotalConversations}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) MemoryStats(w http.ResponseWriter, r *http.Request) {
	if h.memory == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Memory not initialized"})
		return
	}
	writeJSON(w, http.StatusOK, h.memory.Stats())
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": serviceName,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// CORS middleware
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Max-Age", "300")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestLogger logs each request once it finishes
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}

func NewRouter(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logging.Component("http")))
	r.Use(corsMiddleware)

	r.Get("/", h.Status)
	r.Get("/health", h.HealthCheck)
	r.Get("/memory/stats", h.MemoryStats)
	r.Get("/ws", h.hub.ServeWS)

	return r
}
