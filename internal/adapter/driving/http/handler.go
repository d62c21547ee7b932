package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Wyydra/meshroom/internal/core/domain"
	"github.com/Wyydra/meshroom/internal/core/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type Handler struct {
	Relay   *service.Relay
	Metrics http.Handler
	Limits  Limits

	// StaticDir, when set, is served at / (the browser client lives there).
	StaticDir string

	log zerolog.Logger
}

func NewHandler(relay *service.Relay, metrics http.Handler, limits Limits, logger zerolog.Logger) *Handler {
	return &Handler{
		Relay:   relay,
		Metrics: metrics,
		Limits:  limits.withDefaults(),
		log:     logger.With().Str("component", "http").Logger(),
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/ws", h.ServeWS)
	r.Post("/rooms", h.CreateRoom)
	r.Get("/healthz", h.Health)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}

	if h.StaticDir != "" {
		fs := http.FileServer(http.Dir(h.StaticDir))
		r.Handle("/*", fs)
	}

	return r
}

// CreateRoom hands out a fresh room id. Rooms themselves are created lazily
// on first join.
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, map[string]string{
		"roomId": domain.NewRoomID().String(),
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	rooms := h.Relay.Rooms()
	participants := 0
	for _, rm := range rooms {
		participants += len(rm.Participants)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"rooms":        len(rooms),
		"participants": participants,
	})
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			h.log.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("Request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
