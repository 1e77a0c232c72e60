package collector

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/buynothing/guard/lib/guard"
	"github.com/buynothing/guard/lib/logger"
	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
)

// maxEventBytes bounds a POST /events body.
const maxEventBytes = 64 << 10

// Handler serves the collector API.
type Handler struct {
	store   *Store
	limiter *rate.Limiter
}

// NewHandler returns a Handler that accepts at most rps events per second
// (with a burst of the same size). rps <= 0 disables limiting.
func NewHandler(store *Store, rps float64) *Handler {
	limit := rate.Inf
	burst := 0
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = max(1, int(rps))
	}
	return &Handler{store: store, limiter: rate.NewLimiter(limit, burst)}
}

// Routes mounts the API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/events", h.postEvent)
	r.Get("/events/last", h.lastEvent)
	r.Get("/stats", h.stats)
}

type errorResponse struct {
	Message string `json:"message"`
}

func (h *Handler) postEvent(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	if !h.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Message: "too many events"})
		return
	}

	var d guard.Detection
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes)).Decode(&d); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "invalid event body"})
		return
	}
	ev, err := h.store.Record(r.Context(), d)
	if errors.Is(err, ErrUnknownAction) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: err.Error()})
		return
	}
	if err != nil {
		log.Error("failed to record event", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Message: "failed to record event"})
		return
	}
	log.Info("checkout attempt recorded", "id", ev.ID, "cartTotal", ev.CartTotal, "url", ev.URL)
	writeJSON(w, http.StatusCreated, ev)
}

func (h *Handler) lastEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.store.Last(r.Context())
	if errors.Is(err, ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Message: err.Error()})
		return
	}
	if err != nil {
		logger.FromContext(r.Context()).Error("failed to load last event", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Message: "failed to load last event"})
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Stats(r.Context(), h.store.now())
	if err != nil {
		logger.FromContext(r.Context()).Error("failed to compute stats", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Message: "failed to compute stats"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
