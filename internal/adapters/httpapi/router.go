// Package httpapi is the operator HTTP surface of the engine.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/anujsainicse/scalper-sub000/internal/domain"
	"github.com/anujsainicse/scalper-sub000/internal/ports"
)

// BotController is the subset of the engine the API drives.
type BotController interface {
	ListBots(ctx context.Context) ([]*domain.Bot, error)
	GetBot(ctx context.Context, id string) (*domain.Bot, error)
	StartBot(ctx context.Context, id string) (*domain.Bot, error)
	StopBot(ctx context.Context, id string, cancelPending bool) (*domain.Bot, error)
	StopAll(ctx context.Context) (int, error)
	DeleteBot(ctx context.Context, id string) error
	CancelAllPending(ctx context.Context, id string, reason domain.CancellationReason) (int, error)
	ListOrders(ctx context.Context, botID string, limit int) ([]*domain.Order, error)
}

// Options holds the router collaborators. Bots is required.
type Options struct {
	Logger    ports.Logger
	Bots      BotController
	Activity  ports.ActivityRepository // Optional, serves /logs
	WebSocket http.HandlerFunc         // Optional, served at /ws
	Healthy   func() bool              // Optional stream health check
}

type handler struct {
	logger   ports.Logger
	bots     BotController
	activity ports.ActivityRepository
	healthy  func() bool
}

// NewRouter builds the gorilla/mux router.
func NewRouter(opts Options) *mux.Router {
	h := &handler{logger: opts.Logger, bots: opts.Bots, activity: opts.Activity, healthy: opts.Healthy}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	if opts.WebSocket != nil {
		r.HandleFunc("/ws", opts.WebSocket).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/bots", h.listBots).Methods(http.MethodGet)
	api.HandleFunc("/bots/stop-all", h.stopAll).Methods(http.MethodPost)
	api.HandleFunc("/bots/{id}", h.getBot).Methods(http.MethodGet)
	api.HandleFunc("/bots/{id}", h.deleteBot).Methods(http.MethodDelete)
	api.HandleFunc("/bots/{id}/start", h.startBot).Methods(http.MethodPost)
	api.HandleFunc("/bots/{id}/stop", h.stopBot).Methods(http.MethodPost)
	api.HandleFunc("/bots/{id}/cancel-all", h.cancelAll).Methods(http.MethodPost)
	api.HandleFunc("/bots/{id}/orders", h.listOrders).Methods(http.MethodGet)
	if opts.Activity != nil {
		api.HandleFunc("/bots/{id}/logs", h.listLogs).Methods(http.MethodGet)
	}
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	status, stream := http.StatusOK, "unknown"
	if h.healthy != nil {
		stream = "up"
		if !h.healthy() {
			status, stream = http.StatusServiceUnavailable, "down"
		}
	}
	writeJSON(w, status, map[string]string{"status": http.StatusText(status), "stream": stream})
}

func (h *handler) listBots(w http.ResponseWriter, r *http.Request) {
	bots, err := h.bots.ListBots(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bots)
}

func (h *handler) getBot(w http.ResponseWriter, r *http.Request) {
	bot, err := h.bots.GetBot(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bot)
}

func (h *handler) startBot(w http.ResponseWriter, r *http.Request) {
	bot, err := h.bots.StartBot(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bot)
}

func (h *handler) stopBot(w http.ResponseWriter, r *http.Request) {
	cancel := false
	if v := r.URL.Query().Get("cancel"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "cancel must be a boolean"})
			return
		}
		cancel = parsed
	}
	bot, err := h.bots.StopBot(r.Context(), mux.Vars(r)["id"], cancel)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bot)
}

func (h *handler) stopAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.bots.StopAll(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"stopped": n})
}

// deleteBot answers 409 while any order is still awaiting the exchange.
func (h *handler) deleteBot(w http.ResponseWriter, r *http.Request) {
	if err := h.bots.DeleteBot(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) cancelAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.bots.CancelAllPending(r.Context(), mux.Vars(r)["id"], domain.CancelManual)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func (h *handler) listOrders(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	orders, err := h.bots.ListOrders(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *handler) listLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	if limit == 0 {
		limit = 50
	}
	id := mux.Vars(r)["id"]
	if _, err := h.bots.GetBot(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	entries, err := h.activity.ListActivity(r.Context(), id, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer"})
		return 0, false
	}
	return limit, true
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && h.logger != nil {
		h.logger.Error(r.Context(), err, "HTTP request failed", map[string]interface{}{"method": r.Method, "path": r.URL.Path, "status": status})
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	var adapterErr *ports.AdapterError
	switch {
	case errors.Is(err, ports.ErrBotNotFound):
		return http.StatusNotFound
	case errors.Is(err, ports.ErrBotAlreadyActive), errors.Is(err, ports.ErrBotNotActive),
		errors.Is(err, ports.ErrBotHasOpenOrders):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidBot):
		return http.StatusBadRequest
	case errors.As(err, &adapterErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
