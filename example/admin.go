package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/overtonx/eventbus"
	"github.com/overtonx/eventbus/config"
)

type deadLetterView struct {
	ID            int64           `json:"id"`
	OriginalID    int64           `json:"originalId"`
	EventID       string          `json:"eventId"`
	EventName     string          `json:"eventName"`
	EventData     json.RawMessage `json:"eventData"`
	RetryCount    int             `json:"retryCount"`
	MaxRetries    int             `json:"maxRetries"`
	FailureReason string          `json:"failureReason"`
	FailedAt      time.Time       `json:"failedAt"`
}

type adminAPI struct {
	bus         *eventbus.Bus
	deadLetters *eventbus.DeadLetterServiceImpl
	logger      *zap.Logger
}

func newAdminRouter(bus *eventbus.Bus, deadLetters *eventbus.DeadLetterServiceImpl, gatherer prometheus.Gatherer, logger *zap.Logger) http.Handler {
	api := &adminAPI{bus: bus, deadLetters: deadLetters, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/dead-letters", func(r chi.Router) {
		r.Get("/", api.listDeadLetters)
		r.Post("/{id}/requeue", api.requeueDeadLetter)
		r.Delete("/{id}", api.discardDeadLetter)
	})
	r.Get("/breakers", api.breakers)
	r.Get("/config", api.getConfig)
	r.Patch("/config", api.patchConfig)
	r.Post("/config/reset", api.resetConfig)

	return r
}

func (a *adminAPI) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := a.deadLetters.List(r.Context(), limit)
	if err != nil {
		a.fail(w, http.StatusInternalServerError, err)
		return
	}

	views := make([]deadLetterView, 0, len(records))
	for _, rec := range records {
		data := json.RawMessage(rec.EventData)
		if !json.Valid(data) {
			data = json.RawMessage("null")
		}
		views = append(views, deadLetterView{
			ID:            rec.ID,
			OriginalID:    rec.OriginalID,
			EventID:       rec.EventID,
			EventName:     rec.EventName,
			EventData:     data,
			RetryCount:    rec.RetryCount,
			MaxRetries:    rec.MaxRetries,
			FailureReason: rec.FailureReason,
			FailedAt:      rec.FailedAt,
		})
	}
	a.write(w, http.StatusOK, views)
}

func (a *adminAPI) requeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	outboxID, err := a.deadLetters.Requeue(r.Context(), id)
	if err != nil {
		a.fail(w, statusFor(err), err)
		return
	}
	a.write(w, http.StatusAccepted, map[string]int64{"outboxId": outboxID})
}

func (a *adminAPI) discardDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	if err := a.deadLetters.Discard(r.Context(), id); err != nil {
		a.fail(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminAPI) breakers(w http.ResponseWriter, _ *http.Request) {
	a.write(w, http.StatusOK, a.bus.Breakers().Snapshots())
}

func (a *adminAPI) getConfig(w http.ResponseWriter, _ *http.Request) {
	a.write(w, http.StatusOK, redacted(a.bus.Config().Get()))
}

func redacted(cfg config.Config) config.Config {
	cfg.Redis.Password = ""
	cfg.Database.DSN = ""
	return cfg
}

func (a *adminAPI) patchConfig(w http.ResponseWriter, r *http.Request) {
	var patch config.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		a.fail(w, http.StatusBadRequest, err)
		return
	}
	if err := a.bus.Config().Set(patch); err != nil {
		a.fail(w, http.StatusUnprocessableEntity, err)
		return
	}
	a.logger.Info("Config updated")
	a.write(w, http.StatusOK, redacted(a.bus.Config().Get()))
}

func (a *adminAPI) resetConfig(w http.ResponseWriter, _ *http.Request) {
	a.bus.Config().Reset()
	a.write(w, http.StatusOK, redacted(a.bus.Config().Get()))
}

func (a *adminAPI) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		a.fail(w, http.StatusBadRequest, err)
		return 0, false
	}
	return id, true
}

func (a *adminAPI) write(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Warn("Failed to write response", zap.Error(err))
	}
}

func (a *adminAPI) fail(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		a.logger.Error("Admin request failed", zap.Error(err))
	}
	a.write(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	if errors.Is(err, eventbus.ErrDeadLetterNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
