package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/autonomy-engine/internal/analytics"
	"github.com/sells-group/autonomy-engine/internal/ingest"
	"github.com/sells-group/autonomy-engine/internal/model"
	"github.com/sells-group/autonomy-engine/internal/monitoring"
	"github.com/sells-group/autonomy-engine/internal/nudge"
	"github.com/sells-group/autonomy-engine/internal/registry"
	"github.com/sells-group/autonomy-engine/internal/resilience"
	"github.com/sells-group/autonomy-engine/internal/store"
)

// apiDeps bundles everything the HTTP handlers reach into.
type apiDeps struct {
	ingest    *ingest.Service
	registry  *registry.Registry
	analytics *analytics.Service
	queue     nudge.Queue
	store     store.Store
	collector *monitoring.Collector
	lookback  int
}

// buildRouter wires the chi router. Kept separate from serveCmd so tests can
// drive the full route table through httptest without a listener.
func buildRouter(d apiDeps, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := d.store.Ping(req.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/signals", d.handleIngestSignal)
		r.Get("/metrics", d.handleMetrics)

		r.Route("/orgs/{org}", func(r chi.Router) {
			r.Get("/matrix", d.handleMatrix)

			r.Route("/actions/{action}", func(r chi.Router) {
				r.Put("/ceiling", d.handleSetCeiling)
			})

			r.Route("/users/{user}", func(r chi.Router) {
				r.Post("/nudges/pull", d.handlePullNudges)

				r.Route("/actions/{action}", func(r chi.Router) {
					r.Get("/", d.handleGetSubject)
					r.Get("/summary", d.handleSummary)
					r.Get("/events", d.handleEvents)
					r.Put("/override", d.handleSetOverride)
					r.Put("/never-promote", d.handleSetNeverPromote)
					r.Post("/demote", d.handleDemote)
				})
			})
		})
	})

	return r
}

func subjectFromURL(req *http.Request) model.SubjectKey {
	return model.SubjectKey{
		OrgID:      chi.URLParam(req, "org"),
		UserID:     chi.URLParam(req, "user"),
		ActionType: chi.URLParam(req, "action"),
	}
}

func (d apiDeps) handleIngestSignal(w http.ResponseWriter, req *http.Request) {
	var body ingest.SignalRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, resilience.NewValidationError(eris.Wrap(err, "invalid request body")))
		return
	}

	result, err := d.ingest.Record(req.Context(), body)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if !result.Applied {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (d apiDeps) handleGetSubject(w http.ResponseWriter, req *http.Request) {
	view, err := d.analytics.Subject(req.Context(), subjectFromURL(req))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (d apiDeps) handleMatrix(w http.ResponseWriter, req *http.Request) {
	m, err := d.analytics.OrgMatrix(req.Context(), chi.URLParam(req, "org"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (d apiDeps) handleSummary(w http.ResponseWriter, req *http.Request) {
	summaries, err := d.analytics.Summarize(req.Context(), subjectFromURL(req))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (d apiDeps) handleEvents(w http.ResponseWriter, req *http.Request) {
	events, err := d.analytics.History(req.Context(), subjectFromURL(req), queryInt(req, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (d apiDeps) handleSetCeiling(w http.ResponseWriter, req *http.Request) {
	var body struct {
		MaxCeiling            string `json:"max_ceiling"`
		AutoPromotionEligible bool   `json:"auto_promotion_eligible"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, resilience.NewValidationError(eris.Wrap(err, "invalid request body")))
		return
	}

	c, err := d.registry.SetCeiling(req.Context(),
		chi.URLParam(req, "org"), chi.URLParam(req, "action"),
		body.MaxCeiling, body.AutoPromotionEligible)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (d apiDeps) handleSetOverride(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Policy string `json:"policy"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, resilience.NewValidationError(eris.Wrap(err, "invalid request body")))
		return
	}

	key := subjectFromURL(req)
	ov, err := d.registry.SetOverride(req.Context(), key.OrgID, key.UserID, key.ActionType, body.Policy)
	if err != nil {
		writeError(w, err)
		return
	}
	if ov == nil {
		writeJSON(w, http.StatusOK, map[string]string{"policy": string(model.OverrideInherit)})
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

func (d apiDeps) handleSetNeverPromote(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Locked bool `json:"locked"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, resilience.NewValidationError(eris.Wrap(err, "invalid request body")))
		return
	}

	if err := d.registry.SetNeverPromote(req.Context(), subjectFromURL(req), body.Locked); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"never_promote": body.Locked})
}

func (d apiDeps) handleDemote(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Target string `json:"target"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, resilience.NewValidationError(eris.Wrap(err, "invalid request body")))
		return
	}

	key := subjectFromURL(req)
	if err := d.registry.ManualDemote(req.Context(), key, body.Target, body.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tier": body.Target})
}

func (d apiDeps) handlePullNudges(w http.ResponseWriter, req *http.Request) {
	nudges, err := d.queue.Pull(req.Context(),
		chi.URLParam(req, "org"), chi.URLParam(req, "user"),
		queryInt(req, "limit", 20))
	if err != nil {
		writeError(w, err)
		return
	}
	if nudges == nil {
		nudges = []model.Nudge{}
	}
	writeJSON(w, http.StatusOK, nudges)
}

func (d apiDeps) handleMetrics(w http.ResponseWriter, req *http.Request) {
	snap, err := d.collector.Collect(req.Context(), d.lookback)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func queryInt(req *http.Request, name string, def int) int {
	if raw := req.URL.Query().Get(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeError maps the resilience error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case resilience.IsValidation(err):
		status = http.StatusBadRequest
	case resilience.IsPolicyViolation(err):
		status = http.StatusUnprocessableEntity
	case resilience.IsConflict(err):
		status = http.StatusConflict
	case resilience.IsTransient(err):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		zap.L().Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
