package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/autonomy-engine/internal/analytics"
	"github.com/sells-group/autonomy-engine/internal/engine"
	"github.com/sells-group/autonomy-engine/internal/ingest"
	"github.com/sells-group/autonomy-engine/internal/model"
	"github.com/sells-group/autonomy-engine/internal/monitoring"
	"github.com/sells-group/autonomy-engine/internal/nudge"
	"github.com/sells-group/autonomy-engine/internal/registry"
	"github.com/sells-group/autonomy-engine/internal/store"
)

func newTestRouter(t *testing.T) (http.Handler, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	ec := engine.DefaultConfig()
	queue := nudge.NewStoreQueue(st)
	deps := apiDeps{
		ingest:    ingest.NewService(st, ec),
		registry:  registry.New(st, ec),
		analytics: analytics.NewService(st, ec, time.Hour, 2),
		queue:     queue,
		store:     st,
		collector: monitoring.NewCollector(st, queue, 0),
		lookback:  24,
	}
	return buildRouter(deps, nil), st
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func signalBody(id, kind string) map[string]string {
	return map[string]string{
		"id": id, "org_id": "org-1", "user_id": "user-1", "action_type": "email.send",
		"kind": kind, "tier_at_time": "suggest",
	}
}

func TestRouter_Health(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := doJSON(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRouter_IngestSignal(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := doJSON(t, router, http.MethodPost, "/v1/signals", signalBody("sig-1", "approved"))
	require.Equal(t, http.StatusCreated, rr.Code)

	var result ingest.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.True(t, result.Applied)
	assert.Equal(t, model.TierDisabled, result.TierAfter)
}

func TestRouter_IngestSignal_DuplicateReturns200(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := doJSON(t, router, http.MethodPost, "/v1/signals", signalBody("sig-1", "approved"))
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = doJSON(t, router, http.MethodPost, "/v1/signals", signalBody("sig-1", "approved"))
	require.Equal(t, http.StatusOK, rr.Code)

	var result ingest.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.False(t, result.Applied)
}

func TestRouter_IngestSignal_BadRequest(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := doJSON(t, router, http.MethodPost, "/v1/signals", signalBody("sig-1", "shredded"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/signals", bytes.NewReader([]byte("not json")))
	rr2 := httptest.NewRecorder()
	router.ServeHTTP(rr2, req)
	assert.Equal(t, http.StatusBadRequest, rr2.Code)
}

func TestRouter_GetSubject(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := doJSON(t, router, http.MethodPost, "/v1/signals", signalBody("sig-1", "approved"))
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/v1/orgs/org-1/users/user-1/actions/email.send", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var view analytics.SubjectView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	assert.Equal(t, 1, view.Record.TotalSignals)
	assert.Equal(t, model.TierDisabled, view.EffectiveTier)
}

func TestRouter_GetSubject_Unknown(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := doJSON(t, router, http.MethodGet, "/v1/orgs/org-1/users/ghost/actions/email.send", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_CeilingAndOverride(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := doJSON(t, router, http.MethodPut, "/v1/orgs/org-1/actions/email.send/ceiling",
		map[string]any{"max_ceiling": "suggest", "auto_promotion_eligible": true})
	require.Equal(t, http.StatusOK, rr.Code)

	// Pinning above the ceiling is a policy violation.
	rr = doJSON(t, router, http.MethodPut, "/v1/orgs/org-1/users/user-1/actions/email.send/override",
		map[string]string{"policy": "auto"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = doJSON(t, router, http.MethodPut, "/v1/orgs/org-1/users/user-1/actions/email.send/override",
		map[string]string{"policy": "suggest"})
	require.Equal(t, http.StatusOK, rr.Code)

	var ov model.Override
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ov))
	assert.Equal(t, model.OverridePolicy("suggest"), ov.Policy)
}

func TestRouter_CeilingValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := doJSON(t, router, http.MethodPut, "/v1/orgs/org-1/actions/email.send/ceiling",
		map[string]any{"max_ceiling": "unbounded"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_NeverPromoteAndDemote(t *testing.T) {
	router, st := newTestRouter(t)

	rr := doJSON(t, router, http.MethodPost, "/v1/signals", signalBody("sig-1", "approved"))
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = doJSON(t, router, http.MethodPut, "/v1/orgs/org-1/users/user-1/actions/email.send/never-promote",
		map[string]bool{"locked": true})
	require.Equal(t, http.StatusOK, rr.Code)

	key := model.SubjectKey{OrgID: "org-1", UserID: "user-1", ActionType: "email.send"}
	rec, err := st.GetRecord(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, rec.NeverPromote)

	// Demotion needs a tier to fall from.
	require.NoError(t, st.MutateRecord(context.Background(), key,
		func(rec *model.ConfidenceRecord) ([]model.Event, error) {
			rec.Tier = model.TierApprove
			return nil, nil
		}))

	rr = doJSON(t, router, http.MethodPost, "/v1/orgs/org-1/users/user-1/actions/email.send/demote",
		map[string]string{"target": "auto", "reason": "x"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = doJSON(t, router, http.MethodPost, "/v1/orgs/org-1/users/user-1/actions/email.send/demote",
		map[string]string{"target": "suggest", "reason": "quality regression"})
	require.Equal(t, http.StatusOK, rr.Code)

	rec, err = st.GetRecord(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, model.TierSuggest, rec.Tier)
}

func TestRouter_MatrixAndSummary(t *testing.T) {
	router, _ := newTestRouter(t)

	for i := 0; i < 3; i++ {
		rr := doJSON(t, router, http.MethodPost, "/v1/signals", signalBody(fmt.Sprintf("sig-%d", i), "approved"))
		require.Equal(t, http.StatusCreated, rr.Code)
	}

	rr := doJSON(t, router, http.MethodGet, "/v1/orgs/org-1/matrix", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var m analytics.Matrix
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &m))
	require.Len(t, m.Rows, 1)
	assert.Equal(t, "user-1", m.Rows[0].UserID)

	rr = doJSON(t, router, http.MethodGet, "/v1/orgs/org-1/users/user-1/actions/email.send/summary", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var summaries []analytics.WindowSummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &summaries))
	require.Len(t, summaries, 3)
	assert.Equal(t, 3, summaries[0].Counts.Total())
}

func TestRouter_EventsAndNudges(t *testing.T) {
	router, st := newTestRouter(t)

	require.NoError(t, st.InsertEvent(context.Background(), model.Event{
		ID: "ev-1", OrgID: "org-1", UserID: "user-1", ActionType: "email.send",
		EventType: model.EventPromotionAccepted, FromTier: model.TierDisabled, ToTier: model.TierSuggest,
		TriggerReason: "score_threshold_met:suggest", CreatedAt: time.Now().UTC(),
	}))

	rr := doJSON(t, router, http.MethodGet, "/v1/orgs/org-1/users/user-1/actions/email.send/events", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var events []model.Event
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &events))
	require.Len(t, events, 1)

	// Empty queue pulls an empty array, not null.
	rr = doJSON(t, router, http.MethodPost, "/v1/orgs/org-1/users/user-1/nudges/pull", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "[]\n", rr.Body.String())
}

func TestRouter_Metrics(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := doJSON(t, router, http.MethodPost, "/v1/signals", signalBody("sig-1", "approved"))
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/v1/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var snap monitoring.MetricsSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.RecordsTotal)
}
