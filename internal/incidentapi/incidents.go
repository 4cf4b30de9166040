package incidentapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/flashpoint/internal/engine"
	"github.com/linnemanlabs/flashpoint/internal/fragment"
	"github.com/linnemanlabs/flashpoint/internal/geo"
)

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("flashpoint.incident.id", id))

	in, err := a.svc.Get(r.Context(), id)
	if errors.Is(err, engine.ErrNotFound) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get incident", "incident_id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	span.SetAttributes(attribute.String("flashpoint.incident.status", string(in.Status)))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(in)
}

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	incidents, err := a.svc.List(r.Context(), filter)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list incidents")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.Int("flashpoint.incidents.count", len(incidents)))

	writeJSON(w, http.StatusOK, map[string]any{"incidents": incidents})
}

type applySummaryRequest struct {
	ExpectedVersion    int64    `json:"expected_version"`
	Summary            string   `json:"summary"`
	RecommendedActions []string `json:"recommended_actions,omitempty"`
}

func (a *API) handleApplySummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req applySummaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	if req.Summary == "" {
		http.Error(w, `{"error":"missing summary"}`, http.StatusBadRequest)
		return
	}
	if req.ExpectedVersion < 1 {
		http.Error(w, `{"error":"expected_version must be >= 1"}`, http.StatusBadRequest)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("flashpoint.incident.id", id),
		attribute.Int64("flashpoint.incident.expected_version", req.ExpectedVersion),
	)

	in, err := a.svc.ApplySummary(r.Context(), id, req.ExpectedVersion, req.Summary, req.RecommendedActions)
	if errors.Is(err, engine.ErrNotFound) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	if errors.Is(err, engine.ErrVersionConflict) {
		http.Error(w, `{"error":"version conflict"}`, http.StatusConflict)
		return
	}
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to apply summary", "incident_id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(in)
}

type searchRequest struct {
	Embedding []float32 `json:"embedding"`
	K         int       `json:"k,omitempty"`
}

type searchHit struct {
	Incident *engine.Incident `json:"incident"`
	Score    float64          `json:"score"`
}

const defaultSearchK = 10

func (a *API) handleSearchSimilar(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	if len(req.Embedding) != a.embeddingDim {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("embedding length %d, engine expects %d", len(req.Embedding), a.embeddingDim),
		})
		return
	}
	if req.K <= 0 {
		req.K = defaultSearchK
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.Int("flashpoint.search.k", req.K))

	similar, err := a.svc.SearchSimilar(r.Context(), req.Embedding, req.K)
	if err != nil {
		a.logger.Error(r.Context(), err, "similarity search failed")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	hits := make([]searchHit, 0, len(similar))
	for _, s := range similar {
		hits = append(hits, searchHit{Incident: s.Incident, Score: s.Score})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

func parseListFilter(r *http.Request) (engine.Filter, error) {
	q := r.URL.Query()
	var f engine.Filter

	if v := q.Get("type"); v != "" {
		et := fragment.EventType(v)
		if !et.Valid() {
			return f, fmt.Errorf("unknown event type %q", v)
		}
		f.EventType = et
	}

	for _, v := range q["status"] {
		for _, raw := range strings.Split(v, ",") {
			st := engine.Status(strings.TrimSpace(raw))
			switch st {
			case engine.StatusOpen, engine.StatusStale, engine.StatusArchived:
				f.Statuses = append(f.Statuses, st)
			default:
				return f, fmt.Errorf("unknown status %q", raw)
			}
		}
	}

	if v := q.Get("min_urgency"); v != "" {
		u, err := parseUrgency(v)
		if err != nil {
			return f, err
		}
		f.MinUrgency = u
	}

	if v := q.Get("bbox"); v != "" {
		box, err := parseBBox(v)
		if err != nil {
			return f, err
		}
		f.BBox = box
	}

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid since: %w", err)
		}
		f.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid until: %w", err)
		}
		f.Until = t
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
		f.Limit = n
	}

	return f, nil
}

// parseUrgency accepts either the numeric score or the level name.
func parseUrgency(s string) (fragment.Urgency, error) {
	if n, err := strconv.Atoi(s); err == nil {
		u := fragment.Urgency(n)
		if !u.Valid() {
			return 0, fmt.Errorf("urgency %d outside 1..5", n)
		}
		return u, nil
	}
	for u := fragment.UrgencyMonitoring; u <= fragment.UrgencyCritical; u++ {
		if u.String() == strings.ToLower(s) {
			return u, nil
		}
	}
	return 0, fmt.Errorf("unknown urgency %q", s)
}

// parseBBox parses "minLat,minLon,maxLat,maxLon".
func parseBBox(s string) (*geo.BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bbox needs 4 comma-separated values, got %d", len(parts))
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid bbox value %q", p)
		}
		vals[i] = v
	}
	box := &geo.BBox{MinLat: vals[0], MinLon: vals[1], MaxLat: vals[2], MaxLon: vals[3]}
	if !box.Valid() {
		return nil, fmt.Errorf("invalid bbox %q", s)
	}
	return box, nil
}
