package incidentapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/flashpoint/internal/engine"
	"github.com/linnemanlabs/flashpoint/internal/fragment"
)

type ingestRequest struct {
	Fragments []*fragment.Fragment `json:"fragments"`
}

type ingestResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

const (
	ingestAccepted = "accepted"
	ingestRejected = "rejected"
)

// handleIngestFragments validates each fragment in the batch and hands
// the valid ones to the worker pool. Validation failures are reported
// per fragment so one bad entry never sinks the batch.
func (a *API) handleIngestFragments(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	if len(req.Fragments) == 0 {
		http.Error(w, `{"error":"empty batch"}`, http.StatusBadRequest)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.Int("flashpoint.ingest.batch_size", len(req.Fragments)))

	results := make([]ingestResult, 0, len(req.Fragments))
	accepted := 0

	for _, f := range req.Fragments {
		if f == nil {
			results = append(results, ingestResult{Status: ingestRejected, Error: "null fragment"})
			continue
		}
		if err := f.Validate(a.embeddingDim); err != nil {
			a.logger.Warn(r.Context(), "rejecting fragment", "fragment_id", f.ID, "error", err)
			results = append(results, ingestResult{ID: f.ID, Status: ingestRejected, Error: err.Error()})
			continue
		}
		if err := a.ingest.Enqueue(r.Context(), f); err != nil {
			if errors.Is(err, engine.ErrQueueFull) || errors.Is(err, engine.ErrPoolStopped) {
				results = append(results, ingestResult{ID: f.ID, Status: ingestRejected, Error: err.Error()})
				continue
			}
			a.logger.Error(r.Context(), err, "failed to enqueue fragment", "fragment_id", f.ID)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
			return
		}
		results = append(results, ingestResult{ID: f.ID, Status: ingestAccepted})
		accepted++
	}

	span.SetAttributes(attribute.Int("flashpoint.ingest.accepted", accepted))

	status := http.StatusAccepted
	if accepted == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]any{"results": results})
}
