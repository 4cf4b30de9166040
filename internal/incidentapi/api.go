// Package incidentapi exposes the aggregation engine over HTTP:
// fragment ingest, incident reads, summary write-back, and global
// similarity search.
package incidentapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/flashpoint/internal/engine"
	"github.com/linnemanlabs/flashpoint/internal/fragment"
)

// IncidentService defines the read and write-back operations the API
// needs from the engine.
type IncidentService interface {
	Get(ctx context.Context, id string) (*engine.Incident, error)
	List(ctx context.Context, f engine.Filter) ([]*engine.Incident, error)
	ApplySummary(ctx context.Context, id string, expectedVersion int64, summary string, actions []string) (*engine.Incident, error)
	SearchSimilar(ctx context.Context, embedding []float32, k int) ([]engine.SimilarIncident, error)
}

// Ingestor accepts validated fragments for asynchronous processing.
type Ingestor interface {
	Enqueue(ctx context.Context, f *fragment.Fragment) error
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger       log.Logger
	svc          IncidentService
	ingest       Ingestor
	embeddingDim int
}

// New creates the API handler. embeddingDim is the vector length the
// engine was configured with; ingest validation enforces it up front.
func New(logger log.Logger, svc IncidentService, ingest Ingestor, embeddingDim int) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("incident service is required"))
	}
	if ingest == nil {
		panic(xerrors.New("ingestor is required"))
	}
	return &API{
		logger:       logger,
		svc:          svc,
		ingest:       ingest,
		embeddingDim: embeddingDim,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/fragments", a.handleIngestFragments)
		r.Get("/incidents", a.handleListIncidents)
		r.Get("/incidents/{id}", a.handleGetIncident)
		r.Post("/incidents/{id}/summary", a.handleApplySummary)
		r.Post("/incidents/similar", a.handleSearchSimilar)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
