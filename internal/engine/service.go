package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/flashpoint/internal/fragment"
	"github.com/linnemanlabs/flashpoint/internal/simindex"
)

// Processing outcomes, as reported in metrics and logs.
const (
	OutcomeMerged    = "merged"
	OutcomeCreated   = "created"
	OutcomeDuplicate = "duplicate"
)

// ServiceConfig carries the engine tunables that main wires from flags.
type ServiceConfig struct {
	Thresholds   Thresholds
	Matcher      MatcherConfig
	Buckets      Bucketer
	LockTimeout  time.Duration
	EmbeddingDim int
	// CASMaxTries bounds the re-read/retry loop when a merge loses an
	// optimistic-concurrency race (to the sweeper; other matchers are
	// excluded by the bucket lock).
	CASMaxTries uint
}

// UpdateListener receives the full incident record after every create
// or merge. Dispatch is asynchronous and fire-and-forget: the external
// summarizer uses it to request a fresh narrative, and its result comes
// back later through ApplySummary.
type UpdateListener interface {
	OnIncidentUpdate(ctx context.Context, in *Incident, outcome string)
}

// ProcessResult is the outcome of processing one fragment.
type ProcessResult struct {
	Incident *Incident
	Outcome  string
	Score    float64
}

// SimilarIncident pairs an incident with its similarity to a query
// vector, for the global semantic search surface.
type SimilarIncident struct {
	Incident *Incident
	Score    float64
}

// Service is the business boundary for incident aggregation. One
// Process call runs the whole matching pipeline for a fragment:
// bucket lock, candidate match, merge-or-create, index refresh, async
// update dispatch.
type Service struct {
	store    Store
	index    simindex.Index
	locks    *BucketLocks
	matcher  *Matcher
	resolver *Resolver
	cfg      ServiceConfig
	logger   log.Logger
	hooks    EngineHooks
	listener UpdateListener
	now      func() time.Time
}

// NewService creates the aggregation service. listener may be nil.
func NewService(store Store, index simindex.Index, cfg ServiceConfig, logger log.Logger, hooks EngineHooks, listener UpdateListener) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:    store,
		index:    index,
		locks:    NewBucketLocks(),
		matcher:  NewMatcher(store, index, cfg.Buckets, cfg.Matcher),
		resolver: NewResolver(cfg.Thresholds),
		cfg:      cfg,
		logger:   logger,
		hooks:    hooks,
		listener: listener,
		now:      time.Now,
	}
}

// SetClock overrides the service clock, for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetListener replaces the update listener. The summarizer both
// listens for updates and writes back through this service, so main
// constructs the two in sequence and closes the loop here. Must be
// called before any Process traffic; dispatch reads it unlocked.
func (s *Service) SetListener(l UpdateListener) { s.listener = l }

// Process runs one fragment through the aggregation pipeline. It
// returns ErrLockTimeout when the bucket could not be acquired (the
// caller requeues) and wraps simindex.ErrUnavailable when the index
// cannot answer (the caller defers and retries; creating a new
// incident on index failure would duplicate uncontrollably).
func (s *Service) Process(ctx context.Context, f *fragment.Fragment) (*ProcessResult, error) {
	start := s.now()

	if err := f.Validate(s.cfg.EmbeddingDim); err != nil {
		return nil, err
	}

	L := s.logger.With("fragment_id", f.ID, "event_type", string(f.EventType))

	// Replayed fragment ids are a no-op; check before taking the lock.
	if existing, err := s.store.GetByFragment(ctx, f.ID); err == nil {
		s.hooks.processed(OutcomeDuplicate, s.now().Sub(start).Seconds(), -1, 0)
		L.Info(ctx, "fragment replay ignored", "incident_id", existing.ID)
		return &ProcessResult{Incident: existing, Outcome: OutcomeDuplicate}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("replay check: %w", err)
	}

	ref := s.cfg.Buckets.Ref(f)
	lockStart := s.now()
	lease, err := s.locks.Acquire(ctx, ref.Key(), s.cfg.LockTimeout)
	s.hooks.lockWait(s.now().Sub(lockStart).Seconds(), errors.Is(err, ErrLockTimeout))
	if err != nil {
		return nil, fmt.Errorf("bucket %s: %w", ref.Key(), err)
	}
	defer lease.Release()

	// A racing replay may have landed while we waited on the lock.
	if existing, err := s.store.GetByFragment(ctx, f.ID); err == nil {
		s.hooks.processed(OutcomeDuplicate, s.now().Sub(start).Seconds(), -1, 0)
		return &ProcessResult{Incident: existing, Outcome: OutcomeDuplicate}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("replay check: %w", err)
	}

	candidates, err := s.matcher.FindCandidates(ctx, f, s.now())
	if err != nil {
		return nil, fmt.Errorf("find candidates: %w", err)
	}

	decision := s.resolver.Resolve(f, candidates)

	var result *ProcessResult
	if decision.CreateNew() {
		result, err = s.createIncident(ctx, f)
	} else {
		result, err = s.mergeIncident(ctx, f, decision)
	}
	if err != nil {
		return nil, err
	}

	// The index must reflect the new centroid before the bucket lock
	// is released, so the next matcher in this bucket sees it.
	if err := s.reindex(ctx, result.Incident); err != nil {
		return nil, fmt.Errorf("reindex incident %s: %w", result.Incident.ID, err)
	}

	s.hooks.processed(result.Outcome, s.now().Sub(start).Seconds(), len(candidates), result.Score)
	L.Info(ctx, "fragment processed",
		"outcome", result.Outcome,
		"incident_id", result.Incident.ID,
		"incident_version", result.Incident.Version,
		"candidates", len(candidates),
		"score", result.Score,
	)

	s.dispatch(ctx, result)
	return result, nil
}

func (s *Service) createIncident(ctx context.Context, f *fragment.Fragment) (*ProcessResult, error) {
	in := Seed(ulid.Make().String(), f, s.now())
	if err := s.store.Create(ctx, in); err != nil {
		return nil, fmt.Errorf("create incident: %w", err)
	}
	return &ProcessResult{Incident: in, Outcome: OutcomeCreated}, nil
}

// mergeIncident applies the merge through the store's compare-and-update
// path. The bucket lock excludes other matchers, but the lifecycle
// sweeper writes outside it, so a conflict here means the sweeper won a
// race; re-read and retry with jittered backoff. A fragment arriving at
// the same instant as a sweep must never be lost.
func (s *Service) mergeIncident(ctx context.Context, f *fragment.Fragment, d Decision) (*ProcessResult, error) {
	targetID := d.Target.ID

	op := func() (*Incident, error) {
		current, err := s.store.Get(ctx, targetID)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if current.HasFragment(f.ID) {
			return current, nil
		}
		updated, err := s.store.Update(ctx, targetID, current.Version, func(in *Incident) error {
			Merge(in, f)
			return nil
		})
		if errors.Is(err, ErrVersionConflict) {
			s.hooks.conflict()
			return nil, err // retryable
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return updated, nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 5 * time.Millisecond
	eb.MaxInterval = 250 * time.Millisecond

	updated, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(s.cfg.CASMaxTries),
	)
	if err != nil {
		return nil, fmt.Errorf("merge into %s: %w", targetID, err)
	}
	return &ProcessResult{Incident: updated, Outcome: OutcomeMerged, Score: d.Score}, nil
}

func (s *Service) reindex(ctx context.Context, in *Incident) error {
	return s.index.Upsert(ctx, simindex.Entry{
		IncidentID: in.ID,
		EventType:  in.EventType,
		Cell:       s.cfg.Buckets.CellForIncident(in),
		Archived:   in.Status == StatusArchived,
		Vector:     in.CentroidEmbedding,
	})
}

// dispatch hands the updated incident to the listener without blocking
// the pipeline or inheriting its cancellation.
func (s *Service) dispatch(ctx context.Context, result *ProcessResult) {
	if s.listener == nil {
		return
	}
	go s.listener.OnIncidentUpdate(context.WithoutCancel(ctx), result.Incident.Clone(), result.Outcome)
}

// ApplySummary is the write-back intake for the external summarizer.
// It needs no bucket coordination: it rides the same optimistic-version
// path as everything else. A conflict means a newer merge superseded
// the summary request; the caller drops it and waits for the next
// update event.
func (s *Service) ApplySummary(ctx context.Context, id string, expectedVersion int64, summary string, actions []string) (*Incident, error) {
	updated, err := s.store.Update(ctx, id, expectedVersion, func(in *Incident) error {
		in.Summary = summary
		in.RecommendedActions = actions
		return nil
	})
	if errors.Is(err, ErrVersionConflict) {
		s.hooks.summaryApply("conflict")
		s.logger.Info(ctx, "summary superseded by newer merge", "incident_id", id, "expected_version", expectedVersion)
		return nil, err
	}
	if err != nil {
		s.hooks.summaryApply("error")
		return nil, err
	}
	s.hooks.summaryApply("applied")
	return updated, nil
}

// Get retrieves an incident by id.
func (s *Service) Get(ctx context.Context, id string) (*Incident, error) {
	return s.store.Get(ctx, id)
}

// List returns incidents matching the filter.
func (s *Service) List(ctx context.Context, f Filter) ([]*Incident, error) {
	return s.store.List(ctx, f)
}

// SearchSimilar finds past incidents semantically close to the query
// embedding, across all buckets and lifecycle states.
func (s *Service) SearchSimilar(ctx context.Context, embedding []float32, k int) ([]SimilarIncident, error) {
	if len(embedding) != s.cfg.EmbeddingDim {
		return nil, fmt.Errorf("embedding length %d, engine expects %d", len(embedding), s.cfg.EmbeddingDim)
	}
	hits, err := s.index.QueryAll(ctx, embedding, k)
	if err != nil {
		return nil, fmt.Errorf("index query: %w", err)
	}
	out := make([]SimilarIncident, 0, len(hits))
	for _, hit := range hits {
		in, err := s.store.Get(ctx, hit.IncidentID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, SimilarIncident{Incident: in, Score: hit.Score})
	}
	return out, nil
}
