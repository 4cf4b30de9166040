package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/robfig/cron/v3"

	"github.com/linnemanlabs/flashpoint/internal/simindex"
)

// SweeperConfig carries the lifecycle timeouts.
type SweeperConfig struct {
	// StaleAfter demotes OPEN incidents that have not seen a fragment.
	StaleAfter time.Duration
	// ArchiveAfter demotes STALE incidents to ARCHIVED.
	ArchiveAfter time.Duration
}

// Sweeper demotes inactive incidents on a periodic schedule,
// independent of the fragment pipeline. Its writes ride the same
// optimistic-version path as merges, so a concurrent merge always wins
// over a concurrent sweep; the loser simply retries next tick.
type Sweeper struct {
	store   Store
	index   simindex.Index
	buckets Bucketer
	cfg     SweeperConfig
	logger  log.Logger
	hooks   EngineHooks
	now     func() time.Time
}

// NewSweeper creates a sweeper over the given store and index.
func NewSweeper(store Store, index simindex.Index, buckets Bucketer, cfg SweeperConfig, logger log.Logger, hooks EngineHooks) *Sweeper {
	if logger == nil {
		logger = log.Nop()
	}
	return &Sweeper{
		store:   store,
		index:   index,
		buckets: buckets,
		cfg:     cfg,
		logger:  logger,
		hooks:   hooks,
		now:     time.Now,
	}
}

// SetClock overrides the sweeper clock, for tests.
func (sw *Sweeper) SetClock(now func() time.Time) { sw.now = now }

// Start schedules SweepOnce on the cron expression (robfig syntax,
// "@every 1m" style intervals included) and returns a stop function.
func (sw *Sweeper) Start(ctx context.Context, schedule string) (func(), error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if _, err := sw.SweepOnce(ctx); err != nil {
			sw.logger.Error(ctx, err, "sweep failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", schedule, err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}

// SweepOnce runs one full demotion pass and returns the number of
// applied transitions.
func (sw *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	total := 0

	n, err := sw.demote(ctx, StatusOpen, sw.cfg.StaleAfter, StatusStale)
	if err != nil {
		return total, fmt.Errorf("stale pass: %w", err)
	}
	total += n

	n, err = sw.demote(ctx, StatusStale, sw.cfg.ArchiveAfter, StatusArchived)
	if err != nil {
		return total, fmt.Errorf("archive pass: %w", err)
	}
	total += n

	open, err := sw.store.List(ctx, Filter{Statuses: []Status{StatusOpen}})
	if err == nil {
		sw.hooks.openIncidents(len(open))
	}

	return total, nil
}

// errStatusChanged aborts a demotion whose incident moved on between
// the sweep read and the compare-and-update.
var errStatusChanged = errors.New("status changed since sweep read")

func (sw *Sweeper) demote(ctx context.Context, from Status, after time.Duration, to Status) (int, error) {
	now := sw.now()
	candidates, err := sw.store.List(ctx, Filter{Statuses: []Status{from}})
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, in := range candidates {
		if now.Sub(in.LastFragmentAt) <= after {
			continue
		}
		updated, err := sw.store.Update(ctx, in.ID, in.Version, func(cur *Incident) error {
			if cur.Status != from {
				return errStatusChanged
			}
			cur.Status = to
			return nil
		})
		if errors.Is(err, ErrVersionConflict) {
			// A merge beat us; the incident is active again. Next tick
			// re-evaluates from fresh state.
			sw.hooks.conflict()
			continue
		}
		if errors.Is(err, errStatusChanged) {
			continue
		}
		if err != nil {
			sw.logger.Error(ctx, err, "demote failed", "incident_id", in.ID, "to", string(to))
			continue
		}
		applied++
		sw.hooks.sweep(fmt.Sprintf("%s_to_%s", from, to))
		sw.logger.Info(ctx, "incident demoted",
			"incident_id", in.ID,
			"from", string(from),
			"to", string(to),
			"last_fragment_at", in.LastFragmentAt,
		)

		// Archived incidents leave active matching cells but stay in
		// the index so a late fragment can still reopen them.
		if to == StatusArchived {
			if err := sw.index.Upsert(ctx, simindex.Entry{
				IncidentID: updated.ID,
				EventType:  updated.EventType,
				Cell:       sw.buckets.CellForIncident(updated),
				Archived:   true,
				Vector:     updated.CentroidEmbedding,
			}); err != nil {
				sw.logger.Error(ctx, err, "reindex archived incident", "incident_id", updated.ID)
			}
		}
	}
	return applied, nil
}
