// Package pgstore provides a PostgreSQL implementation of engine.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/flashpoint/internal/engine"
	"github.com/linnemanlabs/flashpoint/internal/fragment"
)

var tracer = otel.Tracer("github.com/linnemanlabs/flashpoint/internal/engine/pgstore")

//go:embed schema.sql
var schema string

// Store persists incidents in PostgreSQL, enforcing the version-guard
// discipline at the database: every update carries WHERE version = $n,
// so two writers can never both win.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New applies the schema and returns a ready Store. The pool is owned
// by the caller (built in internal/postgres with tracing attached).
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool, now: time.Now}, nil
}

const incidentColumns = `id, event_type, centroid_lat, centroid_lon, has_coordinates, coord_fragments,
	raw_location_text, window_start, window_end, urgency, casualties_low, casualties_high,
	displaced_low, displaced_high, needs, summary, recommended_actions, fragment_ids,
	centroid_embedding, status, version, created_at, updated_at, last_fragment_at`

// Get retrieves an incident by id.
func (s *Store) Get(ctx context.Context, id string) (*engine.Incident, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`
	in, err := scanIncident(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if !errors.Is(err, engine.ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}
	return in, nil
}

// GetByFragment retrieves the incident owning the fragment id.
func (s *Store) GetByFragment(ctx context.Context, fragmentID string) (*engine.Incident, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetByFragment", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents i
		JOIN incident_fragments f ON f.incident_id = i.id
		WHERE f.fragment_id = $1`
	in, err := scanIncident(s.pool.QueryRow(ctx, query, fragmentID))
	if err != nil {
		if !errors.Is(err, engine.ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}
	return in, nil
}

// Create persists a new incident and registers its fragments.
func (s *Store) Create(ctx context.Context, in *engine.Incident) error {
	ctx, span := tracer.Start(ctx, "pgstore.Create", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	if in.Version != 1 {
		return fmt.Errorf("new incident %s has version %d, want 1", in.ID, in.Version)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := insertIncident(ctx, tx, in); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := registerFragments(ctx, tx, in.ID, in.FragmentIDs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Update applies mutate under a row lock iff the stored version equals
// expectedVersion, then writes back with WHERE version = $n so a racing
// writer outside this transaction still cannot clobber.
func (s *Store) Update(ctx context.Context, id string, expectedVersion int64, mutate func(*engine.Incident) error) (*engine.Incident, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Update", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1 FOR UPDATE`
	current, err := scanIncident(tx.QueryRow(ctx, query, id))
	if err != nil {
		if !errors.Is(err, engine.ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("incident %s: %w: have %d, expected %d",
			id, engine.ErrVersionConflict, current.Version, expectedVersion)
	}

	before := current.FragmentIDs
	updated := current.Clone()
	if err := mutate(updated); err != nil {
		return nil, err
	}
	updated.Version = expectedVersion + 1
	updated.UpdatedAt = s.now().UTC()

	if err := writeIncident(ctx, tx, updated, expectedVersion); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if added := newFragments(before, updated.FragmentIDs); len(added) > 0 {
		if err := registerFragments(ctx, tx, updated.ID, added); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("commit: %w", err)
	}
	return updated, nil
}

// List returns incidents matching the filter, most recently updated
// first.
func (s *Store) List(ctx context.Context, f engine.Filter) ([]*engine.Incident, error) {
	ctx, span := tracer.Start(ctx, "pgstore.List", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query, args := buildListQuery(f)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	var out []*engine.Incident
	for rows.Next() {
		in, err := scanIncident(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate incidents: %w", err)
	}
	return out, nil
}

func buildListQuery(f engine.Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.EventType != "" {
		where = append(where, "event_type = "+arg(string(f.EventType)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if f.MinUrgency > 0 {
		where = append(where, "urgency >= "+arg(int(f.MinUrgency)))
	}
	if f.BBox != nil {
		where = append(where, "has_coordinates",
			"centroid_lat BETWEEN "+arg(f.BBox.MinLat)+" AND "+arg(f.BBox.MaxLat),
			"centroid_lon BETWEEN "+arg(f.BBox.MinLon)+" AND "+arg(f.BBox.MaxLon))
	}
	if !f.Since.IsZero() {
		where = append(where, "window_end >= "+arg(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "window_start <= "+arg(f.Until))
	}

	query := `SELECT ` + incidentColumns + ` FROM incidents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	return query, args
}

func insertIncident(ctx context.Context, tx pgx.Tx, in *engine.Incident) error {
	cols, vals, err := incidentValues(in)
	if err != nil {
		return err
	}
	placeholders := make([]string, len(vals))
	for i := range vals {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := `INSERT INTO incidents (` + cols + `) VALUES (` + strings.Join(placeholders, ",") + `)`
	if _, err := tx.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("insert incident %s: %w", in.ID, err)
	}
	return nil
}

func writeIncident(ctx context.Context, tx pgx.Tx, in *engine.Incident, expectedVersion int64) error {
	needsJSON, err := json.Marshal(in.Needs)
	if err != nil {
		return fmt.Errorf("marshal needs: %w", err)
	}
	actionsJSON, err := json.Marshal(in.RecommendedActions)
	if err != nil {
		return fmt.Errorf("marshal recommended_actions: %w", err)
	}
	fragmentsJSON, err := json.Marshal(in.FragmentIDs)
	if err != nil {
		return fmt.Errorf("marshal fragment_ids: %w", err)
	}
	embeddingJSON, err := json.Marshal(in.CentroidEmbedding)
	if err != nil {
		return fmt.Errorf("marshal centroid_embedding: %w", err)
	}
	var casLow, casHigh, disLow, disHigh *int
	if in.Casualties != nil {
		casLow, casHigh = &in.Casualties.Low, &in.Casualties.High
	}
	if in.Displaced != nil {
		disLow, disHigh = &in.Displaced.Low, &in.Displaced.High
	}

	query := `UPDATE incidents SET
		centroid_lat = $1, centroid_lon = $2, has_coordinates = $3, coord_fragments = $4,
		raw_location_text = $5, window_start = $6, window_end = $7, urgency = $8,
		casualties_low = $9, casualties_high = $10, displaced_low = $11, displaced_high = $12,
		needs = $13, summary = $14, recommended_actions = $15, fragment_ids = $16,
		centroid_embedding = $17, status = $18, version = $19, updated_at = $20,
		last_fragment_at = $21
	WHERE id = $22 AND version = $23`

	tag, err := tx.Exec(ctx, query,
		in.Centroid.Lat, in.Centroid.Lon, in.HasCoordinates, in.CoordFragments,
		in.RawLocationText, in.Window.Start, in.Window.End, int(in.Urgency),
		casLow, casHigh, disLow, disHigh,
		needsJSON, in.Summary, actionsJSON, fragmentsJSON,
		embeddingJSON, string(in.Status), in.Version, in.UpdatedAt,
		in.LastFragmentAt,
		in.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update incident %s: %w", in.ID, err)
	}
	if tag.RowsAffected() != 1 {
		// The row lock makes this unreachable in practice; the guard
		// stays for writers bypassing this code path.
		return fmt.Errorf("incident %s: %w", in.ID, engine.ErrVersionConflict)
	}
	return nil
}

func incidentValues(in *engine.Incident) (string, []any, error) {
	needsJSON, err := json.Marshal(in.Needs)
	if err != nil {
		return "", nil, fmt.Errorf("marshal needs: %w", err)
	}
	actionsJSON, err := json.Marshal(in.RecommendedActions)
	if err != nil {
		return "", nil, fmt.Errorf("marshal recommended_actions: %w", err)
	}
	fragmentsJSON, err := json.Marshal(in.FragmentIDs)
	if err != nil {
		return "", nil, fmt.Errorf("marshal fragment_ids: %w", err)
	}
	embeddingJSON, err := json.Marshal(in.CentroidEmbedding)
	if err != nil {
		return "", nil, fmt.Errorf("marshal centroid_embedding: %w", err)
	}
	var casLow, casHigh, disLow, disHigh *int
	if in.Casualties != nil {
		casLow, casHigh = &in.Casualties.Low, &in.Casualties.High
	}
	if in.Displaced != nil {
		disLow, disHigh = &in.Displaced.Low, &in.Displaced.High
	}

	cols := `id, event_type, centroid_lat, centroid_lon, has_coordinates, coord_fragments,
		raw_location_text, window_start, window_end, urgency, casualties_low, casualties_high,
		displaced_low, displaced_high, needs, summary, recommended_actions, fragment_ids,
		centroid_embedding, status, version, created_at, updated_at, last_fragment_at`
	vals := []any{
		in.ID, string(in.EventType), in.Centroid.Lat, in.Centroid.Lon, in.HasCoordinates, in.CoordFragments,
		in.RawLocationText, in.Window.Start, in.Window.End, int(in.Urgency), casLow, casHigh,
		disLow, disHigh, needsJSON, in.Summary, actionsJSON, fragmentsJSON,
		embeddingJSON, string(in.Status), in.Version, in.CreatedAt, in.UpdatedAt, in.LastFragmentAt,
	}
	return cols, vals, nil
}

// registerFragments claims fragment ids for the incident. A primary
// key violation means another incident already owns one of them.
func registerFragments(ctx context.Context, tx pgx.Tx, incidentID string, fragmentIDs []string) error {
	for _, fid := range fragmentIDs {
		_, err := tx.Exec(ctx,
			`INSERT INTO incident_fragments (fragment_id, incident_id) VALUES ($1, $2)`,
			fid, incidentID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("fragment %s already owned by another incident", fid)
			}
			return fmt.Errorf("register fragment %s: %w", fid, err)
		}
	}
	return nil
}

func newFragments(before, after []string) []string {
	seen := make(map[string]struct{}, len(before))
	for _, id := range before {
		seen[id] = struct{}{}
	}
	var added []string
	for _, id := range after {
		if _, ok := seen[id]; !ok {
			added = append(added, id)
		}
	}
	return added
}

func scanIncident(row pgx.Row) (*engine.Incident, error) {
	var (
		in            engine.Incident
		eventType     string
		status        string
		casLow        *int
		casHigh       *int
		disLow        *int
		disHigh       *int
		needsJSON     []byte
		actionsJSON   []byte
		fragmentsJSON []byte
		embeddingJSON []byte
	)

	err := row.Scan(
		&in.ID, &eventType, &in.Centroid.Lat, &in.Centroid.Lon, &in.HasCoordinates, &in.CoordFragments,
		&in.RawLocationText, &in.Window.Start, &in.Window.End, &in.Urgency, &casLow, &casHigh,
		&disLow, &disHigh, &needsJSON, &in.Summary, &actionsJSON, &fragmentsJSON,
		&embeddingJSON, &status, &in.Version, &in.CreatedAt, &in.UpdatedAt, &in.LastFragmentAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, engine.ErrNotFound
		}
		return nil, fmt.Errorf("scan incident: %w", err)
	}

	in.EventType = fragment.EventType(eventType)
	in.Status = engine.Status(status)
	if casLow != nil && casHigh != nil {
		in.Casualties = &engine.Range{Low: *casLow, High: *casHigh}
	}
	if disLow != nil && disHigh != nil {
		in.Displaced = &engine.Range{Low: *disLow, High: *disHigh}
	}
	if err := json.Unmarshal(needsJSON, &in.Needs); err != nil {
		return nil, fmt.Errorf("unmarshal needs: %w", err)
	}
	if err := json.Unmarshal(actionsJSON, &in.RecommendedActions); err != nil {
		return nil, fmt.Errorf("unmarshal recommended_actions: %w", err)
	}
	if err := json.Unmarshal(fragmentsJSON, &in.FragmentIDs); err != nil {
		return nil, fmt.Errorf("unmarshal fragment_ids: %w", err)
	}
	if err := json.Unmarshal(embeddingJSON, &in.CentroidEmbedding); err != nil {
		return nil, fmt.Errorf("unmarshal centroid_embedding: %w", err)
	}
	return &in, nil
}
