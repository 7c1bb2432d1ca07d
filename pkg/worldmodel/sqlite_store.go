package worldmodel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store backed by a SQLite database, for
// deployments that need the schedule to survive a restart.
type SQLiteStore struct {
	db *sql.DB

	// SQLite serializes writers itself, but the commit precondition spans
	// a read and a write, so they are fenced here too.
	mu sync.Mutex
}

// NewSQLiteStore opens (and if needed initializes) a SQLite-backed world
// model at the given path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS zones (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			narrow INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS resources (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			zone_id TEXT NOT NULL REFERENCES zones(id),
			capacity INTEGER NOT NULL DEFAULT 1
		);
		CREATE TABLE IF NOT EXISTS constraints (
			id TEXT PRIMARY KEY,
			resource_id TEXT,
			zone_id TEXT,
			kind_a TEXT,
			kind_b TEXT,
			max_concurrent INTEGER NOT NULL DEFAULT 0,
			hard INTEGER NOT NULL DEFAULT 0,
			description TEXT
		);
		CREATE TABLE IF NOT EXISTS claims (
			id TEXT PRIMARY KEY,
			resource_id TEXT NOT NULL REFERENCES resources(id),
			zone_id TEXT NOT NULL,
			proposal_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			window_start DATETIME NOT NULL,
			window_end DATETIME NOT NULL,
			state TEXT NOT NULL,
			committed_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_claims_zone ON claims(zone_id, window_start, window_end);
		CREATE TABLE IF NOT EXISTS commit_marks (
			resource_id TEXT PRIMARY KEY,
			committed_at DATETIME NOT NULL
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// AddZone registers a grouping entity
func (s *SQLiteStore) AddZone(ctx context.Context, z Zone) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO zones (id, name, narrow) VALUES (?, ?, ?)
	`, z.ID, z.Name, z.Narrow)
	if err != nil {
		return fmt.Errorf("failed to insert zone: %w", err)
	}
	return nil
}

// AddResource registers a resource under its zone
func (s *SQLiteStore) AddResource(ctx context.Context, r Resource) error {
	if r.Capacity <= 0 {
		r.Capacity = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO resources (id, kind, name, zone_id, capacity)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, string(r.Kind), r.Name, r.ZoneID, r.Capacity)
	if err != nil {
		return fmt.Errorf("failed to insert resource: %w", err)
	}
	return nil
}

// AddConstraint registers a constraint fact
func (s *SQLiteStore) AddConstraint(ctx context.Context, f ConstraintFact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO constraints
			(id, resource_id, zone_id, kind_a, kind_b, max_concurrent, hard, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.ResourceID, f.ZoneID, string(f.KindA), string(f.KindB), f.MaxConcurrent, f.Hard, f.Description)
	if err != nil {
		return fmt.Errorf("failed to insert constraint: %w", err)
	}
	return nil
}

// AddProposedClaim records a claim in proposed state
func (s *SQLiteStore) AddProposedClaim(ctx context.Context, c Claim) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO claims (id, resource_id, zone_id, proposal_id, kind, window_start, window_end, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.ResourceID, c.ZoneID, c.ProposalID, string(c.Kind), c.Window.Start, c.Window.End, string(ClaimProposed))
	if err != nil {
		return fmt.Errorf("failed to insert claim: %w", err)
	}
	return nil
}

// Resource resolves a resource by id
func (s *SQLiteStore) Resource(ctx context.Context, id string) (Resource, Snapshot, error) {
	var r Resource
	var kind string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, name, zone_id, capacity FROM resources WHERE id = ?
	`, id).Scan(&r.ID, &kind, &r.Name, &r.ZoneID, &r.Capacity)
	if errors.Is(err, sql.ErrNoRows) {
		return Resource{}, s.snapshot(), fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Resource{}, s.snapshot(), fmt.Errorf("failed to query resource: %w", err)
	}
	r.Kind = ResourceKind(kind)
	return r, s.snapshot(), nil
}

// Zone resolves the grouping entity a resource belongs to
func (s *SQLiteStore) Zone(ctx context.Context, resourceID string) (Zone, Snapshot, error) {
	var z Zone
	err := s.db.QueryRowContext(ctx, `
		SELECT z.id, z.name, z.narrow
		FROM zones z JOIN resources r ON r.zone_id = z.id
		WHERE r.id = ?
	`, resourceID).Scan(&z.ID, &z.Name, &z.Narrow)
	if errors.Is(err, sql.ErrNoRows) {
		return Zone{}, s.snapshot(), fmt.Errorf("resource %s: %w", resourceID, ErrNotFound)
	}
	if err != nil {
		return Zone{}, s.snapshot(), fmt.Errorf("failed to query zone: %w", err)
	}
	return z, s.snapshot(), nil
}

// ClaimsInRange lists claims in the zone overlapping the window
func (s *SQLiteStore) ClaimsInRange(ctx context.Context, zoneID string, w TimeWindow) ([]Claim, Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, resource_id, zone_id, proposal_id, kind, window_start, window_end, state, committed_at
		FROM claims
		WHERE zone_id = ? AND window_start < ? AND window_end > ?
	`, zoneID, w.End, w.Start)
	if err != nil {
		return nil, s.snapshot(), fmt.Errorf("failed to query claims: %w", err)
	}
	defer rows.Close()

	var out []Claim
	for rows.Next() {
		var c Claim
		var kind, state string
		var committed sql.NullTime
		if err := rows.Scan(&c.ID, &c.ResourceID, &c.ZoneID, &c.ProposalID, &kind,
			&c.Window.Start, &c.Window.End, &state, &committed); err != nil {
			return nil, s.snapshot(), fmt.Errorf("failed to scan claim: %w", err)
		}
		c.Kind = ClaimKind(kind)
		c.State = ClaimState(state)
		if committed.Valid {
			c.Committed = committed.Time
		}
		out = append(out, c)
	}
	return out, s.snapshot(), rows.Err()
}

// ConstraintsFor fetches resource-scoped facts plus applicable kind-pair
// facts.
func (s *SQLiteStore) ConstraintsFor(ctx context.Context, resourceID string) ([]ConstraintFact, Snapshot, error) {
	r, snap, err := s.Resource(ctx, resourceID)
	if err != nil {
		return nil, snap, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, resource_id, zone_id, kind_a, kind_b, max_concurrent, hard, description
		FROM constraints
		WHERE resource_id = ?
		   OR (resource_id = '' AND (zone_id = '' OR zone_id = ?))
	`, resourceID, r.ZoneID)
	if err != nil {
		return nil, snap, fmt.Errorf("failed to query constraints: %w", err)
	}
	defer rows.Close()

	var out []ConstraintFact
	for rows.Next() {
		var f ConstraintFact
		var kindA, kindB string
		if err := rows.Scan(&f.ID, &f.ResourceID, &f.ZoneID, &kindA, &kindB,
			&f.MaxConcurrent, &f.Hard, &f.Description); err != nil {
			return nil, snap, fmt.Errorf("failed to scan constraint: %w", err)
		}
		f.KindA = ClaimKind(kindA)
		f.KindB = ClaimKind(kindB)
		out = append(out, f)
	}
	return out, snap, rows.Err()
}

// Commit atomically marks the claims committed under the optimistic
// precondition, inside one transaction.
func (s *SQLiteStore) Commit(ctx context.Context, claims []Claim, readAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin commit: %w", err)
	}
	defer tx.Rollback()

	for _, c := range claims {
		var last time.Time
		err := tx.QueryRowContext(ctx, `
			SELECT committed_at FROM commit_marks WHERE resource_id = ?
		`, c.ResourceID).Scan(&last)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read commit mark: %w", err)
		}
		if err == nil && last.After(readAt) {
			return fmt.Errorf("resource %s committed at %s after snapshot %s: %w",
				c.ResourceID, last.Format(time.RFC3339Nano), readAt.Format(time.RFC3339Nano), ErrStaleWrite)
		}
	}

	now := time.Now()
	for _, c := range claims {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO claims (id, resource_id, zone_id, proposal_id, kind, window_start, window_end, state, committed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET state = excluded.state, committed_at = excluded.committed_at,
				window_start = excluded.window_start, window_end = excluded.window_end
		`, c.ID, c.ResourceID, c.ZoneID, c.ProposalID, string(c.Kind),
			c.Window.Start, c.Window.End, string(ClaimCommitted), now)
		if err != nil {
			return fmt.Errorf("failed to commit claim %s: %w", c.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO commit_marks (resource_id, committed_at) VALUES (?, ?)
			ON CONFLICT(resource_id) DO UPDATE SET committed_at = excluded.committed_at
		`, c.ResourceID, now)
		if err != nil {
			return fmt.Errorf("failed to update commit mark: %w", err)
		}
	}

	return tx.Commit()
}

// Release removes all claims belonging to a proposal and marks the freed
// resources so stale snapshot readers are detected.
func (s *SQLiteStore) Release(ctx context.Context, proposalID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin release: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT DISTINCT resource_id FROM claims WHERE proposal_id = ?`, proposalID)
	if err != nil {
		return fmt.Errorf("failed to list claims for release: %w", err)
	}
	var resources []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan resource id: %w", err)
		}
		resources = append(resources, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(resources) == 0 {
		return fmt.Errorf("no claims for proposal %s: %w", proposalID, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM claims WHERE proposal_id = ?`, proposalID); err != nil {
		return fmt.Errorf("failed to release claims: %w", err)
	}
	now := time.Now()
	for _, r := range resources {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO commit_marks (resource_id, committed_at) VALUES (?, ?)
			ON CONFLICT(resource_id) DO UPDATE SET committed_at = excluded.committed_at
		`, r, now); err != nil {
			return fmt.Errorf("failed to mark released resource: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) snapshot() Snapshot {
	return Snapshot{Taken: time.Now()}
}
