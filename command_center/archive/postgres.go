// Package archive persists closed incidents to Postgres. The in-memory
// incident store stays authoritative for open incidents; the archive is the
// durable record for reporting. Writes are best-effort and retried on the
// next flush.
package archive

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dkoval7/AegisOps/command_center/incident"
	"github.com/dkoval7/AegisOps/command_center/observability"
)

// ArchivedIncident is the reporting view of a closed incident.
type ArchivedIncident struct {
	ID          string                   `json:"id"`
	ThreatType  string                   `json:"threat_type"`
	Severity    string                   `json:"severity"`
	Location    string                   `json:"location"`
	CreatedAt   time.Time                `json:"created_at"`
	SLADeadline time.Time                `json:"sla_deadline"`
	ClosedAt    time.Time                `json:"closed_at"`
	Breached    bool                     `json:"breached"`
	Timeline    []incident.TimelineEntry `json:"timeline,omitempty"`
}

// Archive buffers closed incidents and flushes them to Postgres.
type Archive struct {
	pool *pgxpool.Pool

	mu      sync.Mutex
	pending []*incident.Incident
}

// New connects to Postgres and ensures the schema exists.
func New(ctx context.Context, connString string) (*Archive, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 10
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	a := &Archive{pool: pool}
	if err := a.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *Archive) ensureSchema(ctx context.Context) error {
	_, err := a.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS archived_incidents (
			id            TEXT PRIMARY KEY,
			threat_type   TEXT NOT NULL,
			severity      TEXT NOT NULL,
			location      TEXT,
			created_at    TIMESTAMPTZ NOT NULL,
			sla_deadline  TIMESTAMPTZ NOT NULL,
			closed_at     TIMESTAMPTZ NOT NULL,
			breached      BOOLEAN NOT NULL DEFAULT FALSE
		)
	`)
	if err != nil {
		return err
	}
	_, err = a.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS archived_timeline (
			event_id     TEXT PRIMARY KEY,
			incident_id  TEXT NOT NULL REFERENCES archived_incidents(id),
			seq          INT NOT NULL,
			entry_type   TEXT NOT NULL,
			occurred_at  TIMESTAMPTZ NOT NULL,
			actor        TEXT,
			detail       JSONB
		)
	`)
	return err
}

// Enqueue buffers a closed incident for the next flush. Non-blocking.
func (a *Archive) Enqueue(inc *incident.Incident) {
	a.mu.Lock()
	a.pending = append(a.pending, inc)
	observability.ArchiveBacklog.Set(float64(len(a.pending)))
	a.mu.Unlock()
}

// Start runs the periodic flush loop.
func (a *Archive) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				a.Flush(context.Background())
				return
			case <-ticker.C:
				a.Flush(ctx)
			}
		}
	}()
}

// Flush writes all buffered incidents. Failures keep the incident in the
// buffer for the next pass.
func (a *Archive) Flush(ctx context.Context) {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()

	var failed []*incident.Incident
	for _, inc := range batch {
		if err := a.writeIncident(ctx, inc); err != nil {
			log.Printf("archive: write %s: %v", inc.ID, err)
			observability.ArchiveFailures.Inc()
			failed = append(failed, inc)
		}
	}

	a.mu.Lock()
	a.pending = append(failed, a.pending...)
	observability.ArchiveBacklog.Set(float64(len(a.pending)))
	a.mu.Unlock()
}

func (a *Archive) writeIncident(ctx context.Context, inc *incident.Incident) error {
	closedAt := inc.CreatedAt
	if n := len(inc.Timeline); n > 0 {
		closedAt = inc.Timeline[n-1].Timestamp
	}

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO archived_incidents (id, threat_type, severity, location, created_at, sla_deadline, closed_at, breached)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, inc.ID, inc.ThreatType, string(inc.Severity), inc.Location, inc.CreatedAt, inc.SLADeadline, closedAt, inc.Breached())
	if err != nil {
		return err
	}

	for i, e := range inc.Timeline {
		_, err = tx.Exec(ctx, `
			INSERT INTO archived_timeline (event_id, incident_id, seq, entry_type, occurred_at, actor, detail)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (event_id) DO NOTHING
		`, e.EventID, inc.ID, i, e.Type, e.Timestamp, e.Actor, e.Detail)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// List returns archived incidents, newest first.
func (a *Archive) List(ctx context.Context, limit int) ([]*ArchivedIncident, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.pool.Query(ctx, `
		SELECT id, threat_type, severity, location, created_at, sla_deadline, closed_at, breached
		FROM archived_incidents
		ORDER BY closed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ArchivedIncident
	for rows.Next() {
		var r ArchivedIncident
		if err := rows.Scan(&r.ID, &r.ThreatType, &r.Severity, &r.Location,
			&r.CreatedAt, &r.SLADeadline, &r.ClosedAt, &r.Breached); err != nil {
			return nil, err
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}

// Get returns one archived incident with its full timeline, or nil if absent.
func (a *Archive) Get(ctx context.Context, id string) (*ArchivedIncident, error) {
	var r ArchivedIncident
	err := a.pool.QueryRow(ctx, `
		SELECT id, threat_type, severity, location, created_at, sla_deadline, closed_at, breached
		FROM archived_incidents WHERE id = $1
	`, id).Scan(&r.ID, &r.ThreatType, &r.Severity, &r.Location,
		&r.CreatedAt, &r.SLADeadline, &r.ClosedAt, &r.Breached)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := a.pool.Query(ctx, `
		SELECT event_id, entry_type, occurred_at, actor, detail
		FROM archived_timeline WHERE incident_id = $1
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e incident.TimelineEntry
		if err := rows.Scan(&e.EventID, &e.Type, &e.Timestamp, &e.Actor, &e.Detail); err != nil {
			return nil, err
		}
		r.Timeline = append(r.Timeline, e)
	}
	return &r, rows.Err()
}

// Backlog returns the number of incidents waiting to be flushed.
func (a *Archive) Backlog() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
