package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/open-fiscus/fiscus/internal/investigation"
)

// Store persists investigation reports, users and watchlists in Postgres.
type Store struct {
	DB *sql.DB
}

var _ investigation.Persistence = (*Store)(nil)

var (
	metricsOnce    sync.Once
	savedCounter   otelmetric.Int64Counter
	metricsInitErr error
)

func initStoreMetrics() {
	meter := otel.Meter("fiscus/store")
	savedCounter, metricsInitErr = meter.Int64Counter("investigations_persisted_total",
		otelmetric.WithDescription("Investigation reports written to Postgres"))
}

// New opens a Postgres connection with the given DSN and verifies it.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// SaveInvestigation writes a full report. Writes are idempotent by
// (id, version): a version at or below the stored one leaves the row and
// its children untouched, so at-least-once delivery cannot duplicate
// stages or findings.
func (s *Store) SaveInvestigation(ctx context.Context, inv *investigation.Investigation) (err error) {
	if inv == nil || inv.ID == "" {
		return fmt.Errorf("investigation id required")
	}
	queryParams, err := json.Marshal(inv.Query.Params)
	if err != nil {
		return fmt.Errorf("marshal query params: %w", err)
	}
	classification, err := json.Marshal(inv.Classification)
	if err != nil {
		return fmt.Errorf("marshal classification: %w", err)
	}
	var finishedAt sql.NullTime
	if inv.FinishedAt != nil && !inv.FinishedAt.IsZero() {
		finishedAt = sql.NullTime{Time: inv.FinishedAt.UTC(), Valid: true}
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
INSERT INTO investigations (
  id, version, query_text, query_params, state, intent, classification,
  confidence, reflections, flags, errors, created_at, updated_at, finished_at
) VALUES (
  $1, $2, $3, $4, $5, $6, $7,
  $8, $9, $10, $11, $12, $13, $14
)
ON CONFLICT (id) DO UPDATE SET
  version        = EXCLUDED.version,
  query_text     = EXCLUDED.query_text,
  query_params   = EXCLUDED.query_params,
  state          = EXCLUDED.state,
  intent         = EXCLUDED.intent,
  classification = EXCLUDED.classification,
  confidence     = EXCLUDED.confidence,
  reflections    = EXCLUDED.reflections,
  flags          = EXCLUDED.flags,
  errors         = EXCLUDED.errors,
  updated_at     = EXCLUDED.updated_at,
  finished_at    = EXCLUDED.finished_at
WHERE investigations.version < EXCLUDED.version;
`,
		inv.ID, inv.Version, inv.Query.Text, queryParams, string(inv.State), string(inv.Classification.Intent), classification,
		inv.Confidence, inv.Reflections, pq.Array(inv.Flags), pq.Array(inv.Errors), inv.CreatedAt.UTC(), inv.UpdatedAt.UTC(), finishedAt,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Replay of an already acknowledged version.
		return tx.Commit()
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM investigation_stages WHERE investigation_id=$1`, inv.ID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM investigation_findings WHERE investigation_id=$1`, inv.ID); err != nil {
		return err
	}
	for _, stage := range inv.Stages {
		var payload []byte
		if payload, err = json.Marshal(stage); err != nil {
			return fmt.Errorf("marshal stage %d: %w", stage.Index, err)
		}
		if _, err = tx.ExecContext(ctx, `
INSERT INTO investigation_stages (investigation_id, stage_index, reason, confidence, payload)
VALUES ($1,$2,$3,$4,$5)
`, inv.ID, stage.Index, stage.Reason, stage.Confidence, payload); err != nil {
			return err
		}
	}
	for i, f := range inv.Findings {
		if _, err = tx.ExecContext(ctx, `
INSERT INTO investigation_findings (investigation_id, position, stage_index, worker, category, severity, confidence, evidence, explanation)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, inv.ID, i, f.Stage, f.Worker, f.Finding.Category, f.Finding.Severity, f.Finding.Confidence, pq.Array(f.Finding.Evidence), f.Finding.Explanation); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return err
	}
	metricsOnce.Do(initStoreMetrics)
	if metricsInitErr == nil && savedCounter != nil {
		savedCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("state", string(inv.State))))
	}
	return nil
}

// LoadInvestigation returns the full report including stages and findings.
func (s *Store) LoadInvestigation(ctx context.Context, id string) (*investigation.Investigation, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, version, query_text, query_params, state, intent, classification,
       confidence, reflections, flags, errors, created_at, updated_at, finished_at
FROM investigations
WHERE id=$1`, id)
	inv, err := scanInvestigation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: investigation %s", investigation.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	stages, err := s.loadStages(ctx, id)
	if err != nil {
		return nil, err
	}
	inv.Stages = stages

	findings, err := s.loadFindings(ctx, id)
	if err != nil {
		return nil, err
	}
	inv.Findings = findings
	return inv, nil
}

// ListInvestigations returns report headers newest first. Stages and
// findings are not loaded; fetch an individual report for those.
func (s *Store) ListInvestigations(ctx context.Context, limit, offset int) ([]*investigation.Investigation, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, version, query_text, query_params, state, intent, classification,
       confidence, reflections, flags, errors, created_at, updated_at, finished_at
FROM investigations
ORDER BY created_at DESC, id ASC
LIMIT $1 OFFSET $2
`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*investigation.Investigation
	for rows.Next() {
		inv, err := scanInvestigation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanInvestigation(row scanner) (*investigation.Investigation, error) {
	var (
		inv            investigation.Investigation
		state, intent  string
		queryParams    []byte
		classification []byte
		flags          pq.StringArray
		errs           pq.StringArray
		finishedAt     sql.NullTime
	)
	if err := row.Scan(&inv.ID, &inv.Version, &inv.Query.Text, &queryParams, &state, &intent, &classification,
		&inv.Confidence, &inv.Reflections, &flags, &errs, &inv.CreatedAt, &inv.UpdatedAt, &finishedAt); err != nil {
		return nil, err
	}
	if len(queryParams) > 0 {
		if err := json.Unmarshal(queryParams, &inv.Query.Params); err != nil {
			return nil, fmt.Errorf("unmarshal query params for %s: %w", inv.ID, err)
		}
	}
	if len(classification) > 0 {
		if err := json.Unmarshal(classification, &inv.Classification); err != nil {
			return nil, fmt.Errorf("unmarshal classification for %s: %w", inv.ID, err)
		}
	}
	inv.State = investigation.State(state)
	inv.Flags = flags
	inv.Errors = errs
	if finishedAt.Valid {
		ts := finishedAt.Time
		inv.FinishedAt = &ts
	}
	return &inv, nil
}

func (s *Store) loadStages(ctx context.Context, id string) ([]investigation.StageRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT payload
FROM investigation_stages
WHERE investigation_id=$1
ORDER BY stage_index ASC
`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []investigation.StageRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec investigation.StageRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal stage for %s: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) loadFindings(ctx context.Context, id string) ([]investigation.FindingRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT stage_index, worker, category, severity, confidence, evidence, explanation
FROM investigation_findings
WHERE investigation_id=$1
ORDER BY position ASC
`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []investigation.FindingRecord
	for rows.Next() {
		var (
			rec      investigation.FindingRecord
			evidence pq.StringArray
		)
		if err := rows.Scan(&rec.Stage, &rec.Worker, &rec.Finding.Category, &rec.Finding.Severity,
			&rec.Finding.Confidence, &evidence, &rec.Finding.Explanation); err != nil {
			return nil, err
		}
		rec.Finding.Worker = rec.Worker
		rec.Finding.Evidence = evidence
		out = append(out, rec)
	}
	return out, rows.Err()
}

// User operations
func (s *Store) CreateUser(ctx context.Context, email, hash string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2) RETURNING id`, email, hash).Scan(&id)
	return id, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// Watchlist groups entities a user keeps under recurring scrutiny. A
// non-empty cron expression makes the scheduler open investigations for it.
type Watchlist struct {
	ID           string
	UserID       string
	Name         string
	Entities     []string
	ScheduleCron string
	CreatedAt    time.Time
}

func (s *Store) CreateWatchlist(ctx context.Context, userID, name string, entities []string, cron string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO watchlists (user_id, name, entities, schedule_cron)
VALUES ($1,$2,$3,$4)
RETURNING id
`, userID, name, pq.Array(entities), cron).Scan(&id)
	return id, err
}

func (s *Store) ListWatchlists(ctx context.Context, userID string) ([]Watchlist, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, name, entities, schedule_cron, created_at
FROM watchlists
WHERE user_id=$1
ORDER BY created_at DESC
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWatchlists(rows)
}

func (s *Store) GetWatchlist(ctx context.Context, id, userID string) (Watchlist, error) {
	var (
		w        Watchlist
		entities pq.StringArray
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, user_id, name, entities, schedule_cron, created_at
FROM watchlists
WHERE id=$1 AND user_id=$2
`, id, userID).Scan(&w.ID, &w.UserID, &w.Name, &entities, &w.ScheduleCron, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return Watchlist{}, fmt.Errorf("%w: watchlist %s", investigation.ErrNotFound, id)
	}
	if err != nil {
		return Watchlist{}, err
	}
	w.Entities = entities
	return w, nil
}

func (s *Store) UpdateWatchlist(ctx context.Context, id, userID string, entities []string, cron string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE watchlists SET entities=$1, schedule_cron=$2 WHERE id=$3 AND user_id=$4
`, pq.Array(entities), cron, id, userID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: watchlist %s", investigation.ErrNotFound, id)
	}
	return nil
}

func (s *Store) DeleteWatchlist(ctx context.Context, id, userID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM watchlists WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: watchlist %s", investigation.ErrNotFound, id)
	}
	return nil
}

// ListScheduledWatchlists returns every watchlist carrying a cron
// expression, across all users. The scheduler decides which are due.
func (s *Store) ListScheduledWatchlists(ctx context.Context) ([]Watchlist, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, name, entities, schedule_cron, created_at
FROM watchlists
WHERE schedule_cron <> ''
ORDER BY created_at ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWatchlists(rows)
}

func collectWatchlists(rows *sql.Rows) ([]Watchlist, error) {
	var out []Watchlist
	for rows.Next() {
		var (
			w        Watchlist
			entities pq.StringArray
		)
		if err := rows.Scan(&w.ID, &w.UserID, &w.Name, &entities, &w.ScheduleCron, &w.CreatedAt); err != nil {
			return nil, err
		}
		w.Entities = entities
		out = append(out, w)
	}
	return out, rows.Err()
}

// ClaimIdempotency attempts to register a processed event. It returns
// false when the key was already claimed.
func (s *Store) ClaimIdempotency(ctx context.Context, scope, key string) (bool, error) {
	if scope == "" || key == "" {
		return false, fmt.Errorf("scope and key must be provided")
	}
	var inserted bool
	err := s.DB.QueryRowContext(ctx, `INSERT INTO idempotency_keys (scope, key) VALUES ($1,$2) ON CONFLICT DO NOTHING RETURNING true`, scope, key).Scan(&inserted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return inserted, nil
}
