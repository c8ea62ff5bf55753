package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/forecastpool/internal/domain"
)

const predictionColumns = `id, forecaster, value::text, confidence, analysis_ref, submitted_at, active`

// PredictionStore implements domain.PredictionStore using PostgreSQL.
type PredictionStore struct {
	pool *pgxpool.Pool
}

// NewPredictionStore creates a new PredictionStore backed by the given
// connection pool.
func NewPredictionStore(pool *pgxpool.Pool) *PredictionStore {
	return &PredictionStore{pool: pool}
}

// Insert stores p and returns it with the id assigned by the sequence.
func (s *PredictionStore) Insert(ctx context.Context, p domain.Prediction) (domain.Prediction, error) {
	const query = `
		INSERT INTO predictions (forecaster, value, confidence, analysis_ref, submitted_at, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, query,
		p.Forecaster.Hex(), dec(p.Value), int16(p.Confidence), p.AnalysisRef, p.SubmittedAt, p.Active,
	).Scan(&id)
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("postgres: insert prediction: %w", err)
	}
	p.ID = uint64(id)
	return p, nil
}

// Get returns a prediction by id.
func (s *PredictionStore) Get(ctx context.Context, id uint64) (domain.Prediction, error) {
	p, err := scanPrediction(s.pool.QueryRow(ctx,
		`SELECT `+predictionColumns+` FROM predictions WHERE id = $1`, int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Prediction{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("postgres: get prediction %d: %w", id, err)
	}
	return p, nil
}

// LatestActive returns the active prediction with the highest id.
func (s *PredictionStore) LatestActive(ctx context.Context) (domain.Prediction, error) {
	p, err := scanPrediction(s.pool.QueryRow(ctx,
		`SELECT `+predictionColumns+` FROM predictions WHERE active ORDER BY id DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Prediction{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("postgres: latest active prediction: %w", err)
	}
	return p, nil
}

// Deactivate clears the active flag of a prediction.
func (s *PredictionStore) Deactivate(ctx context.Context, id uint64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE predictions SET active = FALSE WHERE id = $1`, int64(id))
	if err != nil {
		return fmt.Errorf("postgres: deactivate prediction %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// List returns predictions newest first.
func (s *PredictionStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Prediction, error) {
	query, args := listClause(`SELECT `+predictionColumns+` FROM predictions WHERE TRUE`,
		"submitted_at", "id DESC", nil, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list predictions: %w", err)
	}
	defer rows.Close()

	var out []domain.Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan prediction: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list predictions rows: %w", err)
	}
	return out, nil
}

func scanPrediction(row pgx.Row) (domain.Prediction, error) {
	var (
		p                 domain.Prediction
		id                int64
		forecaster, value string
		confidence        int16
	)
	if err := row.Scan(&id, &forecaster, &value, &confidence, &p.AnalysisRef, &p.SubmittedAt, &p.Active); err != nil {
		return domain.Prediction{}, err
	}
	p.ID = uint64(id)
	p.Forecaster = addr(forecaster)
	p.Confidence = uint8(confidence)
	p.SubmittedAt = p.SubmittedAt.UTC()
	v, err := parseU256(value)
	if err != nil {
		return domain.Prediction{}, err
	}
	p.Value = v
	return p, nil
}

// ForecasterStore implements domain.ForecasterStore using PostgreSQL.
type ForecasterStore struct {
	pool *pgxpool.Pool
}

// NewForecasterStore creates a new ForecasterStore backed by the given
// connection pool.
func NewForecasterStore(pool *pgxpool.Pool) *ForecasterStore {
	return &ForecasterStore{pool: pool}
}

// Authorize adds addr to the allow-list. Re-authorizing is a no-op.
func (s *ForecasterStore) Authorize(ctx context.Context, a common.Address) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO forecasters (address) VALUES ($1) ON CONFLICT (address) DO NOTHING`, a.Hex())
	if err != nil {
		return fmt.Errorf("postgres: authorize forecaster %s: %w", a.Hex(), err)
	}
	return nil
}

// Revoke removes addr from the allow-list.
func (s *ForecasterStore) Revoke(ctx context.Context, a common.Address) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM forecasters WHERE address = $1`, a.Hex())
	if err != nil {
		return fmt.Errorf("postgres: revoke forecaster %s: %w", a.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// IsAuthorized reports whether addr may submit predictions.
func (s *ForecasterStore) IsAuthorized(ctx context.Context, a common.Address) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM forecasters WHERE address = $1)`, a.Hex()).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("postgres: check forecaster %s: %w", a.Hex(), err)
	}
	return ok, nil
}

// List returns every authorized forecaster ordered by address.
func (s *ForecasterStore) List(ctx context.Context) ([]common.Address, error) {
	rows, err := s.pool.Query(ctx, `SELECT address FROM forecasters ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list forecasters: %w", err)
	}
	hexes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: list forecasters rows: %w", err)
	}
	out := make([]common.Address, len(hexes))
	for i, h := range hexes {
		out[i] = addr(h)
	}
	return out, nil
}

// DataSourceStore implements domain.DataSourceStore using PostgreSQL.
type DataSourceStore struct {
	pool *pgxpool.Pool
}

// NewDataSourceStore creates a new DataSourceStore backed by the given
// connection pool.
func NewDataSourceStore(pool *pgxpool.Pool) *DataSourceStore {
	return &DataSourceStore{pool: pool}
}

// Put inserts or replaces a data source by name.
func (s *DataSourceStore) Put(ctx context.Context, ds domain.DataSource) error {
	const query = `
		INSERT INTO data_sources (name, weight_bps, active, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			weight_bps = EXCLUDED.weight_bps,
			active     = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`

	if _, err := s.pool.Exec(ctx, query, ds.Name, int32(ds.WeightBps), ds.Active, ds.UpdatedAt); err != nil {
		return fmt.Errorf("postgres: put data source %s: %w", ds.Name, err)
	}
	return nil
}

// Get returns a data source by name.
func (s *DataSourceStore) Get(ctx context.Context, name string) (domain.DataSource, error) {
	ds, err := scanDataSource(s.pool.QueryRow(ctx,
		`SELECT name, weight_bps, active, updated_at FROM data_sources WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DataSource{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.DataSource{}, fmt.Errorf("postgres: get data source %s: %w", name, err)
	}
	return ds, nil
}

// List returns all data sources sorted by name.
func (s *DataSourceStore) List(ctx context.Context) ([]domain.DataSource, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, weight_bps, active, updated_at FROM data_sources ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list data sources: %w", err)
	}
	defer rows.Close()

	var out []domain.DataSource
	for rows.Next() {
		ds, err := scanDataSource(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan data source: %w", err)
		}
		out = append(out, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list data sources rows: %w", err)
	}
	return out, nil
}

func scanDataSource(row pgx.Row) (domain.DataSource, error) {
	var (
		ds     domain.DataSource
		weight int32
	)
	if err := row.Scan(&ds.Name, &weight, &ds.Active, &ds.UpdatedAt); err != nil {
		return domain.DataSource{}, err
	}
	ds.WeightBps = uint16(weight)
	ds.UpdatedAt = ds.UpdatedAt.UTC()
	return ds, nil
}

// Compile-time interface checks.
var (
	_ domain.PredictionStore = (*PredictionStore)(nil)
	_ domain.ForecasterStore = (*ForecasterStore)(nil)
	_ domain.DataSourceStore = (*DataSourceStore)(nil)
)
