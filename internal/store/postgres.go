package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/cryscope/internal/stats"
	"github.com/MrWong99/cryscope/pkg/types"
)

// Schema is the SQL DDL for progress and results. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS analysis_status (
    file_id    TEXT        PRIMARY KEY,
    status     TEXT        NOT NULL,
    message    TEXT        NOT NULL DEFAULT '',
    progress   INTEGER     NOT NULL DEFAULT 0,
    run_id     TEXT        NOT NULL DEFAULT '',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS analysis_results (
    file_id       TEXT        PRIMARY KEY,
    result        JSONB       NOT NULL,
    episode_count INTEGER     NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// FingerprintSchema is the DDL of the pgvector fingerprint index. It needs
// the vector extension and is only applied when indexing is enabled.
var FingerprintSchema = fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS episode_fingerprints (
    file_id     TEXT       NOT NULL REFERENCES analysis_results(file_id) ON DELETE CASCADE,
    episode     TEXT       NOT NULL,
    fingerprint vector(%d) NOT NULL,
    PRIMARY KEY (file_id, episode)
);

CREATE INDEX IF NOT EXISTS idx_episode_fingerprints_hnsw
    ON episode_fingerprints USING hnsw (fingerprint vector_cosine_ops);
`, stats.FingerprintDim)

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore is a [Store] backed by PostgreSQL. Results are stored as
// JSONB; episode fingerprints optionally go into a pgvector HNSW index.
type PostgresStore struct {
	db     DB
	index  bool
	closer func()
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// PostgresOption configures a [PostgresStore].
type PostgresOption func(*PostgresStore)

// WithFingerprintIndex enables the pgvector fingerprint index. SaveResult
// then writes one fingerprint per episode and SimilarEpisodes searches them.
func WithFingerprintIndex() PostgresOption {
	return func(s *PostgresStore) { s.index = true }
}

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenPostgres connects to the database at dsn, checks connectivity and
// migrates the schema. With [WithFingerprintIndex] the vector extension is
// created first and its types are registered on every pooled connection.
// Close releases the pool.
func OpenPostgres(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	var probe PostgresStore
	for _, o := range opts {
		o(&probe)
	}
	if probe.index {
		// The vector type must exist before pooled connections register it.
		if err := createVectorExtension(ctx, cfg.ConnConfig); err != nil {
			return nil, err
		}
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			return pgxvec.RegisterTypes(ctx, conn)
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := NewPostgresStore(pool, opts...)
	s.closer = pool.Close
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func createVectorExtension(ctx context.Context, cc *pgx.ConnConfig) error {
	conn, err := pgx.ConnectConfig(ctx, cc)
	if err != nil {
		return fmt.Errorf("store: connect: %w", err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("store: create vector extension: %w", err)
	}
	return nil
}

// Close releases the connection pool opened by [OpenPostgres]. It is a no-op
// for stores created with [NewPostgresStore].
func (s *PostgresStore) Close() {
	if s.closer != nil {
		s.closer()
	}
}

// Migrate executes [Schema], and [FingerprintSchema] when indexing is
// enabled.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	if s.index {
		if _, err := s.db.Exec(ctx, FingerprintSchema); err != nil {
			return fmt.Errorf("store: migrate fingerprints: %w", err)
		}
	}
	return nil
}

// SetProgress implements [Store.SetProgress].
func (s *PostgresStore) SetProgress(ctx context.Context, fileID string, p types.Progress) error {
	if !p.Status.IsValid() {
		return fmt.Errorf("store: invalid status %q", p.Status)
	}
	const q = `
		INSERT INTO analysis_status (file_id, status, message, progress, run_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (file_id) DO UPDATE SET
			status     = EXCLUDED.status,
			message    = EXCLUDED.message,
			progress   = EXCLUDED.progress,
			run_id     = EXCLUDED.run_id,
			updated_at = now()`
	if _, err := s.db.Exec(ctx, q, fileID, string(p.Status), p.Message, p.Progress, p.RunID); err != nil {
		return fmt.Errorf("store: set progress %q: %w", fileID, err)
	}
	return nil
}

// Progress implements [Store.Progress].
func (s *PostgresStore) Progress(ctx context.Context, fileID string) (types.Progress, error) {
	const q = `SELECT status, message, progress, run_id FROM analysis_status WHERE file_id = $1`
	var (
		p      types.Progress
		status string
	)
	err := s.db.QueryRow(ctx, q, fileID).Scan(&status, &p.Message, &p.Progress, &p.RunID)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Progress{}, ErrNotFound
	}
	if err != nil {
		return types.Progress{}, fmt.Errorf("store: get progress %q: %w", fileID, err)
	}
	p.Status = types.Status(status)
	return p, nil
}

// SaveResult implements [Store.SaveResult]. The result, its fingerprints and
// the completed status are written in one transaction. The run ID stored
// with the last progress update is kept.
func (s *PostgresStore) SaveResult(ctx context.Context, fileID string, res *types.AnalysisResult) error {
	if res == nil {
		return fmt.Errorf("store: save result: nil result")
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("store: marshal result: %w", err)
	}
	done := completed("")

	err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		const upsert = `
			INSERT INTO analysis_results (file_id, result, episode_count, created_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (file_id) DO UPDATE SET
				result        = EXCLUDED.result,
				episode_count = EXCLUDED.episode_count,
				created_at    = now()`
		if _, err := tx.Exec(ctx, upsert, fileID, data, len(res.CryEpisodes)); err != nil {
			return fmt.Errorf("upsert result: %w", err)
		}

		if s.index {
			if _, err := tx.Exec(ctx, `DELETE FROM episode_fingerprints WHERE file_id = $1`, fileID); err != nil {
				return fmt.Errorf("clear fingerprints: %w", err)
			}
			const insert = `INSERT INTO episode_fingerprints (file_id, episode, fingerprint) VALUES ($1, $2, $3)`
			for _, fp := range fingerprints(res) {
				if _, err := tx.Exec(ctx, insert, fileID, fp.episode, pgvector.NewVector(fp.vector)); err != nil {
					return fmt.Errorf("insert fingerprint %s: %w", fp.episode, err)
				}
			}
		}

		const status = `
			INSERT INTO analysis_status (file_id, status, message, progress, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (file_id) DO UPDATE SET
				status     = EXCLUDED.status,
				message    = EXCLUDED.message,
				progress   = EXCLUDED.progress,
				updated_at = now()`
		if _, err := tx.Exec(ctx, status, fileID, string(done.Status), done.Message, done.Progress); err != nil {
			return fmt.Errorf("mark completed: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: save result %q: %w", fileID, err)
	}
	return nil
}

// Result implements [Store.Result].
func (s *PostgresStore) Result(ctx context.Context, fileID string) (*types.AnalysisResult, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `SELECT result FROM analysis_results WHERE file_id = $1`, fileID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get result %q: %w", fileID, err)
	}
	var res types.AnalysisResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("store: unmarshal result %q: %w", fileID, err)
	}
	return &res, nil
}

// SimilarEpisodes implements [Store.SimilarEpisodes] with the pgvector
// cosine distance operator. It returns [ErrNoIndex] when indexing is
// disabled.
func (s *PostgresStore) SimilarEpisodes(ctx context.Context, fileID, episode string, k int) ([]Match, error) {
	if !s.index {
		return nil, ErrNoIndex
	}

	var query pgvector.Vector
	err := s.db.QueryRow(ctx,
		`SELECT fingerprint FROM episode_fingerprints WHERE file_id = $1 AND episode = $2`,
		fileID, episode,
	).Scan(&query)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get fingerprint %s/%s: %w", fileID, episode, err)
	}

	const q = `
		SELECT file_id, episode, fingerprint <=> $1 AS distance
		FROM episode_fingerprints
		WHERE NOT (file_id = $2 AND episode = $3)
		ORDER BY distance, file_id, episode
		LIMIT $4`
	rows, err := s.db.Query(ctx, q, query, fileID, episode, k)
	if err != nil {
		return nil, fmt.Errorf("store: similar episodes: %w", err)
	}
	defer rows.Close()

	matches := []Match{}
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.FileID, &m.Episode, &m.Distance); err != nil {
			return nil, fmt.Errorf("store: scan match: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: similar episodes rows: %w", err)
	}
	return matches, nil
}

// Ping implements [Store.Ping].
func (s *PostgresStore) Ping(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `SELECT 1`); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}
