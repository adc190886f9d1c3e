// Package archive persists session transcripts and detected questions to
// PostgreSQL.
//
// Archiving is optional and config-gated; the pipeline runs fully in memory
// without it. When enabled, every completed transcription and every detected
// question is appended under the listening session's ID so interviews can be
// reviewed after the fact.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/earshot/internal/question"
)

const ddl = `
CREATE TABLE IF NOT EXISTS transcripts (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    chunk_id    TEXT         NOT NULL,
    source_id   TEXT         NOT NULL DEFAULT '',
    text        TEXT         NOT NULL,
    confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
    duration_ns BIGINT       NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcripts_session
    ON transcripts (session_id, created_at);

CREATE TABLE IF NOT EXISTS questions (
    id          TEXT         PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    chunk_id    TEXT         NOT NULL DEFAULT '',
    text        TEXT         NOT NULL,
    confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
    detected_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_questions_session
    ON questions (session_id, detected_at);
`

// TranscriptRecord is one archived transcription.
type TranscriptRecord struct {
	ChunkID    string
	SourceID   string
	Text       string
	Confidence float64
	Duration   time.Duration
	CreatedAt  time.Time
}

// Store is the PostgreSQL archive. All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn and ensures the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// SaveTranscript appends one transcription under sessionID.
func (s *Store) SaveTranscript(ctx context.Context, sessionID string, rec TranscriptRecord) error {
	const q = `
		INSERT INTO transcripts
		    (session_id, chunk_id, source_id, text, confidence, duration_ns, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, q,
		sessionID, rec.ChunkID, rec.SourceID, rec.Text,
		rec.Confidence, rec.Duration.Nanoseconds(), createdAt,
	)
	if err != nil {
		return fmt.Errorf("archive: save transcript: %w", err)
	}
	return nil
}

// SaveQuestion appends one detected question under sessionID. Replays of the
// same question ID are ignored.
func (s *Store) SaveQuestion(ctx context.Context, sessionID string, q question.DetectedQuestion) error {
	const stmt = `
		INSERT INTO questions (id, session_id, chunk_id, text, confidence, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, stmt,
		q.ID, sessionID, q.SourceChunkID, q.Text, q.Confidence, q.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("archive: save question: %w", err)
	}
	return nil
}

// Questions returns all questions of a session, oldest first.
func (s *Store) Questions(ctx context.Context, sessionID string) ([]question.DetectedQuestion, error) {
	const q = `
		SELECT id, chunk_id, text, confidence, detected_at
		FROM   questions
		WHERE  session_id = $1
		ORDER  BY detected_at`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive: list questions: %w", err)
	}
	defer rows.Close()

	var out []question.DetectedQuestion
	for rows.Next() {
		var dq question.DetectedQuestion
		if err := rows.Scan(&dq.ID, &dq.SourceChunkID, &dq.Text, &dq.Confidence, &dq.Timestamp); err != nil {
			return nil, fmt.Errorf("archive: scan question: %w", err)
		}
		out = append(out, dq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: list questions: %w", err)
	}
	return out, nil
}

// Ping reports database reachability, used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
