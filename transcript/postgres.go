package transcript

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	convai "github.com/agentplexus/omnivoice-convai"
)

//go:embed migrations/*.sql
var migrations embed.FS

const upsertTranscriptSQL = `
INSERT INTO call_transcripts (call_sid, stream_sid, status, transcript, utterances, started_at, completed_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (call_sid) DO UPDATE SET
    stream_sid   = EXCLUDED.stream_sid,
    status       = EXCLUDED.status,
    transcript   = EXCLUDED.transcript,
    utterances   = EXCLUDED.utterances,
    started_at   = EXCLUDED.started_at,
    completed_at = EXCLUDED.completed_at,
    updated_at   = now()`

// OpenPostgres connects a pool and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migrate transcripts: %w", err)
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink upserts completed transcripts into call_transcripts.
type PostgresSink struct {
	db     execer
	labels Labels
}

// NewPostgresSink creates a sink writing through pool.
func NewPostgresSink(pool *pgxpool.Pool, labels Labels) *PostgresSink {
	return &PostgresSink{db: pool, labels: labels}
}

// Save implements Sink.
func (s *PostgresSink) Save(ctx context.Context, t Transcript) error {
	utterances := t.Utterances
	if utterances == nil {
		utterances = []Utterance{}
	}
	raw, err := json.Marshal(utterances)
	if err != nil {
		return fmt.Errorf("encode utterances: %w", err)
	}

	_, err = s.db.Exec(ctx, upsertTranscriptSQL,
		t.CallSID,
		t.StreamSID,
		convai.CallStatusCompleted,
		t.Render(s.labels),
		raw,
		t.StartedAt,
		t.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert transcript: %w", err)
	}
	return nil
}
