// Package pgstore archives studio sessions to Postgres. The in-memory store
// stays authoritative; writes are queued and applied by a background worker
// so a slow or absent database never stalls a live session.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/atelier-ai/atelier/pkg/studio"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const (
	queueSize    = 256
	writeTimeout = 10 * time.Second
)

// Archiver implements studio.Archiver on a pgx connection pool.
type Archiver struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	queue chan func(ctx context.Context, pool *pgxpool.Pool) error
	done  chan struct{}
	wg    sync.WaitGroup

	closeOnce sync.Once
}

// Open migrates the schema and starts the archive worker.
func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (*Archiver, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := migrate(databaseURL); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	a := &Archiver{
		pool:   pool,
		logger: logger,
		queue:  make(chan func(ctx context.Context, pool *pgxpool.Pool) error, queueSize),
		done:   make(chan struct{}),
	}
	a.wg.Add(1)
	go a.run()
	return a, nil
}

// goose drives migrations through database/sql; the pgx stdlib adapter
// registers the "pgx" driver name.
func migrate(databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// Close drains the queue and releases the pool. Pending writes past the
// context deadline are abandoned.
func (a *Archiver) Close(ctx context.Context) {
	a.closeOnce.Do(func() {
		close(a.done)
		drained := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
		}
		a.pool.Close()
	})
}

func (a *Archiver) run() {
	defer a.wg.Done()
	for {
		select {
		case op := <-a.queue:
			a.apply(op)
		case <-a.done:
			// Drain what is already queued, then stop.
			for {
				select {
				case op := <-a.queue:
					a.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (a *Archiver) apply(op func(ctx context.Context, pool *pgxpool.Pool) error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := op(ctx, a.pool); err != nil {
		a.logger.Warn("archive write failed", "error", err)
	}
}

func (a *Archiver) enqueue(op func(ctx context.Context, pool *pgxpool.Pool) error) {
	select {
	case a.queue <- op:
	default:
		a.logger.Warn("archive queue full, dropping write")
	}
}

func (a *Archiver) SessionCreated(s studio.Session) {
	a.enqueue(func(ctx context.Context, pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx,
			`INSERT INTO sessions (id, current_index, created_at, updated_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (id) DO NOTHING`,
			s.ID, s.CurrentIndex, s.CreatedAt, s.UpdatedAt)
		if err != nil {
			return err
		}
		for i, v := range s.Versions {
			if err := insertVersion(ctx, pool, s.ID, i, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (a *Archiver) VersionAppended(sessionID string, index int, v studio.MediaVersion) {
	a.enqueue(func(ctx context.Context, pool *pgxpool.Pool) error {
		if err := insertVersion(ctx, pool, sessionID, index, v); err != nil {
			return err
		}
		_, err := pool.Exec(ctx,
			`UPDATE sessions SET current_index = $2, updated_at = now() WHERE id = $1`,
			sessionID, index)
		return err
	})
}

func (a *Archiver) TranscriptAppended(sessionID string, index int, line studio.TranscriptLine) {
	a.enqueue(transcriptUpsert(sessionID, index, line))
}

func (a *Archiver) TranscriptUpdated(sessionID string, index int, line studio.TranscriptLine) {
	a.enqueue(transcriptUpsert(sessionID, index, line))
}

func (a *Archiver) VersionSelected(sessionID string, index int) {
	a.enqueue(func(ctx context.Context, pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx,
			`UPDATE sessions SET current_index = $2, updated_at = now() WHERE id = $1`,
			sessionID, index)
		return err
	})
}

func insertVersion(ctx context.Context, pool *pgxpool.Pool, sessionID string, index int, v studio.MediaVersion) error {
	_, err := pool.Exec(ctx,
		`INSERT INTO versions (session_id, idx, prompt, kind, data_uri, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (session_id, idx) DO NOTHING`,
		sessionID, index, v.Prompt, string(v.Kind), v.DataURI, v.CreatedAt)
	return err
}

func transcriptUpsert(sessionID string, index int, line studio.TranscriptLine) func(ctx context.Context, pool *pgxpool.Pool) error {
	return func(ctx context.Context, pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx,
			`INSERT INTO transcript_lines (session_id, idx, role, text, final, spoken_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (session_id, idx) DO UPDATE
			 SET text = EXCLUDED.text, final = EXCLUDED.final, spoken_at = EXCLUDED.spoken_at`,
			sessionID, index, string(line.Role), line.Text, line.Final, line.Timestamp)
		return err
	}
}
