package db

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"veilpost/pkg/domain"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

// SQLite stores posts. Gated bodies are persisted only in sealed form; the
// plaintext body column is populated only for public posts.
type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open db")
	}
	if path == ":memory:" {
		// every pool connection to :memory: is a separate database
		maxOpenConns = 1
		maxIdleConns = 1
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "ping db")
	}
	s := &SQLite{db: db, queryTimeout: queryTimeout}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *SQLite) checkCircuit() error {
	switch atomic.LoadInt32(&s.circuitState) {
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func (s *SQLite) migrate() error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	if _, err := s.db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	if _, err := s.db.Exec("PRAGMA synchronous=FULL"); err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	query := `
	CREATE TABLE IF NOT EXISTS posts (
		id TEXT PRIMARY KEY,
		creator TEXT NOT NULL,
		title TEXT NOT NULL,
		body TEXT,
		sealed_body BLOB,
		min_tier INTEGER NOT NULL DEFAULT 0,
		content_id TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_posts_creator ON posts(creator);
	CREATE INDEX IF NOT EXISTS idx_posts_created_at ON posts(created_at);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLite) CreatePost(ctx context.Context, p *domain.ContentPost) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO posts (id, creator, title, body, sealed_body, min_tier, content_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(queryCtx, q,
		p.ID, p.Creator, p.Title, p.Body, p.SealedBody, p.MinTier, p.ContentID, p.CreatedAt,
	)
	s.recordError(err)
	return errors.Wrap(err, "db create post")
}

func (s *SQLite) GetPost(ctx context.Context, id string) (*domain.ContentPost, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT id, creator, title, body, sealed_body, min_tier, content_id, created_at
	FROM posts WHERE id = ?
	`
	var p domain.ContentPost
	err := s.db.QueryRowContext(queryCtx, q, id).Scan(
		&p.ID, &p.Creator, &p.Title, &p.Body, &p.SealedBody, &p.MinTier, &p.ContentID, &p.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrPostNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get post")
	}
	return &p, nil
}

// ListPosts returns newest-first posts, optionally filtered by creator.
// Callers are responsible for redaction before any row leaves the server.
func (s *SQLite) ListPosts(ctx context.Context, creator string, limit int) ([]domain.ContentPost, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	q := `
	SELECT id, creator, title, body, sealed_body, min_tier, content_id, created_at
	FROM posts
	`
	args := []interface{}{}
	if creator != "" {
		q += ` WHERE creator = ?`
		args = append(args, creator)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(queryCtx, q, args...)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db list posts")
	}
	defer rows.Close()

	var out []domain.ContentPost
	for rows.Next() {
		var p domain.ContentPost
		if err := rows.Scan(&p.ID, &p.Creator, &p.Title, &p.Body, &p.SealedBody, &p.MinTier, &p.ContentID, &p.CreatedAt); err != nil {
			s.recordError(err)
			return nil, errors.Wrap(err, "scan post")
		}
		out = append(out, p)
	}
	s.recordError(rows.Err())
	return out, errors.Wrap(rows.Err(), "iterate posts")
}

func (s *SQLite) DeletePost(ctx context.Context, id string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx, `DELETE FROM posts WHERE id = ?`, id)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "db delete post")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPostNotFound
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
