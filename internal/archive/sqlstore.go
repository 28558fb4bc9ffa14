package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS games (
		id BIGSERIAL PRIMARY KEY,
		match_id TEXT NOT NULL UNIQUE,
		white_conn_id TEXT NOT NULL DEFAULT '',
		black_conn_id TEXT NOT NULL DEFAULT '',
		white_identity TEXT NOT NULL DEFAULT '',
		black_identity TEXT NOT NULL DEFAULT '',
		white_user_id TEXT NOT NULL DEFAULT '',
		black_user_id TEXT NOT NULL DEFAULT '',
		white_name TEXT NOT NULL DEFAULT '',
		black_name TEXT NOT NULL DEFAULT '',
		initial_ms BIGINT NOT NULL DEFAULT 0,
		increment_ms BIGINT NOT NULL DEFAULT 0,
		speed TEXT NOT NULL DEFAULT '',
		rated BOOLEAN NOT NULL DEFAULT FALSE,
		winner TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL,
		final_fen TEXT NOT NULL,
		white_time_ms BIGINT NOT NULL DEFAULT 0,
		black_time_ms BIGINT NOT NULL DEFAULT 0,
		moves TEXT NOT NULL DEFAULT '[]',
		pgn TEXT NOT NULL DEFAULT '',
		started_at BIGINT NOT NULL DEFAULT 0,
		ended_at BIGINT NOT NULL DEFAULT 0,
		CHECK (winner IN ('', 'white', 'black', 'draw'))
	);`,
	`CREATE TABLE IF NOT EXISTS ratings (
		user_id TEXT NOT NULL,
		speed TEXT NOT NULL,
		rating INTEGER NOT NULL,
		rd INTEGER NOT NULL,
		vol DOUBLE PRECISION NOT NULL,
		games INTEGER NOT NULL DEFAULT 0,
		provisional BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, speed)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_games_white_user_id ON games(white_user_id);`,
	`CREATE INDEX IF NOT EXISTS idx_games_black_user_id ON games(black_user_id);`,
	`CREATE INDEX IF NOT EXISTS idx_games_ended_at ON games(ended_at);`,
}

// sqlite has no BIGSERIAL; INTEGER PRIMARY KEY is the rowid alias.
var sqliteSchema = []string{
	`PRAGMA journal_mode=WAL;`,
	`CREATE TABLE IF NOT EXISTS games (
		id INTEGER PRIMARY KEY,
		match_id TEXT NOT NULL UNIQUE,
		white_conn_id TEXT NOT NULL DEFAULT '',
		black_conn_id TEXT NOT NULL DEFAULT '',
		white_identity TEXT NOT NULL DEFAULT '',
		black_identity TEXT NOT NULL DEFAULT '',
		white_user_id TEXT NOT NULL DEFAULT '',
		black_user_id TEXT NOT NULL DEFAULT '',
		white_name TEXT NOT NULL DEFAULT '',
		black_name TEXT NOT NULL DEFAULT '',
		initial_ms INTEGER NOT NULL DEFAULT 0,
		increment_ms INTEGER NOT NULL DEFAULT 0,
		speed TEXT NOT NULL DEFAULT '',
		rated INTEGER NOT NULL DEFAULT 0,
		winner TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL,
		final_fen TEXT NOT NULL,
		white_time_ms INTEGER NOT NULL DEFAULT 0,
		black_time_ms INTEGER NOT NULL DEFAULT 0,
		moves TEXT NOT NULL DEFAULT '[]',
		pgn TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL DEFAULT 0,
		ended_at INTEGER NOT NULL DEFAULT 0,
		CHECK (winner IN ('', 'white', 'black', 'draw'))
	);`,
	`CREATE TABLE IF NOT EXISTS ratings (
		user_id TEXT NOT NULL,
		speed TEXT NOT NULL,
		rating INTEGER NOT NULL,
		rd INTEGER NOT NULL,
		vol REAL NOT NULL,
		games INTEGER NOT NULL DEFAULT 0,
		provisional INTEGER NOT NULL DEFAULT 1,
		updated_at INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, speed)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_games_white_user_id ON games(white_user_id);`,
	`CREATE INDEX IF NOT EXISTS idx_games_black_user_id ON games(black_user_id);`,
	`CREATE INDEX IF NOT EXISTS idx_games_ended_at ON games(ended_at);`,
}

// SQLStore is the sqlx-backed Repository for Postgres and SQLite.
type SQLStore struct {
	db *sqlx.DB
}

// Open connects to driver/dsn and applies the schema.
func Open(driver, dsn string) (*SQLStore, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	var schema []string
	switch driver {
	case DriverPostgres:
		schema = postgresSchema
	case DriverSQLite:
		schema = sqliteSchema
	default:
		return nil, fmt.Errorf("unsupported archive driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(16)
		db.SetMaxIdleConns(8)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) InsertGame(ctx context.Context, g *Game) (bool, error) {
	if g == nil {
		return false, fmt.Errorf("nil game payload")
	}
	if g.Moves == nil {
		g.Moves = Moves{}
	}
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO games (
			match_id, white_conn_id, black_conn_id,
			white_identity, black_identity, white_user_id, black_user_id,
			white_name, black_name, initial_ms, increment_ms, speed, rated,
			winner, reason, final_fen, white_time_ms, black_time_ms,
			moves, pgn, started_at, ended_at
		) VALUES (
			:match_id, :white_conn_id, :black_conn_id,
			:white_identity, :black_identity, :white_user_id, :black_user_id,
			:white_name, :black_name, :initial_ms, :increment_ms, :speed, :rated,
			:winner, :reason, :final_fen, :white_time_ms, :black_time_ms,
			:moves, :pgn, :started_at, :ended_at
		)
		ON CONFLICT (match_id) DO NOTHING`, g)
	if err != nil {
		return false, fmt.Errorf("insert game: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert game rows affected: %w", err)
	}
	return n > 0, nil
}

const gameColumns = `id, match_id, white_conn_id, black_conn_id,
	white_identity, black_identity, white_user_id, black_user_id,
	white_name, black_name, initial_ms, increment_ms, speed, rated,
	winner, reason, final_fen, white_time_ms, black_time_ms,
	moves, pgn, started_at, ended_at`

func (s *SQLStore) GetGame(ctx context.Context, matchID string) (*Game, error) {
	var g Game
	err := s.db.GetContext(ctx, &g, s.db.Rebind(`SELECT `+gameColumns+` FROM games WHERE match_id = ?`), matchID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select game: %w", err)
	}
	return &g, nil
}

func (s *SQLStore) ListByUser(ctx context.Context, userID string, limit int) ([]Game, error) {
	out := []Game{}
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT `+gameColumns+`
		FROM games
		WHERE white_user_id = ? OR black_user_id = ?
		ORDER BY ended_at DESC, id DESC
		LIMIT ?`), userID, userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("select games by user: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Stats(ctx context.Context, userID string) ([]Stats, error) {
	out := []Stats{}
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT
			speed,
			COUNT(*) AS games,
			SUM(CASE WHEN (white_user_id = ? AND winner = 'white') OR (black_user_id = ? AND winner = 'black') THEN 1 ELSE 0 END) AS wins,
			SUM(CASE WHEN (white_user_id = ? AND winner = 'black') OR (black_user_id = ? AND winner = 'white') THEN 1 ELSE 0 END) AS losses,
			SUM(CASE WHEN winner = 'draw' THEN 1 ELSE 0 END) AS draws
		FROM games
		WHERE (white_user_id = ? OR black_user_id = ?) AND reason <> 'aborted'
		GROUP BY speed
		ORDER BY speed`), userID, userID, userID, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("select stats: %w", err)
	}
	return out, nil
}

func (s *SQLStore) GetRating(ctx context.Context, userID, speed string) (*Rating, error) {
	var r Rating
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`
		SELECT user_id, speed, rating, rd, vol, games, provisional, updated_at
		FROM ratings
		WHERE user_id = ? AND speed = ?`), userID, speed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select rating: %w", err)
	}
	return &r, nil
}

const upsertRatingSQL = `
	INSERT INTO ratings (user_id, speed, rating, rd, vol, games, provisional, updated_at)
	VALUES (:user_id, :speed, :rating, :rd, :vol, :games, :provisional, :updated_at)
	ON CONFLICT (user_id, speed) DO UPDATE SET
		rating = excluded.rating,
		rd = excluded.rd,
		vol = excluded.vol,
		games = excluded.games,
		provisional = excluded.provisional,
		updated_at = excluded.updated_at`

func (s *SQLStore) UpsertRating(ctx context.Context, r Rating) error {
	if r.UpdatedAt == 0 {
		r.UpdatedAt = time.Now().UnixMilli()
	}
	if _, err := s.db.NamedExecContext(ctx, upsertRatingSQL, r); err != nil {
		return fmt.Errorf("upsert rating: %w", err)
	}
	return nil
}

// UpsertRatings writes rows in one transaction; any failure rolls all of them back.
func (s *SQLStore) UpsertRatings(ctx context.Context, rows ...Rating) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rating tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	now := time.Now().UnixMilli()
	for _, r := range rows {
		if err = validRating(r); err != nil {
			return err
		}
		if r.UpdatedAt == 0 {
			r.UpdatedAt = now
		}
		if _, err = tx.NamedExecContext(ctx, upsertRatingSQL, r); err != nil {
			return fmt.Errorf("upsert rating %s/%s: %w", r.UserID, r.Speed, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit rating tx: %w", err)
	}
	return nil
}

func (s *SQLStore) ListRatings(ctx context.Context, userID string) ([]Rating, error) {
	out := []Rating{}
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT user_id, speed, rating, rd, vol, games, provisional, updated_at
		FROM ratings
		WHERE user_id = ?
		ORDER BY speed`), userID)
	if err != nil {
		return nil, fmt.Errorf("select ratings: %w", err)
	}
	return out, nil
}
