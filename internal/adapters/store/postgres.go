package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/confcast/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id      TEXT PRIMARY KEY,
	name    TEXT NOT NULL,
	pfp_url TEXT
);

CREATE TABLE IF NOT EXISTS meet (
	id          TEXT PRIMARY KEY,
	creator     TEXT NOT NULL,
	invite_only BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Postgres reads and writes the users and meet tables.
type Postgres struct {
	db *sqlx.DB
}

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	log.Info().Str("module", "store.postgres").Msg("connected")
	return &Postgres{db: db}, nil
}

func (p *Postgres) Profile(ctx context.Context, id domain.ParticipantID) (domain.Profile, error) {
	var out domain.Profile
	err := p.db.GetContext(ctx, &out, `SELECT id, name, pfp_url FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Profile{}, ErrUserNotFound
	}
	if err != nil {
		return domain.Profile{}, fmt.Errorf("select user: %w", err)
	}
	return out, nil
}

func (p *Postgres) SaveProfile(ctx context.Context, profile domain.Profile) error {
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO users (id, name, pfp_url) VALUES (:id, :name, :pfp_url)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, pfp_url = COALESCE(EXCLUDED.pfp_url, users.pfp_url)`,
		profile)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (p *Postgres) CreateRoom(ctx context.Context, creator domain.ParticipantID, inviteOnly bool) (domain.RoomRecord, error) {
	var rec domain.RoomRecord
	err := p.db.QueryRowxContext(ctx, `
		INSERT INTO meet (id, creator, invite_only) VALUES ($1, $2, $3)
		RETURNING id, creator, invite_only, created_at`,
		domain.NewID(), creator, inviteOnly).StructScan(&rec)
	if err != nil {
		return domain.RoomRecord{}, fmt.Errorf("insert meet: %w", err)
	}
	return rec, nil
}

func (p *Postgres) Room(ctx context.Context, id domain.RoomID) (domain.RoomRecord, error) {
	var rec domain.RoomRecord
	err := p.db.GetContext(ctx, &rec, `SELECT id, creator, invite_only, created_at FROM meet WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RoomRecord{}, domain.ErrRoomNotFound
	}
	if err != nil {
		return domain.RoomRecord{}, fmt.Errorf("select meet: %w", err)
	}
	return rec, nil
}

func (p *Postgres) UpdateRoom(ctx context.Context, id domain.RoomID, inviteOnly bool) (domain.RoomRecord, error) {
	var rec domain.RoomRecord
	err := p.db.QueryRowxContext(ctx, `
		UPDATE meet SET invite_only = $2 WHERE id = $1
		RETURNING id, creator, invite_only, created_at`,
		id, inviteOnly).StructScan(&rec)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RoomRecord{}, domain.ErrRoomNotFound
	}
	if err != nil {
		return domain.RoomRecord{}, fmt.Errorf("update meet: %w", err)
	}
	return rec, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
