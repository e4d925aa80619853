package db

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Postgres struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS rooms (
	id TEXT PRIMARY KEY,
	text TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS room_files (
	room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	filename TEXT NOT NULL,
	size BIGINT NOT NULL DEFAULT 0,
	uploaded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	seq BIGSERIAL,
	PRIMARY KEY (room_id, filename)
);

CREATE INDEX IF NOT EXISTS idx_room_files_room_seq ON room_files(room_id, seq);
`

// NewPostgres connects, sizes the pool and applies the schema
func NewPostgres(ctx context.Context, url string, maxConns int, log *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info("db.ready", "driver", "postgres")
	return &Postgres{pool: pool, log: log}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) SaveRoomText(ctx context.Context, roomID, text string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO rooms (id, text, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET text = EXCLUDED.text, updated_at = NOW()
	`, roomID, text)
	return err
}

func (p *Postgres) GetRoom(ctx context.Context, id string) (*Room, error) {
	var r Room
	err := p.pool.QueryRow(ctx,
		"SELECT id, text, created_at, updated_at FROM rooms WHERE id = $1", id,
	).Scan(&r.ID, &r.Text, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *Postgres) ListRooms(ctx context.Context, limit, offset int) ([]Room, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, text, created_at, updated_at
		FROM rooms
		ORDER BY updated_at DESC, id ASC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Text, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertFile(ctx context.Context, f File) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "INSERT INTO rooms (id) VALUES ($1) ON CONFLICT DO NOTHING", f.RoomID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO room_files (room_id, filename, size, uploaded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id, filename) DO UPDATE SET
			size = EXCLUDED.size,
			uploaded_at = EXCLUDED.uploaded_at
	`, f.RoomID, f.Name, f.Size, f.UploadedAt.UTC()); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) DeleteFile(ctx context.Context, roomID, name string) (bool, error) {
	ct, err := p.pool.Exec(ctx,
		"DELETE FROM room_files WHERE room_id = $1 AND filename = $2", roomID, name)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (p *Postgres) ListFiles(ctx context.Context, roomID string) ([]File, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT room_id, filename, size, uploaded_at
		FROM room_files WHERE room_id = $1 ORDER BY seq ASC
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.RoomID, &f.Name, &f.Size, &f.UploadedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *Postgres) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	err := p.pool.QueryRow(ctx, `
		SELECT (SELECT COUNT(*) FROM rooms), COUNT(*), COALESCE(SUM(size), 0) FROM room_files
	`).Scan(&s.RoomCount, &s.FileCount, &s.FileBytes)
	return s, err
}
