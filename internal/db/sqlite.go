package db

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

type SQLite struct {
	db  *sql.DB
	log *slog.Logger
}

func NewSQLite(dbPath string, log *slog.Logger) (*SQLite, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLITE_BUSY away under concurrent uploads
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("db.ready", "driver", "sqlite", "path", dbPath)
	return &SQLite{db: db, log: log}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS room_files (
		room_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		uploaded_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		seq INTEGER NOT NULL,
		PRIMARY KEY (room_id, filename),
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_room_files_room_seq ON room_files(room_id, seq);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *SQLite) Close() error {
	return d.db.Close()
}

// Room operations

func (d *SQLite) ensureRoom(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, "INSERT OR IGNORE INTO rooms (id) VALUES (?)", id)
	return err
}

func (d *SQLite) SaveRoomText(ctx context.Context, roomID, text string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO rooms (id, text, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			text = excluded.text,
			updated_at = CURRENT_TIMESTAMP
	`, roomID, text)
	return err
}

// GetRoom returns nil, nil for an unknown room
func (d *SQLite) GetRoom(ctx context.Context, id string) (*Room, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, text, created_at, updated_at FROM rooms WHERE id = ?",
		id,
	)

	var room Room
	err := row.Scan(&room.ID, &room.Text, &room.CreatedAt, &room.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (d *SQLite) ListRooms(ctx context.Context, limit, offset int) ([]Room, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, text, created_at, updated_at FROM rooms ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Text, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// File metadata operations

// UpsertFile keeps the original upload position when a name is overwritten
func (d *SQLite) UpsertFile(ctx context.Context, f File) error {
	if err := d.ensureRoom(ctx, f.RoomID); err != nil {
		return err
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO room_files (room_id, filename, size, uploaded_at, seq)
		VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM room_files WHERE room_id = ?))
		ON CONFLICT(room_id, filename) DO UPDATE SET
			size = excluded.size,
			uploaded_at = excluded.uploaded_at
	`, f.RoomID, f.Name, f.Size, f.UploadedAt.UTC(), f.RoomID)
	return err
}

func (d *SQLite) DeleteFile(ctx context.Context, roomID, name string) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		"DELETE FROM room_files WHERE room_id = ? AND filename = ?",
		roomID, name,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (d *SQLite) ListFiles(ctx context.Context, roomID string) ([]File, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT room_id, filename, size, uploaded_at FROM room_files WHERE room_id = ? ORDER BY seq ASC",
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.RoomID, &f.Name, &f.Size, &f.UploadedAt); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// Stats

func (d *SQLite) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&s.RoomCount); err != nil {
		return Stats{}, err
	}
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(SUM(size), 0) FROM room_files").Scan(&s.FileCount, &s.FileBytes); err != nil {
		return Stats{}, err
	}
	return s, nil
}
