package db

import (
	"context"
	"time"
)

type Room struct {
	ID        string
	Text      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type File struct {
	RoomID     string
	Name       string
	Size       int64
	UploadedAt time.Time
}

type Stats struct {
	RoomCount int   `json:"room_count"`
	FileCount int   `json:"file_count"`
	FileBytes int64 `json:"file_bytes"`
}

// Store persists room text and file metadata. SQLite and Postgres implement it.
type Store interface {
	SaveRoomText(ctx context.Context, roomID, text string) error
	GetRoom(ctx context.Context, roomID string) (*Room, error)
	ListRooms(ctx context.Context, limit, offset int) ([]Room, error)

	UpsertFile(ctx context.Context, f File) error
	DeleteFile(ctx context.Context, roomID, name string) (bool, error)
	ListFiles(ctx context.Context, roomID string) ([]File, error)

	GetStats(ctx context.Context) (Stats, error)
	Close() error
}
