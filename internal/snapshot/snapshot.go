package snapshot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/padshare/internal/db"
	"github.com/manpreetbhatti/padshare/internal/room"
)

type Config struct {
	Interval     time.Duration
	SaveDeadline time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:     2 * time.Second,
		SaveDeadline: 5 * time.Second,
	}
}

// Service periodically writes the text of rooms that changed since the last
// pass. The final pass runs on Stop.
type Service struct {
	rooms    *room.Registry
	database db.Store
	config   Config
	log      *slog.Logger
	stop     chan struct{}
	wg       sync.WaitGroup
}

func New(rooms *room.Registry, database db.Store, config Config, log *slog.Logger) *Service {
	return &Service{
		rooms:    rooms,
		database: database,
		config:   config,
		log:      log,
		stop:     make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.Info("snapshot.start", "interval", s.config.Interval)
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.log.Info("snapshot.stop")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			s.FlushNow()
			return
		case <-ticker.C:
			s.FlushNow()
		}
	}
}

// FlushNow saves every dirty room and returns how many were written.
func (s *Service) FlushNow() int {
	flushed := 0
	for _, rm := range s.rooms.Rooms() {
		text, dirty := rm.TakeDirty()
		if !dirty {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.config.SaveDeadline)
		err := s.database.SaveRoomText(ctx, rm.ID, text)
		cancel()
		if err != nil {
			// Retry on the next pass
			rm.MarkDirty()
			s.log.Error("snapshot.save", "room", rm.ID, "err", err)
			continue
		}
		flushed++
	}

	if flushed > 0 {
		s.log.Debug("snapshot.flush", "rooms", flushed)
	}
	return flushed
}

// Loader hydrates a room's text and file list from the database.
func Loader(database db.Store) room.Loader {
	return func(ctx context.Context, id string) (string, []room.File, error) {
		rec, err := database.GetRoom(ctx, id)
		if err != nil {
			return "", nil, err
		}
		rows, err := database.ListFiles(ctx, id)
		if err != nil {
			return "", nil, err
		}

		var text string
		if rec != nil {
			text = rec.Text
		}
		files := make([]room.File, len(rows))
		for i, f := range rows {
			files[i] = room.File{Name: f.Name, Size: f.Size, UploadedAt: f.UploadedAt}
		}
		return text, files, nil
	}
}
