package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

type Kind string

const (
	KindUpdate Kind = "update"
	KindFile   Kind = "file"
	KindDelete Kind = "delete"
)

// Event is a room mutation applied on Origin that other instances replay.
type Event struct {
	Room     string `json:"room"`
	Origin   string `json:"origin"`
	Kind     Kind   `json:"kind"`
	Code     string `json:"code,omitempty"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

type Redis struct {
	rdb *redis.Client
	log *slog.Logger
}

// NewRedis connects to redis and verifies connectivity
func NewRedis(ctx context.Context, addr string, db int, log *slog.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return &Redis{rdb: rdb, log: log}, nil
}

// Publish sends an event to the channel for its room
func (b *Redis) Publish(ctx context.Context, e Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channel(e.Room), raw).Err()
}

// Subscribe listens to all room channels and invokes fn for each event until ctx ends
func (b *Redis) Subscribe(ctx context.Context, fn func(Event)) {
	pubsub := b.rdb.PSubscribe(ctx, channel("*"))
	defer pubsub.Close()
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			e, err := decode(msg.Payload)
			if err != nil {
				b.log.Warn("bus.decode", "channel", msg.Channel, "err", err)
				continue
			}
			fn(e)
		}
	}
}

// Close shuts down the redis connection
func (b *Redis) Close() error { return b.rdb.Close() }

var errNoRoom = errors.New("event without room")

func decode(payload string) (Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return Event{}, err
	}
	if e.Room == "" {
		return Event{}, errNoRoom
	}
	return e, nil
}

// channel namespacing for room pub/sub
func channel(roomID string) string { return "room:" + roomID }
