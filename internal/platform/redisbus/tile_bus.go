// Package redisbus broadcasts tile readiness between replicas so each
// process can update its tile index without rescanning storage.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/terrain-backend/internal/platform/logger"
)

const DefaultChannel = "terrain:tiles:ready"

// TileReady announces that a tile raster is durably stored.
type TileReady struct {
	TileKey        string    `json:"tile_key"`
	BlobKey        string    `json:"blob_key"`
	WorldVersionID string    `json:"world_version_id"`
	Sender         string    `json:"sender"`
	At             time.Time `json:"at"`
}

type TileBus interface {
	Publish(ctx context.Context, msg TileReady) error
	StartForwarder(ctx context.Context, onMsg func(m TileReady)) error
	Close() error
}

type Config struct {
	Addr     string
	Password string
	Channel  string
}

type tileBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

func NewTileBus(ctx context.Context, log *logger.Logger, cfg Config) (TileBus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	ch := strings.TrimSpace(cfg.Channel)
	if ch == "" {
		ch = DefaultChannel
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    cfg.Password,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &tileBus{
		log:     log.With("service", "RedisTileBus"),
		rdb:     rdb,
		channel: ch,
	}, nil
}

func (b *tileBus) Publish(ctx context.Context, msg TileReady) error {
	raw, err := encode(msg)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *tileBus) StartForwarder(ctx context.Context, onMsg func(m TileReady)) error {
	if onMsg == nil {
		return fmt.Errorf("onMsg callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				msg, err := decode(m.Payload)
				if err != nil {
					b.log.Warn("bad tile-ready payload", "error", err)
					continue
				}
				onMsg(msg)
			}
		}
	}()
	return nil
}

func (b *tileBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}

func encode(msg TileReady) ([]byte, error) {
	if msg.TileKey == "" {
		return nil, fmt.Errorf("tile-ready message needs a tile key")
	}
	return json.Marshal(msg)
}

func decode(payload string) (TileReady, error) {
	var msg TileReady
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return TileReady{}, err
	}
	if msg.TileKey == "" {
		return TileReady{}, fmt.Errorf("missing tile_key")
	}
	return msg, nil
}
