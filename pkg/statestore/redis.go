package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"integrations/pkg/config"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "oauth:state:"

var ErrStateNotFound = errors.New("oauth state not found or expired")

// Redis - общее хранилище state параметров OAuth, доступное всем репликам.
type Redis struct {
	Client *redis.Client
}

func NewRedis(ctx context.Context, conf config.Redis) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     conf.Addr,
		Password: conf.Password,
		DB:       conf.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{Client: client}, nil
}

func (r *Redis) Put(ctx context.Context, state string, value []byte, ttl time.Duration) error {
	if err := r.Client.Set(ctx, keyPrefix+state, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set state: %w", err)
	}
	return nil
}

// Take атомарно читает и удаляет state: повторный callback с тем же state не пройдёт.
func (r *Redis) Take(ctx context.Context, state string) ([]byte, error) {
	val, err := r.Client.GetDel(ctx, keyPrefix+state).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis getdel state: %w", err)
	}
	return val, nil
}

func (r *Redis) HealthCheck(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.Client.Close()
}
