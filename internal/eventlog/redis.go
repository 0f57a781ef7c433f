package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLog keeps a session log in a redis list and announces appends on a
// pub/sub channel.
type RedisLog struct {
	key     string
	listKey string
	channel string
	rdb     *redis.Client
	pubsub  *redis.PubSub
	notify  *notifier
	wg      sync.WaitGroup
}

// openRedis handles redis://[user:pass@]host:6379/db
func openRedis(ctx context.Context, u *url.URL, key string) (Log, error) {
	opts, err := redis.ParseURL(u.String())
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisLog(ctx, rdb, key)
}

// NewRedisLog subscribes to the append channel of session key. The log takes
// ownership of rdb.
func NewRedisLog(ctx context.Context, rdb *redis.Client, key string) (*RedisLog, error) {
	l := &RedisLog{
		key:     key,
		listKey: fmt.Sprintf("portal:%s:events", key),
		channel: fmt.Sprintf("portal:%s:appended", key),
		rdb:     rdb,
		notify:  newNotifier(),
	}

	l.pubsub = rdb.Subscribe(ctx, l.channel)
	if _, err := l.pubsub.Receive(ctx); err != nil {
		l.pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", l.channel, err)
	}

	l.wg.Add(1)
	go l.subscribeLoop()

	slog.Debug("redis event log", "list", l.listKey, "channel", l.channel)
	return l, nil
}

func (l *RedisLog) subscribeLoop() {
	defer l.wg.Done()
	for range l.pubsub.Channel() {
		l.notify.broadcast()
	}
}

func (l *RedisLog) Key() string {
	return l.key
}

func (l *RedisLog) Len(ctx context.Context) (int, error) {
	n, err := l.rdb.LLen(ctx, l.listKey).Result()
	if err != nil {
		return 0, fmt.Errorf("llen: %w", err)
	}
	return int(n), nil
}

func (l *RedisLog) Get(ctx context.Context, index int) ([]byte, error) {
	if index < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, index)
	}

	data, err := l.rdb.LIndex(ctx, l.listKey, int64(index)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, index)
	} else if err != nil {
		return nil, fmt.Errorf("get entry %d: %w", index, err)
	}
	return data, nil
}

func (l *RedisLog) Append(ctx context.Context, payload []byte) (int, error) {
	n, err := l.rdb.RPush(ctx, l.listKey, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("rpush: %w", err)
	}

	if err := l.rdb.Publish(ctx, l.channel, strconv.FormatInt(n, 10)).Err(); err != nil {
		// the entry is stored; peers catch up on the next signal
		slog.Warn("redis event log publish", "channel", l.channel, "error", err)
	}
	return int(n) - 1, nil
}

func (l *RedisLog) Head(ctx context.Context) ([]byte, error) {
	data, err := l.rdb.LIndex(ctx, l.listKey, -1).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: empty log", ErrNotFound)
	} else if err != nil {
		return nil, err
	}
	return data, nil
}

func (l *RedisLog) Notify(ctx context.Context) <-chan struct{} {
	return l.notify.subscribe(ctx)
}

func (l *RedisLog) Close() error {
	err := l.pubsub.Close()
	l.wg.Wait()
	l.notify.close()
	return errors.Join(err, l.rdb.Close())
}

var _ Log = (*RedisLog)(nil)
