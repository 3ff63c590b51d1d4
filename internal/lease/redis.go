package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"supertask/internal/errors"
	"supertask/internal/models"
)

// Redis leases a job across processes with SET NX PX. A held lease is
// extended in the background until released, so runs longer than the TTL
// stay exclusive while their process is alive.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *zap.SugaredLogger
}

func NewRedis(client *redis.Client, prefix string, ttl time.Duration, log *zap.SugaredLogger) *Redis {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, log: log}
}

func (r *Redis) key(k models.Key) string {
	return r.prefix + "lease:" + k.Namespace + "\x00" + k.ID
}

func (r *Redis) TryAcquire(ctx context.Context, key models.Key) (func(), bool, error) {
	token := uuid.NewString()
	name := r.key(key)
	ok, err := r.client.SetNX(ctx, name, token, r.ttl).Result()
	if err != nil {
		return nil, false, errors.Mark(errors.Wrapf(err, "acquire lease %s", key), errors.ErrStoreUnavailable)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.keepAlive(name, token, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{name}, token).Err(); err != nil {
				r.log.Warnw("release lease", "job", key.String(), "error", err)
			}
		})
	}, true, nil
}

func (r *Redis) keepAlive(name, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
			held, err := extendScript.Run(ctx, r.client, []string{name}, token, r.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				r.log.Warnw("extend lease", "key", name, "error", err)
				continue
			}
			if held == 0 {
				r.log.Warnw("lease lost", "key", name)
				return
			}
		}
	}
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
