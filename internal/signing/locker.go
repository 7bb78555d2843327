package signing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when the lock cannot be acquired before the
// context is done.
var ErrLockTimeout = errors.New("timed out waiting for signing lock")

// Locker serializes signing state creation across processes.
type Locker interface {
	// Lock blocks until the lock is held and returns its release function.
	Lock(ctx context.Context) (unlock func(), err error)
}

const lockPoll = 50 * time.Millisecond

// FileLocker is an exclusive lockfile next to the signing state. A lockfile
// older than StaleAfter is assumed abandoned and removed.
type FileLocker struct {
	Path       string
	StaleAfter time.Duration
}

// NewFileLocker creates a FileLocker with a 30 second stale timeout.
func NewFileLocker(path string) *FileLocker {
	return &FileLocker{Path: path, StaleAfter: 30 * time.Second}
}

// Lock creates the lockfile exclusively, polling while another holder has it.
func (l *FileLocker) Lock(ctx context.Context) (func(), error) {
	for {
		f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
			_ = f.Close()
			return func() { _ = os.Remove(l.Path) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create lockfile: %w", err)
		}
		if info, statErr := os.Stat(l.Path); statErr == nil && l.StaleAfter > 0 && time.Since(info.ModTime()) > l.StaleAfter {
			_ = os.Remove(l.Path)
			continue
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
		case <-time.After(lockPoll):
		}
	}
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a SET NX PX lock shared by every instance using the same
// Redis. The TTL bounds how long a crashed holder blocks others.
type RedisLocker struct {
	Client *redis.Client
	Key    string
	TTL    time.Duration
}

// NewRedisLocker creates a RedisLocker with a 30 second TTL.
func NewRedisLocker(client *redis.Client, key string) *RedisLocker {
	return &RedisLocker{Client: client, Key: key, TTL: 30 * time.Second}
}

// Lock acquires the Redis lock, polling until ctx is done.
func (l *RedisLocker) Lock(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	for {
		ok, err := l.Client.SetNX(ctx, l.Key, token, l.TTL).Result()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("failed to acquire redis lock: %w", err)
		}
		if ok {
			return func() {
				// Released with a fresh context; the caller's may already be done.
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, l.Client, []string{l.Key}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
		case <-time.After(lockPoll):
		}
	}
}
