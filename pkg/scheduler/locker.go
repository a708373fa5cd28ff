package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/quartermaster-dev/quartermaster/pkg/util"
)

// Lua scripts for the named job mutex. Acquire only succeeds when the key
// is absent; release only deletes when this process still holds it, so an
// expired lock taken over by another instance is never stolen back.
const acquireLockScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
	redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[2])
	return 1
end
return 0
`

const releaseLockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// Locker provides named mutexes over Redis so a job runs on at most one
// server instance at a time. Locks carry a TTL so a crashed holder cannot
// wedge a job forever.
type Locker struct {
	client *redis.Client
	holder string
	ttl    time.Duration
}

// NewLocker builds a locker against the given Redis address. The holder
// token identifies this process in lock values.
func NewLocker(addr string, ttl time.Duration) *Locker {
	hostname, _ := os.Hostname()
	return &Locker{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		holder: fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), util.RandomToken(6)),
		ttl:    ttl,
	}
}

func (l *Locker) key(name string) string {
	return "QUARTERMASTER_LOCK|" + name
}

// Acquire takes the named lock, returning util.ErrAlreadyLocked when
// another holder has it.
func (l *Locker) Acquire(ctx context.Context, name string) error {
	ok, err := l.client.Eval(ctx, acquireLockScript,
		[]string{l.key(name)}, l.holder, int(l.ttl.Seconds())).Int()
	if err != nil {
		return fmt.Errorf("acquiring lock %s: %w", name, err)
	}
	if ok != 1 {
		return fmt.Errorf("%w: %s", util.ErrAlreadyLocked, name)
	}
	return nil
}

// Release drops the named lock if this process still holds it.
func (l *Locker) Release(ctx context.Context, name string) error {
	_, err := l.client.Eval(ctx, releaseLockScript,
		[]string{l.key(name)}, l.holder).Int()
	if err != nil {
		return fmt.Errorf("releasing lock %s: %w", name, err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (l *Locker) Close() error {
	return l.client.Close()
}
