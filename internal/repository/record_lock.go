package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	appErrors "github.com/noah-isme/coi-compliance-api/pkg/errors"
)

const lockPollInterval = 50 * time.Millisecond

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RecordLocker serialises actions on one COI record across API instances. Without Redis it falls
// back to an in-process lock, which only covers a single instance.
type RecordLocker struct {
	client *redis.Client
	ttl    time.Duration

	mu    sync.Mutex
	local map[string]*localLock
}

// localLock is the in-process lock of one record. refs counts holders and waiters; the entry is
// dropped when it reaches zero.
type localLock struct {
	ch   chan struct{}
	refs int
}

// NewRecordLocker constructs a locker. client may be nil.
func NewRecordLocker(client *redis.Client, ttl time.Duration) *RecordLocker {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &RecordLocker{client: client, ttl: ttl, local: make(map[string]*localLock)}
}

// Lock blocks until the record lock is held, the context ends, or the lock TTL elapses.
// The returned function releases the lock and is safe to call once.
func (l *RecordLocker) Lock(ctx context.Context, id string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	if l.client == nil {
		return l.lockLocal(waitCtx, id)
	}

	key := fmt.Sprintf("coi:lock:%s", id)
	token := uuid.NewString()
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(waitCtx, key, token, l.ttl).Result()
		if err != nil && waitCtx.Err() == nil {
			return nil, fmt.Errorf("acquire record lock %s: %w", id, err)
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
					defer cancel()
					_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
				})
			}, nil
		}
		select {
		case <-waitCtx.Done():
			return nil, appErrors.Clone(appErrors.ErrRecordLocked, "")
		case <-ticker.C:
		}
	}
}

func (l *RecordLocker) lockLocal(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.local[id]
	if !ok {
		entry = &localLock{ch: make(chan struct{}, 1)}
		l.local[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-entry.ch
				l.releaseLocal(id, entry)
			})
		}, nil
	case <-ctx.Done():
		l.releaseLocal(id, entry)
		return nil, appErrors.Clone(appErrors.ErrRecordLocked, "")
	}
}

func (l *RecordLocker) releaseLocal(id string, entry *localLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 && l.local[id] == entry {
		delete(l.local, id)
	}
}
