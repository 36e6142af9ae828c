package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const lockPrefix = "tianjibatch:scheduler:lock:"

// ErrLockHeld is returned by a Locked job when another instance holds its
// lock. The scheduler reports such runs as skipped.
var ErrLockHeld = errors.New("job lock held by another instance")

// DistributedLock hands out Redis locks so that a job runs on one instance
// of a deployment at a time.
type DistributedLock struct {
	rs *redsync.Redsync
}

// NewDistributedLock creates a lock manager on rdb.
func NewDistributedLock(rdb redis.UniversalClient) *DistributedLock {
	return &DistributedLock{rs: redsync.New(redsyncredis.NewPool(rdb))}
}

// Locked runs its job only while holding the job's lock. The lock expires
// after ttl if its holder dies, and is extended every ttl/2 while the run
// lasts.
type Locked struct {
	job  Job
	lock *DistributedLock
	ttl  time.Duration
}

// NewLocked wraps job with lock. A non-positive ttl means one minute.
func NewLocked(job Job, lock *DistributedLock, ttl time.Duration) *Locked {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Locked{job: job, lock: lock, ttl: ttl}
}

func (l *Locked) Name() string { return l.job.Name() }

func (l *Locked) Run(ctx context.Context) error {
	name := l.job.Name()
	mutex := l.lock.rs.NewMutex(lockPrefix+name, redsync.WithExpiry(l.ttl), redsync.WithTries(1))
	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return ErrLockHeld
		}
		return fmt.Errorf("acquire %s lock: %w", name, err)
	}

	done := make(chan struct{})
	extended := make(chan struct{})
	go func() {
		defer close(extended)
		l.keepAlive(ctx, mutex, done)
	}()

	err := l.job.Run(ctx)
	close(done)
	<-extended

	// Release even when ctx is already cancelled so the next instance need
	// not wait out the ttl.
	if _, uerr := mutex.UnlockContext(context.WithoutCancel(ctx)); uerr != nil {
		log.Warn().Err(uerr).Str("job", name).Msg("release job lock failed")
	}
	return err
}

func (l *Locked) keepAlive(ctx context.Context, mutex *redsync.Mutex, done <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ok, err := mutex.ExtendContext(ctx); !ok || err != nil {
				log.Warn().Err(err).Str("job", l.job.Name()).Msg("extend job lock failed, another instance may start the job")
				return
			}
		}
	}
}
