package core

// limiter.go implements concurrency control for submission passes.
//
// A semaphore restricts how many imports may be writing to the case store
// at once. When every slot is occupied, new submissions wait up to maxWait
// before failing with ErrTooManyImports. WaitForDrain supports graceful
// shutdown by blocking until all active passes complete.

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTooManyImports is returned when all submission slots are occupied and
// the wait timeout expires. Clients should retry after a short delay.
var ErrTooManyImports = errors.New("too many concurrent imports, please try again later")

// DefaultMaxConcurrentImports limits parallel submission passes.
const DefaultMaxConcurrentImports = 5

// DefaultMaxSlotWait is how long to wait for a slot before rejecting.
const DefaultMaxSlotWait = 30 * time.Second

// ImportLimiter bounds concurrent submission passes with a semaphore.
type ImportLimiter struct {
	semaphore chan struct{}
	maxWait   time.Duration

	mu     sync.RWMutex
	active int
}

// NewImportLimiter creates a limiter allowing at most maxConcurrent
// simultaneous submission passes.
func NewImportLimiter(maxConcurrent int, maxWait time.Duration) *ImportLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentImports
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxSlotWait
	}
	return &ImportLimiter{
		semaphore: make(chan struct{}, maxConcurrent),
		maxWait:   maxWait,
	}
}

// Acquire blocks until a slot is free, the wait times out, or ctx is
// canceled. The caller must Release when the pass completes.
func (l *ImportLimiter) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	select {
	case l.semaphore <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
		return nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTooManyImports
	}
}

// Release frees a slot acquired with Acquire.
func (l *ImportLimiter) Release() {
	select {
	case <-l.semaphore:
		l.mu.Lock()
		if l.active > 0 {
			l.active--
		}
		l.mu.Unlock()
	default:
		// Release without Acquire is a programming error; ignoring it
		// beats corrupting the semaphore.
	}
}

// Active returns the number of submission passes currently holding a slot.
func (l *ImportLimiter) Active() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// WaitForDrain blocks until every active pass releases its slot or ctx is
// canceled. Used during shutdown.
func (l *ImportLimiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if l.Active() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
