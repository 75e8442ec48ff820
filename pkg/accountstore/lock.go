package accountstore

import (
	"fmt"
	"math/rand"
	"os"
	"time"
)

// fileLock is a cross-process advisory lock backed by an auxiliary file
// created with O_EXCL. It is not a kernel flock: correctness relies on
// staleness reclamation rather than OS-enforced exclusion, the same
// trust model the Claims Coordinator uses for its own file.
type fileLock struct {
	path string
}

const (
	lockStaleAfter  = 10 * time.Second
	lockMaxAttempts = 10
	lockBaseDelay   = 50 * time.Millisecond
	lockMaxDelay    = 2 * time.Second
)

func newFileLock(storagePath string) *fileLock {
	return &fileLock{path: storagePath + ".lock"}
}

// acquire blocks (with bounded retry and full-jitter backoff) until the lock
// is obtained, a stale lock is reclaimed, or the attempt budget is exhausted.
func (l *fileLock) acquire() (release func(), err error) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // jitter only, not security sensitive

	for attempt := 0; attempt < lockMaxAttempts; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { _ = os.Remove(l.path) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("accountstore: create lock file: %w", err)
		}

		if l.reclaimIfStale() {
			continue // retry immediately, no backoff needed after reclaiming
		}

		delay := time.Duration(float64(lockBaseDelay) * pow2(attempt))
		if delay > lockMaxDelay {
			delay = lockMaxDelay
		}
		delay = time.Duration(rng.Float64() * float64(delay)) // full jitter
		time.Sleep(delay)
	}

	return nil, fmt.Errorf("accountstore: timed out acquiring lock %s after %d attempts", l.path, lockMaxAttempts)
}

func pow2(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 2
	}
	return v
}

// reclaimIfStale removes the lock file if it is older than lockStaleAfter,
// reporting whether it did so.
func (l *fileLock) reclaimIfStale() bool {
	info, err := os.Stat(l.path)
	if err != nil {
		return false
	}
	if time.Since(info.ModTime()) <= lockStaleAfter {
		return false
	}
	return os.Remove(l.path) == nil
}
