// Package instancelock implements the cross-process Instance Lock
// (component C3): a single advisory file lock, re-entrant within a process
// via a reference count, guarding every mutating operation against a
// concurrent tdnf invocation.
//
// The reference-counting scheme mirrors the original program's
// tdnflock_acquire/tdnflock_release (a held fd is only actually
// flock(2)'d on the first acquisition and only unlocked on the last
// release), adapted from fcntl byte-range locks to a whole-file flock since
// this module has no notion of partial-file locking to preserve.
package instancelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/opentdnf/tdnf-go/internal/obs"
	tdnf "github.com/opentdnf/tdnf-go"
)

// waitPollInterval is how often a WriteWait acquisition retries the
// non-blocking flock while waiting on ctx.
const waitPollInterval = 50 * time.Millisecond

// Mode is the requested lock discipline.
type Mode int

const (
	// Read acquires a shared lock; multiple readers may hold it at once.
	Read Mode = iota
	// Write acquires an exclusive lock.
	Write
	// WriteWait is Write, but blocks instead of failing when contended.
	WriteWait
)

// Lock is a single well-known lock file, safe for concurrent use by
// multiple goroutines within one process.
type Lock struct {
	path string

	mu       sync.Mutex
	file     *os.File
	readOnly bool
	refs     int
	heldMode Mode
}

// New opens (creating if necessary) the lock file at path, without
// acquiring it. Mirrors tdnflock_new: a permission failure on O_RDWR falls
// back to O_RDONLY, in which case only Read acquisitions will ever succeed.
func New(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	readOnly := false
	if err != nil {
		if !errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("instancelock: open %s: %w", path, err)
		}
		f, err = os.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("instancelock: open %s read-only: %w", path, err)
		}
		readOnly = true
	}
	return &Lock{path: path, file: f, readOnly: readOnly}, nil
}

// Release is returned by [Lock.Acquire]; calling it drops this holder's
// reference. Only the final release performs the OS-level unlock. Calling
// it more than once is a no-op.
type Release func()

// Acquire takes the lock in the given mode. Read/Write acquisitions that
// would block return [tdnf.ErrLockBusy] immediately; WriteWait blocks until
// ctx is done or the lock is obtained. A write attempt against a read-only
// lock file returns [tdnf.ErrReadOnly].
func (l *Lock) Acquire(ctx context.Context, mode Mode) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if mode != Read && l.readOnly {
		return nil, fmt.Errorf("instancelock: %s: %w", l.path, tdnf.ErrReadOnly)
	}

	if l.refs > 0 {
		// Re-entrant: an existing hold of at least as strong a mode
		// satisfies a weaker or equal request without another OS call,
		// matching tdnflock_acquire's "fdrefs > 1" fast path. A Read holder
		// cannot silently upgrade to Write.
		if l.heldMode == Write || l.heldMode == WriteWait || mode == Read {
			l.refs++
			obs.Logger(ctx).DebugContext(ctx, "instance lock re-entered", "path", l.path, "refs", l.refs)
			return l.release(), nil
		}
	}

	how := unix.LOCK_EX
	if mode == Read {
		how = unix.LOCK_SH
	}

	if mode == WriteWait {
		if err := l.lockWait(ctx, how); err != nil {
			return nil, err
		}
	} else {
		how |= unix.LOCK_NB
		if err := unix.Flock(int(l.file.Fd()), how); err != nil {
			if errors.Is(err, unix.EWOULDBLOCK) {
				return nil, fmt.Errorf("instancelock: %s: %w", l.path, tdnf.ErrLockBusy)
			}
			return nil, fmt.Errorf("instancelock: flock %s: %w", l.path, err)
		}
	}

	l.refs++
	l.heldMode = mode
	obs.Logger(ctx).DebugContext(ctx, "instance lock acquired", "path", l.path, "mode", mode)
	return l.release(), nil
}

// lockWait polls a non-blocking flock against ctx cancellation, since
// unix.Flock's blocking mode (without LOCK_NB) can't itself be interrupted
// by a Go context.
func (l *Lock) lockWait(ctx context.Context, how int) error {
	for {
		err := unix.Flock(int(l.file.Fd()), how|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("instancelock: flock %s: %w", l.path, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("instancelock: waiting for %s: %w", l.path, ctx.Err())
		case <-time.After(waitPollInterval):
		}
	}
}

func (l *Lock) release() Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.refs--
			if l.refs > 0 {
				return
			}
			_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
		})
	}
}

// Close releases all references unconditionally and closes the underlying
// file descriptor. Process exit would release the OS lock anyway, but the
// module must not rely on that (spec.md §4.3): every acquire path must call
// the returned Release, and Close is the final backstop for orderly
// shutdown.
func (l *Lock) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refs > 0 {
		_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
		l.refs = 0
	}
	return l.file.Close()
}
