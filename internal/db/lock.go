package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	lockFileName       = "fieldsync.lock"
	runLockFileName    = "fieldsync.run.lock"
	defaultLockTimeout = 2 * time.Second
	lockBackoffStart   = 5 * time.Millisecond
	lockBackoffCap     = 50 * time.Millisecond

	purposeWrite = "write"
	purposeRun   = "sync run"
)

// ErrLockBusy matches any *LockBusyError.
var ErrLockBusy = errors.New("lock busy")

// LockBusyError reports a lock that stayed held past the wait budget.
// Holder is the zero value when the lock file carried no readable record.
type LockBusyError struct {
	Purpose string
	Holder  LockHolder
	Stale   bool
	Waited  time.Duration
}

func (e *LockBusyError) Error() string {
	msg := fmt.Sprintf("%s lock busy after %v", e.Purpose, e.Waited)
	if e.Holder.PID == 0 {
		return msg + " (holder unknown)"
	}
	msg += fmt.Sprintf(" (held by pid %d since %s", e.Holder.PID, e.Holder.Since.Format(time.RFC3339))
	if e.Stale {
		msg += ", process gone"
	}
	return msg + ")"
}

func (e *LockBusyError) Is(target error) bool { return target == ErrLockBusy }

// LockHolder is the record a lock holder leaves in the lock file.
type LockHolder struct {
	PID     int       `json:"pid"`
	Purpose string    `json:"purpose"`
	Since   time.Time `json:"since"`
}

// writeLocker serializes access across processes sharing a data directory
// (a CLI invocation and a running `fieldsync watch`, say). The OS drops the
// lock when the holder exits, including on a crash.
type writeLocker struct {
	path    string
	purpose string
	file    *os.File
}

func newWriteLocker(dataDir string) *writeLocker {
	return &writeLocker{path: filepath.Join(dataDir, lockFileName), purpose: purposeWrite}
}

func newRunLocker(dataDir string) *writeLocker {
	return &writeLocker{path: filepath.Join(dataDir, runLockFileName), purpose: purposeRun}
}

// acquire waits up to timeout for the lock. A zero timeout tries once.
func (l *writeLocker) acquire(timeout time.Duration) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open %s lock: %w", l.purpose, err)
	}
	l.file = f

	start := time.Now()
	if l.poll(start.Add(timeout)) {
		l.stamp()
		return nil
	}
	busy := &LockBusyError{Purpose: l.purpose, Waited: time.Since(start).Round(time.Millisecond)}
	busy.Holder, busy.Stale = l.holder()
	l.file.Close()
	l.file = nil
	return busy
}

// poll retries tryLock with capped exponential backoff until deadline.
func (l *writeLocker) poll(deadline time.Time) bool {
	wait := lockBackoffStart
	for {
		if l.tryLock() == nil {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		time.Sleep(min(wait, remaining))
		wait = min(wait*2, lockBackoffCap)
	}
}

func (l *writeLocker) release() error {
	if l.file == nil {
		return nil
	}
	l.file.Truncate(0)
	l.unlock()
	err := l.file.Close()
	l.file = nil
	return err
}

// stamp records who holds the lock so a waiter that gives up can name it.
// A failed stamp does not give the lock back.
func (l *writeLocker) stamp() {
	rec, _ := json.Marshal(LockHolder{PID: os.Getpid(), Purpose: l.purpose, Since: time.Now().UTC()})
	if l.file.Truncate(0) == nil {
		l.file.WriteAt(append(rec, '\n'), 0)
	}
}

// holder reads the current holder's record. stale is set when the recorded
// process no longer exists, which happens when a holder's OS lock outlives
// it (an inherited descriptor, for one).
func (l *writeLocker) holder() (h LockHolder, stale bool) {
	data, err := os.ReadFile(l.path)
	if err != nil || json.Unmarshal(data, &h) != nil || h.PID <= 0 {
		return LockHolder{}, false
	}
	return h, !isProcessAlive(h.PID)
}
