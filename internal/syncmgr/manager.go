// Package syncmgr replays the outbox queue against the server in order.
package syncmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orchardlog/fieldsync/internal/apiclient"
	"github.com/orchardlog/fieldsync/internal/db"
	"github.com/orchardlog/fieldsync/internal/entityref"
	"github.com/orchardlog/fieldsync/internal/events"
	"github.com/orchardlog/fieldsync/internal/models"
)

// Defaults
const (
	DefaultMaxAttempts = 5
	DefaultTimeout     = apiclient.DefaultTimeout
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffMax  = 5 * time.Minute
)

// ErrDisposed is returned by calls made after Dispose.
var ErrDisposed = errors.New("sync manager disposed")

// QueueStore is the part of the outbox a run needs.
type QueueStore interface {
	PeekOrdered() ([]models.QueueItem, error)
	UpdateItem(id int64, patch models.ItemPatch) error
	RemoveItem(id int64) error
	CountByStatus() (map[models.ItemStatus]int, error)
}

// IDStore maps temporary ids to server ids.
type IDStore interface {
	ResolveID(tempID string) (string, bool, error)
	RecordMapping(tempID, serverID string) error
}

// RunRecorder keeps sync run history.
type RunRecorder interface {
	StartRun(trigger models.Trigger) (int64, error)
	FinishRun(run models.SyncRun) error
}

// Requester performs one network call. *apiclient.Client satisfies it.
type Requester interface {
	Do(ctx context.Context, verb, endpoint string, body json.RawMessage) (json.RawMessage, error)
}

// Monitor is the connectivity signal. *connectivity.Monitor satisfies it.
type Monitor interface {
	IsOnline() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Options wires a Manager. Queue and Requester are required.
type Options struct {
	Queue     QueueStore
	Requester Requester
	IDs       IDStore     // optional; nil disables temp id rewriting
	Runs      RunRecorder // optional
	Bus       *events.Bus // optional; a private bus is created when nil
	Monitor   Monitor     // optional
	// RunLock, if set, is taken for each run. A run that finds it busy
	// (db.ErrLockBusy) is skipped like a reentrant call; any other error
	// is returned.
	RunLock func() (release func(), err error)

	MaxAttempts  int
	Timeout      time.Duration // per item
	SyncInterval time.Duration // safety-net timer; 0 disables
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	StartupSync  bool

	Logger *slog.Logger
}

// Summary describes one run.
type Summary struct {
	RunID        int64          `json:"run_id,omitempty"`
	Trigger      models.Trigger `json:"trigger"`
	Skipped      bool           `json:"skipped,omitempty"` // another run was active
	SuccessCount int            `json:"success_count"`
	FailCount    int            `json:"fail_count"`
	DeadCount    int            `json:"dead_count"`
	Stopped      bool           `json:"stopped"`   // ended early to keep order
	Remaining    int            `json:"remaining"` // items left in the queue after the run
	RetryIn      time.Duration  `json:"retry_in,omitempty"`
}

// Manager owns sync runs for one queue.
type Manager struct {
	opts   Options
	bus    *events.Bus
	logger *slog.Logger

	running atomic.Bool

	// lifecycle
	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	initialized bool
	disposed    bool
	stopParent  func() bool
	unsubscribe func()
	stopCh      chan struct{}
	retryTimer  *time.Timer
	wg          sync.WaitGroup
}

// New creates a manager. Call Init to start automatic runs.
func New(opts Options) *Manager {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = max(DefaultBackoffMax, opts.BackoffBase)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(opts.Logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:   opts,
		bus:    opts.Bus,
		logger: opts.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Init subscribes to connectivity changes, starts the periodic timer and
// runs a startup sync in the background. Cancelling ctx has the same effect
// as Dispose on in-flight runs.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return ErrDisposed
	}
	if m.initialized {
		return nil
	}
	m.initialized = true
	m.stopParent = context.AfterFunc(ctx, m.cancel)
	m.stopCh = make(chan struct{})

	if m.opts.Monitor != nil {
		m.unsubscribe = m.opts.Monitor.Subscribe(func(online bool) {
			if online {
				m.goRun(models.TriggerOnline)
			}
		})
	}
	if m.opts.SyncInterval > 0 {
		m.wg.Add(1)
		go m.tickLoop(m.opts.SyncInterval, m.stopCh)
	}
	if m.opts.StartupSync {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.Sync(m.ctx, models.TriggerStartup)
		}()
	}
	m.logger.Debug("sync: manager started", "interval", m.opts.SyncInterval, "max_attempts", m.opts.MaxAttempts)
	return nil
}

// Dispose stops automatic runs, cancels an in-flight run and waits for it.
// Safe to call more than once.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	if m.stopCh != nil {
		close(m.stopCh)
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	if m.stopParent != nil {
		m.stopParent()
	}
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Debug("sync: manager stopped")
}

// AddSyncListener subscribes fn to sync lifecycle events.
func (m *Manager) AddSyncListener(fn func(events.Event)) (unsubscribe func()) {
	return m.bus.Subscribe(fn)
}

// Running reports whether a run is in progress.
func (m *Manager) Running() bool {
	return m.running.Load()
}

// Queue returns the current queue in delivery order, dead items included.
func (m *Manager) Queue() ([]models.QueueItem, error) {
	return m.opts.Queue.PeekOrdered()
}

// PendingCount returns the number of items still awaiting delivery (dead
// items excluded).
func (m *Manager) PendingCount() (int, error) {
	counts, err := m.opts.Queue.CountByStatus()
	if err != nil {
		return 0, err
	}
	var n int
	for status, c := range counts {
		if status != models.StatusDead {
			n += c
		}
	}
	return n, nil
}

// SyncAll runs a manual sync and waits for it. A call made while another run
// is active returns nil without doing anything.
func (m *Manager) SyncAll(ctx context.Context) error {
	_, err := m.Sync(ctx, models.TriggerManual)
	return err
}

// Sync runs the queue once and reports what happened. The returned error is
// non-nil only when the run could not read or update the queue.
func (m *Manager) Sync(ctx context.Context, trigger models.Trigger) (Summary, error) {
	if !m.running.CompareAndSwap(false, true) {
		m.logger.Debug("sync: run already in progress, skipping", "trigger", string(trigger))
		return Summary{Trigger: trigger, Skipped: true}, nil
	}
	defer m.running.Store(false)

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return Summary{Trigger: trigger, Skipped: true}, ErrDisposed
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	if m.opts.RunLock != nil {
		release, err := m.opts.RunLock()
		if errors.Is(err, db.ErrLockBusy) {
			m.logger.Debug("sync: another process is syncing, skipping", "trigger", string(trigger), "err", err)
			return Summary{Trigger: trigger, Skipped: true}, nil
		}
		if err != nil {
			return Summary{Trigger: trigger, Skipped: true}, fmt.Errorf("run lock: %w", err)
		}
		defer release()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	return m.run(runCtx, trigger)
}

func (m *Manager) run(ctx context.Context, trigger models.Trigger) (Summary, error) {
	sum := Summary{Trigger: trigger}
	m.bus.Publish(events.SyncStart{Trigger: trigger})

	if m.opts.Runs != nil {
		id, err := m.opts.Runs.StartRun(trigger)
		if err != nil {
			m.logger.Warn("sync: record run start", "err", err)
		}
		sum.RunID = id
	}

	items, err := m.opts.Queue.PeekOrdered()
	if err != nil {
		return sum, m.fail(sum, fmt.Errorf("read queue: %w", err))
	}
	m.logger.Debug("sync: run started", "trigger", string(trigger), "items", len(items))

	var retryAttempts int
	for i, item := range items {
		if item.Status == models.StatusDead {
			continue
		}
		if ctx.Err() != nil {
			sum.Stopped = true
			break
		}

		res, err := m.deliver(ctx, item)
		if err != nil {
			return sum, m.fail(sum, err)
		}
		switch res {
		case delivered:
			sum.SuccessCount++
		case dead:
			sum.DeadCount++
		case retryLater:
			sum.FailCount++
			sum.Stopped = true
			retryAttempts = item.Attempts + 1
		case interrupted:
			sum.Stopped = true
		}
		if sum.Stopped {
			m.logger.Debug("sync: run stopped to preserve order", "item", item.ID, "left", len(items)-i)
			break
		}
	}

	if counts, err := m.opts.Queue.CountByStatus(); err == nil {
		for status, n := range counts {
			if status != models.StatusDead {
				sum.Remaining += n
			}
		}
	}
	if retryAttempts > 0 {
		sum.RetryIn = Backoff(retryAttempts, m.opts.BackoffBase, m.opts.BackoffMax)
		m.scheduleRetry(sum.RetryIn)
	} else if !sum.Stopped {
		m.cancelRetry()
	}

	m.finishRun(sum, "")
	m.bus.Publish(events.SyncComplete{
		Trigger:      trigger,
		SuccessCount: sum.SuccessCount,
		FailCount:    sum.FailCount,
		DeadCount:    sum.DeadCount,
		Stopped:      sum.Stopped,
		Remaining:    sum.Remaining,
	})
	m.logger.Info("sync: run complete", "trigger", string(trigger),
		"success", sum.SuccessCount, "failed", sum.FailCount, "dead", sum.DeadCount, "remaining", sum.Remaining)
	return sum, nil
}

// fail ends a run that cannot continue: the queue is unreadable or the
// client cannot reach any server.
func (m *Manager) fail(sum Summary, err error) error {
	m.logger.Error("sync: run failed", "trigger", string(sum.Trigger), "err", err)
	m.finishRun(sum, err.Error())
	m.bus.Publish(events.SyncError{Trigger: sum.Trigger, Err: err})
	return err
}

func (m *Manager) finishRun(sum Summary, errMsg string) {
	if m.opts.Runs == nil || sum.RunID == 0 {
		return
	}
	err := m.opts.Runs.FinishRun(models.SyncRun{
		ID:           sum.RunID,
		Trigger:      sum.Trigger,
		SuccessCount: sum.SuccessCount,
		FailCount:    sum.FailCount,
		DeadCount:    sum.DeadCount,
		Stopped:      sum.Stopped,
		Error:        errMsg,
	})
	if err != nil {
		m.logger.Warn("sync: record run finish", "run", sum.RunID, "err", err)
	}
}

type outcome int

const (
	delivered outcome = iota
	dead
	retryLater
	interrupted
	vanished
)

// deliver sends one item and records the result. A returned error means the
// queue itself could not be updated.
func (m *Manager) deliver(ctx context.Context, item models.QueueItem) (outcome, error) {
	if err := m.opts.Queue.UpdateItem(item.ID, models.PatchStatus(models.StatusSyncing)); err != nil {
		if errors.Is(err, db.ErrItemNotFound) {
			return vanished, nil
		}
		return 0, fmt.Errorf("mark item %d syncing: %w", item.ID, err)
	}

	endpoint, payload := item.Endpoint, item.Payload
	if m.opts.IDs != nil {
		out, err := entityref.Rewrite(item.Endpoint, item.Payload, m.opts.IDs.ResolveID)
		if err != nil {
			return 0, fmt.Errorf("resolve ids for item %d: %w", item.ID, err)
		}
		if len(out.Unresolved) > 0 {
			// The create this item depends on was never delivered.
			ie := &models.ItemError{
				Kind:    models.ErrorValidation,
				Message: fmt.Sprintf("depends on unsynced record %s", out.Unresolved[0]),
			}
			return dead, m.markDead(item, item.Attempts, ie)
		}
		endpoint, payload = out.Endpoint, out.Payload
	}

	callCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	data, err := m.opts.Requester.Do(callCtx, item.Method.HTTPVerb(), endpoint, payload)
	cancel()

	if err == nil {
		m.recordServerID(item, data)
		if err := m.opts.Queue.RemoveItem(item.ID); err != nil && !errors.Is(err, db.ErrItemNotFound) {
			return 0, fmt.Errorf("remove delivered item %d: %w", item.ID, err)
		}
		m.logger.Debug("sync: item delivered", "item", item.ID, "method", string(item.Method), "endpoint", endpoint)
		return delivered, nil
	}

	// Cancelled by Dispose or the caller: not the item's fault.
	if ctx.Err() != nil {
		if uerr := m.resetPending(item.ID); uerr != nil {
			return 0, uerr
		}
		return interrupted, nil
	}
	// The client cannot build any request. Every item would fail the same
	// way, so the run ends and the queue is left as it was.
	if errors.Is(err, apiclient.ErrBadBaseURL) {
		if uerr := m.resetPending(item.ID); uerr != nil {
			return 0, uerr
		}
		return 0, fmt.Errorf("deliver item %d: %w", item.ID, err)
	}

	attempts := item.Attempts + 1
	ie := apiclient.AsItemError(err)
	if ie.Kind != models.ErrorTransient {
		m.logger.Warn("sync: item rejected", "item", item.ID, "endpoint", endpoint, "err", err)
		return dead, m.markDead(item, attempts, ie)
	}
	if attempts >= m.opts.MaxAttempts {
		m.logger.Warn("sync: item gave up after retries", "item", item.ID, "attempts", attempts, "err", err)
		return dead, m.markDead(item, attempts, ie)
	}

	status := models.StatusFailedRetryable
	if uerr := m.opts.Queue.UpdateItem(item.ID, models.ItemPatch{Status: &status, Attempts: &attempts, LastError: ie}); uerr != nil {
		if errors.Is(uerr, db.ErrItemNotFound) {
			return vanished, nil
		}
		return 0, fmt.Errorf("mark item %d retryable: %w", item.ID, uerr)
	}
	m.logger.Debug("sync: item failed, will retry", "item", item.ID, "attempts", attempts, "err", err)
	return retryLater, nil
}

func (m *Manager) resetPending(id int64) error {
	err := m.opts.Queue.UpdateItem(id, models.PatchStatus(models.StatusPending))
	if err != nil && !errors.Is(err, db.ErrItemNotFound) {
		return fmt.Errorf("reset item %d: %w", id, err)
	}
	return nil
}

func (m *Manager) markDead(item models.QueueItem, attempts int, ie *models.ItemError) error {
	status := models.StatusDead
	err := m.opts.Queue.UpdateItem(item.ID, models.ItemPatch{Status: &status, Attempts: &attempts, LastError: ie})
	if err != nil && !errors.Is(err, db.ErrItemNotFound) {
		return fmt.Errorf("mark item %d dead: %w", item.ID, err)
	}
	return nil
}

func (m *Manager) recordServerID(item models.QueueItem, response json.RawMessage) {
	if m.opts.IDs == nil || item.Method != models.MethodCreate || !entityref.IsTemp(item.EntityRef) {
		return
	}
	serverID, ok := entityref.ServerID(response)
	if !ok {
		m.logger.Warn("sync: create response carried no id", "item", item.ID, "ref", item.EntityRef)
		return
	}
	if err := m.opts.IDs.RecordMapping(item.EntityRef, serverID); err != nil {
		m.logger.Error("sync: record id mapping", "ref", item.EntityRef, "server_id", serverID, "err", err)
	}
}

// goRun starts a background run owned by the manager.
func (m *Manager) goRun(trigger models.Trigger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.Sync(m.ctx, trigger)
	}()
}

func (m *Manager) tickLoop(interval time.Duration, stopCh <-chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if m.opts.Monitor != nil && !m.opts.Monitor.IsOnline() {
				continue
			}
			m.Sync(m.ctx, models.TriggerTimer)
		}
	}
}

// scheduleRetry arms a one-shot timer run after a retryable failure. It
// only applies once Init has started automatic runs.
func (m *Manager) scheduleRetry(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized || m.disposed {
		return
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	m.retryTimer = time.AfterFunc(delay, func() { m.goRun(models.TriggerTimer) })
	m.logger.Debug("sync: retry scheduled", "in", delay)
}

func (m *Manager) cancelRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}
