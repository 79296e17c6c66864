package lock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"maestro/internal/logging"
	"maestro/internal/metrics"
)

// TTL bounds. A requested TTL is clamped into [0, MaxTTL]; zero means the
// lease is reclaimable immediately.
const (
	DefaultTTL         = 5 * time.Minute
	MaxTTL             = time.Hour
	DefaultWaitTimeout = 30 * time.Second

	backoffStart = 100 * time.Millisecond
	backoffCap   = time.Second
)

// Store is the persistence port the manager drives. All state lives behind
// it; the manager itself is stateless in process.
type Store interface {
	AcquireLock(ctx context.Context, id, resourceType, resourceID, holder string, expiresAt *time.Time) (*Lock, error)
	ReleaseLock(ctx context.Context, id, holder string) (bool, error)
	GetLock(ctx context.Context, resourceType, resourceID string) (*Lock, error)
	LockByID(ctx context.Context, id string) (*Lock, error)
	LocksByHolder(ctx context.Context, holder string) ([]*Lock, error)
	AllLocks(ctx context.Context) ([]*Lock, error)
}

// Manager mediates leased exclusive access to application-defined resources.
type Manager struct {
	store   Store
	logger  logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	defaultTTL  time.Duration
	defaultWait time.Duration
}

// Option customises a Manager.
type Option func(*Manager)

// WithDefaultTTL sets the lease duration used when an Acquire call carries no
// explicit TTL.
func WithDefaultTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultTTL = d
		}
	}
}

// WithWaitTimeout sets how long waiting acquisitions poll by default.
func WithWaitTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultWait = d
		}
	}
}

// WithMetrics records acquisition outcomes (granted, contended, timeout).
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// NewManager creates a lock manager over the given store.
func NewManager(store Store, logger logging.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		logger:      logging.OrNop(logger),
		now:         func() time.Time { return time.Now().UTC() },
		defaultTTL:  DefaultTTL,
		defaultWait: DefaultWaitTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetClock overrides the time source, for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func (m *Manager) observe(result string) {
	if m.metrics == nil {
		return
	}
	m.metrics.LockAcquisition(result)
}

// acquireOptions collects per-call acquisition settings.
type acquireOptions struct {
	ttl         time.Duration
	wait        bool
	waitTimeout time.Duration
}

// AcquireOption customises an Acquire call.
type AcquireOption func(*acquireOptions)

// WithTTL requests a lease duration; values are clamped into [0, MaxTTL].
func WithTTL(ttl time.Duration) AcquireOption {
	return func(o *acquireOptions) {
		o.ttl = ttl
	}
}

// WithWait enables bounded waiting for a held resource. A non-positive
// timeout falls back to DefaultWaitTimeout.
func WithWait(timeout time.Duration) AcquireOption {
	return func(o *acquireOptions) {
		o.wait = true
		if timeout > 0 {
			o.waitTimeout = timeout
		}
	}
}

// Acquire claims (resourceType, resourceID) for holder. Without WithWait the
// call fails immediately with ErrAcquisitionFailed when the resource is held;
// with WithWait it polls under jittered exponential backoff until the lease
// frees or the wait deadline passes. Concurrent waiters are not served FIFO.
func (m *Manager) Acquire(ctx context.Context, resourceType, resourceID, holder string, opts ...AcquireOption) (*Lock, error) {
	o := acquireOptions{ttl: m.defaultTTL, waitTimeout: m.defaultWait}
	for _, opt := range opts {
		opt(&o)
	}
	ttl := clampTTL(o.ttl)

	attempt := func() (*Lock, error) {
		var expires *time.Time
		exp := m.now().Add(ttl)
		expires = &exp
		l, err := m.store.AcquireLock(ctx, uuid.NewString(), resourceType, resourceID, holder, expires)
		if err != nil {
			return nil, err
		}
		return l, nil
	}

	l, err := attempt()
	if err != nil {
		return nil, err
	}
	if l != nil {
		m.observe("granted")
		return l, nil
	}
	m.observe("contended")
	if !o.wait {
		return nil, fmt.Errorf("%s/%s held by another: %w", resourceType, resourceID, ErrAcquisitionFailed)
	}

	deadline := m.now().Add(o.waitTimeout)
	delay := backoffStart
	for {
		if m.now().After(deadline) {
			m.observe("timeout")
			return nil, fmt.Errorf("%s/%s wait timeout: %w", resourceType, resourceID, ErrAcquisitionFailed)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s/%s: %w: %v", resourceType, resourceID, ErrAcquisitionFailed, ctx.Err())
		case <-time.After(jitter(delay)):
		}
		l, err := attempt()
		if err != nil {
			return nil, err
		}
		if l != nil {
			m.observe("granted")
			return l, nil
		}
		if delay *= 2; delay > backoffCap {
			delay = backoffCap
		}
	}
}

// Release frees the lock. Only the current holder may release; a missing
// lock or holder mismatch fails with ErrNotHeld.
func (m *Manager) Release(ctx context.Context, lockID, holder string) error {
	ok, err := m.store.ReleaseLock(ctx, lockID, holder)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("lock %s by %s: %w", lockID, holder, ErrNotHeld)
	}
	return nil
}

// Extend lengthens the lease by added, authorized only for the current
// holder. Semantically a release-then-acquire with the same id: if the lease
// expires in the gap another holder may win, in which case Extend fails with
// ErrAcquisitionFailed.
func (m *Manager) Extend(ctx context.Context, lockID, holder string, added time.Duration) (*Lock, error) {
	current, err := m.store.LockByID(ctx, lockID)
	if err != nil {
		return nil, err
	}
	if current == nil || current.HolderID != holder {
		return nil, fmt.Errorf("lock %s by %s: %w", lockID, holder, ErrNotHeld)
	}

	base := m.now()
	if current.ExpiresAt != nil && current.ExpiresAt.After(base) {
		base = *current.ExpiresAt
	}
	expires := base.Add(added)

	if ok, err := m.store.ReleaseLock(ctx, lockID, holder); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("lock %s by %s: %w", lockID, holder, ErrNotHeld)
	}

	l, err := m.store.AcquireLock(ctx, lockID, current.ResourceType, current.ResourceID, holder, &expires)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, fmt.Errorf("%s/%s reacquire lost: %w", current.ResourceType, current.ResourceID, ErrAcquisitionFailed)
	}
	return l, nil
}

// Get returns the live lock on a resource, or nil. The expiry sweep runs
// first.
func (m *Manager) Get(ctx context.Context, resourceType, resourceID string) (*Lock, error) {
	return m.store.GetLock(ctx, resourceType, resourceID)
}

// LocksByHolder lists live locks held by holder.
func (m *Manager) LocksByHolder(ctx context.Context, holder string) ([]*Lock, error) {
	return m.store.LocksByHolder(ctx, holder)
}

// AllLocks lists every live lock.
func (m *Manager) AllLocks(ctx context.Context) ([]*Lock, error) {
	return m.store.AllLocks(ctx)
}

// Scope guarantees release on every exit path. Release is idempotent; when
// the lease already expired on its own the release is silently skipped.
type Scope struct {
	m    *Manager
	lock *Lock
	once sync.Once
}

// AcquireScoped acquires a lock and wraps it in a Scope. Typical use:
//
//	scope, err := mgr.AcquireScoped(ctx, "task", id, holder)
//	if err != nil { ... }
//	defer scope.Release(ctx)
func (m *Manager) AcquireScoped(ctx context.Context, resourceType, resourceID, holder string, opts ...AcquireOption) (*Scope, error) {
	l, err := m.Acquire(ctx, resourceType, resourceID, holder, opts...)
	if err != nil {
		return nil, err
	}
	return &Scope{m: m, lock: l}, nil
}

// Lock returns the underlying lease.
func (sc *Scope) Lock() *Lock {
	return sc.lock.Clone()
}

// Release frees the lease. Safe to call multiple times; expiry races are
// swallowed.
func (sc *Scope) Release(ctx context.Context) {
	sc.once.Do(func() {
		if err := sc.m.Release(ctx, sc.lock.ID, sc.lock.HolderID); err != nil {
			sc.m.logger.Debug("scoped release of %s/%s skipped: %v",
				sc.lock.ResourceType, sc.lock.ResourceID, err)
		}
	})
}

func clampTTL(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	if ttl > MaxTTL {
		return MaxTTL
	}
	return ttl
}

// jitter spreads concurrent waiters by ±20%.
func jitter(d time.Duration) time.Duration {
	spread := int64(d) / 5
	if spread <= 0 {
		return d
	}
	return d - time.Duration(spread/2) + time.Duration(rand.Int63n(spread))
}
