// Package lock provides leased exclusive locks on arbitrary
// (resource_type, resource_id) tuples, backed by the store.
//
// The manager keeps no state in process: mutual exclusion is enforced by the
// store's uniqueness invariant, and lease expiry is the recovery mechanism
// for holders that die without releasing.
package lock

import (
	"errors"
	"time"
)

// Sentinel errors surfaced by the manager.
var (
	// ErrAcquisitionFailed indicates the resource is held by another holder
	// or the wait deadline elapsed.
	ErrAcquisitionFailed = errors.New("lock acquisition failed")

	// ErrNotHeld indicates a release or extend by someone other than the
	// current holder, or on a lock that no longer exists.
	ErrNotHeld = errors.New("lock not held")
)

// Lock is a leased claim on a resource. A nil ExpiresAt means the lease
// never expires on its own.
type Lock struct {
	ID           string     `json:"id"`
	ResourceType string     `json:"resource_type"`
	ResourceID   string     `json:"resource_id"`
	HolderID     string     `json:"holder_id"`
	AcquiredAt   time.Time  `json:"acquired_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the lease has passed at the given instant.
func (l *Lock) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}

// Clone returns a copy of the lock.
func (l *Lock) Clone() *Lock {
	if l == nil {
		return nil
	}
	out := *l
	if l.ExpiresAt != nil {
		exp := *l.ExpiresAt
		out.ExpiresAt = &exp
	}
	return &out
}
