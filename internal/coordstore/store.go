// Package coordstore defines the coordination store contract that mediates
// all cross-process state: named lists with an atomic pop-and-push, hashes,
// sets, and optional key expiry. Workers never share in-process locks; every
// coordination primitive goes through a Store implementation.
package coordstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned by PopPush when no entry became available within
// the caller-supplied timeout. It is a signal, not a failure.
var ErrTimeout = errors.New("coordstore: pop timed out")

// TransientError wraps a store-layer error that is safe to retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient store error in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Store is the coordination store port. Implementations must make each
// method atomic with respect to concurrent callers; PopPush is the only
// method that may block, and only up to its timeout.
type Store interface {
	// PushTail appends value to the tail of the named list.
	PushTail(ctx context.Context, list, value string) error
	// PushHead prepends value to the head of the named list.
	PushHead(ctx context.Context, list, value string) error
	// PopPush atomically removes the head of src and appends it to the tail
	// of dst, blocking up to timeout for an entry to appear. A timeout <= 0
	// means a single non-blocking attempt. Returns ErrTimeout when nothing
	// became available.
	PopPush(ctx context.Context, src, dst string, timeout time.Duration) (string, error)
	// Remove deletes the first occurrence of value from the named list.
	// Returns false when the value was not present.
	Remove(ctx context.Context, list, value string) (bool, error)
	// Range returns all entries of the named list in order, head first.
	Range(ctx context.Context, list string) ([]string, error)
	// Len returns the number of entries in the named list.
	Len(ctx context.Context, list string) (int, error)

	// HSet writes a hash field.
	HSet(ctx context.Context, key, field, value string) error
	// HSetNX writes a hash field only if it does not already exist.
	// Returns false when the field was already present.
	HSetNX(ctx context.Context, key, field, value string) (bool, error)
	// HGet reads a hash field. The second return is false when absent.
	HGet(ctx context.Context, key, field string) (string, bool, error)
	// HDel removes a hash field. Missing fields are not an error.
	HDel(ctx context.Context, key, field string) error
	// HGetAll returns every field of a hash. Missing hashes yield an empty map.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HIncr atomically increments an integer-valued hash field and returns
	// the new value. Absent fields start at zero.
	HIncr(ctx context.Context, key, field string) (int64, error)

	// SAdd adds a member to a set. Adding an existing member is a no-op.
	SAdd(ctx context.Context, key, member string) error
	// SRem removes a member from a set. Missing members are not an error.
	SRem(ctx context.Context, key, member string) error
	// SIsMember reports set membership.
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// Expire schedules the key (list, hash, or set) to be dropped after ttl.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Close() error
}
