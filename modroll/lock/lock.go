// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package lock provides leased mutual exclusion on a named resource across
// orchestrator replicas. Three backends satisfy the one contract: postgres
// advisory locks, redis set-if-absent, and an in-process locker for
// single-replica deployments. All backends are self-expiring so a crashed
// holder cannot wedge the system.
package lock

import (
	"context"
	"time"
)

// Handle is a held lock. Release is idempotent and best-effort; backend-side
// expiry is the safety net. Releasing an already-expired lock logs, never
// fails.
type Handle interface {
	// Release gives the lock up.
	Release()

	// Held reports whether this handle still believes it owns the lock.
	Held() bool

	// Resource returns the locked resource name.
	Resource() string
}

// Locker acquires locks. Acquire blocks up to timeout waiting for the
// resource; structs.ErrLockTimeout is returned when it could not be acquired
// in time. Any other error is a backend failure.
type Locker interface {
	Acquire(ctx context.Context, resource string, timeout time.Duration) (Handle, error)
}
