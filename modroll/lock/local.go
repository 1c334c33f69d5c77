// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package lock

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/modroll/modroll/modroll/structs"
)

// LocalLocker provides the lock contract within a single process. Suitable
// for single-replica deployments and dev mode; multi-replica installs need
// the postgres or redis backend.
type LocalLocker struct {
	logger hclog.Logger

	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocalLocker returns an in-process locker.
func NewLocalLocker(logger hclog.Logger) *LocalLocker {
	return &LocalLocker{
		logger: logger.Named("lock.local"),
		slots:  make(map[string]chan struct{}),
	}
}

func (l *LocalLocker) slot(resource string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[resource]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[resource] = s
	}
	return s
}

func (l *LocalLocker) Acquire(ctx context.Context, resource string, timeout time.Duration) (Handle, error) {
	s := l.slot(resource)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s <- struct{}{}:
		return &localHandle{locker: l, resource: resource, slot: s}, nil
	case <-timer.C:
		return nil, structs.ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type localHandle struct {
	locker   *LocalLocker
	resource string
	slot     chan struct{}

	once     sync.Once
	released bool
	mu       sync.Mutex
}

func (h *localHandle) Release() {
	h.once.Do(func() {
		<-h.slot
		h.mu.Lock()
		h.released = true
		h.mu.Unlock()
	})
}

func (h *localHandle) Held() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.released
}

func (h *localHandle) Resource() string { return h.resource }
