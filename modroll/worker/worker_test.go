// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package worker

import (
	"context"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/modroll/modroll/ci"
	"github.com/modroll/modroll/helper/testlog"
	"github.com/modroll/modroll/modroll/approval"
	"github.com/modroll/modroll/modroll/cluster"
	"github.com/modroll/modroll/modroll/event"
	"github.com/modroll/modroll/modroll/idempotency"
	"github.com/modroll/modroll/modroll/lock"
	"github.com/modroll/modroll/modroll/mock"
	"github.com/modroll/modroll/modroll/orchestrator"
	"github.com/modroll/modroll/modroll/state"
	"github.com/modroll/modroll/modroll/strategy"
	"github.com/modroll/modroll/modroll/structs"
	"github.com/modroll/modroll/modroll/tracker"
	"github.com/modroll/modroll/testutil"
)

type harness struct {
	worker *Worker
	store  state.Store
	locker lock.Locker
	nodes  []*mock.Node
}

// ctxStore refuses writes on a cancelled context, the way a database-backed
// store does.
type ctxStore struct {
	state.Store
}

func (s *ctxStore) CompleteJob(ctx context.Context, executionID, instance string, status structs.JobStatus, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.CompleteJob(ctx, executionID, instance, status, errMsg)
}

func (s *ctxStore) FailJob(ctx context.Context, executionID, instance string, errMsg string, nextRetryAt *time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.FailJob(ctx, executionID, instance, errMsg, nextRetryAt)
}

func newHarness(t *testing.T, nodeCount int) *harness {
	return newHarnessStore(t, nodeCount, state.NewInmemStore())
}

func newHarnessStore(t *testing.T, nodeCount int, store state.Store) *harness {
	t.Helper()
	logger := testlog.HCLogger(t)

	nodes := mock.Nodes(nodeCount, structs.EnvDevelopment)
	registry := cluster.NewRegistry()
	registry.Register(mock.Cluster(structs.EnvDevelopment, nodes))

	scfg := strategy.DefaultConfig()
	scfg.HealthCheckDelay = time.Millisecond
	events := event.NoopEmitter{}
	strategies, err := strategy.NewSet(scfg, nil, nil, events, logger)
	must.NoError(t, err)

	locker := lock.NewLocalLocker(logger)

	ocfg := orchestrator.DefaultConfig()
	ocfg.AcquireTimeout = 50 * time.Millisecond
	orch := orchestrator.New(ocfg, registry, tracker.New(logger), locker,
		approval.NewService(store, events, logger),
		idempotency.NewMemoryStore(0), strategies, store, events, logger)

	wcfg := DefaultConfig()
	wcfg.PollInterval = 10 * time.Millisecond
	wcfg.Instance = "test-worker"

	return &harness{
		worker: New(wcfg, store, orch, logger),
		store:  store,
		locker: locker,
		nodes:  nodes,
	}
}

func TestWorker_ProcessesJobToSuccess(t *testing.T) {
	ci.Parallel(t)

	h := newHarness(t, 3)
	ctx := context.Background()

	job := mock.Job(mock.DeploymentRequest())
	must.NoError(t, h.store.EnqueueJob(ctx, job))

	h.worker.runCycle(ctx)

	got, err := h.store.GetJob(ctx, job.DeploymentID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusSucceeded, got.Status)
	must.NotNil(t, got.CompletedAt)
	for _, n := range h.nodes {
		v, _ := n.Version("auth")
		must.Eq(t, "1.0.0", v)
	}
}

func TestWorker_RetryableFailureSchedulesBackoff(t *testing.T) {
	ci.Parallel(t)

	h := newHarness(t, 3)
	ctx := context.Background()

	job := mock.Job(mock.DeploymentRequest())
	must.NoError(t, h.store.EnqueueJob(ctx, job))

	// Hold the deployment lock so the pipeline fails with a retryable
	// timeout.
	handle, err := h.locker.Acquire(ctx, job.Payload.LockResource(), time.Second)
	must.NoError(t, err)
	defer handle.Release()

	h.worker.runCycle(ctx)

	got, err := h.store.GetJob(ctx, job.DeploymentID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusFailed, got.Status)
	must.Eq(t, 1, got.RetryCount)
	must.Nil(t, got.CompletedAt)
	must.NotNil(t, got.NextRetryAt)

	// First retry backs off two minutes.
	wait := time.Until(*got.NextRetryAt)
	must.True(t, wait > time.Minute)
	must.True(t, wait <= 2*time.Minute)
}

func TestWorker_RetriesExhausted(t *testing.T) {
	ci.Parallel(t)

	h := newHarness(t, 3)
	ctx := context.Background()

	job := mock.Job(mock.DeploymentRequest())
	job.MaxRetries = 1
	must.NoError(t, h.store.EnqueueJob(ctx, job))

	handle, err := h.locker.Acquire(ctx, job.Payload.LockResource(), time.Second)
	must.NoError(t, err)
	defer handle.Release()

	h.worker.runCycle(ctx)

	got, err := h.store.GetJob(ctx, job.DeploymentID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusFailed, got.Status)
	must.NotNil(t, got.CompletedAt)
	must.Nil(t, got.NextRetryAt)

	// The row never becomes runnable again.
	claimed, err := h.store.ClaimJobs(ctx, "other", 10, time.Minute)
	must.NoError(t, err)
	must.Len(t, 0, claimed)
}

func TestWorker_PermanentFailureDoesNotRetry(t *testing.T) {
	ci.Parallel(t)

	h := newHarness(t, 3)
	h.nodes[0].FailDeploy = true
	ctx := context.Background()

	job := mock.Job(mock.DeploymentRequest())
	must.NoError(t, h.store.EnqueueJob(ctx, job))

	h.worker.runCycle(ctx)

	got, err := h.store.GetJob(ctx, job.DeploymentID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusFailed, got.Status)
	must.NotNil(t, got.CompletedAt)
	must.Nil(t, got.NextRetryAt)
	must.StrContains(t, got.ErrorMessage, "strategy failure")
}

func TestWorker_CancelledPipeline(t *testing.T) {
	ci.Parallel(t)

	// The store refuses writes on a cancelled context, like postgres would.
	// The run context is cancelled before the pipeline finishes, yet the
	// terminal transition must still land; a row stuck in running would be
	// re-queued by the orphan sweep after the pipeline already concluded.
	h := newHarnessStore(t, 3, &ctxStore{Store: state.NewInmemStore()})
	ctx, cancel := context.WithCancel(context.Background())

	job := mock.Job(mock.DeploymentRequest())
	must.NoError(t, h.store.EnqueueJob(ctx, job))

	cancel()
	h.worker.runCycle(ctx)

	got, err := h.store.GetJob(context.Background(), job.DeploymentID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusCancelled, got.Status)
	must.NotNil(t, got.CompletedAt)
}

func TestWorker_RecoversOrphanedLease(t *testing.T) {
	ci.Parallel(t)

	h := newHarness(t, 3)
	ctx := context.Background()

	job := mock.Job(mock.DeploymentRequest())
	must.NoError(t, h.store.EnqueueJob(ctx, job))

	// A dead replica claimed the row and never came back.
	claimed, err := h.store.ClaimJobs(ctx, "dead-replica", 1, -time.Second)
	must.NoError(t, err)
	must.Len(t, 1, claimed)

	h.worker.runCycle(ctx)

	got, err := h.store.GetJob(ctx, job.DeploymentID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusFailed, got.Status)
	must.Eq(t, state.OrphanedLeaseError, got.ErrorMessage)
	must.Eq(t, 1, got.RetryCount)
	// The recovered row waits out its backoff before the next attempt.
	must.NotNil(t, got.NextRetryAt)
}

func TestWorker_PanicBecomesRetryableFailure(t *testing.T) {
	ci.Parallel(t)

	h := newHarness(t, 3)
	ctx := context.Background()

	// A corrupt row without a payload panics inside the pipeline; the
	// processor must absorb it and schedule a retry.
	job := &structs.DeploymentJob{
		DeploymentID: "corrupt-row",
		Status:       structs.JobStatusPending,
		CreatedAt:    time.Now(),
		MaxRetries:   3,
	}
	must.NoError(t, h.store.EnqueueJob(ctx, job))

	h.worker.runCycle(ctx)

	got, err := h.store.GetJob(ctx, job.DeploymentID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusFailed, got.Status)
	must.Eq(t, 1, got.RetryCount)
	must.NotNil(t, got.NextRetryAt)
	must.StrContains(t, got.ErrorMessage, "panic")
}

func TestWorker_RunAndStop(t *testing.T) {
	ci.Parallel(t)

	h := newHarness(t, 3)
	ctx := context.Background()

	go h.worker.Run(ctx)
	defer h.worker.Stop()

	job := mock.Job(mock.DeploymentRequest())
	must.NoError(t, h.store.EnqueueJob(ctx, job))

	testutil.WaitForResult(func() (bool, error) {
		got, err := h.store.GetJob(ctx, job.DeploymentID)
		if err != nil {
			return false, err
		}
		return got.Status == structs.JobStatusSucceeded, nil
	}, func(err error) {
		t.Fatalf("job never processed: %v", err)
	})
}
