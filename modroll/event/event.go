// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package event names the observability events the pipeline emits and
// defines the sink they are delivered to. Export off-process is someone
// else's problem; the default sink is the agent log.
package event

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Event names emitted by the pipeline. Stage events substitute the stage
// name, e.g. "deployment.stage.validating.started".
const (
	DeploymentStarted   = "deployment.started"
	DeploymentSucceeded = "deployment.succeeded"
	DeploymentFailed    = "deployment.failed"
	DeploymentCancelled = "deployment.cancelled"

	RollbackStarted   = "deployment.rollback.started"
	RollbackCompleted = "deployment.rollback.completed"

	ApprovalRequested = "approval.requested"
	ApprovalGranted   = "approval.granted"
	ApprovalRejected  = "approval.rejected"
	ApprovalExpired   = "approval.expired"
)

// Stage builds a stage-scoped event name such as
// "deployment.stage.rolling.succeeded".
func Stage(stage, outcome string) string {
	return "deployment.stage." + stage + "." + outcome
}

// Event is one named occurrence with its payload.
type Event struct {
	Name    string
	Time    time.Time
	Payload map[string]interface{}
}

// Emitter delivers named events to an observability sink. Implementations
// must be safe for concurrent use and must not block the pipeline.
type Emitter interface {
	Emit(name string, payload map[string]interface{})
}

// LogEmitter writes events to an hclog logger.
type LogEmitter struct {
	logger hclog.Logger
}

// NewLogEmitter returns an emitter backed by logger.
func NewLogEmitter(logger hclog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger.Named("event")}
}

func (e *LogEmitter) Emit(name string, payload map[string]interface{}) {
	args := make([]interface{}, 0, 2*len(payload)+2)
	args = append(args, "event", name)
	for k, v := range payload {
		args = append(args, k, v)
	}
	e.logger.Info("emit", args...)
}

// CaptureEmitter records events in memory for tests.
type CaptureEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (e *CaptureEmitter) Emit(name string, payload map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, Event{Name: name, Time: time.Now(), Payload: payload})
}

// Events returns a snapshot of the captured events.
func (e *CaptureEmitter) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Event(nil), e.events...)
}

// Names returns the captured event names in order.
func (e *CaptureEmitter) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, len(e.events))
	for i, ev := range e.events {
		names[i] = ev.Name
	}
	return names
}

// Has reports whether an event with the given name was captured.
func (e *CaptureEmitter) Has(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.events {
		if ev.Name == name {
			return true
		}
	}
	return false
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

func (NoopEmitter) Emit(string, map[string]interface{}) {}
