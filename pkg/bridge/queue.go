// Copyright 2024-2026 The discord-bridge authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
)

var (
	// ErrShuttingDown is returned by Dispatch once the queue has processed
	// its close sentinel.
	ErrShuttingDown = errors.New("application is shutting down")
	// ErrQueueFull is returned by Dispatch when the backlog is full.
	ErrQueueFull = errors.New("event queue is full")
)

// EventKind distinguishes the work items flowing through the queue.
type EventKind int

const (
	// KindClose is the sentinel that drains and stops the queue.
	KindClose EventKind = iota
	// KindMemberEvent is a stripped room member event (e.g. an invite).
	KindMemberEvent
	// KindMessageEvent is a room message event.
	KindMessageEvent
)

// QueueEvent is one unit of work enqueued by protocol callbacks.
type QueueEvent struct {
	Kind EventKind
	Evt  *event.Event
}

// EventHandler processes dequeued events. Handler errors are reported and
// do not stop the queue.
type EventHandler interface {
	HandleEvent(ctx context.Context, evt QueueEvent) error
}

// ErrorReporter receives handler failures for external monitoring.
type ErrorReporter interface {
	ReportError(err error)
}

// queueBacklog bounds how many events can wait between the protocol
// callback and the supervisor. Callbacks never block on a full queue; they
// get ErrQueueFull instead.
const queueBacklog = 1024

// Queue decouples protocol callbacks from handler work. Events are
// dequeued in enqueue order by a single supervisor, which spawns one
// goroutine per event; completion order is therefore not guaranteed, only
// initiation order.
type Queue struct {
	log      zerolog.Logger
	handler  EventHandler
	events   chan QueueEvent
	closed   atomic.Bool
	handlers sync.WaitGroup
	done     chan struct{}

	// Reporter, if set, receives handler errors in addition to logging.
	Reporter ErrorReporter
}

// NewQueue creates a queue that feeds events to the given handler.
func NewQueue(log zerolog.Logger, handler EventHandler) *Queue {
	return &Queue{
		log:     log.With().Str("component", "queue").Logger(),
		handler: handler,
		events:  make(chan QueueEvent, queueBacklog),
		done:    make(chan struct{}),
	}
}

// Dispatch enqueues an event without blocking. It fails with
// ErrShuttingDown after the close sentinel has been processed and with
// ErrQueueFull when the backlog is full.
func (q *Queue) Dispatch(evt QueueEvent) error {
	if q.closed.Load() {
		return ErrShuttingDown
	}
	select {
	case q.events <- evt:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close enqueues the close sentinel. Unlike Dispatch it blocks on a full
// backlog until the supervisor makes room, so shutdown always drains the
// queue. Events dispatched after the sentinel is processed are rejected;
// events already behind the sentinel in the backlog are never executed.
func (q *Queue) Close() error {
	if q.closed.Load() {
		return ErrShuttingDown
	}
	select {
	case q.events <- QueueEvent{Kind: KindClose}:
		return nil
	case <-q.done:
		return ErrShuttingDown
	}
}

// Run is the supervisor loop. It returns once the close sentinel has been
// dequeued and every in-flight handler has finished. A handler failure or
// panic is reported and the loop keeps going; nothing a handler does can
// stop the queue.
func (q *Queue) Run(ctx context.Context) {
	defer close(q.done)
	for evt := range q.events {
		if evt.Kind == KindClose {
			q.log.Debug().Msg("Closing queue")
			q.closed.Store(true)
			break
		}
		q.handlers.Add(1)
		go q.runHandler(ctx, evt)
	}
	q.handlers.Wait()
	q.log.Info().Msg("Shutting down queue runner")
}

func (q *Queue) runHandler(ctx context.Context, evt QueueEvent) {
	defer q.handlers.Done()
	defer func() {
		if panicErr := recover(); panicErr != nil {
			q.log.Error().
				Any("panic", panicErr).
				Bytes("stack", debug.Stack()).
				Msg("Event handler panicked")
			q.report(fmt.Errorf("event handler panicked: %v", panicErr))
		}
	}()
	if err := q.handler.HandleEvent(ctx, evt); err != nil {
		q.log.Error().Err(err).Int("kind", int(evt.Kind)).Msg("Event handler failed")
		q.report(err)
	}
}

func (q *Queue) report(err error) {
	if q.Reporter != nil {
		q.Reporter.ReportError(err)
	}
}

// Wait blocks until the supervisor loop has exited.
func (q *Queue) Wait() {
	<-q.done
}
