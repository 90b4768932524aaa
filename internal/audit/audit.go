// Package audit delivers business events to an audit sink without ever
// blocking or failing the transaction that produced them.
package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Event struct {
	Action     string         `json:"action"`
	ActorID    string         `json:"actorId"`
	TargetType string         `json:"targetType"`
	TargetID   string         `json:"targetId"`
	Details    map[string]any `json:"details,omitempty"`
	At         time.Time      `json:"at"`
}

// Emitter is fire-and-forget: Emit returns immediately and reports nothing.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// Sink is where events end up. Sinks may block and may fail.
type Sink interface {
	Write(ctx context.Context, event Event) error
}

type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, Event) {}

type Options struct {
	Buffer       int
	Workers      int
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

// AsyncEmitter queues events on a bounded channel drained by a fixed worker pool.
// A full queue drops the event; the business transaction has already committed.
type AsyncEmitter struct {
	sink    Sink
	events  chan Event
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
	failed  atomic.Int64
}

func NewAsyncEmitter(sink Sink, opts Options) *AsyncEmitter {
	if opts.Buffer < 1 {
		opts.Buffer = 1024
	}
	if opts.Workers < 1 {
		opts.Workers = 2
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	e := &AsyncEmitter{
		sink:    sink,
		events:  make(chan Event, opts.Buffer),
		timeout: opts.WriteTimeout,
		logger:  opts.Logger.Named("audit"),
	}
	for i := 0; i < opts.Workers; i++ {
		e.wg.Add(1)
		go e.workerLoop()
	}
	return e
}

func (e *AsyncEmitter) Emit(_ context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.dropped.Add(1)
		return
	}

	select {
	case e.events <- event:
	default:
		e.dropped.Add(1)
		e.logger.Warn("audit queue full, dropping event",
			zap.String("action", event.Action),
			zap.String("target", event.TargetType+"/"+event.TargetID),
		)
	}
}

func (e *AsyncEmitter) workerLoop() {
	defer e.wg.Done()
	for event := range e.events {
		// Detached from the request: the request is usually finished by now.
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		err := e.sink.Write(ctx, event)
		cancel()
		if err != nil {
			e.failed.Add(1)
			e.logger.Warn("audit write failed",
				zap.String("action", event.Action),
				zap.String("target", event.TargetType+"/"+event.TargetID),
				zap.Error(err),
			)
		}
	}
}

// Close stops accepting events and waits for queued ones to be written, or for ctx.
func (e *AsyncEmitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *AsyncEmitter) Dropped() int64 { return e.dropped.Load() }

func (e *AsyncEmitter) Failed() int64 { return e.failed.Load() }

// MultiSink writes to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Write(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Write(_ context.Context, event Event) error {
	s.Logger.Info("audit",
		zap.String("action", event.Action),
		zap.String("actor", event.ActorID),
		zap.String("target_type", event.TargetType),
		zap.String("target_id", event.TargetID),
		zap.Any("details", event.Details),
		zap.Time("at", event.At),
	)
	return nil
}
