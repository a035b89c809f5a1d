package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ncobase/guardrail/config"
	"github.com/ncobase/guardrail/ctxutil"
	"github.com/ncobase/guardrail/logging/logger"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

const (
	defaultBufferSize     = 1024
	defaultDeliverTimeout = 5 * time.Second
)

type guardedSink struct {
	sink Sink
	cb   *gobreaker.CircuitBreaker
}

// Emitter fans each record out to every sink from a background worker.
// A sink whose breaker is open is skipped until the breaker half-opens.
type Emitter struct {
	sinks   []*guardedSink
	queue   chan Record
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	dropped  int64
	failures int64
	statsMu  sync.Mutex
}

// Option configures an Emitter
type Option func(*emitterOptions)

type emitterOptions struct {
	bufferSize     int
	deliverTimeout time.Duration
	breakerTrips   uint32
	breakerTimeout time.Duration
}

// WithBufferSize sets the queue length; records beyond it are dropped
func WithBufferSize(n int) Option {
	return func(o *emitterOptions) { o.bufferSize = n }
}

// WithDeliverTimeout bounds each sink write
func WithDeliverTimeout(d time.Duration) Option {
	return func(o *emitterOptions) { o.deliverTimeout = d }
}

// WithBreaker sets consecutive failures before a sink trips and how long it stays open
func WithBreaker(trips uint32, open time.Duration) Option {
	return func(o *emitterOptions) {
		o.breakerTrips = trips
		o.breakerTimeout = open
	}
}

// NewEmitter starts an emitter delivering to sinks
func NewEmitter(sinks []Sink, opts ...Option) *Emitter {
	o := emitterOptions{
		bufferSize:     defaultBufferSize,
		deliverTimeout: defaultDeliverTimeout,
		breakerTrips:   5,
		breakerTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.bufferSize <= 0 {
		o.bufferSize = defaultBufferSize
	}
	if o.deliverTimeout <= 0 {
		o.deliverTimeout = defaultDeliverTimeout
	}

	e := &Emitter{
		queue:   make(chan Record, o.bufferSize),
		timeout: o.deliverTimeout,
		done:    make(chan struct{}),
	}
	for _, s := range sinks {
		trips := o.breakerTrips
		e.sinks = append(e.sinks, &guardedSink{
			sink: s,
			cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        "audit:" + s.Name(),
				MaxRequests: 1,
				Timeout:     o.breakerTimeout,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return trips > 0 && counts.ConsecutiveFailures >= trips
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					logger.Warnf(context.Background(), "audit sink %s breaker %s -> %s", name, from, to)
				},
			}),
		})
	}

	go e.run()
	return e
}

// NewFromConfig builds the sinks named in cfg and starts an emitter
func NewFromConfig(cfg *config.Audit) (*Emitter, error) {
	var sinks []Sink
	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}
	for _, name := range cfg.Sinks {
		switch name {
		case "log":
			sinks = append(sinks, NewLogSink())
		case "bolt":
			s, err := NewBoltSink(cfg.BoltPath)
			if err != nil {
				closeAll()
				return nil, err
			}
			sinks = append(sinks, s)
		case "redis":
			client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			sinks = append(sinks, NewRedisSink(client, cfg.RedisStream))
		case "kafka":
			s, err := NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
			if err != nil {
				closeAll()
				return nil, err
			}
			sinks = append(sinks, s)
		default:
			closeAll()
			return nil, fmt.Errorf("unsupported audit sink: %s", name)
		}
	}
	return NewEmitter(sinks,
		WithBufferSize(cfg.BufferSize),
		WithDeliverTimeout(cfg.DeliverTimeout),
		WithBreaker(cfg.BreakerTrips, cfg.BreakerTimeout),
	), nil
}

// EmitAuditEvent queues rec for delivery without blocking the caller
func (e *Emitter) EmitAuditEvent(ctx context.Context, rec Record) {
	if rec.ID == "" {
		fresh := NewRecord()
		rec.ID, rec.Time = fresh.ID, fresh.Time
	}
	if rec.TraceID == "" {
		rec.TraceID = ctxutil.GetTraceID(ctx)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.countDrop()
		return
	}
	select {
	case e.queue <- rec:
	default:
		e.countDrop()
		logger.Warnf(ctx, "audit queue full, dropping record %s", rec.ID)
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	for rec := range e.queue {
		e.deliver(rec)
	}
}

func (e *Emitter) deliver(rec Record) {
	for _, g := range e.sinks {
		_, err := g.cb.Execute(func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
			defer cancel()
			return nil, g.sink.Write(ctx, rec)
		})
		if err != nil {
			e.statsMu.Lock()
			e.failures++
			e.statsMu.Unlock()
			if !errors.Is(err, gobreaker.ErrOpenState) {
				logger.Errorf(context.Background(), "audit sink %s: %v", g.sink.Name(), err)
			}
		}
	}
}

func (e *Emitter) countDrop() {
	e.statsMu.Lock()
	e.dropped++
	e.statsMu.Unlock()
}

// Stats returns the number of dropped records and failed sink writes
func (e *Emitter) Stats() (dropped, failures int64) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.dropped, e.failures
}

// Close drains queued records, then closes every sink
func (e *Emitter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	<-e.done

	var errs []error
	for _, g := range e.sinks {
		if err := g.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", g.sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}
