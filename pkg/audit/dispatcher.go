package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apathy-ca/sark-sub005/pkg/breaker"
)

const (
	DefaultQueueSize     = 1024
	DefaultWorkers       = 2
	DefaultRetryCapacity = 256
	DefaultMaxAttempts   = 5
	DefaultFlushInterval = 5 * time.Second
	DefaultWriteTimeout  = 5 * time.Second
)

// Reasons passed to OnDropped.
const (
	DropQueueFull = "queue_full"
	DropRetryFull = "retry_full"
	DropExhausted = "retries_exhausted"
	DropClosed    = "closed"
)

type DispatcherOptions struct {
	QueueSize     int
	Workers       int
	RetryCapacity int
	MaxAttempts   int
	FlushInterval time.Duration
	// Breaker guards the sink. When nil one is built with DefaultWriteTimeout
	// per write and the breaker package defaults otherwise.
	Breaker *breaker.Breaker
	Logger  *slog.Logger

	OnDelivered func(sink string)
	OnDropped   func(sink, reason string)
	OnFailed    func(sink string, err error)
}

type DispatcherStats struct {
	Emitted   uint64 `json:"emitted"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Queued    int    `json:"queued"`
	Retrying  int    `json:"retrying"`
}

type pending struct {
	event    Event
	attempts int
}

// Dispatcher delivers events to one sink from background workers. Emit
// never blocks: a full queue drops the event. Failed writes wait in a
// bounded retry buffer that is re-attempted every FlushInterval.
type Dispatcher struct {
	sink Sink
	br   *breaker.Breaker
	opts DispatcherOptions
	log  *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Event

	retryMu sync.Mutex
	retry   []pending

	ctx       context.Context
	cancel    context.CancelFunc
	workers   sync.WaitGroup
	flushStop chan struct{}
	flushDone chan struct{}
	closeOnce sync.Once
	closeErr  error

	emitted   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

func NewDispatcher(sink Sink, opts DispatcherOptions) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.RetryCapacity <= 0 {
		opts.RetryCapacity = DefaultRetryCapacity
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	br := opts.Breaker
	if br == nil {
		br = breaker.New(breaker.Config{Name: "audit-" + sink.Name(), Timeout: DefaultWriteTimeout})
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		sink:      sink,
		br:        br,
		opts:      opts,
		log:       logger.With("component", "audit", "sink", sink.Name()),
		queue:     make(chan Event, opts.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		flushStop: make(chan struct{}),
		flushDone: make(chan struct{}),
	}
	for i := 0; i < opts.Workers; i++ {
		d.workers.Add(1)
		go d.work()
	}
	go d.flushLoop()
	return d
}

func (d *Dispatcher) Breaker() *breaker.Breaker { return d.br }

func (d *Dispatcher) Emit(e Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(e, DropClosed)
		return
	}
	select {
	case d.queue <- e:
		d.emitted.Add(1)
	default:
		d.drop(e, DropQueueFull)
	}
}

func (d *Dispatcher) drop(e Event, reason string) {
	d.dropped.Add(1)
	d.log.Warn("audit event dropped", "event_id", e.ID, "reason", reason)
	if d.opts.OnDropped != nil {
		d.opts.OnDropped(d.sink.Name(), reason)
	}
}

func (d *Dispatcher) work() {
	defer d.workers.Done()
	for e := range d.queue {
		_ = d.deliver(pending{event: e})
	}
}

// deliver writes one event through the breaker and parks it for retry on
// failure. A panicking sink counts as a failed write. Rejections by an open breaker do not use up an attempt.
func (d *Dispatcher) deliver(p pending) error {
	err := d.br.Execute(d.ctx, func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("audit sink panicked", "event_id", p.event.ID, "panic", r)
				err = fmt.Errorf("audit sink %s panicked: %v", d.sink.Name(), r)
			}
		}()
		return d.sink.Write(ctx, p.event)
	})
	if err == nil {
		d.delivered.Add(1)
		if d.opts.OnDelivered != nil {
			d.opts.OnDelivered(d.sink.Name())
		}
		return nil
	}
	d.failed.Add(1)
	if d.opts.OnFailed != nil {
		d.opts.OnFailed(d.sink.Name(), err)
	}
	if !errors.Is(err, breaker.ErrOpen) {
		p.attempts++
		d.log.Warn("audit delivery failed", "event_id", p.event.ID, "attempt", p.attempts, "error", err)
	}
	d.requeue(p)
	return err
}

func (d *Dispatcher) requeue(p pending) {
	if p.attempts >= d.opts.MaxAttempts {
		d.drop(p.event, DropExhausted)
		return
	}
	d.retryMu.Lock()
	if len(d.retry) >= d.opts.RetryCapacity {
		d.retryMu.Unlock()
		d.drop(p.event, DropRetryFull)
		return
	}
	d.retry = append(d.retry, p)
	d.retryMu.Unlock()
}

func (d *Dispatcher) flushLoop() {
	defer close(d.flushDone)
	t := time.NewTicker(d.opts.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-d.flushStop:
			return
		case <-t.C:
			d.Flush()
		}
	}
}

// Flush re-attempts parked events and returns how many were delivered. It
// stops early while the breaker is open.
func (d *Dispatcher) Flush() int {
	d.retryMu.Lock()
	batch := d.retry
	d.retry = nil
	d.retryMu.Unlock()

	delivered := 0
	for i, p := range batch {
		err := d.deliver(p)
		if err == nil {
			delivered++
			continue
		}
		if errors.Is(err, breaker.ErrOpen) {
			for _, rest := range batch[i+1:] {
				d.requeue(rest)
			}
			break
		}
	}
	return delivered
}

// Close stops accepting events, drains the queue and makes a final pass
// over the retry buffer, all bounded by ctx. Events still undelivered when
// Close returns are reported in the error.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.closeErr = d.close(ctx)
	})
	return d.closeErr
}

func (d *Dispatcher) close(ctx context.Context) error {
	defer d.cancel()
	d.mu.Lock()
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	close(d.flushStop)

	done := make(chan struct{})
	go func() {
		d.workers.Wait()
		<-d.flushDone
		d.Flush()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.cancel()
		return fmt.Errorf("audit %s: drain: %w", d.sink.Name(), ctx.Err())
	}

	d.retryMu.Lock()
	left := d.retry
	d.retry = nil
	d.retryMu.Unlock()
	for _, p := range left {
		d.drop(p.event, DropClosed)
	}
	if len(left) > 0 {
		return fmt.Errorf("audit %s: %d events undelivered", d.sink.Name(), len(left))
	}
	return nil
}

func (d *Dispatcher) Stats() DispatcherStats {
	d.retryMu.Lock()
	retrying := len(d.retry)
	d.retryMu.Unlock()
	return DispatcherStats{
		Emitted:   d.emitted.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
		Queued:    len(d.queue),
		Retrying:  retrying,
	}
}
