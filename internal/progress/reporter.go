// Package progress delivers conversion progress events to a sink without
// letting a slow sink stall the conversion workers.
package progress

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Lllllllleong/markforge/internal/models"
)

// Sink consumes delivered events. Deliver is only ever called from the
// reporter's delivery goroutine, one event at a time.
type Sink interface {
	Deliver(ev models.ProgressEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(models.ProgressEvent) error

func (f SinkFunc) Deliver(ev models.ProgressEvent) error { return f(ev) }

// Options configures a Reporter.
type Options struct {
	Filter FilterOptions
	// QueueLimit caps pending collapsible events. Zero means unbounded.
	// Lifecycle events are never dropped to honour the cap.
	QueueLimit int
	Logger     *slog.Logger
	Now        func() time.Time
}

// Reporter sequences events and hands them to a sink from a single
// goroutine in emission order.
type Reporter struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []models.ProgressEvent
	nextSeq int64
	closed  bool
	dropped int

	filter *Filter
	sink   Sink
	opts   Options
	done   chan struct{}
}

// NewReporter starts a reporter delivering to sink.
func NewReporter(sink Sink, opts Options) *Reporter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Reporter{
		filter: NewFilter(opts.Filter),
		sink:   sink,
		opts:   opts,
		done:   make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	go r.deliver()
	return r
}

// Emit enqueues ev and returns immediately. Events emitted after Close are
// discarded.
func (r *Reporter) Emit(ev models.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.filter.Noise(ev) {
		return
	}

	r.nextSeq++
	ev.Seq = r.nextSeq
	ev.Time = r.opts.Now()
	r.queue = r.filter.Enqueue(r.queue, ev)
	if r.opts.QueueLimit > 0 && len(r.queue) > r.opts.QueueLimit {
		r.shed()
	}
	r.cond.Signal()
}

// shed drops the oldest collapsible event. Lifecycle events are kept even
// if that leaves the queue over its limit.
func (r *Reporter) shed() {
	for i, ev := range r.queue {
		if r.filter.collapsible(ev.Kind) {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			r.dropped++
			return
		}
	}
}

func (r *Reporter) deliver() {
	defer close(r.done)
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.closed {
			r.cond.Wait()
		}
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		ev := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		if err := r.sink.Deliver(ev); err != nil {
			r.opts.Logger.Warn("Progress sink failed.", "seq", ev.Seq, "kind", ev.Kind, "error", err)
		}
	}
}

// Close stops accepting events, waits until every pending event has been
// delivered and stops the delivery goroutine. It is safe to call twice.
func (r *Reporter) Close() {
	r.mu.Lock()
	r.closed = true
	r.cond.Broadcast()
	dropped := r.dropped
	r.mu.Unlock()
	<-r.done

	if dropped > 0 {
		r.opts.Logger.Debug("Progress events shed under backpressure.", "dropped", dropped)
	}
}
