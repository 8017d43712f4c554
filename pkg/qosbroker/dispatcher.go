package qosbroker

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/chosenoffset/qosbroker/pkg/qosbroker/metrics"
)

// Picker selects the next request to run from the queue, removing it.
// Returning nil means nothing in the queue is currently eligible. The
// picker runs under the dispatcher's lock and is the only party besides
// the dispatcher allowed to mutate the queue.
type Picker interface {
	Pick(queue *Queue) Request
}

// RequestObserver is told when requests start and end, so the QoS engine
// can keep its limit counters in step.
type RequestObserver interface {
	NotifyStartOfRequest(Request)
	NotifyEndOfRequest(Request)
}

// Queue is the dispatcher's pending list in insertion order. It is
// guarded by the dispatcher's lock; the picker mutates it through Remove.
type Queue struct {
	items []Request
}

// Requests returns a snapshot of the queued requests in order.
func (q *Queue) Requests() []Request {
	return slices.Clone(q.items)
}

func (q *Queue) Len() int { return len(q.items) }

// Remove deletes the first occurrence of r, reporting whether it was
// present.
func (q *Queue) Remove(r Request) bool {
	for i, item := range q.items {
		if item == r {
			q.items = slices.Delete(q.items, i, i+1)
			return true
		}
	}
	return false
}

func (q *Queue) push(r Request) {
	q.items = append(q.items, r)
}

// Dispatcher owns the worker pool and the shared queue. Workers block on
// a single condition variable until there is an eligible request, and the
// variable is broadcast on every event that can change eligibility:
// enqueue, request start and end, worker count change, pause, resume and
// environment change.
type Dispatcher struct {
	mu   sync.Mutex
	cond *sync.Cond
	log  *slog.Logger

	picker   Picker
	observer RequestObserver

	queue *Queue
	// Pending worker stops. A worker that claims one terminates after
	// finishing its current request.
	stops int

	known      []Request
	numWorkers int
	numActive  int
	paused     bool

	stats   *metrics.BrokerMetrics
	onEvent func(event string, r Request)
}

// NewDispatcher starts a pool of workers feeding from a shared queue.
// The picker chooses which queued request runs next; the observer is
// notified of starts and ends. The dispatcher registers itself with the
// environment so resource changes wake waiting workers.
func NewDispatcher(workers int, picker Picker, observer RequestObserver, env *Environment, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		log:      log,
		picker:   picker,
		observer: observer,
		queue:    &Queue{},
	}
	d.cond = sync.NewCond(&d.mu)
	if env != nil {
		env.AddObserver(d)
	}
	d.SetNumberOfWorkers(workers)
	return d
}

// setStats installs the metrics sink. Called by the broker before any
// request is enqueued.
func (d *Dispatcher) setStats(stats *metrics.BrokerMetrics) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats = stats
}

// setEventHook installs a lifecycle event callback, used by the dashboard.
// The callback runs under the dispatcher's lock and must not block.
func (d *Dispatcher) setEventHook(fn func(event string, r Request)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onEvent = fn
}

func (d *Dispatcher) emit(event string, r Request) {
	if d.onEvent != nil {
		d.onEvent(event, r)
	}
}

// Enqueue appends a request to the queue in QUEUED state. It never
// blocks; whether the request may run is decided by the picker later.
func (d *Dispatcher) Enqueue(r Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	meta := r.Meta()
	meta.setDispatcher(d)
	meta.setStatus(StatusQueued)
	d.known = append(d.known, r)
	d.queue.push(r)
	if d.stats != nil {
		d.stats.QueuedRequests.Inc()
	}
	d.emit("queued", r)
	d.cond.Broadcast()
}

// SetNumberOfWorkers resizes the pool. Growing spawns workers
// immediately; shrinking leaves a stop marker per excess worker, which
// takes effect once a worker finishes its current request and asks for
// the next one.
func (d *Dispatcher) SetNumberOfWorkers(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for d.numWorkers < n {
		go d.worker()
		d.numWorkers++
	}
	for d.numWorkers > n {
		d.stops++
		d.numWorkers--
	}
	if d.stats != nil {
		d.stats.Workers.Set(float64(d.numWorkers))
	}
	d.cond.Broadcast()
}

// NumberOfWorkers is the current pool size.
func (d *Dispatcher) NumberOfWorkers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.numWorkers
}

// NumberOfActiveRequests is the number of requests currently executing.
func (d *Dispatcher) NumberOfActiveRequests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.numActive
}

// KnownRequests is the number of requests tracked by the dispatcher,
// queued or active.
func (d *Dispatcher) KnownRequests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.known)
}

// Snapshot returns the tracked requests in enqueue order.
func (d *Dispatcher) Snapshot() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.known)
}

// Pause stops handing out requests. Running requests are unaffected.
func (d *Dispatcher) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = true
	d.cond.Broadcast()
}

// Resume undoes Pause and wakes waiting workers.
func (d *Dispatcher) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = false
	d.cond.Broadcast()
}

// Paused reports whether the dispatcher is paused.
func (d *Dispatcher) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// WaitForAllRequests blocks until every tracked request has reached a
// terminal state.
func (d *Dispatcher) WaitForAllRequests() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for len(d.known) > 0 {
		d.log.Debug("waiting for requests",
			"queued", d.queue.Len(),
			"active", d.numActive,
			"workers", d.numWorkers,
			"known", len(d.known))
		d.cond.Wait()
	}
}

// Shutdown waits for all requests to finish, then stops every worker.
func (d *Dispatcher) Shutdown() {
	d.WaitForAllRequests()
	d.SetNumberOfWorkers(0)
}

// NotifyEnvironmentChanged wakes the workers so they re-evaluate
// eligibility against the changed environment.
func (d *Dispatcher) NotifyEnvironmentChanged() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cond.Broadcast()
}

// nextRequest blocks until there is something for this worker to do. It
// returns nil when the worker should terminate.
func (d *Dispatcher) nextRequest() Request {
	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		for (d.queue.Len() == 0 && d.stops == 0) || d.paused {
			d.cond.Wait()
		}

		if d.stops > 0 {
			d.stops--
			d.cond.Broadcast()
			return nil
		}

		if r := d.picker.Pick(d.queue); r != nil {
			if d.stats != nil {
				d.stats.QueuedRequests.Dec()
			}
			d.cond.Broadcast()
			return r
		}

		// The queue is not empty but nothing is eligible. Wait for an
		// enqueue, an end of request, an environment change or a resume.
		d.cond.Wait()
	}
}

func (d *Dispatcher) worker() {
	for {
		r := d.nextRequest()
		if r == nil {
			return
		}

		d.started(r)

		if reason, denied := r.Meta().Canceled(); denied {
			d.failed(r, fmt.Errorf("canceled: %s", reason))
			continue
		}

		if err := execute(r); err != nil {
			d.log.Error("request failed", "request", r.Meta().ID(), "error", err)
			d.failed(r, err)
		} else {
			d.complete(r)
		}
	}
}

// execute runs the request body, turning panics into errors so a broken
// request cannot take its worker down.
func execute(r Request) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.Execute()
}

func (d *Dispatcher) started(r Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r.Meta().setStatus(StatusActive)
	d.observer.NotifyStartOfRequest(r)
	d.numActive++
	if d.stats != nil {
		d.stats.ActiveRequests.Inc()
	}
	d.emit("started", r)
	d.cond.Broadcast()
}

func (d *Dispatcher) failed(r Request, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	meta := r.Meta()
	meta.setErr(err)
	meta.setStatus(StatusAborted)
	d.finish(r)
	if d.stats != nil {
		d.stats.AbortedTotal.Inc()
	}
	d.emit("aborted", r)
}

func (d *Dispatcher) complete(r Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r.Meta().setStatus(StatusComplete)
	d.finish(r)
	if d.stats != nil {
		d.stats.CompletedTotal.Inc()
	}
	d.emit("complete", r)
}

// finish does the bookkeeping shared by both terminal transitions.
func (d *Dispatcher) finish(r Request) {
	d.observer.NotifyEndOfRequest(r)
	d.numActive--
	for i, known := range d.known {
		if known == r {
			d.known = slices.Delete(d.known, i, i+1)
			break
		}
	}
	meta := r.Meta()
	if d.stats != nil {
		d.stats.ActiveRequests.Dec()
		d.stats.RequestDuration.Observe(time.Since(meta.Start()).Seconds())
	}
	meta.setDispatcher(nil)
	d.cond.Broadcast()
}
