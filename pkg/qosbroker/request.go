package qosbroker

import (
	"sync"
	"sync/atomic"
	"time"
)

// Status is the lifecycle state of a request. The values are stable
// strings; embedders may persist them.
type Status string

const (
	StatusUnknown   Status = "UNKNOWN"
	StatusQueued    Status = "QUEUED"
	StatusSubmitted Status = "SUBMITTED"
	StatusActive    Status = "ACTIVE"
	StatusAborted   Status = "ABORTED"
	StatusComplete  Status = "COMPLETE"
)

// Request is the unit of work the broker schedules. Embedders implement
// Execute with the actual computation, which runs synchronously on a
// worker goroutine, and hold a Meta for the broker's bookkeeping.
type Request interface {
	// Execute performs the work. It is called at most once, on a worker
	// goroutine, and never for a request denied by a permission rule.
	Execute() error
	// Meta returns the bookkeeping record shared with the broker.
	Meta() *Meta
}

var lastRequestID atomic.Uint64

// Meta is the broker's view of a request: identity, lifecycle state and
// the attributes rule expressions consult. Create one with NewMeta, keep
// it in the concrete request type and return it from Meta().
//
// It implements expr.Subject so rules can evaluate against the request.
type Meta struct {
	id uint64

	mu         sync.Mutex
	status     Status
	start      time.Time
	canceled   string
	denied     bool
	err        error
	dispatcher *Dispatcher

	user  string
	cost  [2]float64
	attrs map[string]any
}

// NewMeta returns a fresh record for a request submitted by user. The
// start time, which drives queue aging, is set to now.
func NewMeta(user string) *Meta {
	return &Meta{
		id:     lastRequestID.Add(1),
		status: StatusUnknown,
		start:  time.Now(),
		user:   user,
	}
}

// ID is the stable, monotonically assigned request identifier.
func (m *Meta) ID() uint64 { return m.id }

func (m *Meta) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Meta) setStatus(s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = s
}

// Start is the timestamp queue aging is measured from.
func (m *Meta) Start() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.start
}

// SetStart overrides the start timestamp. An embedder restoring a queue
// after a restart uses it to preserve the original submission time.
func (m *Meta) SetStart(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.start = t
}

// Age is the time since the request was created, in seconds. A queued
// request's priority grows with its age.
func (m *Meta) Age() float64 {
	return time.Since(m.Start()).Seconds()
}

// Canceled reports whether a permission rule denied the request, and the
// evaluated reason if so.
func (m *Meta) Canceled() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canceled, m.denied
}

func (m *Meta) setCanceled(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canceled = reason
	m.denied = true
}

// Err is the failure recorded when the request aborted, nil otherwise.
func (m *Meta) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Meta) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *Meta) setDispatcher(d *Dispatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatcher = d
}

// User is the identity the request runs as, consulted by the "user"
// builtin and by per-user limits.
func (m *Meta) User() string { return m.user }

// SetCost records the estimated size in bytes and duration in seconds,
// read by the estimatedSize and estimatedTime builtins.
func (m *Meta) SetCost(size, seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cost = [2]float64{size, seconds}
}

func (m *Meta) Cost() (size float64, seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cost[0], m.cost[1]
}

// SetAttr records an open-ended attribute for registered rule functions.
func (m *Meta) SetAttr(name string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attrs == nil {
		m.attrs = make(map[string]any)
	}
	m.attrs[name] = value
}

func (m *Meta) Attr(name string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.attrs[name]
	return v, ok
}

// Workers is the size of the worker pool the request is enqueued on, for
// the numberOfWorkers builtin. Zero when the request is not enqueued.
func (m *Meta) Workers() int {
	m.mu.Lock()
	d := m.dispatcher
	m.mu.Unlock()
	if d == nil {
		return 0
	}
	return d.NumberOfWorkers()
}
