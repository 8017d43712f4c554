package qosbroker

import (
	"io"
	"log/slog"

	"github.com/chosenoffset/qosbroker/pkg/qosbroker/dashboard"
	"github.com/chosenoffset/qosbroker/pkg/qosbroker/expr"
	"github.com/chosenoffset/qosbroker/pkg/qosbroker/metrics"
)

// Broker composes the QoS engine, the dispatcher and the environment into
// the public API. It owns nothing beyond the wiring: scheduling policy
// lives in QoS, thread management in Dispatcher.
type Broker struct {
	log        *slog.Logger
	env        *Environment
	registry   *expr.Registry
	qos        *QoS
	dispatcher *Dispatcher
	dash       *dashboard.Server
}

type brokerOptions struct {
	log           *slog.Logger
	registry      *expr.Registry
	dashboardPort int
}

type Option func(*brokerOptions)

// WithLogger sets the logger used by the broker and its components.
func WithLogger(log *slog.Logger) Option {
	return func(o *brokerOptions) { o.log = log }
}

// WithRegistry supplies a function registry, typically one that already
// carries user functions referenced by the rules.
func WithRegistry(r *expr.Registry) Option {
	return func(o *brokerOptions) { o.registry = r }
}

// WithDashboard serves the live status dashboard on the given port.
func WithDashboard(port int) Option {
	return func(o *brokerOptions) { o.dashboardPort = port }
}

func applyOptions(opts []Option) *brokerOptions {
	o := &brokerOptions{log: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = expr.NewRegistry()
	}
	return o
}

// New builds a broker over an already-parsed rule set.
func New(rules *RuleSet, workers int, env *Environment, opts ...Option) *Broker {
	o := applyOptions(opts)
	qos := NewQoS(rules, env, o.registry, o.log)
	return assemble(qos, workers, env, o)
}

// NewFromFile builds a broker that reads its rules from path; ReloadRules
// re-reads the same file.
func NewFromFile(path string, workers int, env *Environment, opts ...Option) (*Broker, error) {
	o := applyOptions(opts)
	qos, err := NewQoSFromFile(path, env, o.registry, o.log)
	if err != nil {
		return nil, err
	}
	return assemble(qos, workers, env, o), nil
}

func assemble(qos *QoS, workers int, env *Environment, o *brokerOptions) *Broker {
	b := &Broker{
		log:      o.log,
		env:      env,
		registry: o.registry,
		qos:      qos,
	}
	b.dispatcher = NewDispatcher(workers, qos, qos, env, o.log)
	b.dispatcher.setStats(metrics.Init())

	if o.dashboardPort > 0 {
		b.dash = dashboard.NewServer(o.dashboardPort)
		b.dash.SetStatusProvider(func() any { return b.Snapshot() })
		b.dash.SetRulesProvider(func() any {
			rules := b.qos.Rules()
			var lines []string
			for _, r := range rules.Permissions {
				lines = append(lines, r.String())
			}
			for _, l := range rules.GlobalLimits {
				lines = append(lines, l.String())
			}
			for _, l := range rules.UserLimits {
				lines = append(lines, l.String())
			}
			for _, r := range rules.Priorities {
				lines = append(lines, r.String())
			}
			return lines
		})
		b.dispatcher.setEventHook(func(event string, r Request) {
			meta := r.Meta()
			b.dash.SendEvent(event, meta.ID(), meta.User(), string(meta.Status()))
		})
		go func() {
			if err := b.dash.Start(); err != nil {
				b.log.Error("dashboard failed", "error", err)
			}
		}()
	}

	return b
}

// Enqueue submits a request for scheduling. It never blocks.
func (b *Broker) Enqueue(r Request) {
	if r == nil {
		panic("qosbroker: enqueue of nil request")
	}
	b.dispatcher.Enqueue(r)
}

// SetNumberOfWorkers resizes the worker pool.
func (b *Broker) SetNumberOfWorkers(n int) {
	b.dispatcher.SetNumberOfWorkers(n)
}

// ReloadRules re-reads the rules file and reconfigures the engine without
// losing running-request accounting.
func (b *Broker) ReloadRules() error {
	return b.qos.ReloadRules()
}

// Reconfigure resets the engine's caches against the current rule set.
func (b *Broker) Reconfigure() {
	b.qos.Reconfigure()
}

// WaitForAllRequests blocks until all queued and active requests reach a
// terminal state.
func (b *Broker) WaitForAllRequests() {
	b.dispatcher.WaitForAllRequests()
}

// Shutdown waits for all requests and stops the workers and, if enabled,
// the dashboard.
func (b *Broker) Shutdown() {
	b.dispatcher.Shutdown()
	if b.dash != nil {
		if err := b.dash.Stop(); err != nil {
			b.log.Warn("dashboard stop failed", "error", err)
		}
	}
}

// Pause stops new requests from starting. Running requests are
// unaffected.
func (b *Broker) Pause() {
	b.dispatcher.Pause()
}

// Resume lets requests start again.
func (b *Broker) Resume() {
	b.dispatcher.Resume()
}

// KnownRequests is the number of requests tracked by the broker, queued
// or active.
func (b *Broker) KnownRequests() int {
	return b.dispatcher.KnownRequests()
}

// Register installs a user function usable in rule expressions.
func (b *Broker) Register(name string, fn expr.Func) {
	b.registry.Register(name, fn)
}

// Registry is the function registry rules are parsed against.
func (b *Broker) Registry() *expr.Registry {
	return b.registry
}

// Environment is the resource store the broker was built with.
func (b *Broker) Environment() *Environment {
	return b.env
}

// Status writes a human-readable report of every tracked request.
func (b *Broker) Status(w io.Writer) {
	b.qos.Status(b.dispatcher.Snapshot(), w)
}

// RequestStatus is one request in a Snapshot.
type RequestStatus struct {
	ID       uint64  `json:"id"`
	User     string  `json:"user"`
	Status   Status  `json:"status"`
	Priority float64 `json:"priority"`
	Age      float64 `json:"age"`
}

// BrokerStatus is a point-in-time view of the broker, as served by the
// dashboard.
type BrokerStatus struct {
	Workers  int             `json:"workers"`
	Active   int             `json:"active"`
	Known    int             `json:"known"`
	Paused   bool            `json:"paused"`
	Requests []RequestStatus `json:"requests"`
}

// Snapshot captures the current broker state.
func (b *Broker) Snapshot() BrokerStatus {
	status := BrokerStatus{
		Workers: b.dispatcher.NumberOfWorkers(),
		Active:  b.dispatcher.NumberOfActiveRequests(),
		Paused:  b.dispatcher.Paused(),
	}
	requests := b.dispatcher.Snapshot()
	status.Known = len(requests)
	for _, r := range requests {
		meta := r.Meta()
		priority, err := b.qos.Priority(r)
		if err != nil {
			priority = 0
		}
		status.Requests = append(status.Requests, RequestStatus{
			ID:       meta.ID(),
			User:     meta.User(),
			Status:   meta.Status(),
			Priority: priority,
			Age:      meta.Age(),
		})
	}
	return status
}
