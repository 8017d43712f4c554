package qosbroker

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/chosenoffset/qosbroker/pkg/qosbroker/expr"
)

// Properties is the per-request cache of matching rules: the permissions
// and priorities that matched, the limits that constrain the request
// (global limits plus the per-user clone), and the precomputed starting
// priority.
type Properties struct {
	Permissions      []*Rule
	Limits           []*Limit
	Priorities       []*Rule
	StartingPriority float64
}

// QoS is the scheduling policy: given the queue and the live limit
// occupancy it decides which request runs next. It plays two roles for
// the dispatcher: the picker that selects the next request, and the
// observer that keeps limit counters in step with request starts and
// ends.
//
// A single mutex guards the rule set, the properties cache, the per-user
// limits, the running set and every limit counter. Exported methods lock;
// unexported ones expect the lock held.
type QoS struct {
	mu  sync.Mutex
	log *slog.Logger

	env      *Environment
	registry *expr.Registry

	path  string
	rules *RuleSet

	running       map[Request]struct{}
	properties    map[Request]*Properties
	perUserLimits map[string]*Limit
}

// NewQoS builds an engine over an already-parsed rule set.
func NewQoS(rules *RuleSet, env *Environment, registry *expr.Registry, log *slog.Logger) *QoS {
	if log == nil {
		log = slog.Default()
	}
	return &QoS{
		log:           log,
		env:           env,
		registry:      registry,
		rules:         rules,
		running:       make(map[Request]struct{}),
		properties:    make(map[Request]*Properties),
		perUserLimits: make(map[string]*Limit),
	}
}

// NewQoSFromFile builds an engine that reads its rules from path and can
// hot-reload them with ReloadRules.
func NewQoSFromFile(path string, env *Environment, registry *expr.Registry, log *slog.Logger) (*QoS, error) {
	q := NewQoS(nil, env, registry, log)
	q.path = path
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.readRules(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *QoS) readRules() error {
	rules, err := ParseRulesFile(q.path, q.registry, q.env)
	if err != nil {
		return err
	}
	q.rules = rules
	return nil
}

// ReloadRules re-parses the rules file and reconfigures the engine so
// running requests stay accounted for under the new rules.
func (q *QoS) ReloadRules() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.path == "" {
		return fmt.Errorf("rules were not loaded from a file")
	}
	if err := q.readRules(); err != nil {
		return err
	}
	q.reconfigure()
	return nil
}

// Reconfigure resets the engine's caches against the current rule set and
// re-registers the running requests with the limits that now match them.
// Call it whenever the rule set changed.
func (q *QoS) Reconfigure() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reconfigure()
}

func (q *QoS) reconfigure() {
	clear(q.perUserLimits)
	clear(q.properties)

	// Counters restart from zero; the loop below rebuilds them from the
	// running set, which keeps Reconfigure idempotent while no request
	// starts or ends.
	for _, l := range q.rules.GlobalLimits {
		l.reset()
	}

	// Re-register the active requests so their occupancy carries over to
	// the new limits. A limit may end up over its new capacity; it stays
	// full until completions bring it back under.
	for r := range q.running {
		limits, err := q.limitsFor(r)
		if err != nil {
			q.log.Warn("reconfigure: cannot derive limits for running request",
				"request", r.Meta().ID(), "error", err)
			continue
		}
		for _, l := range limits {
			l.Increment()
		}
	}
}

// Rules returns the current rule set.
func (q *QoS) Rules() *RuleSet {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rules
}

// CanRun reports whether no limit matching the request is full.
func (q *QoS) CanRun(r Request) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.canRun(r)
}

func (q *QoS) canRun(r Request) (bool, error) {
	limits, err := q.limitsFor(r)
	if err != nil {
		return false, err
	}
	for _, l := range limits {
		full, err := l.Full(r.Meta())
		if err != nil {
			return false, err
		}
		if full {
			return false, nil
		}
	}
	return true, nil
}

// requestProperties returns the cached properties of a request, building
// them on first use: it scans permissions (cancelling the request on the
// first denial), collects the matching limits including the per-user
// clone, and totals the starting priority.
func (q *QoS) requestProperties(r Request) (*Properties, error) {
	if p, ok := q.properties[r]; ok {
		return p, nil
	}

	meta := r.Meta()
	p := &Properties{}

	for _, rule := range q.rules.Permissions {
		ok, err := rule.Match(meta)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		p.Permissions = append(p.Permissions, rule)
		allowed, err := rule.Evaluate(meta)
		if err != nil {
			return nil, err
		}
		if !expr.Truthy(allowed) {
			reason, err := rule.Info.Evaluate(rule.Context(meta))
			if err != nil {
				return nil, err
			}
			meta.setCanceled(reason.Inspect())
			break
		}
	}

	for _, limit := range q.rules.GlobalLimits {
		ok, err := limit.Match(meta)
		if err != nil {
			return nil, err
		}
		if ok {
			p.Limits = append(p.Limits, limit)
		}
	}

	userLimit, err := q.userLimit(r)
	if err != nil {
		return nil, err
	}
	if userLimit != nil {
		p.Limits = append(p.Limits, userLimit)
	}

	for _, rule := range q.rules.Priorities {
		ok, err := rule.Match(meta)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		p.Priorities = append(p.Priorities, rule)
		v, err := rule.Evaluate(meta)
		if err != nil {
			return nil, err
		}
		n, ok := expr.AsNumber(v)
		if !ok {
			return nil, fmt.Errorf("priority %s: conclusion %s is not a number", rule.Info, v.Inspect())
		}
		p.StartingPriority += n
	}

	q.properties[r] = p
	return p, nil
}

// userLimit returns the per-user limit instance for the request's user,
// cloning the first matching user-limit rule on first sight of the user.
// Each user gets an independent counter; the instance is stable until the
// next reconfiguration.
func (q *QoS) userLimit(r Request) (*Limit, error) {
	user := r.Meta().User()
	if limit, ok := q.perUserLimits[user]; ok {
		return limit, nil
	}
	for _, limit := range q.rules.UserLimits {
		ok, err := limit.Match(r.Meta())
		if err != nil {
			return nil, err
		}
		if ok {
			clone := limit.Clone()
			q.perUserLimits[user] = clone
			return clone, nil
		}
	}
	return nil, nil
}

// Priority is the request's effective priority: its starting priority
// plus its age in seconds, so queued requests cannot starve.
func (q *QoS) Priority(r Request) (float64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.priority(r)
}

func (q *QoS) priority(r Request) (float64, error) {
	p, err := q.requestProperties(r)
	if err != nil {
		return 0, err
	}
	return p.StartingPriority + r.Meta().Age(), nil
}

// LimitsFor returns the limit rules that apply to the request.
func (q *QoS) LimitsFor(r Request) ([]*Limit, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.limitsFor(r)
}

func (q *QoS) limitsFor(r Request) ([]*Limit, error) {
	p, err := q.requestProperties(r)
	if err != nil {
		return nil, err
	}
	return p.Limits, nil
}

// PermissionsFor returns the permission rules that matched the request.
func (q *QoS) PermissionsFor(r Request) ([]*Rule, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, err := q.requestProperties(r)
	if err != nil {
		return nil, err
	}
	return p.Permissions, nil
}

// PrioritiesFor returns the priority rules that matched the request.
func (q *QoS) PrioritiesFor(r Request) ([]*Rule, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, err := q.requestProperties(r)
	if err != nil {
		return nil, err
	}
	return p.Priorities, nil
}

// Pick implements the dispatcher's picker. Cancelled requests are
// dequeued first so their workers can report the abort. Otherwise the
// eligible request with the highest priority wins, queue order breaking
// ties. Requests whose rules fail to evaluate are skipped this cycle.
func (q *QoS) Pick(queue *Queue) Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, r := range queue.Requests() {
		if _, denied := r.Meta().Canceled(); denied {
			queue.Remove(r)
			return r
		}
	}

	var best Request
	var bestPriority float64
	for _, r := range queue.Requests() {
		ok, err := q.canRun(r)
		if err != nil {
			q.log.Warn("rule evaluation failed, request not eligible",
				"request", r.Meta().ID(), "error", err)
			continue
		}
		if !ok {
			continue
		}
		// A permission rule may have cancelled the request while its
		// properties were built; dequeue it right away.
		if _, denied := r.Meta().Canceled(); denied {
			queue.Remove(r)
			return r
		}
		priority, err := q.priority(r)
		if err != nil {
			q.log.Warn("priority evaluation failed, request not eligible",
				"request", r.Meta().ID(), "error", err)
			continue
		}
		if best == nil || priority > bestPriority {
			best, bestPriority = r, priority
		}
	}

	if best == nil {
		return nil
	}
	queue.Remove(best)
	return best
}

// NotifyStartOfRequest increments every limit matching the request and
// tracks it as running.
func (q *QoS) NotifyStartOfRequest(r Request) {
	q.mu.Lock()
	defer q.mu.Unlock()

	limits, err := q.limitsFor(r)
	if err != nil {
		q.log.Warn("cannot derive limits for starting request",
			"request", r.Meta().ID(), "error", err)
	}
	for _, l := range limits {
		l.Increment()
	}
	q.running[r] = struct{}{}
}

// NotifyEndOfRequest decrements the request's limits, stops tracking it
// and evicts its cached properties.
func (q *QoS) NotifyEndOfRequest(r Request) {
	q.mu.Lock()
	defer q.mu.Unlock()

	limits, err := q.limitsFor(r)
	if err != nil {
		q.log.Warn("cannot derive limits for ending request",
			"request", r.Meta().ID(), "error", err)
	}
	for _, l := range limits {
		l.Decrement()
	}
	delete(q.running, r)
	delete(q.properties, r)
}

// Dump writes the active rule set to w.
func (q *QoS) Dump(w io.Writer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rules.Dump(w)
}

// Status writes a per-request report: status, priority, and each
// matching limit as value/capacity with a marker on full limits.
func (q *QoS) Status(requests []Request, w io.Writer) {
	q.mu.Lock()
	defer q.mu.Unlock()

	fmt.Fprintln(w, "===================================================================")
	fmt.Fprintln(w, "REQUESTS")
	fmt.Fprintln(w, "===================================================================")
	for _, r := range requests {
		q.requestStatus(r, w)
	}
	fmt.Fprintln(w, "===================================================================")
}

func (q *QoS) requestStatus(r Request, w io.Writer) {
	meta := r.Meta()
	fmt.Fprintf(w, "\nQoS info for request %d (user %s): %s\n", meta.ID(), meta.User(), meta.Status())

	priority, err := q.priority(r)
	if err != nil {
		fmt.Fprintf(w, "Priority: evaluation failed: %v\n", err)
	} else {
		fmt.Fprintf(w, "Priority: %g\n", priority)
	}

	limits, err := q.limitsFor(r)
	if err != nil {
		fmt.Fprintf(w, "Limits rules: evaluation failed: %v\n", err)
		return
	}
	fmt.Fprintln(w, "Limits rules:")
	for _, l := range limits {
		capacity, err := l.Capacity(meta)
		if err != nil {
			fmt.Fprintf(w, "    %s (%d/?) evaluation failed: %v\n", l, l.Value(), err)
			continue
		}
		marker := "-"
		if int64(l.Value()) >= capacity {
			marker = "** FULL **"
		}
		fmt.Fprintf(w, "    %s (%d/%d) %s\n", l, l.Value(), capacity, marker)
	}

	p, err := q.requestProperties(r)
	if err != nil {
		return
	}
	fmt.Fprintln(w, "Priorities rules:")
	for _, rule := range p.Priorities {
		fmt.Fprintf(w, "    %s\n", rule)
	}
	fmt.Fprintln(w, "Permissions rules:")
	for _, rule := range p.Permissions {
		fmt.Fprintf(w, "    %s\n", rule)
	}
}
