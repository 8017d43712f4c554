// Package qosbroker is a process-embedded work broker with a declarative
// quality-of-service policy. Requests are queued and dispatched to a pool
// of workers subject to a rule set expressing permissions, priorities,
// global concurrency limits and per-user concurrency limits.
//
// # Quick Start
//
// Parse a rule set and build a broker:
//
//	env := qosbroker.NewEnvironment()
//	broker, err := qosbroker.NewFromFile("broker.rules", 4, env)
//	if err != nil {
//		// bad rules
//	}
//	broker.Enqueue(req)
//	broker.Shutdown()
//
// Requests implement Execute and hold a Meta, created with NewMeta, for
// the broker's bookkeeping:
//
//	type convertJob struct {
//		meta  *qosbroker.Meta
//		input string
//	}
//
//	func newConvertJob(user, input string) *convertJob {
//		return &convertJob{meta: qosbroker.NewMeta(user), input: input}
//	}
//
//	func (j *convertJob) Meta() *qosbroker.Meta { return j.meta }
//	func (j *convertJob) Execute() error        { return convert(j.input) }
//
// # Rules
//
// A rules file is a sequence of statements, one per rule:
//
//	# david's requests overtake anything queued less than 100s before
//	priority   "david"     (user == "david") : 100
//	# at most two large requests at once
//	limit      "large"     estimatedSize > Mb(100) : 2
//	# each user runs at most one request at a time
//	user       "per-user"  true : 1
//	# bob is not welcome
//	permission "no bob"    (user == "bob") : false
//
// Conditions and conclusions are expressions over the request and the
// environment, with arithmetic, comparisons, boolean operators, regex
// match (~) and builtins such as available(), estimatedSize and
// numberOfWorkers. User functions can be added through the registry.
//
// A queued request's priority is its starting priority plus its age in
// seconds, so low-priority work is never starved. Limits count running
// requests and block new ones at capacity. Rules can be hot-reloaded
// without losing the accounting of running requests.
//
// # Environment
//
// The Environment is a store of named resources that can be enabled,
// disabled and given values at runtime. Rules consult it with
// available("name"); flipping a resource wakes waiting workers so
// eligibility is re-evaluated immediately.
package qosbroker
