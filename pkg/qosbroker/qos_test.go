package qosbroker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chosenoffset/qosbroker/pkg/qosbroker/expr"
)

// testRequest is the request type used across the package tests.
type testRequest struct {
	meta *Meta
	run  func() error
}

func newTestRequest(user string) *testRequest {
	r := &testRequest{meta: NewMeta(user)}
	r.meta.SetCost(1024*1024, 60*60*24)
	return r
}

func (r *testRequest) Meta() *Meta { return r.meta }

func (r *testRequest) Execute() error {
	if r.run != nil {
		return r.run()
	}
	return nil
}

func compileRules(t *testing.T, text string, registry *expr.Registry, env *Environment) *RuleSet {
	t.Helper()
	rules := NewRuleSet()
	require.NoError(t, NewRulesParser(text, registry).ParseRules(rules, env))
	return rules
}

func writeRules(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broker.rules")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	return path
}

func newQueue(requests ...Request) *Queue {
	q := &Queue{}
	for _, r := range requests {
		q.push(r)
	}
	return q
}

func TestPickHighestPriorityFirst(t *testing.T) {
	env := NewEnvironment()
	registry := expr.NewRegistry()
	rules := compileRules(t, `
priority "david" (user == "david") : 100
priority "frank" (user == "frank") : 10
priority "erin"  (user == "erin")  : 1
`, registry, env)
	q := NewQoS(rules, env, registry, nil)

	erin := newTestRequest("erin")
	frank := newTestRequest("frank")
	david := newTestRequest("david")
	queue := newQueue(erin, frank, david)

	assert.Same(t, david, q.Pick(queue).(*testRequest))
	assert.Same(t, frank, q.Pick(queue).(*testRequest))
	assert.Same(t, erin, q.Pick(queue).(*testRequest))
	assert.Nil(t, q.Pick(queue))
	assert.Equal(t, 0, queue.Len())
}

func TestPickPrefersOlderRequest(t *testing.T) {
	env := NewEnvironment()
	registry := expr.NewRegistry()
	q := NewQoS(compileRules(t, ``, registry, env), env, registry, nil)

	// With no priority rules, priority is pure age.
	younger := newTestRequest("alice")
	older := newTestRequest("bob")
	older.meta.SetStart(older.meta.Start().Add(-time.Hour))
	queue := newQueue(younger, older)

	assert.Same(t, older, q.Pick(queue).(*testRequest))
	assert.Same(t, younger, q.Pick(queue).(*testRequest))
}

func TestLimitBlocksAtCapacity(t *testing.T) {
	env := NewEnvironment()
	registry := expr.NewRegistry()
	rules := compileRules(t, `limit "cap" true : 2`, registry, env)
	q := NewQoS(rules, env, registry, nil)

	a, b, c := newTestRequest("a"), newTestRequest("b"), newTestRequest("c")

	queue := newQueue(a, b, c)
	r1 := q.Pick(queue)
	require.NotNil(t, r1)
	q.NotifyStartOfRequest(r1)
	r2 := q.Pick(queue)
	require.NotNil(t, r2)
	q.NotifyStartOfRequest(r2)

	// Capacity reached, the third request is not eligible.
	assert.Nil(t, q.Pick(queue))
	assert.Equal(t, 1, queue.Len())

	q.NotifyEndOfRequest(r1)
	r3 := q.Pick(queue)
	require.NotNil(t, r3)
}

func TestLimitCountersFollowStartAndEnd(t *testing.T) {
	env := NewEnvironment()
	registry := expr.NewRegistry()
	rules := compileRules(t, `limit "cap" true : 5`, registry, env)
	q := NewQoS(rules, env, registry, nil)

	r := newTestRequest("alice")
	limits, err := q.LimitsFor(r)
	require.NoError(t, err)
	require.Len(t, limits, 1)

	assert.Equal(t, 0, limits[0].Value())
	q.NotifyStartOfRequest(r)
	assert.Equal(t, 1, limits[0].Value())
	q.NotifyEndOfRequest(r)
	assert.Equal(t, 0, limits[0].Value())

	// The properties cache was evicted with the request.
	q.mu.Lock()
	assert.Empty(t, q.properties)
	assert.Empty(t, q.running)
	q.mu.Unlock()
}

func TestPerUserLimitClonedPerUser(t *testing.T) {
	env := NewEnvironment()
	registry := expr.NewRegistry()
	rules := compileRules(t, `user "u" true : 1`, registry, env)
	q := NewQoS(rules, env, registry, nil)

	alice1 := newTestRequest("alice")
	alice2 := newTestRequest("alice")
	bob := newTestRequest("bob")

	aliceLimits, err := q.LimitsFor(alice1)
	require.NoError(t, err)
	require.Len(t, aliceLimits, 1)
	aliceLimits2, err := q.LimitsFor(alice2)
	require.NoError(t, err)
	bobLimits, err := q.LimitsFor(bob)
	require.NoError(t, err)

	// Same user shares the instance, different users do not.
	assert.Same(t, aliceLimits[0], aliceLimits2[0])
	assert.NotSame(t, aliceLimits[0], bobLimits[0])

	// The base rule's counter is untouched by clones.
	q.NotifyStartOfRequest(alice1)
	assert.Equal(t, 1, aliceLimits[0].Value())
	assert.Equal(t, 0, bobLimits[0].Value())
	assert.Equal(t, 0, rules.UserLimits[0].Value())

	// alice is at capacity, bob is not.
	queue := newQueue(alice2, bob)
	assert.Same(t, bob, q.Pick(queue).(*testRequest))
	assert.Nil(t, q.Pick(queue))
}

func TestPermissionDenialCancels(t *testing.T) {
	env := NewEnvironment()
	registry := expr.NewRegistry()
	rules := compileRules(t, `permission "no bob" (user == "bob") : false`, registry, env)
	q := NewQoS(rules, env, registry, nil)

	bob := newTestRequest("bob")
	alice := newTestRequest("alice")
	queue := newQueue(bob, alice)

	picked := q.Pick(queue)
	require.NotNil(t, picked)
	assert.Same(t, bob, picked.(*testRequest))
	reason, denied := bob.meta.Canceled()
	assert.True(t, denied)
	assert.Equal(t, "no bob", reason)

	// alice is unaffected.
	picked = q.Pick(queue)
	require.NotNil(t, picked)
	assert.Same(t, alice, picked.(*testRequest))
	_, denied = alice.meta.Canceled()
	assert.False(t, denied)
}

func TestRuleEvaluationErrorSkipsRequest(t *testing.T) {
	env := NewEnvironment()
	registry := expr.NewRegistry()
	// The condition divides by zero for every request.
	rules := compileRules(t, `limit "bad" 1 / 0 : 1`, registry, env)
	q := NewQoS(rules, env, registry, nil)

	r := newTestRequest("alice")
	queue := newQueue(r)

	// The request is not eligible this cycle, but stays queued.
	assert.Nil(t, q.Pick(queue))
	assert.Equal(t, 1, queue.Len())
}

func TestReconfigureIsIdempotent(t *testing.T) {
	env := NewEnvironment()
	registry := expr.NewRegistry()
	rules := compileRules(t, `limit "cap" true : 5`, registry, env)
	q := NewQoS(rules, env, registry, nil)

	for range 3 {
		r := newTestRequest("alice")
		q.NotifyStartOfRequest(r)
	}
	assert.Equal(t, 3, rules.GlobalLimits[0].Value())

	q.Reconfigure()
	assert.Equal(t, 3, rules.GlobalLimits[0].Value())
	q.Reconfigure()
	assert.Equal(t, 3, rules.GlobalLimits[0].Value())
}

func TestReloadRulesPreservesAccounting(t *testing.T) {
	env := NewEnvironment()
	registry := expr.NewRegistry()
	path := writeRules(t, `limit "cap" true : 5`)

	q, err := NewQoSFromFile(path, env, registry, nil)
	require.NoError(t, err)

	running := make([]*testRequest, 3)
	for i := range running {
		running[i] = newTestRequest("alice")
		q.NotifyStartOfRequest(running[i])
	}
	assert.Equal(t, 3, q.Rules().GlobalLimits[0].Value())

	// Shrink the capacity below the running count.
	require.NoError(t, os.WriteFile(path, []byte(`limit "cap" true : 2`), 0o644))
	require.NoError(t, q.ReloadRules())

	limit := q.Rules().GlobalLimits[0]
	assert.Equal(t, 3, limit.Value())
	full, err := limit.Full(running[0].meta)
	require.NoError(t, err)
	assert.True(t, full)

	// Nothing new may start until completions bring the counter under the
	// new capacity.
	queue := newQueue(newTestRequest("alice"))
	assert.Nil(t, q.Pick(queue))

	q.NotifyEndOfRequest(running[0])
	assert.Equal(t, 2, limit.Value())
	assert.Nil(t, q.Pick(queue))

	q.NotifyEndOfRequest(running[1])
	assert.Equal(t, 1, limit.Value())
	assert.NotNil(t, q.Pick(queue))
}

func TestReloadRulesRejectsBadFile(t *testing.T) {
	env := NewEnvironment()
	registry := expr.NewRegistry()
	path := writeRules(t, `limit "cap" true : 5`)

	q, err := NewQoSFromFile(path, env, registry, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`nonsense "x" true : 1`), 0o644))
	err = q.ReloadRules()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown rule")

	// The previous rule set stays in force.
	assert.Len(t, q.Rules().GlobalLimits, 1)
}

func TestStatusReport(t *testing.T) {
	env := NewEnvironment()
	registry := expr.NewRegistry()
	rules := compileRules(t, `
limit "cap" true : 1
priority "alice" (user == "alice") : 10
`, registry, env)
	q := NewQoS(rules, env, registry, nil)

	running := newTestRequest("alice")
	running.meta.setStatus(StatusActive)
	q.NotifyStartOfRequest(running)
	queued := newTestRequest("alice")
	queued.meta.setStatus(StatusQueued)

	var buf strings.Builder
	q.Status([]Request{running, queued}, &buf)
	out := buf.String()

	assert.Contains(t, out, "REQUESTS")
	assert.Contains(t, out, "user alice")
	assert.Contains(t, out, "(1/1) ** FULL **")
	assert.Contains(t, out, `priority "alice"`)
}
