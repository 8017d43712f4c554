package qosbroker

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chosenoffset/qosbroker/pkg/qosbroker/expr"
)

func TestBrokerPriorityOrdering(t *testing.T) {
	env := NewEnvironment()
	registry := expr.NewRegistry()
	rules := compileRules(t, `
priority "david" (user == "david") : 100
priority "frank" (user == "frank") : 10
priority "erin"  (user == "erin")  : 1
`, registry, env)
	broker := New(rules, 1, env, WithRegistry(registry))

	var mu sync.Mutex
	var order []string
	mk := func(user string) *testRequest {
		r := newTestRequest(user)
		r.run = func() error {
			mu.Lock()
			order = append(order, user)
			mu.Unlock()
			return nil
		}
		return r
	}

	broker.Pause()
	erin, frank, david := mk("erin"), mk("frank"), mk("david")
	broker.Enqueue(erin)
	broker.Enqueue(frank)
	broker.Enqueue(david)
	broker.Resume()
	broker.Shutdown()

	assert.Equal(t, []string{"david", "frank", "erin"}, order)
	for _, r := range []*testRequest{erin, frank, david} {
		assert.Equal(t, StatusComplete, r.meta.Status())
	}
	assert.Equal(t, 0, broker.KnownRequests())
}

func TestBrokerGlobalLimit(t *testing.T) {
	env := NewEnvironment()
	registry := expr.NewRegistry()
	rules := compileRules(t, `limit "cap" true : 2`, registry, env)
	broker := New(rules, 4, env, WithRegistry(registry))

	var active, peak atomic.Int64
	broker.Pause()
	for range 6 {
		r := newTestRequest("alice")
		r.run = func() error {
			now := active.Add(1)
			for {
				seen := peak.Load()
				if now <= seen || peak.CompareAndSwap(seen, now) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			return nil
		}
		broker.Enqueue(r)
	}
	broker.Resume()
	broker.Shutdown()

	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Positive(t, peak.Load())
}

func TestBrokerUserLimit(t *testing.T) {
	env := NewEnvironment()
	registry := expr.NewRegistry()
	rules := compileRules(t, `user "u" true : 1`, registry, env)
	broker := New(rules, 2, env, WithRegistry(registry))

	perUser := map[string]*atomic.Int64{
		"alice": {}, "bob": {},
	}
	var peakPerUser sync.Map
	var total, peakTotal atomic.Int64

	broker.Pause()
	for _, user := range []string{"alice", "bob", "alice", "bob", "alice", "bob"} {
		r := newTestRequest(user)
		counter := perUser[user]
		r.run = func() error {
			mine := counter.Add(1)
			if prev, _ := peakPerUser.LoadOrStore(user, mine); mine > prev.(int64) {
				peakPerUser.Store(user, mine)
			}
			now := total.Add(1)
			for {
				seen := peakTotal.Load()
				if now <= seen || peakTotal.CompareAndSwap(seen, now) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			total.Add(-1)
			counter.Add(-1)
			return nil
		}
		broker.Enqueue(r)
	}
	broker.Resume()
	broker.Shutdown()

	for user := range perUser {
		peak, ok := peakPerUser.Load(user)
		require.True(t, ok, "no request of %s ran", user)
		assert.Equal(t, int64(1), peak, "user %s exceeded their limit", user)
	}
	// With two workers and two users, one request per user runs at once.
	assert.Equal(t, int64(2), peakTotal.Load())
}

func TestBrokerPermissionDenial(t *testing.T) {
	env := NewEnvironment()
	registry := expr.NewRegistry()
	rules := compileRules(t, `permission "no bob" (user == "bob") : false`, registry, env)
	broker := New(rules, 1, env, WithRegistry(registry))

	executed := false
	bob := newTestRequest("bob")
	bob.run = func() error {
		executed = true
		return nil
	}

	broker.Enqueue(bob)
	broker.Shutdown()

	assert.Equal(t, StatusAborted, bob.meta.Status())
	reason, denied := bob.meta.Canceled()
	assert.True(t, denied)
	assert.Equal(t, "no bob", reason)
	assert.False(t, executed, "denied request must not execute")
	require.Error(t, bob.meta.Err())
}

func TestBrokerHotReload(t *testing.T) {
	env := NewEnvironment()
	registry := expr.NewRegistry()
	path := writeRules(t, `limit "cap" true : 5`)

	broker, err := NewFromFile(path, 3, env, WithRegistry(registry))
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{}, 3)
	running := make([]*testRequest, 3)
	for i := range running {
		r := newTestRequest("alice")
		r.run = func() error {
			started <- struct{}{}
			<-release
			return nil
		}
		running[i] = r
		broker.Enqueue(r)
	}
	for range 3 {
		<-started
	}

	require.NoError(t, os.WriteFile(path, []byte(`limit "cap" true : 2`), 0o644))
	require.NoError(t, broker.ReloadRules())

	// The counter carried over to the reloaded limit.
	limits, err := broker.qos.LimitsFor(running[0])
	require.NoError(t, err)
	require.Len(t, limits, 1)
	assert.Equal(t, 3, limits[0].Value())

	// Over the new capacity: nothing new starts.
	blocked := newTestRequest("alice")
	broker.Enqueue(blocked)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StatusQueued, blocked.meta.Status())

	close(release)
	broker.Shutdown()
	assert.Equal(t, StatusComplete, blocked.meta.Status())
}

func TestBrokerRegisterFunction(t *testing.T) {
	env := NewEnvironment()
	registry := expr.NewRegistry()
	registry.Register("dataset", func(ctx *expr.Context, args ...expr.Value) (expr.Value, error) {
		v, _ := ctx.Request.Attr("dataset")
		return expr.FromGo(v), nil
	})
	rules := compileRules(t, `permission "wrong dataset" true : dataset == 'dataset-1'`, registry, env)
	broker := New(rules, 1, env, WithRegistry(registry))

	good := newTestRequest("alice")
	good.meta.SetAttr("dataset", "dataset-1")
	bad := newTestRequest("alice")
	bad.meta.SetAttr("dataset", "dataset-9")

	broker.Enqueue(good)
	broker.Enqueue(bad)
	broker.Shutdown()

	assert.Equal(t, StatusComplete, good.meta.Status())
	assert.Equal(t, StatusAborted, bad.meta.Status())
	reason, denied := bad.meta.Canceled()
	assert.True(t, denied)
	assert.Equal(t, "wrong dataset", reason)
}

func TestBrokerStatusAndSnapshot(t *testing.T) {
	env := NewEnvironment()
	registry := expr.NewRegistry()
	rules := compileRules(t, `priority "alice" (user == "alice") : 10`, registry, env)
	broker := New(rules, 0, env, WithRegistry(registry))

	broker.Enqueue(newTestRequest("alice"))
	broker.Enqueue(newTestRequest("bob"))

	var buf strings.Builder
	broker.Status(&buf)
	assert.Contains(t, buf.String(), "user alice")
	assert.Contains(t, buf.String(), "user bob")

	snapshot := broker.Snapshot()
	assert.Equal(t, 0, snapshot.Workers)
	assert.Equal(t, 2, snapshot.Known)
	assert.Len(t, snapshot.Requests, 2)
	assert.GreaterOrEqual(t, snapshot.Requests[0].Priority, 10.0)

	broker.SetNumberOfWorkers(1)
	broker.Shutdown()
	assert.Equal(t, 0, broker.KnownRequests())
}

func TestBrokerNumberOfWorkersBuiltin(t *testing.T) {
	env := NewEnvironment()
	registry := expr.NewRegistry()
	// Admit as many concurrent requests as there are workers.
	rules := compileRules(t, `limit "pool" true : numberOfWorkers`, registry, env)
	broker := New(rules, 3, env, WithRegistry(registry))

	r := newTestRequest("alice")
	broker.Enqueue(r)
	broker.WaitForAllRequests()

	limits, err := broker.qos.LimitsFor(newTestRequest("alice"))
	require.NoError(t, err)
	require.Len(t, limits, 1)

	probe := newTestRequest("alice")
	probe.meta.setDispatcher(broker.dispatcher)
	capacity, err := limits[0].Capacity(probe.meta)
	require.NoError(t, err)
	assert.Equal(t, int64(3), capacity)

	broker.Shutdown()
}
