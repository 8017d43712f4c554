// Command demo simulates a random workload against the broker: a handful
// of users enqueue requests over two adaptors while the availability of
// the adaptors and the number of workers change under it. The QoS rules
// live in broker.rules next to this file.
package main

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/chosenoffset/qosbroker/pkg/logger"
	"github.com/chosenoffset/qosbroker/pkg/qosbroker"
	"github.com/chosenoffset/qosbroker/pkg/qosbroker/config"
	"github.com/chosenoffset/qosbroker/pkg/qosbroker/expr"
)

var (
	users    = []string{"alice", "bob", "carlos", "david", "erin", "frank"}
	datasets = []string{"dataset-1", "dataset-2", "dataset-3"}
	adaptors = []string{"adaptor1", "adaptor2"}
)

type demoRequest struct {
	meta    *qosbroker.Meta
	dataset string
	adaptor string
}

func newDemoRequest(user, dataset, adaptor string) *demoRequest {
	r := &demoRequest{
		meta:    qosbroker.NewMeta(user),
		dataset: dataset,
		adaptor: adaptor,
	}
	r.meta.SetAttr("dataset", dataset)
	r.meta.SetAttr("adaptor", adaptor)
	r.meta.SetCost(float64(rand.Intn(200*1024*1024)), float64(rand.Intn(3600)))
	return r
}

func (r *demoRequest) Meta() *qosbroker.Meta { return r.meta }

func (r *demoRequest) Execute() error {
	sleep := time.Duration(rand.Intn(10)) * time.Second
	slog.Info("running", "request", r.meta.ID(), "user", r.meta.User(),
		"dataset", r.dataset, "adaptor", r.adaptor, "duration", sleep)
	time.Sleep(sleep)

	if rand.Intn(10) == 0 {
		return fmt.Errorf("request %d failed", r.meta.ID())
	}
	return nil
}

func main() {
	cfg, err := config.NewLoader(config.WithConfigPaths("cmd/demo/broker.yaml", "broker.yaml")).Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger.InitWithConfig(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	registry := expr.NewRegistry()
	registry.Register("dataset", attribute("dataset"))
	registry.Register("adaptor", attribute("adaptor"))

	env := qosbroker.NewEnvironment()

	opts := []qosbroker.Option{qosbroker.WithRegistry(registry)}
	if cfg.Dashboard.Enabled {
		opts = append(opts, qosbroker.WithDashboard(cfg.Dashboard.Port))
		slog.Info("dashboard enabled", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	broker, err := qosbroker.NewFromFile(cfg.RulesPath, cfg.Workers, env, opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	broker.Status(os.Stdout)

	broker.Pause()
	for range 40 {
		broker.Enqueue(newDemoRequest(
			users[rand.Intn(len(users))],
			datasets[rand.Intn(len(datasets))],
			adaptors[rand.Intn(len(adaptors))],
		))
	}

	go flapConfiguration(broker, env)
	broker.Resume()

	slog.Info("end of work, flushing")
	broker.Shutdown()
	slog.Info("done")
}

// attribute builds a rule function that reads a request attribute set
// with SetAttr, e.g. dataset or adaptor.
func attribute(name string) expr.Func {
	return func(ctx *expr.Context, args ...expr.Value) (expr.Value, error) {
		v, ok := ctx.Request.Attr(name)
		if !ok {
			return nil, fmt.Errorf("request has no %s", name)
		}
		return expr.FromGo(v), nil
	}
}

// flapConfiguration periodically toggles adaptor availability and
// resizes the pool while work remains.
func flapConfiguration(broker *qosbroker.Broker, env *qosbroker.Environment) {
	for broker.KnownRequests() > 0 {
		time.Sleep(20 * time.Second)

		adaptor := adaptors[rand.Intn(len(adaptors))]
		if rand.Intn(2) == 0 {
			env.EnableResource(adaptor)
		} else {
			env.DisableResource(adaptor)
		}

		broker.SetNumberOfWorkers(1 + rand.Intn(5))
		broker.Status(os.Stdout)
	}
}
