package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pzhenzhou/pipekv/pkg/backend"
	"github.com/pzhenzhou/pipekv/pkg/client"
	"github.com/pzhenzhou/pipekv/pkg/common"
	"github.com/pzhenzhou/pipekv/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

type benchResult struct {
	Requests   int
	Elapsed    time.Duration
	Reconnects int64
	Retries    int64
}

func (r benchResult) RequestsPerSecond() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Requests) / r.Elapsed.Seconds()
}

func (r benchResult) String() string {
	return fmt.Sprintf("%d requests in %.3fs, %.0f requests/s, %d reconnects, %d retries", r.Requests,
		r.Elapsed.Seconds(), r.RequestsPerSecond(), r.Reconnects, r.Retries)
}

// newBenchMetrics records per-command latency and error kinds of blocking calls in memory.
func newBenchMetrics() (metrics.MetricsCollector, *metrics.MetricsMiddleWare, error) {
	collector, err := metrics.NewMetricsCollector(metrics.NewConfig("pipekv-bench", metrics.InMemorySink))
	if err != nil {
		return nil, nil, err
	}
	return collector, metrics.NewMetricsMiddlewareWithOptions(collector, true, client.ErrorKind), nil
}

// runBench writes the key once, then issues cfg.Requests GETs split across cfg.Concurrency
// workers sharing one client. Every reply must equal the written value.
func runBench(ctx context.Context, cfg *common.BenchConfig, mw *metrics.MetricsMiddleWare) (benchResult, error) {
	var opts []client.Option
	if mw != nil {
		opts = append(opts, client.WithMetrics(mw))
	}
	c, err := client.Open(ctx, cfg.Client.Addr, &cfg.Client, opts...)
	if err != nil {
		return benchResult{}, err
	}
	defer c.Close()

	reply, err := c.Call(ctx, "SET", cfg.Key, cfg.Value)
	if err != nil {
		return benchResult{}, err
	}
	if err := reply.Err(); err != nil {
		return benchResult{}, err
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for worker, n := range splitRequests(cfg.Requests, cfg.Concurrency) {
		g.Go(func() error {
			if cfg.Pipeline > 1 {
				return pipelinedWorker(gctx, c, cfg, n)
			}
			return blockingWorker(gctx, c, cfg, n, worker)
		})
	}
	if err := g.Wait(); err != nil {
		return benchResult{}, err
	}
	elapsed := time.Since(start)
	stats := c.Stats()
	return benchResult{
		Requests:   cfg.Requests,
		Elapsed:    elapsed,
		Reconnects: stats.Reconnects,
		Retries:    stats.Retries,
	}, nil
}

func splitRequests(total, workers int) []int {
	out := make([]int, workers)
	for i := range out {
		out[i] = total / workers
		if i < total%workers {
			out[i]++
		}
	}
	return out
}

func blockingWorker(ctx context.Context, c *client.Client, cfg *common.BenchConfig, n, worker int) error {
	for i := 0; i < n; i++ {
		reply, err := c.Call(ctx, "GET", cfg.Key)
		if err != nil {
			return fmt.Errorf("worker %d request %d: %w", worker, i, err)
		}
		if reply.Text() != cfg.Value {
			return fmt.Errorf("worker %d request %d: unexpected reply %s", worker, i, reply)
		}
	}
	return nil
}

// pipelinedWorker keeps up to cfg.Pipeline GETs in flight and checks replies oldest first.
func pipelinedWorker(ctx context.Context, c *client.Client, cfg *common.BenchConfig, n int) error {
	window := make([]*backend.PendingRequest, 0, cfg.Pipeline)
	check := func(req *backend.PendingRequest) error {
		reply, err := req.Wait(ctx)
		if err != nil {
			return err
		}
		if reply.Text() != cfg.Value {
			return fmt.Errorf("request %d: unexpected reply %s", req.Seq, reply)
		}
		return nil
	}
	for i := 0; i < n; i++ {
		if len(window) == cfg.Pipeline {
			if err := check(window[0]); err != nil {
				return err
			}
			window = window[1:]
		}
		req, err := c.Go(ctx, "GET", cfg.Key)
		if err != nil {
			return err
		}
		window = append(window, req)
	}
	for _, req := range window {
		if err := check(req); err != nil {
			return err
		}
	}
	return nil
}
