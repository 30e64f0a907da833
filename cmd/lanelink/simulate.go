package main

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/postalsys/lanelink/internal/config"
	"github.com/postalsys/lanelink/internal/lane"
	"github.com/postalsys/lanelink/internal/lifecycle"
	"github.com/postalsys/lanelink/internal/link"
	"github.com/postalsys/lanelink/internal/logging"
	"github.com/postalsys/lanelink/internal/metrics"
)

// simResult is the terminal outcome of one simulated request.
type simResult struct {
	req  config.SimRequestConfig
	info lane.LaneLinkInfo
	err  error
	done bool
}

// simRun tracks the outcomes reported by engine callbacks.
type simRun struct {
	mu      sync.Mutex
	results []simResult
	pending int
	changed chan struct{}
}

func newSimRun(reqs []config.SimRequestConfig) *simRun {
	r := &simRun{
		results: make([]simResult, len(reqs)),
		changed: make(chan struct{}, 1),
	}
	for i, req := range reqs {
		r.results[i].req = req
	}
	return r
}

func (r *simRun) callbacks(i int) lane.Callbacks {
	return lane.Callbacks{
		OnSuccess: func(_ uint32, info lane.LaneLinkInfo) { r.finish(i, info, nil) },
		OnFailure: func(_ uint32, _ lane.LinkType, err error) { r.finish(i, lane.LaneLinkInfo{}, err) },
	}
}

func (r *simRun) finish(i int, info lane.LaneLinkInfo, err error) {
	r.mu.Lock()
	if !r.results[i].done {
		r.results[i].info = info
		r.results[i].err = err
		r.results[i].done = true
		r.pending--
	}
	r.mu.Unlock()

	select {
	case r.changed <- struct{}{}:
	default:
	}
}

func (r *simRun) outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

func (r *simRun) snapshot() []simResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]simResult(nil), r.results...)
}

func simulateCmd() *cobra.Command {
	var configPath string
	var wait time.Duration
	var verbose bool

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the configured requests against loopback adapters",
		Long: `Build every request of the simulation section against in-process
loopback adapters, then bind and destroy links as configured and print
what happened. Adapter outcomes are scripted per peer in the config.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			level := "warn"
			if verbose {
				level = "debug"
			}
			logger := logging.NewLogger(level, cfg.Engine.LogFormat)

			engine, err := newEngine(cfg, metrics.NewMetricsWithRegistry(prometheus.NewRegistry()), logger)
			if err != nil {
				return fmt.Errorf("failed to create engine: %w", err)
			}
			if err := engine.Start(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()

			events, err := engine.Watch(ctx, 256)
			if err != nil {
				return err
			}
			var collected []lifecycle.Event
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for ev := range events {
					collected = append(collected, ev)
				}
			}()

			run := simulate(ctx, engine, cfg.Simulation.Requests)
			teardown(ctx, engine, run)

			fmt.Println(titleStyle.Render("Simulation results"))
			printResults(run.snapshot())
			printStatus(engine.Status())

			stopErr := stopEngine(engine, cfg.Engine.StopTimeout)
			wg.Wait()

			if len(collected) > 0 {
				fmt.Println(titleStyle.Render("Events"))
				for _, ev := range collected {
					fmt.Println(formatEvent(ev))
				}
			}
			return stopErr
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "How long to wait for builds and teardowns")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log engine decisions")

	return cmd
}

// simulate issues every request and waits until each accepted one has been
// answered or ctx is done.
func simulate(ctx context.Context, engine *link.Engine, reqs []config.SimRequestConfig) *simRun {
	run := newSimRun(reqs)
	for i, rc := range reqs {
		run.mu.Lock()
		run.pending++
		run.mu.Unlock()

		req, err := rc.LinkRequest()
		if err == nil {
			req.Callbacks = run.callbacks(i)
			err = engine.BuildLink(req)
		}
		if err != nil {
			// Rejected requests never call back.
			run.finish(i, lane.LaneLinkInfo{}, err)
		}
	}

	for run.outstanding() > 0 {
		select {
		case <-run.changed:
		case <-ctx.Done():
			return run
		}
	}
	return run
}

// teardown binds and destroys the links that came up as configured, then
// waits for the engine to finish its teardowns.
func teardown(ctx context.Context, engine *link.Engine, run *simRun) {
	for _, res := range run.snapshot() {
		if res.err != nil || !res.done {
			continue
		}
		if res.req.Business != "" {
			bt, _ := lane.ParseBusinessType(res.req.Business)
			if _, err := engine.BindLane(bt, res.info); err != nil {
				fmt.Println(errorStyle.Render("bind failed:"), err)
			}
		}
		if !res.req.Destroy {
			continue
		}
		if res.req.Business != "" {
			bt, _ := lane.ParseBusinessType(res.req.Business)
			_, _ = engine.UnbindLane(bt, res.info)
		}
		lt, _ := lane.ParseLinkType(res.req.LinkType)
		err := engine.DestroyLink(lane.PeerID(res.req.Peer), res.req.ReqID, lt, res.req.OwnerPID)
		if err != nil {
			fmt.Println(errorStyle.Render("destroy failed:"), err)
		}
	}

	for {
		if err := engine.Flush(ctx); err != nil {
			return
		}
		if len(engine.Teardowns()) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func printResults(results []simResult) {
	if len(results) == 0 {
		fmt.Println(dimStyle.Render("No requests configured"))
		return
	}
	t := newTable("Request", "Peer", "Requested", "Result", "Detail")
	for _, r := range results {
		result, detail := okStyle.Render("up"), r.info.String()
		switch {
		case !r.done:
			result, detail = dimStyle.Render("pending"), "no answer before the wait deadline"
		case r.err != nil:
			result, detail = errorStyle.Render("failed"), r.err.Error()
		case r.info.TypeMismatch():
			result = okStyle.Render("up*")
		}
		t.Row(strconv.FormatUint(uint64(r.req.ReqID), 10), lane.PeerID(r.req.Peer).Short(), r.req.LinkType, result, detail)
	}
	fmt.Println(t)
}
