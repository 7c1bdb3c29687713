// Package orchestrator runs a batch of acquisition requests through
// resolution, verification and assembly on a bounded worker pool.
//
// Each request ends in exactly one outcome. A failing request never stops
// its siblings, and failed requests are reported rather than retried.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/open-edge-platform/apk-fetcher/internal/apkpackage"
	"github.com/open-edge-platform/apk-fetcher/internal/assembler"
	"github.com/open-edge-platform/apk-fetcher/internal/provider"
	"github.com/open-edge-platform/apk-fetcher/internal/resolver"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/logger"
)

const DefaultWorkers = 4

// Event reports a state transition of the request at Index.
type Event struct {
	Index   int
	Request apkpackage.AcquisitionRequest
	From    apkpackage.State
	To      apkpackage.State
	Outcome *apkpackage.Outcome // set for terminal states
}

// Observer receives events from worker goroutines and must be safe for
// concurrent use.
type Observer func(Event)

// SourceLimits refines the global worker limit for one source.
type SourceLimits struct {
	MaxConcurrency int           // 0 means only the global limit applies
	Interval       time.Duration // minimum spacing between request starts
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWorkers sets the maximum number of requests in flight.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithObserver registers fn for state transitions.
func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, fn) }
}

// WithSourceLimits applies per-source concurrency and pacing.
func WithSourceLimits(kind apkpackage.SourceKind, l SourceLimits) Option {
	return func(o *Orchestrator) {
		if l.MaxConcurrency > 0 {
			o.sems[kind] = semaphore.NewWeighted(int64(l.MaxConcurrency))
		}
		if l.Interval > 0 {
			o.limiters[kind] = rate.NewLimiter(rate.Every(l.Interval), 1)
		}
	}
}

// WithProgress receives downloaded byte counts from every transfer.
func WithProgress(fn func(int64)) Option {
	return func(o *Orchestrator) { o.progress = fn }
}

// Orchestrator drives requests through the pipeline.
type Orchestrator struct {
	resolver  *resolver.Resolver
	assembler *assembler.Assembler
	workers   int
	observers []Observer
	progress  func(int64)
	sems      map[apkpackage.SourceKind]*semaphore.Weighted
	limiters  map[apkpackage.SourceKind]*rate.Limiter
}

// New returns an Orchestrator.
func New(res *resolver.Resolver, asm *assembler.Assembler, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		resolver:  res,
		assembler: asm,
		workers:   DefaultWorkers,
		sems:      map[apkpackage.SourceKind]*semaphore.Weighted{},
		limiters:  map[apkpackage.SourceKind]*rate.Limiter{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run processes reqs and returns one outcome per request, in input order.
// Cancelling ctx stops handing out requests; requests that never started
// fail with Cancelled, and requests already assembling run to completion.
func (o *Orchestrator) Run(ctx context.Context, reqs []apkpackage.AcquisitionRequest) []apkpackage.Outcome {
	log := logger.Logger()
	outcomes := make([]apkpackage.Outcome, len(reqs))
	done := make([]bool, len(reqs))

	workers := o.workers
	if workers > len(reqs) {
		workers = len(reqs)
	}
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				outcomes[i] = o.handle(ctx, i, reqs[i])
				done[i] = true
			}
		}()
	}

feed:
	for i := range reqs {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	for i, req := range reqs {
		if done[i] {
			continue
		}
		err := apkpackage.Wrap(apkpackage.Cancelled, context.Cause(ctx), "%s was not started", req)
		outcomes[i] = apkpackage.FailureOutcome(req, err)
		o.notify(Event{Index: i, Request: req, From: apkpackage.Pending, To: apkpackage.Failed, Outcome: &outcomes[i]})
	}

	failed := 0
	for _, oc := range outcomes {
		if !oc.Succeeded() {
			failed++
		}
	}
	log.Infow("batch finished", "requests", len(reqs), "succeeded", len(reqs)-failed, "failed", failed)
	return outcomes
}

func (o *Orchestrator) notify(e Event) {
	for _, fn := range o.observers {
		fn(e)
	}
}

// handle runs one request to a terminal state. Cancellation is observed
// between phases; assembly runs on a context detached from ctx so an
// interrupt never abandons a half-written download.
func (o *Orchestrator) handle(ctx context.Context, i int, req apkpackage.AcquisitionRequest) apkpackage.Outcome {
	log := logger.Logger().With("app", req.ID, "source", req.Source.String())
	state := apkpackage.Pending
	move := func(to apkpackage.State) {
		o.notify(Event{Index: i, Request: req, From: state, To: to})
		state = to
	}
	finish := func(oc apkpackage.Outcome) apkpackage.Outcome {
		o.notify(Event{Index: i, Request: req, From: state, To: oc.State, Outcome: &oc})
		return oc
	}
	fail := func(err error) apkpackage.Outcome {
		kind := apkpackage.KindOf(err)
		switch {
		case kind.Integrity():
			log.Errorw("integrity check failed", "phase", state.String(), "kind", kind.String(), "error", err)
		case kind == apkpackage.Cancelled:
			log.Infow("request cancelled", "phase", state.String())
		default:
			log.Warnw("request failed", "phase", state.String(), "kind", kind.String(), "error", err)
		}
		return finish(apkpackage.FailureOutcome(req, err))
	}
	checkpoint := func() error {
		if err := ctx.Err(); err != nil {
			return apkpackage.Wrap(apkpackage.Cancelled, err, "stopped before %s", state)
		}
		return nil
	}

	if err := checkpoint(); err != nil {
		return fail(err)
	}
	if sem := o.sems[req.Source]; sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return fail(apkpackage.Wrap(apkpackage.Cancelled, err, "waiting for a %s slot", req.Source))
		}
		defer sem.Release(1)
	}
	if lim := o.limiters[req.Source]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return fail(apkpackage.Wrap(apkpackage.Cancelled, err, "pacing requests to %s", req.Source))
		}
	}

	move(apkpackage.Resolving)
	desc, err := o.resolver.Resolve(ctx, req)
	if err != nil {
		return fail(err)
	}

	if p, err := o.resolver.Provider(req.Source); err == nil {
		if v, ok := p.(provider.Verifier); ok {
			if err := checkpoint(); err != nil {
				return fail(err)
			}
			move(apkpackage.Verifying)
			if err := v.VerifyDescriptor(ctx, desc, req.Options); err != nil {
				return fail(err)
			}
		}
	}

	if err := checkpoint(); err != nil {
		return fail(err)
	}
	move(apkpackage.Assembling)
	d, err := o.assembler.Assemble(context.WithoutCancel(ctx), req, desc, o.progress)
	if err != nil {
		return fail(err)
	}

	oc := apkpackage.SuccessOutcome(req, desc.ResolvedVersion, d.Paths)
	oc.Bytes = d.Bytes
	oc.Split = d.Split
	oc.Skipped = d.Skipped
	oc.Warnings = desc.Warnings
	log.Infow("request succeeded", "version", desc.ResolvedVersion, "files", len(d.Paths), "skipped", d.Skipped)
	return finish(oc)
}
