// Package semivalue implements the Monte Carlo semi-value estimation
// engine: sampling workers, the shared aggregation table, stopping
// conditions and the run orchestration that ties them together.
package semivalue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/valuation-lab/semival/subsets"
	"github.com/valuation-lab/semival/utility"
	"github.com/valuation-lab/semival/weights"
)

// DefaultMaxIterations caps stability-based runs that never settle.
const DefaultMaxIterations = 100000

// DefaultCheckInterval is how many iterations pass between snapshot polls
// of the stopping condition.
const DefaultCheckInterval = 16

// DefaultMaxConsecutiveFailures is the per-worker budget of back-to-back
// dropped samples before the worker gives up.
const DefaultMaxConsecutiveFailures = 10

// ErrAllWorkersFailed reports that every sampling worker exceeded its
// consecutive-failure budget; the accompanying Result still carries the
// partial estimates accumulated before the collapse.
var ErrAllWorkersFailed = errors.New("all sampling workers exceeded their failure budget")

// State is the engine lifecycle phase.
type State int32

const (
	StateConfiguring State = iota
	StateRunning
	StateReported
)

func (s State) String() string {
	switch s {
	case StateConfiguring:
		return "configuring"
	case StateRunning:
		return "running"
	case StateReported:
		return "reported"
	}
	return "unknown"
}

// Options configures an estimation run.
type Options struct {
	// Scheme is the weighting scheme. The zero value is plain Shapley.
	Scheme weights.Scheme
	// Threads is the worker pool size; 0 means runtime.NumCPU().
	Threads int
	// Stopper is the stopping rule. Required.
	Stopper StoppingCondition
	// MaxIterations is a hard cutoff on sampling iterations; 0 means
	// DefaultMaxIterations.
	MaxIterations uint64
	// CheckInterval is the snapshot poll interval in iterations; 0 means
	// DefaultCheckInterval.
	CheckInterval uint64
	// MaxConsecutiveFailures is the per-worker failure budget; 0 means
	// DefaultMaxConsecutiveFailures.
	MaxConsecutiveFailures int
}

// LogIteration is one line of the optional iteration log stream, for debug
// and offline analysis.
type LogIteration struct {
	Iteration     uint64            `json:"iteration" yaml:"iteration"`
	Worker        int               `json:"worker" yaml:"worker"`
	Contributions []LogContribution `json:"contributions" yaml:"contributions,flow"`
}

// LogContribution is a single merged sample within an iteration.
type LogContribution struct {
	Point    int     `json:"point" yaml:"point"`
	Size     int     `json:"size" yaml:"size"`
	Marginal float64 `json:"marginal" yaml:"marginal"`
	Weight   float64 `json:"weight" yaml:"weight"`
}

// Engine orchestrates one semi-value estimation run: it fans sampling
// iterations out over a fixed-size worker pool, merges the resulting
// contributions into the shared Aggregator, polls the stopping condition
// and reports the final per-point estimates with their uncertainty.
//
// An Engine runs once: Configuring → Running → Reported.
type Engine struct {
	ev      utility.Evaluator
	n       int
	opts    Options
	sampler Sampler
	agg     *Aggregator

	state          atomic.Int32
	iterationCount atomic.Uint64
	evalCount      atomic.Uint64
	failedSamples  atomic.Uint64
	healthyWorkers atomic.Int32
	runFailed      atomic.Bool
	cutoffReached  atomic.Bool

	logStream io.Writer
	closers   []io.Closer
}

// New validates the configuration and builds an engine for a dataset of n
// points. Invalid configuration is fatal and reported immediately; no
// partial run is attempted.
func New(ev utility.Evaluator, n int, opts Options) (*Engine, error) {
	if ev == nil {
		return nil, errors.New("utility evaluator is required")
	}
	if n < 1 {
		return nil, fmt.Errorf("dataset size must be at least 1, got %d", n)
	}
	if opts.Stopper == nil {
		return nil, errors.New("a stopping condition is required")
	}
	if opts.Threads < 0 {
		return nil, fmt.Errorf("worker pool size must not be negative, got %d", opts.Threads)
	}
	if opts.Threads == 0 {
		opts.Threads = max(1, runtime.NumCPU())
	}
	if opts.MaxIterations == 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.CheckInterval == 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.MaxConsecutiveFailures == 0 {
		opts.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if err := opts.Scheme.CheckNormalization(n); err != nil {
		return nil, err
	}
	e := &Engine{
		ev:   ev,
		n:    n,
		opts: opts,
		agg:  NewAggregator(n),
	}
	counting := utility.Func(func(ctx context.Context, s subsets.Set) (float64, error) {
		e.evalCount.Add(1)
		return ev.Evaluate(ctx, s)
	})
	e.sampler = NewSampler(opts.Scheme, n, counting)
	return e, nil
}

// SetLogStream directs a YAML record of every sampling iteration to l.
// Must be called before Run.
func (e *Engine) SetLogStream(l io.Writer) {
	e.logStream = l
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

// Iterations returns the number of sampling iterations started so far.
func (e *Engine) Iterations() uint64 {
	return e.iterationCount.Load()
}

// Evaluations returns the number of utility evaluations requested so far
// (cache hits included).
func (e *Engine) Evaluations() uint64 {
	return e.evalCount.Load()
}

// Close releases resources attached by FromConfig (such as a persistent
// utility cache). Safe to call after Run.
func (e *Engine) Close() error {
	var firstErr error
	for _, c := range e.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.closers = nil
	return firstErr
}

// Run executes the estimation until the stopping condition fires, the
// iteration cutoff is reached, the context is cancelled, or every worker
// dies. It blocks; cancel ctx to stop early. Cancellation takes effect at
// sampling-iteration boundaries and never discards merged estimates: the
// returned Result holds the best-effort partial values, tagged with
// StatusCancelled. The error is non-nil only for StatusFailed.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if !e.state.CompareAndSwap(int32(StateConfiguring), int32(StateRunning)) {
		return nil, fmt.Errorf("engine already %v; engines run once", e.State())
	}
	logger := zerolog.Ctx(ctx)

	e.opts.Stopper.Reset()
	e.healthyWorkers.Store(int32(e.opts.Threads))
	tstart := time.Now()

	log.Debug().Int("threads", e.opts.Threads).Int("points", e.n).
		Stringer("scheme", e.opts.Scheme).Msg("starting estimation run")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logChan := make(chan []byte)
	logDone := make(chan bool)
	writer := errgroup.Group{}
	if e.logStream != nil {
		writer.Go(func() error {
			for {
				select {
				case b := <-logChan:
					e.logStream.Write(b)
				case <-logDone:
					return nil
				}
			}
		})
	}

	g := errgroup.Group{}
	for t := 0; t < e.opts.Threads; t++ {
		g.Go(func() error {
			defer logger.Debug().Int("worker", t).Msg("worker exiting")
			return e.runWorker(ctx, t, cancel, logChan)
		})
	}
	err := g.Wait()

	if e.logStream != nil {
		close(logDone)
		writer.Wait()
	}

	elapsed := time.Since(tstart)
	iters := e.iterationCount.Load()
	evals := e.evalCount.Load()
	log.Info().Uint64("iterations", iters).Uint64("evaluations", evals).
		Float64("evals-per-sec", float64(evals)/elapsed.Seconds()).
		Msg("estimation run ended")

	result := e.report(ctx, elapsed)
	e.state.Store(int32(StateReported))

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return result, err
	}
	if result.Status == StatusFailed {
		return result, ErrAllWorkersFailed
	}
	return result, nil
}

func (e *Engine) report(ctx context.Context, elapsed time.Duration) *Result {
	snap := e.agg.Snapshot()
	values := make([]Value, len(snap))
	for i, p := range snap {
		values[i] = Value{Index: i, Estimate: p.Mean, StdErr: p.StdErr, Updates: p.Updates}
	}

	status := StatusCancelled
	switch {
	case e.runFailed.Load():
		status = StatusFailed
	case e.opts.Stopper.Done():
		status = e.opts.Stopper.Outcome()
	case e.cutoffReached.Load():
		status = StatusBudgetExhausted
	}
	if status == StatusCancelled && ctx.Err() == nil {
		// Workers stopped without cancellation or a latched condition; the
		// only remaining cause is the cutoff racing the latch.
		status = StatusBudgetExhausted
	}

	return &Result{
		Status:        status,
		Converged:     status == StatusConverged,
		Values:        values,
		Iterations:    e.iterationCount.Load(),
		Evaluations:   e.evalCount.Load(),
		FailedSamples: e.failedSamples.Load(),
		Elapsed:       elapsed,
	}
}

func (e *Engine) runWorker(ctx context.Context, t int, cancel context.CancelFunc, logChan chan []byte) error {
	logger := zerolog.Ctx(ctx)
	consecutive := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		iter := e.iterationCount.Add(1)

		var logIter *LogIteration
		if e.logStream != nil {
			logIter = &LogIteration{Iteration: iter - 1, Worker: t}
		}

		workerFatal := false
		emit := func(c Contribution) bool {
			e.agg.Merge(c.Point, c.Weighted())
			e.opts.Stopper.Record(1)
			consecutive = 0
			if logIter != nil {
				logIter.Contributions = append(logIter.Contributions, LogContribution{
					Point: c.Point, Size: c.SubsetSize, Marginal: c.Marginal, Weight: c.Weight,
				})
			}
			return !e.opts.Stopper.Done()
		}
		fail := func(sampleErr error) bool {
			e.failedSamples.Add(1)
			consecutive++
			logger.Debug().Err(sampleErr).Int("worker", t).Uint64("iteration", iter).
				Msg("dropping failed sample")
			if consecutive > e.opts.MaxConsecutiveFailures {
				workerFatal = true
				return false
			}
			return true
		}

		if err := e.sampler.SampleIteration(ctx, emit, fail); err != nil {
			// Only context cancellation reaches here.
			return nil
		}

		if workerFatal {
			remaining := e.healthyWorkers.Add(-1)
			log.Error().Int("worker", t).Int("consecutive-failures", consecutive).
				Int32("healthy-workers", remaining).Msg("worker exceeded failure budget")
			if remaining <= 0 {
				e.runFailed.Store(true)
				cancel()
			}
			// Degrade to the remaining workers rather than aborting the run.
			return nil
		}

		if logIter != nil {
			out, err := yaml.Marshal([]LogIteration{*logIter})
			if err != nil {
				logger.Error().Err(err).Msg("marshalling iteration log")
			} else {
				select {
				case logChan <- out:
				case <-ctx.Done():
					return nil
				}
			}
		}

		if e.opts.Stopper.Done() {
			logger.Debug().Uint64("iteration", iter).Msg("stopping condition latched")
			cancel()
			return nil
		}
		if iter >= e.opts.MaxIterations {
			logger.Info().Uint64("iteration", iter).Msg("iteration cutoff reached")
			e.cutoffReached.Store(true)
			cancel()
			return nil
		}
		if iter%e.opts.CheckInterval == 0 {
			if e.opts.Stopper.ShouldStop(e.agg.Snapshot()) {
				logger.Info().Uint64("iteration", iter).Msg("reached stopping condition")
				cancel()
				return nil
			}
		}
	}
}
