// Package worker runs blocking backend work off the event loop. Results come
// back as completions that the loop applies on its own goroutine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotStarted     = errors.New("worker: pool not started")
	ErrStopped        = errors.New("worker: pool stopped")
	ErrAlreadyStarted = errors.New("worker: pool already started")
	ErrQueueFull      = errors.New("worker: queue full")
	ErrNilPost        = errors.New("worker: completion sink is nil")
	ErrStopTimeout    = errors.New("worker: timeout waiting for workers to stop")
	ErrJobPanic       = errors.New("worker: job panicked")
)

// Job is one unit of blocking work. Run executes on a worker goroutine and
// returns a function the loop applies afterwards; it may return nil.
type Job struct {
	Name string
	Run  func(ctx context.Context) func()
	// Failed is applied on the loop instead when Run panics.
	Failed func(err error)
}

// Post hands a completion to the event loop. It must not block for long.
type Post func(apply func())

type Config struct {
	Workers   int
	QueueSize int
}

func DefaultConfig() Config {
	return Config{Workers: 4, QueueSize: 256}
}

type metrics struct {
	submitted prometheus.Counter
	dropped   prometheus.Counter
	failed    prometheus.Counter
	duration  *prometheus.HistogramVec
}

type Option func(*Pool)

// WithRegisterer exports pool metrics under namespace "edgekv", subsystem
// "worker".
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *Pool) { p.reg = reg }
}

// Pool is a fixed set of goroutines reading a bounded queue. Submit never
// blocks.
type Pool struct {
	cfg  Config
	post Post
	jobs chan Job
	wg   sync.WaitGroup
	reg  prometheus.Registerer
	m    *metrics

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

func NewPool(cfg Config, post Post, opts ...Option) (*Pool, error) {
	if post == nil {
		return nil, ErrNilPost
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	p := &Pool{cfg: cfg, post: post, jobs: make(chan Job, cfg.QueueSize)}
	for _, opt := range opts {
		opt(p)
	}
	if p.reg != nil {
		if err := p.initMetrics(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pool) initMetrics() error {
	m := &metrics{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgekv", Subsystem: "worker", Name: "submitted_total",
			Help: "Jobs accepted by the worker pool.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgekv", Subsystem: "worker", Name: "dropped_total",
			Help: "Jobs rejected because the queue was full.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgekv", Subsystem: "worker", Name: "failed_total",
			Help: "Jobs that panicked.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "edgekv", Subsystem: "worker", Name: "job_duration_seconds",
			Help:    "Time spent running jobs.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"job"}),
	}
	for _, c := range []prometheus.Collector{m.submitted, m.dropped, m.failed, m.duration} {
		if err := p.reg.Register(c); err != nil {
			return fmt.Errorf("worker: register metrics: %w", err)
		}
	}
	p.m = m
	return nil
}

func (p *Pool) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
	p.started = true
	log.Debug().Msgf("worker.Pool.Start workers=%d queue=%d", p.cfg.Workers, p.cfg.QueueSize)
	return nil
}

// Submit queues job or fails fast with ErrQueueFull.
func (p *Pool) Submit(job Job) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if !p.started {
		return ErrNotStarted
	}
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		p.submitted.Add(1)
		if p.m != nil {
			p.m.submitted.Inc()
		}
		return nil
	default:
		p.dropped.Add(1)
		if p.m != nil {
			p.m.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// Stop lets queued jobs finish, then waits up to timeout for the workers.
func (p *Pool) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.jobs)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.execute(ctx, job)
		}
	}
}

func (p *Pool) execute(ctx context.Context, job Job) {
	start := time.Now()
	apply, err := p.safeRun(ctx, job)
	p.processed.Add(1)
	if p.m != nil {
		p.m.duration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		p.failed.Add(1)
		if p.m != nil {
			p.m.failed.Inc()
		}
		log.Error().Msgf("worker.Pool.execute job=%q err=%v", job.Name, err)
		if job.Failed != nil {
			p.post(func() { job.Failed(err) })
		}
		return
	}
	if apply != nil {
		p.post(apply)
	}
}

func (p *Pool) safeRun(ctx context.Context, job Job) (apply func(), err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanic, r)
		}
	}()
	return job.Run(ctx), nil
}

// Stats is a point-in-time snapshot.
type Stats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool) Stats() Stats {
	return Stats{
		Workers:    p.cfg.Workers,
		QueueSize:  p.cfg.QueueSize,
		QueueDepth: len(p.jobs),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}
