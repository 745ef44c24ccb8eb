package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jward/symcache/internal/buildargs"
	serrors "github.com/jward/symcache/internal/errors"
	"github.com/jward/symcache/internal/extract"
)

// MaxWorkers caps the pool size regardless of configuration.
const MaxWorkers = 32

const (
	DefaultRequestTimeout = 2 * time.Minute
	DefaultGrace          = 5 * time.Second
	DefaultStartTimeout   = 30 * time.Second
)

// DefaultWorkers is half the CPUs, between 1 and 8.
func DefaultWorkers() int {
	return max(1, min(runtime.NumCPU()/2, 8))
}

// Config sizes and times the pool. Zero values take the defaults.
type Config struct {
	Workers        int
	RequestTimeout time.Duration
	Grace          time.Duration
	StartTimeout   time.Duration
	Hello          Hello
	Logger         *slog.Logger
}

// Job is one translation unit to extract.
type Job struct {
	Path string
	Args buildargs.Args
}

// Outcome is the answer for one Job. Exactly one of Facts and Err is set.
type Outcome struct {
	Job      Job
	Facts    *extract.Facts
	Err      error
	Worker   int
	Duration time.Duration
}

// Pool dispatches jobs over a bounded set of workers.
type Pool struct {
	launcher Launcher
	cfg      Config
	logger   *slog.Logger
}

// NewPool creates a pool; no worker starts until Run.
func NewPool(l Launcher, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}
	cfg.Workers = min(cfg.Workers, MaxWorkers)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	cfg.Hello.SkipSchemaCheck = true
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{launcher: l, cfg: cfg, logger: logger}
}

// Workers is the configured pool size.
func (p *Pool) Workers() int { return p.cfg.Workers }

// Batch is a running extraction.
type Batch struct {
	results chan Outcome
	done    chan struct{}
	err     error
	workers int
}

// Results delivers outcomes as workers finish them and is closed when the
// batch ends. Consumers must drain it.
func (b *Batch) Results() <-chan Outcome { return b.results }

// Wait blocks until every worker has stopped.
func (b *Batch) Wait() error {
	<-b.done
	return b.err
}

// Workers is the number of workers that started.
func (b *Batch) Workers() int { return b.workers }

// Run starts workers and dispatches jobs. It fails with ResourceExhausted
// only if no worker could be started. Cancelling ctx stops dispatch; files
// in flight get the grace period and are delivered if they finish in it.
// Jobs never dispatched produce no outcome.
func (p *Pool) Run(ctx context.Context, jobs []Job) (*Batch, error) {
	n := min(p.cfg.Workers, len(jobs))
	b := &Batch{done: make(chan struct{})}
	if n == 0 {
		b.results = make(chan Outcome)
		close(b.results)
		close(b.done)
		return b, nil
	}

	var sessions []*session
	var lastErr error
	for i := 0; i < n; i++ {
		s, err := p.launch(ctx)
		if err != nil {
			p.logger.Warn("worker failed to start", slog.Int("worker", i), slog.String("error", err.Error()))
			lastErr = err
			continue
		}
		sessions = append(sessions, s)
	}
	if len(sessions) == 0 {
		return nil, serrors.New(serrors.KindResourceExhausted, "start workers", lastErr).WithRecoverable(true)
	}
	b.workers = len(sessions)

	queue := make(chan Job, len(jobs))
	for _, j := range jobs {
		queue <- j
	}
	close(queue)

	b.results = make(chan Outcome, 2*len(sessions))
	var g errgroup.Group
	for i, s := range sessions {
		g.Go(func() error {
			return p.work(ctx, i, s, queue, b.results)
		})
	}
	go func() {
		b.err = g.Wait()
		close(b.results)
		close(b.done)
	}()
	return b, nil
}

// launch starts a worker and completes the handshake.
func (p *Pool) launch(ctx context.Context) (*session, error) {
	conn, err := p.launcher.Launch(ctx)
	if err != nil {
		if serrors.KindOf(err) == "" {
			err = serrors.New(serrors.KindResourceExhausted, "launch worker", err)
		}
		return nil, err
	}
	s := newSession(conn)
	hello := p.cfg.Hello
	if err := conn.Send(&Message{Type: TypeHello, Hello: &hello}); err != nil {
		s.stop(false, 0)
		return nil, serrors.New(serrors.KindResourceExhausted, "send hello", err)
	}
	if _, err := s.await(ctx, p.cfg.StartTimeout, 0, func(m *Message) bool {
		return m.Type == TypeReady
	}); err != nil {
		s.stop(false, 0)
		return nil, serrors.New(serrors.KindResourceExhausted, "worker handshake", err)
	}
	return s, nil
}

// work is one worker slot: it takes jobs until the queue is empty or ctx
// is cancelled, replacing its worker after a crash or timeout.
func (p *Pool) work(ctx context.Context, slot int, s *session, queue <-chan Job, out chan<- Outcome) error {
	defer func() {
		if s != nil {
			s.stop(true, p.cfg.Grace)
		}
	}()

	var id uint64
	for {
		if ctx.Err() != nil {
			return nil
		}
		var job Job
		select {
		case j, ok := <-queue:
			if !ok {
				return nil
			}
			job = j
		case <-ctx.Done():
			return nil
		}

		if s == nil {
			var err error
			if s, err = p.launch(ctx); err != nil {
				out <- Outcome{Job: job, Err: err, Worker: slot}
				continue
			}
		}

		id++
		start := time.Now()
		res, err := p.request(ctx, s, id, job)
		o := Outcome{Job: job, Worker: slot, Duration: time.Since(start)}
		switch {
		case err == nil && res.Error != "":
			o.Err = serrors.New(serrors.KindExtraction, "extract", errors.New(res.Error)).WithPath(job.Path)
		case err == nil:
			o.Facts = res.Facts
		case ctx.Err() != nil:
			s.stop(false, 0)
			s = nil
			return nil
		default:
			p.logger.Warn("worker lost, restarting",
				slog.Int("worker", slot),
				slog.String("path", job.Path),
				slog.String("error", err.Error()),
			)
			o.Err = serrors.New(serrors.KindExtraction, "extract", err).WithPath(job.Path)
			s.stop(false, 0)
			s = nil
		}
		out <- o
	}
}

func (p *Pool) request(ctx context.Context, s *session, id uint64, job Job) (*Result, error) {
	req := &Request{ID: id, Path: job.Path, Args: job.Args.List, Fallback: job.Args.Fallback}
	if err := s.conn.Send(&Message{Type: TypeExtract, Request: req}); err != nil {
		return nil, fmt.Errorf("%w: %v", errWorkerExited, err)
	}
	m, err := s.await(ctx, p.cfg.RequestTimeout, p.cfg.Grace, func(m *Message) bool {
		return m.Type == TypeResult && m.Result != nil && m.Result.ID == id
	})
	if err != nil {
		return nil, err
	}
	return m.Result, nil
}
