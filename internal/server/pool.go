package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/whitelistd/whitelistd/internal/gate"
)

var (
	errQueueFull = errors.New("request queue is full")
	errStopping  = errors.New("worker pool is stopping")
)

// job is one request waiting for a worker. done is closed once the worker
// has written the response.
type job struct {
	w        http.ResponseWriter
	r        *http.Request
	enqueued time.Time
	done     chan struct{}
}

// pool is a fixed set of workers fed by a bounded queue. It implements
// http.Handler: the connection goroutine enqueues the request and waits
// until a worker has answered it.
type pool struct {
	threads int
	queue   chan *job
	process func(worker int, j *job)
	logger  *slog.Logger

	group  *errgroup.Group
	cancel context.CancelFunc

	stopping chan struct{} // closed when no new jobs are accepted
	stopped  chan struct{} // closed after every worker has returned
	stopOnce sync.Once
	err      error
}

func newPool(threads, queueSize int, process func(int, *job), logger *slog.Logger) *pool {
	if threads < 1 {
		threads = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &pool{
		threads:  threads,
		queue:    make(chan *job, queueSize),
		process:  process,
		logger:   logger,
		stopping: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// start launches the workers plus any background loops that should share
// their lifetime. It must be called at most once.
func (p *pool) start(background ...func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	p.cancel = cancel
	p.group = g

	for i := 0; i < p.threads; i++ {
		id := i
		g.Go(func() error {
			p.work(ctx, id)
			return nil
		})
	}
	for _, fn := range background {
		g.Go(func() error { return fn(ctx) })
	}
}

// work is the worker loop. Receiving the next job is its only blocking
// point; ctx cancellation releases it.
func (p *pool) work(ctx context.Context, id int) {
	p.logger.Debug("worker started", "worker", id)
	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("worker stopped", "worker", id)
			return
		case j := <-p.queue:
			p.process(id, j)
		}
	}
}

// stop refuses new jobs, releases every worker and waits for them.
// Jobs still queued are answered 503 by their waiting handlers.
func (p *pool) stop() error {
	p.stopOnce.Do(func() {
		close(p.stopping)
		if p.cancel != nil {
			p.cancel()
			p.err = p.group.Wait()
		}
		close(p.stopped)
	})
	return p.err
}

func (p *pool) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-p.stopping:
		unavailable(w)
		return
	default:
	}

	j := &job{w: w, r: r, enqueued: time.Now(), done: make(chan struct{})}
	select {
	case p.queue <- j:
	case <-p.stopping:
		unavailable(w)
		return
	case <-r.Context().Done():
		return
	}

	select {
	case <-j.done:
	case <-p.stopped:
		// No worker is left; answer unless one finished the job first.
		select {
		case <-j.done:
		default:
			unavailable(w)
		}
	}
}

func (p *pool) depth() int {
	return len(p.queue)
}

// probe reports the pool as unhealthy while stopping or when saturated.
func (p *pool) probe() error {
	select {
	case <-p.stopping:
		return errStopping
	default:
	}
	if len(p.queue) == cap(p.queue) {
		return errQueueFull
	}
	return nil
}

func unavailable(w http.ResponseWriter) {
	http.Error(w, "service unavailable", http.StatusServiceUnavailable)
}

// process runs one job on a worker. A panicking handler is logged and
// answered with 500; the worker keeps running.
func (s *Server) process(worker int, j *job) {
	rec := &statusRecorder{ResponseWriter: j.w}
	defer func() {
		if v := recover(); v != nil {
			s.metrics.IncWorkerPanics()
			s.logger.Error("request handler panicked",
				"worker", worker,
				"path", j.r.URL.Path,
				"panic", v,
				"stack", string(debug.Stack()))
			if !rec.wroteHeader {
				http.Error(rec, "internal server error", http.StatusInternalServerError)
			}
		}
		s.metrics.ObserveRequest(gate.Route(j.r.URL.Path), rec.code(), time.Since(j.enqueued))
		close(j.done)
	}()

	s.dispatch.ServeHTTP(rec, j.r)
}

// runPruner sweeps expired entries every interval until ctx is done.
func (s *Server) runPruner(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.prune()
		}
	}
}

func (s *Server) prune() {
	n := s.cache.Prune()
	s.metrics.AddPruned(n)
	if n > 0 {
		s.logger.Info("pruned expired whitelist entries", "removed", n, "remaining", s.cache.Len())
		return
	}
	s.logger.Debug("prune found nothing to remove", "entries", s.cache.Len())
}

// statusRecorder remembers the status code written through it.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.status = code
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) code() int {
	if !r.wroteHeader {
		return http.StatusOK
	}
	return r.status
}
