package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"actionworker/pkg/logger"
	"actionworker/pkg/metrics"
)

const defaultInterval = time.Minute

// run results recorded per job
const (
	resultOK    = "ok"
	resultError = "error"
	resultPanic = "panic"
)

// Job is a periodic background task. Run is called once at start and then
// every Interval until the manager stops.
type Job interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context) error
}

// TimeoutJob bounds a single run; jobs without it are bounded by their interval.
type TimeoutJob interface {
	Job
	Timeout() time.Duration
}

// Manager runs each registered job on its own ticker goroutine.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    []Job
	started bool
	wg      sync.WaitGroup
}

// NewManager creates a job manager canceled together with parent.
func NewManager(parent context.Context) *Manager {
	ctx, cancel := context.WithCancel(parent)
	return &Manager{ctx: ctx, cancel: cancel}
}

// Register adds a job; jobs registered after Start are ignored.
func (m *Manager) Register(job Job) {
	if job == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		logger.WarnCtx(m.ctx, "background job %s registered after start, ignoring", job.Name())
		return
	}
	m.jobs = append(m.jobs, job)
}

// Start launches all registered jobs. Subsequent calls are no-ops.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	for _, job := range m.jobs {
		m.wg.Add(1)
		go m.loop(job)
	}
}

// Stop cancels every job; a run in progress sees its ctx canceled.
func (m *Manager) Stop() {
	m.cancel()
}

// Wait blocks until all job goroutines exit.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) loop(job Job) {
	defer m.wg.Done()

	interval := job.Interval()
	if interval <= 0 {
		interval = defaultInterval
	}
	logger.InfoCtx(m.ctx, "background job %s scheduled every %v", job.Name(), interval)

	m.runOnce(job, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.runOnce(job, interval)
		}
	}
}

func (m *Manager) runOnce(job Job, interval time.Duration) {
	timeout := interval
	if tj, ok := job.(TimeoutJob); ok && tj.Timeout() > 0 {
		timeout = tj.Timeout()
	}
	ctx, cancel := context.WithTimeout(m.ctx, timeout)
	defer cancel()

	start := time.Now()
	result := resultOK
	err := safeRun(ctx, job)
	switch {
	case err == nil:
	case isPanic(err):
		result = resultPanic
		logger.ErrorCtx(ctx, "background job %s %v", job.Name(), err)
	default:
		result = resultError
		logger.WarnCtx(ctx, "background job %s failed after %v: %v", job.Name(), time.Since(start), err)
	}
	metrics.BackgroundRuns.WithLabelValues(job.Name(), result).Inc()
}

type panicError struct {
	value interface{}
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panicked: %v\nstack:\n%s", p.value, p.stack)
}

func isPanic(err error) bool {
	_, ok := err.(*panicError)
	return ok
}

// safeRun converts a panic inside Run into a *panicError
func safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return job.Run(ctx)
}
