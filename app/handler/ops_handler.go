package handler

import (
	"context"
	"net/http"
	"time"

	"actionworker/internal/model"
	"actionworker/internal/service"
	"actionworker/pkg/logger"
	storemodel "actionworker/pkg/store/mysql/model"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
)

const readinessTimeout = 3 * time.Second

// ReadinessCheck is one dependency probed by /readyz
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// QueueInspector reports the state of the consumed queue
type QueueInspector interface {
	Queue() string
	QueueInfo() (*asynq.QueueInfo, error)
}

// OpsHandler serves health, readiness and worker status
type OpsHandler struct {
	checks   []ReadinessCheck
	worker   service.WorkerIdentity
	inFlight func() string
	queue    QueueInspector
}

// NewOpsHandler creates a new ops handler; queue may be nil
func NewOpsHandler(worker service.WorkerIdentity, inFlight func() string, queue QueueInspector, checks ...ReadinessCheck) *OpsHandler {
	if inFlight == nil {
		inFlight = func() string { return "" }
	}
	return &OpsHandler{
		checks:   checks,
		worker:   worker,
		inFlight: inFlight,
		queue:    queue,
	}
}

// WorkerStatus is the body of GET /v1/worker
type WorkerStatus struct {
	Worker         *storemodel.Worker     `json:"worker"`
	Hardware       model.WorkerDescriptor `json:"hardware"`
	InFlightAction string                 `json:"inFlightAction,omitempty"`
	Queue          *QueueStatus           `json:"queue,omitempty"`
}

// QueueStatus job counts of the worker queue
type QueueStatus struct {
	Name      string `json:"name"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

// Healthz reports that the process is alive
func (h *OpsHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readyz probes every dependency and fails if any of them is down
func (h *OpsHandler) Readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	failures := make(map[string]string)
	for _, check := range h.checks {
		if err := check.Check(ctx); err != nil {
			logger.WarnCtx(ctx, "readiness check %s failed: %v", check.Name, err)
			failures[check.Name] = err.Error()
		}
	}
	if len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "failures": failures})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Worker returns the registered worker, its hardware and what it is running
func (h *OpsHandler) Worker(c *gin.Context) {
	worker, desc := h.worker.Current()
	if worker == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "worker not registered"})
		return
	}

	status := WorkerStatus{
		Worker:         worker,
		Hardware:       desc,
		InFlightAction: h.inFlight(),
	}
	if h.queue != nil {
		info, err := h.queue.QueueInfo()
		if err != nil {
			logger.WarnCtx(c.Request.Context(), "failed to inspect queue %s: %v", h.queue.Queue(), err)
		} else {
			status.Queue = &QueueStatus{
				Name:      h.queue.Queue(),
				Pending:   info.Pending,
				Active:    info.Active,
				Scheduled: info.Scheduled,
				Retry:     info.Retry,
				Archived:  info.Archived,
			}
		}
	}
	c.JSON(http.StatusOK, status)
}
