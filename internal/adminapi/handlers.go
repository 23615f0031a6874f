package adminapi

import (
	"net/http"
	"time"

	"github.com/cm4all-oss/workshopd/internal/control"
	"github.com/cm4all-oss/workshopd/internal/health"
	"github.com/cm4all-oss/workshopd/internal/operator"
	"github.com/cm4all-oss/workshopd/internal/partition"
	"github.com/gin-gonic/gin"
)

// Handlers bundles the introspection sources the admin API reads from.
// Every partition implements control.Handler for its own queue-enabled
// flag; CronPartitions are included in the same enable/disable sweep.
type Handlers struct {
	partitions     []*partition.Partition
	cronPartitions []*partition.CronPartition
	checker        *health.Checker
	setVerbose     func(level int)
}

// NewHandlers builds a Handlers bound to the given partitions.
// setVerbose, if non-nil, is called to adjust the process log level
// (wired to the same slog.LevelVar the control-UDP VERBOSE command
// uses, so both surfaces agree).
func NewHandlers(partitions []*partition.Partition, cronPartitions []*partition.CronPartition, checker *health.Checker, setVerbose func(level int)) *Handlers {
	return &Handlers{partitions: partitions, cronPartitions: cronPartitions, checker: checker, setVerbose: setVerbose}
}

// Liveness satisfies GET /healthz/live.
func (h *Handlers) Liveness(c *gin.Context) {
	result := h.checker.Liveness(c.Request.Context())
	c.JSON(http.StatusOK, result)
}

// Readiness satisfies GET /healthz/ready.
func (h *Handlers) Readiness(c *gin.Context) {
	result := h.checker.Readiness(c.Request.Context())
	status := http.StatusOK
	if result.Status != "up" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, result)
}

type planView struct {
	Partition   string `json:"partition"`
	Name        string `json:"name"`
	Concurrency uint   `json:"concurrency"`
	Running     int    `json:"running"`
	Priority    int    `json:"priority"`
}

// ListPlans satisfies GET /plans: every plan currently loaded by any
// partition's library, with this node's current running count.
func (h *Handlers) ListPlans(c *gin.Context) {
	var out []planView
	now := time.Now()
	for _, p := range h.partitions {
		p.VisitPlans(now, func(name string, concurrency uint, priority int, running int) {
			out = append(out, planView{
				Partition:   p.Name,
				Name:        name,
				Concurrency: concurrency,
				Running:     running,
				Priority:    priority,
			})
		})
	}
	c.JSON(http.StatusOK, gin.H{"plans": out})
}

type operatorView struct {
	Partition string    `json:"partition"`
	JobID     string    `json:"job_id"`
	Plan      string    `json:"plan"`
	StartedAt time.Time `json:"started_at"`
}

// ListOperators satisfies GET /operators: every operator running on
// this node right now.
func (h *Handlers) ListOperators(c *gin.Context) {
	var out []operatorView
	for _, p := range h.partitions {
		p.VisitOperators(func(op *operator.Operator) {
			out = append(out, operatorView{
				Partition: p.Name,
				JobID:     op.Job.ID,
				Plan:      op.Plan.Name,
				StartedAt: op.StartTime(),
			})
		})
	}
	c.JSON(http.StatusOK, gin.H{"operators": out})
}

type verboseRequest struct {
	Level int `json:"level" binding:"min=0,max=255"`
}

// SetVerbose satisfies POST /control/verbose, mirroring the UDP
// protocol's VERBOSE command.
func (h *Handlers) SetVerbose(c *gin.Context) {
	var req verboseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.setVerbose != nil {
		h.setVerbose(req.Level)
	}
	c.Status(http.StatusNoContent)
}

// DisableQueue satisfies POST /control/queue/disable.
func (h *Handlers) DisableQueue(c *gin.Context) {
	for _, p := range h.partitions {
		p.State.SetAdminEnabled(false)
	}
	for _, cp := range h.cronPartitions {
		cp.State.SetAdminEnabled(false)
	}
	c.Status(http.StatusNoContent)
}

// EnableQueue satisfies POST /control/queue/enable.
func (h *Handlers) EnableQueue(c *gin.Context) {
	for _, p := range h.partitions {
		p.State.SetAdminEnabled(true)
	}
	for _, cp := range h.cronPartitions {
		cp.State.SetAdminEnabled(true)
	}
	c.Status(http.StatusNoContent)
}

type terminateChildrenRequest struct {
	Tag string `json:"tag" binding:"required"`
}

// TerminateChildren satisfies POST /control/terminate-children,
// mirroring the UDP protocol's TERMINATE_CHILDREN command.
func (h *Handlers) TerminateChildren(c *gin.Context) {
	var req terminateChildrenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	killed := 0
	for _, p := range h.partitions {
		p.VisitOperators(func(op *operator.Operator) {
			if op.Plan.Name == req.Tag {
				op.Kill()
				killed++
			}
		})
	}
	c.JSON(http.StatusOK, gin.H{"killed": killed})
}

// controlHandlerAdapter lets Handlers satisfy control.Handler, so the
// same enable/disable/verbose/terminate logic backs both the UDP
// control socket and this HTTP surface.
type controlHandlerAdapter struct {
	h *Handlers
}

// NewControlHandler adapts h to control.Handler for cmd/workshopd's
// control.Server wiring.
func NewControlHandler(h *Handlers) control.Handler {
	return &controlHandlerAdapter{h: h}
}

func (a *controlHandlerAdapter) SetVerbose(level int) {
	if a.h.setVerbose != nil {
		a.h.setVerbose(level)
	}
}

func (a *controlHandlerAdapter) DisableQueue() {
	for _, p := range a.h.partitions {
		p.State.SetAdminEnabled(false)
	}
	for _, cp := range a.h.cronPartitions {
		cp.State.SetAdminEnabled(false)
	}
}

func (a *controlHandlerAdapter) EnableQueue() {
	for _, p := range a.h.partitions {
		p.State.SetAdminEnabled(true)
	}
	for _, cp := range a.h.cronPartitions {
		cp.State.SetAdminEnabled(true)
	}
}

func (a *controlHandlerAdapter) TerminateChildren(tag string) {
	for _, p := range a.h.partitions {
		p.VisitOperators(func(op *operator.Operator) {
			if op.Plan.Name == tag {
				op.Kill()
			}
		})
	}
}
