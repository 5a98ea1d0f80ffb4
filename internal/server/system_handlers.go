package server

import (
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/tradecore/internal/database"
	"github.com/aristath/tradecore/internal/modules/broadcast"
	"github.com/aristath/tradecore/internal/modules/pricefeed"
	"github.com/aristath/tradecore/internal/modules/trading"
	"github.com/aristath/tradecore/internal/scheduler"
)

// SystemHandlers serves process status and job control
type SystemHandlers struct {
	db          *database.DB
	feed        *pricefeed.Feed
	broadcaster *broadcast.Broadcaster
	trading     *trading.TradingService
	scheduler   *scheduler.Scheduler
	startedAt   time.Time
	log         zerolog.Logger
}

// NewSystemHandlers creates system handlers; db and scheduler may be nil
func NewSystemHandlers(
	db *database.DB,
	feed *pricefeed.Feed,
	broadcaster *broadcast.Broadcaster,
	tradingService *trading.TradingService,
	sched *scheduler.Scheduler,
	log zerolog.Logger,
) *SystemHandlers {
	return &SystemHandlers{
		db:          db,
		feed:        feed,
		broadcaster: broadcaster,
		trading:     tradingService,
		scheduler:   sched,
		startedAt:   time.Now(),
		log:         log.With().Str("handler", "system").Logger(),
	}
}

// SystemStatusResponse is the body of GET /api/system/status
type SystemStatusResponse struct {
	Status        string                `json:"status"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	CPUPercent    float64               `json:"cpu_percent"`
	MemoryPercent float64               `json:"memory_percent"`
	Goroutines    int                   `json:"goroutines"`
	Feed          pricefeed.Stats       `json:"feed"`
	Broadcaster   broadcast.Stats       `json:"broadcaster"`
	Trading       trading.Stats         `json:"trading"`
	Journal       *database.Stats       `json:"journal,omitempty"`
	Jobs          []scheduler.JobStatus `json:"jobs"`
}

// HandleSystemStatus reports process health and pipeline counters
// GET /api/system/status
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, memPercent := h.getSystemStats()

	resp := SystemStatusResponse{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		CPUPercent:    cpuPercent,
		MemoryPercent: memPercent,
		Goroutines:    runtime.NumGoroutine(),
		Feed:          h.feed.Stats(),
		Broadcaster:   h.broadcaster.Stats(),
		Trading:       h.trading.Stats(),
		Jobs:          h.jobs(),
	}

	if h.db != nil {
		stats, err := h.db.GetStats()
		if err != nil {
			h.log.Warn().Err(err).Msg("Failed to get journal stats")
			resp.Status = "degraded"
		} else {
			resp.Journal = stats
		}
	}

	writeJSON(w, h.log, http.StatusOK, resp)
}

// getSystemStats samples CPU over a short interval and reads memory usage
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	return cpuAvg, memStat.UsedPercent
}

func (h *SystemHandlers) jobs() []scheduler.JobStatus {
	if h.scheduler == nil {
		return []scheduler.JobStatus{}
	}
	return h.scheduler.Status()
}

// HandleListJobs returns the status of every registered job
// GET /api/system/jobs
func (h *SystemHandlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.jobs()
	writeJSON(w, h.log, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// HandleTriggerJob runs a registered job immediately
// POST /api/system/jobs/{name}
func (h *SystemHandlers) HandleTriggerJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if h.scheduler == nil {
		writeError(w, h.log, http.StatusServiceUnavailable, "scheduler_unavailable", "scheduler is not running")
		return
	}

	err := h.scheduler.Trigger(name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		writeError(w, h.log, http.StatusNotFound, "not_found", "unknown job "+name)
	case err != nil:
		h.log.Error().Err(err).Str("job", name).Msg("Triggered job failed")
		writeError(w, h.log, http.StatusInternalServerError, "job_failed", err.Error())
	default:
		writeJSON(w, h.log, http.StatusOK, map[string]string{
			"status":  "success",
			"message": name + " completed",
		})
	}
}
