package controlplane

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessStats is a snapshot of the resources used by this portal process.
type ProcessStats struct {
	PID           int32   `json:"pid"`
	Name          string  `json:"name"`
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float32 `json:"memoryPercent"`
	// resident set size in bytes
	MemoryRSS  uint64 `json:"memoryRss"`
	NumThreads int32  `json:"numThreads"`
	// milliseconds since the process started
	Uptime int64 `json:"uptime"`
}

func currentProcessStats(ctx context.Context) (*ProcessStats, error) {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to find process: %w", err)
	}

	name, err := p.NameWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get process name: %w", err)
	}

	stats := &ProcessStats{PID: p.Pid, Name: name}

	// the remaining fields are best effort, not every platform reports them
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := p.MemoryPercentWithContext(ctx); err == nil {
		stats.MemoryPercent = mem
	}
	if info, err := p.MemoryInfoWithContext(ctx); err == nil && info != nil {
		stats.MemoryRSS = info.RSS
	}
	if threads, err := p.NumThreadsWithContext(ctx); err == nil {
		stats.NumThreads = threads
	}
	if created, err := p.CreateTimeWithContext(ctx); err == nil {
		stats.Uptime = time.Now().UnixMilli() - created
	}

	return stats, nil
}

func (h *handler) Process(c *gin.Context) {
	stats, err := currentProcessStats(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, &ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}
