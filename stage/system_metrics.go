package stage

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/metis/errors"
)

// SystemMetrics tracks resource usage for worker pool monitoring
type SystemMetrics struct {
	WorkersActive       int     `json:"workers_active"`
	WorkersTotal        int     `json:"workers_total"`
	ExecutionsProcessed int     `json:"executions_processed"`
	MemoryUsedGB        float64 `json:"memory_used_gb"`
	MemoryTotalGB       float64 `json:"memory_total_gb"`
	MemoryPercent       float64 `json:"memory_percent"`
	Queued              int     `json:"queued"`
	Running             int     `json:"running"`
}

// getMemoryStats returns total and available memory in bytes
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// calculateSafeWorkerCount recommends a worker count for the available memory.
// Each worker holds chunk_workers chunks of records in memory at once.
func calculateSafeWorkerCount(availableGB float64) int {
	const memoryPerWorker = 0.5 // GB per running stage execution
	const memoryBuffer = 1.0    // GB reserved for the rest of the host

	if availableGB < memoryBuffer {
		return 1
	}

	recommended := int((availableGB - memoryBuffer) / memoryPerWorker)
	if recommended < 1 {
		return 1
	}
	if recommended > 32 {
		return 32
	}
	return recommended
}

// SystemMetrics returns current resource usage and execution counts
func (wp *WorkerPool) SystemMetrics(ctx context.Context) SystemMetrics {
	total, available, err := getMemoryStats()

	var memUsedGB, memTotalGB, memPercent float64
	if err == nil && total > 0 {
		memTotalGB = float64(total) / 1024 / 1024 / 1024
		memUsedGB = float64(total-available) / 1024 / 1024 / 1024
		memPercent = (memUsedGB / memTotalGB) * 100
	}

	var queued, running int
	if stats, err := wp.queue.Stats(ctx); err == nil {
		queued, running = stats.Queued, stats.Running
	}

	wp.mu.Lock()
	active, processed := wp.activeWorkers, wp.processed
	wp.mu.Unlock()

	return SystemMetrics{
		WorkersActive:       active,
		WorkersTotal:        wp.poolConfig.Workers,
		ExecutionsProcessed: processed,
		MemoryUsedGB:        memUsedGB,
		MemoryTotalGB:       memTotalGB,
		MemoryPercent:       memPercent,
		Queued:              queued,
		Running:             running,
	}
}

// checkMemoryPressure returns a warning when the worker count looks too high
// for the memory available, empty when OK or unknown.
func (wp *WorkerPool) checkMemoryPressure() string {
	total, available, err := getMemoryStats()
	if err != nil {
		return ""
	}

	availableGB := float64(available) / 1024 / 1024 / 1024
	totalGB := float64(total) / 1024 / 1024 / 1024
	recommended := calculateSafeWorkerCount(availableGB)

	if wp.poolConfig.Workers > recommended {
		return fmt.Sprintf(
			"Worker count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB used). "+
				"Consider reducing substrate.workers.",
			wp.poolConfig.Workers, recommended, totalGB-availableGB, totalGB)
	}
	return ""
}
