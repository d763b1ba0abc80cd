package container

import (
	"fmt"
	"math"
	"time"

	"github.com/fsouza/go-dockerclient"
)

// Outcomes reported in Result.Status and Status.Status
const (
	StatusStarted        = "started"
	StatusRestarted      = "restarted"
	StatusAlreadyRunning = "already_running"
	StatusStopped        = "stopped"
	StatusRemoved        = "removed"
	StatusNotFound       = "not_found"
	StatusError          = "error"
)

// Result is the outcome of a lifecycle operation
type Result struct {
	Status      string `json:"status"`
	ContainerID string `json:"container_id,omitempty"`
	Port        int    `json:"port,omitempty"`
	Message     string `json:"message"`
}

// Serving is true when the container is up after the operation
func (r Result) Serving() bool {
	switch r.Status {
	case StatusStarted, StatusRestarted, StatusAlreadyRunning:
		return true
	}
	return false
}

func errorResult(prefix string, err error) Result {
	return Result{Status: StatusError, Message: fmt.Sprintf("%s: %v", prefix, err)}
}

func notFound() Result {
	return Result{Status: StatusNotFound, Message: "container not found"}
}

// Status is a point-in-time view of a graph's container
type Status struct {
	Status        string     `json:"status"`
	Running       bool       `json:"running"`
	Port          int        `json:"port,omitempty"`
	Health        string     `json:"health,omitempty"`
	CPUPercent    float64    `json:"cpu_percent"`
	MemoryMB      float64    `json:"memory_mb"`
	MemoryPercent float64    `json:"memory_percent"`
	StartedAt     *time.Time `json:"uptime,omitempty"`
	Message       string     `json:"message,omitempty"`
}

// Managed describes a container carrying the management label
type Managed struct {
	Graph         string `json:"name"`
	ContainerID   string `json:"container_id"`
	ContainerName string `json:"container_name"`
	Status        string `json:"status"`
	Running       bool   `json:"running"`
	Port          int    `json:"port,omitempty"`
	Health        string `json:"health"`
}

type SystemStats struct {
	Total      int       `json:"total_containers"`
	Running    int       `json:"running_containers"`
	Stopped    int       `json:"stopped_containers"`
	Containers []Managed `json:"containers"`
}

// CPUPercent is the share of the host CPU time consumed between the previous and current sample,
// scaled by the number of cores
func CPUPercent(s *docker.Stats) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemCPUUsage) - float64(s.PreCPUStats.SystemCPUUsage)
	if sysDelta <= 0 || cpuDelta < 0 {
		return 0
	}

	cores := float64(s.CPUStats.OnlineCPUs)
	if cores == 0 {
		cores = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if cores == 0 {
		cores = 1
	}
	return cpuDelta / sysDelta * cores * 100
}

// MemoryPercent is current usage over the configured limit
func MemoryPercent(s *docker.Stats) float64 {
	if s.MemoryStats.Limit == 0 {
		return 0
	}
	return float64(s.MemoryStats.Usage) / float64(s.MemoryStats.Limit) * 100
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
