package tool

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"relaybot/internal/domain"
)

var startTime = time.Now()

func systemInfoCapability() *domain.Capability {
	return &domain.Capability{
		Name:        "system_info",
		Description: "Get system information: platform, hostname, CPU model and cores, memory totals, working directory and uptime.",
		Schema:      domain.Schema{},
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return SystemInfo(), nil
		},
	}
}

// SystemInfo collects a snapshot of the host. Fields that cannot be read on
// the current platform are omitted.
func SystemInfo() map[string]any {
	hostname, _ := os.Hostname()
	cwd, _ := os.Getwd()

	info := map[string]any{
		"platform":       runtime.GOOS + "/" + runtime.GOARCH,
		"os":             runtime.GOOS,
		"arch":           runtime.GOARCH,
		"hostname":       hostname,
		"cpu_count":      runtime.NumCPU(),
		"working_dir":    cwd,
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"time":           time.Now().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(startTime).Seconds()),
	}
	if v := osVersion(); v != "" {
		info["os_version"] = v
	}
	if m := cpuModel(); m != "" {
		info["cpu_model"] = m
	}

	memory := map[string]any{}
	if total, available, ok := readMeminfo("/proc/meminfo"); ok {
		memory["total_bytes"] = total
		memory["available_bytes"] = available
		memory["used_bytes"] = total - available
		if total > 0 {
			memory["percent_used"] = float64(total-available) * 100 / float64(total)
		}
	} else {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		memory["process_alloc_bytes"] = ms.Alloc
		memory["process_sys_bytes"] = ms.Sys
	}
	info["memory"] = memory
	return info
}

func osVersion() string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "PRETTY_NAME=") {
			return strings.Trim(strings.TrimPrefix(line, "PRETTY_NAME="), "\"")
		}
	}
	return ""
}

func cpuModel() string {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "model name") {
			if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
				return strings.TrimSpace(parts[1])
			}
		}
	}
	return ""
}

// readMeminfo returns total and available memory in bytes from a
// /proc/meminfo style file.
func readMeminfo(path string) (total, available int64, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, false
	}
	var free int64
	for _, line := range strings.Split(string(data), "\n") {
		var kb int64
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			fmt.Sscanf(line, "MemTotal: %d kB", &kb)
			total = kb * 1024
		case strings.HasPrefix(line, "MemAvailable:"):
			fmt.Sscanf(line, "MemAvailable: %d kB", &kb)
			available = kb * 1024
		case strings.HasPrefix(line, "MemFree:"):
			fmt.Sscanf(line, "MemFree: %d kB", &kb)
			free = kb * 1024
		}
	}
	if available == 0 {
		available = free
	}
	return total, available, total > 0
}
