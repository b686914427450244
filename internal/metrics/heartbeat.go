package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// HostSnapshot is a point-in-time read of host resource usage, attached to
// the gateway's periodic heartbeat frame.
type HostSnapshot struct {
	CPUPercent float64
	MemPercent float64
}

// Collect samples current host CPU and memory utilization for a gateway
// heartbeat. A brief CPU sample window is unavoidable: cpu.PercentWithContext
// with interval=0 reports usage since the last call instead, which would
// read as 0 on a gateway's first heartbeat.
func Collect(ctx context.Context) (HostSnapshot, error) {
	cpuPercents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return HostSnapshot{}, fmt.Errorf("metrics: cpu sample: %w", err)
	}
	var cpuPct float64
	if len(cpuPercents) > 0 {
		cpuPct = cpuPercents[0]
	}

	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HostSnapshot{}, fmt.Errorf("metrics: mem sample: %w", err)
	}

	return HostSnapshot{CPUPercent: cpuPct, MemPercent: vmem.UsedPercent}, nil
}

// VerifyDaemonProcess reports whether pid is a live process whose command
// line identifies it as the agentim gateway binary named in a
// daemons/<name>.json record. Per §6, a daemon record's pid is stale unless
// both the process is alive and its argv confirms it's actually an agentim
// process — a bare "is this pid in use" check would risk signaling an
// unrelated process that happened to reuse the pid.
func VerifyDaemonProcess(ctx context.Context, pid int32) (bool, error) {
	exists, err := process.PidExistsWithContext(ctx, pid)
	if err != nil {
		return false, fmt.Errorf("metrics: pid lookup: %w", err)
	}
	if !exists {
		return false, nil
	}

	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return false, nil
	}

	cmdline, err := proc.CmdlineWithContext(ctx)
	if err != nil {
		return false, nil
	}

	return strings.Contains(cmdline, "agentim"), nil
}
