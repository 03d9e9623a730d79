package agent

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	gopsnet "github.com/shirou/gopsutil/v4/net"

	"github.com/GustavPetterssonBjorklund/Statix/pkg/schema"
)

const (
	cgroupMemCurrent = "/sys/fs/cgroup/memory.current"
	cgroupMemMax     = "/sys/fs/cgroup/memory.max"
)

// collectMetrics samples the host: cpu is the 1-minute load average
// normalized by logical cores and clamped to [0,1]; memory prefers
// cgroup v2 limits so containerized agents report their own budget.
func collectMetrics() (*schema.MetricsPayload, error) {
	sample := &schema.MetricsPayload{
		V:  schema.PayloadVersion,
		TS: time.Now().UnixMilli(),
	}

	avg, err := load.Avg()
	if err != nil {
		return nil, fmt.Errorf("reading load average: %w", err)
	}

	cores, err := cpu.Counts(true)
	if err != nil || cores < 1 {
		cores = 1
	}

	sample.CPU = clamp01(avg.Load1 / float64(cores))

	memUsed, memTotal, err := readMemory()
	if err != nil {
		return nil, err
	}

	sample.MemUsed = memUsed
	sample.MemTotal = memTotal

	usage, err := disk.Usage("/")
	if err != nil {
		return nil, fmt.Errorf("reading disk usage: %w", err)
	}

	sample.DiskUsed = usage.Used
	sample.DiskTotal = usage.Total

	// Cumulative since boot; zero when counters are unavailable.
	if counters, err := gopsnet.IOCounters(false); err == nil && len(counters) > 0 {
		sample.NetRx = counters[0].BytesRecv
		sample.NetTx = counters[0].BytesSent
	}

	return sample, nil
}

// readMemory returns (used, total). Inside a cgroup v2 memory limit the
// cgroup's own accounting wins over the host view.
func readMemory() (uint64, uint64, error) {
	if current, max, ok := readCgroupMemory(); ok {
		return current, max, nil
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, fmt.Errorf("reading memory: %w", err)
	}

	return vm.Total - vm.Available, vm.Total, nil
}

// readCgroupMemory reads cgroup v2 accounting. An unlimited ("max")
// or absent cgroup falls through to the host view.
func readCgroupMemory() (current, limit uint64, ok bool) {
	rawCurrent, err := os.ReadFile(cgroupMemCurrent)
	if err != nil {
		return 0, 0, false
	}

	rawMax, err := os.ReadFile(cgroupMemMax)
	if err != nil {
		return 0, 0, false
	}

	maxStr := strings.TrimSpace(string(rawMax))
	if maxStr == "max" {
		return 0, 0, false
	}

	current, err = strconv.ParseUint(strings.TrimSpace(string(rawCurrent)), 10, 64)
	if err != nil {
		return 0, 0, false
	}

	limit, err = strconv.ParseUint(maxStr, 10, 64)
	if err != nil || limit == 0 {
		return 0, 0, false
	}

	return current, limit, true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}

	if v > 1 {
		return 1
	}

	return v
}
