package agent

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/GustavPetterssonBjorklund/Statix/pkg/canonjson"
	"github.com/GustavPetterssonBjorklund/Statix/pkg/schema"
)

// inventoryState tracks what was last published so the agent only
// republishes on change or after the freshness window. It also carries
// the resolved build identity the inventory reports.
type inventoryState struct {
	republishEvery time.Duration
	build          BuildInfo
	lastHash       string
	lastPublished  time.Time
}

func newInventoryState(republishEvery time.Duration, build BuildInfo) *inventoryState {
	return &inventoryState{
		republishEvery: republishEvery,
		build:          build,
	}
}

// ShouldPublish reports whether the hash differs from the last publish
// or the freshness window elapsed.
func (s *inventoryState) ShouldPublish(hash string) bool {
	if hash != s.lastHash {
		return true
	}

	return time.Since(s.lastPublished) >= s.republishEvery
}

// MarkPublished records a successful publish.
func (s *inventoryState) MarkPublished(hash string) {
	s.lastHash = hash
	s.lastPublished = time.Now()
}

// Collect assembles the inventory payload. The hash is the canonical
// JSON SHA-256 of the info object, the contract the server uses for
// change detection.
func (s *inventoryState) Collect() (*schema.SystemInfoPayload, error) {
	info := schema.SystemInfo{
		OSArch: runtime.GOARCH,
		GPUs:   detectGPUs(),
	}

	if hostInfo, err := host.Info(); err == nil {
		info.OSPlatform = hostInfo.Platform
		info.OSRelease = hostInfo.PlatformVersion
	} else {
		info.OSPlatform = runtime.GOOS
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("reading hostname: %w", err)
	}

	info.Hostname = hostname

	if cpus, err := cpu.Info(); err == nil && len(cpus) > 0 {
		info.CPUModel = cpus[0].ModelName
	}

	cores, err := cpu.Counts(true)
	if err != nil || cores < 1 {
		cores = 1
	}

	info.CPUCores = cores

	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("reading memory: %w", err)
	}

	info.MemTotal = vm.Total

	info.AgentVersion = s.build.Version
	info.AgentCommit = s.build.Commit
	info.AgentBuiltAt = s.build.BuiltAt

	hash, err := canonjson.Hash(info)
	if err != nil {
		return nil, fmt.Errorf("hashing inventory: %w", err)
	}

	return &schema.SystemInfoPayload{
		V:    schema.PayloadVersion,
		TS:   time.Now().UnixMilli(),
		Hash: hash,
		Info: info,
	}, nil
}
