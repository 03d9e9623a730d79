// Package schema defines the wire payloads published by agents and the
// validation rules the server applies before committing them.
package schema

import (
	"encoding/json"
	"fmt"
)

// PayloadVersion is the only wire version currently accepted.
const PayloadVersion = 1

// MetricsPayload is one periodic host-metrics sample. All fields are
// required; unknown keys are ignored.
type MetricsPayload struct {
	V         int     `json:"v"`
	TS        int64   `json:"ts"`
	CPU       float64 `json:"cpu"`
	MemUsed   uint64  `json:"mem_used"`
	MemTotal  uint64  `json:"mem_total"`
	DiskUsed  uint64  `json:"disk_used"`
	DiskTotal uint64  `json:"disk_total"`
	NetRx     uint64  `json:"net_rx"`
	NetTx     uint64  `json:"net_tx"`
}

// Validate checks the numeric bounds of the sample.
func (p *MetricsPayload) Validate() error {
	if p.V != PayloadVersion {
		return fmt.Errorf("unsupported payload version %d", p.V)
	}

	if p.TS <= 0 {
		return fmt.Errorf("ts must be a positive epoch-ms timestamp")
	}

	if p.CPU < 0 || p.CPU > 1 {
		return fmt.Errorf("cpu %v out of range [0,1]", p.CPU)
	}

	if p.MemTotal == 0 {
		return fmt.Errorf("mem_total must be positive")
	}

	if p.DiskTotal == 0 {
		return fmt.Errorf("disk_total must be positive")
	}

	return nil
}

// GPU describes one detected GPU in the system inventory.
type GPU struct {
	Name          string  `json:"name"`
	Vendor        string  `json:"vendor,omitempty"`
	MemoryBytes   *uint64 `json:"memoryBytes,omitempty"`
	DriverVersion string  `json:"driverVersion,omitempty"`
}

// SystemInfo is the slow-changing inventory record an agent reports.
type SystemInfo struct {
	OSPlatform   string `json:"osPlatform"`
	OSRelease    string `json:"osRelease"`
	OSArch       string `json:"osArch"`
	Hostname     string `json:"hostname"`
	CPUModel     string `json:"cpuModel"`
	CPUCores     int    `json:"cpuCores"`
	MemTotal     uint64 `json:"memTotal"`
	AgentVersion string `json:"agentVersion,omitempty"`
	AgentCommit  string `json:"agentCommit,omitempty"`
	AgentBuiltAt string `json:"agentBuiltAt,omitempty"`
	GPUs         []GPU  `json:"gpus"`
}

// SystemInfoPayload wraps a SystemInfo with its agent-computed canonical
// hash. The server trusts the hash for change detection.
type SystemInfoPayload struct {
	V    int        `json:"v"`
	TS   int64      `json:"ts"`
	Hash string     `json:"hash"`
	Info SystemInfo `json:"info"`
}

// Validate checks payload structure. The hash is not recomputed here; it
// is an opaque change-detection key as far as the server is concerned.
func (p *SystemInfoPayload) Validate() error {
	if p.V != PayloadVersion {
		return fmt.Errorf("unsupported payload version %d", p.V)
	}

	if p.TS <= 0 {
		return fmt.Errorf("ts must be a positive epoch-ms timestamp")
	}

	if len(p.Hash) != 64 || !isLowerHex(p.Hash) {
		return fmt.Errorf("hash must be 64 lowercase hex characters")
	}

	if p.Info.CPUCores <= 0 {
		return fmt.Errorf("info.cpuCores must be positive")
	}

	if p.Info.MemTotal == 0 {
		return fmt.Errorf("info.memTotal must be positive")
	}

	for i, gpu := range p.Info.GPUs {
		if gpu.Name == "" {
			return fmt.Errorf("info.gpus[%d].name is required", i)
		}
	}

	return nil
}

// ParseMetrics decodes and validates a metrics sample.
func ParseMetrics(data []byte) (*MetricsPayload, error) {
	var p MetricsPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding metrics payload: %w", err)
	}

	var present map[string]json.RawMessage
	if err := json.Unmarshal(data, &present); err != nil {
		return nil, fmt.Errorf("decoding metrics payload: %w", err)
	}

	for _, key := range []string{
		"v", "ts", "cpu", "mem_used", "mem_total",
		"disk_used", "disk_total", "net_rx", "net_tx",
	} {
		if _, ok := present[key]; !ok {
			return nil, fmt.Errorf("invalid metrics payload: %s is required", key)
		}
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid metrics payload: %w", err)
	}

	return &p, nil
}

// ParseSystemInfo decodes and validates an inventory payload.
func ParseSystemInfo(data []byte) (*SystemInfoPayload, error) {
	var p SystemInfoPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding system info payload: %w", err)
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid system info payload: %w", err)
	}

	return &p, nil
}

func isLowerHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}

	return true
}
