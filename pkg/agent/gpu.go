package agent

import (
	"os/exec"
	"strconv"
	"strings"

	"github.com/GustavPetterssonBjorklund/Statix/pkg/schema"
)

// detectGPUs enumerates GPUs best-effort: nvidia-smi when present, then
// lspci vendor classification, else an empty list.
func detectGPUs() []schema.GPU {
	if gpus := detectNvidiaGPUs(); len(gpus) > 0 {
		return gpus
	}

	if gpus := detectPCIGPUs(); len(gpus) > 0 {
		return gpus
	}

	return []schema.GPU{}
}

// detectNvidiaGPUs parses `nvidia-smi --query-gpu` CSV output.
func detectNvidiaGPUs() []schema.GPU {
	out, err := exec.Command(
		"nvidia-smi",
		"--query-gpu=name,memory.total,driver_version",
		"--format=csv,noheader,nounits",
	).Output()
	if err != nil {
		return nil
	}

	var gpus []schema.GPU

	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		fields := strings.Split(line, ",")
		if len(fields) < 1 || strings.TrimSpace(fields[0]) == "" {
			continue
		}

		gpu := schema.GPU{
			Name:   strings.TrimSpace(fields[0]),
			Vendor: "nvidia",
		}

		if len(fields) >= 2 {
			// memory.total is reported in MiB.
			if mib, err := strconv.ParseUint(
				strings.TrimSpace(fields[1]), 10, 64,
			); err == nil {
				bytes := mib * 1024 * 1024
				gpu.MemoryBytes = &bytes
			}
		}

		if len(fields) >= 3 {
			gpu.DriverVersion = strings.TrimSpace(fields[2])
		}

		gpus = append(gpus, gpu)
	}

	return gpus
}

// pciVendors maps lspci vendor substrings to a normalized vendor name.
var pciVendors = []struct {
	match  string
	vendor string
}{
	{"nvidia", "nvidia"},
	{"advanced micro devices", "amd"},
	{"amd/ati", "amd"},
	{"intel", "intel"},
}

// detectPCIGPUs scans lspci for VGA/3D controllers.
func detectPCIGPUs() []schema.GPU {
	out, err := exec.Command("lspci").Output()
	if err != nil {
		return nil
	}

	var gpus []schema.GPU

	for _, line := range strings.Split(string(out), "\n") {
		lower := strings.ToLower(line)
		if !strings.Contains(lower, "vga compatible controller") &&
			!strings.Contains(lower, "3d controller") {
			continue
		}

		// "01:00.0 VGA compatible controller: <device name>"
		parts := strings.SplitN(line, ": ", 2)
		if len(parts) != 2 {
			continue
		}

		gpu := schema.GPU{Name: strings.TrimSpace(parts[1])}

		for _, entry := range pciVendors {
			if strings.Contains(lower, entry.match) {
				gpu.Vendor = entry.vendor

				break
			}
		}

		gpus = append(gpus, gpu)
	}

	return gpus
}
