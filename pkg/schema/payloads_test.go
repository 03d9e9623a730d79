package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validMetrics = `{"v":1,"ts":1700000000000,"cpu":0.5,"mem_used":1,` +
	`"mem_total":2,"disk_used":0,"disk_total":1,"net_rx":0,"net_tx":0}`

func TestParseMetrics(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr string
	}{
		{
			name:    "valid",
			payload: validMetrics,
		},
		{
			name:    "unknown keys ignored",
			payload: strings.Replace(validMetrics, `"net_tx":0`, `"net_tx":0,"extra":"x"`, 1),
		},
		{
			name:    "malformed json",
			payload: `{"v":1,`,
			wantErr: "decoding",
		},
		{
			name:    "wrong version",
			payload: strings.Replace(validMetrics, `"v":1`, `"v":2`, 1),
			wantErr: "version",
		},
		{
			name:    "cpu above one",
			payload: strings.Replace(validMetrics, `"cpu":0.5`, `"cpu":1.5`, 1),
			wantErr: "cpu",
		},
		{
			name:    "negative cpu",
			payload: strings.Replace(validMetrics, `"cpu":0.5`, `"cpu":-0.1`, 1),
			wantErr: "cpu",
		},
		{
			name:    "zero mem_total",
			payload: strings.Replace(validMetrics, `"mem_total":2`, `"mem_total":0`, 1),
			wantErr: "mem_total",
		},
		{
			name:    "negative counter rejected by decoder",
			payload: strings.Replace(validMetrics, `"net_rx":0`, `"net_rx":-5`, 1),
			wantErr: "decoding",
		},
		{
			name:    "missing ts",
			payload: strings.Replace(validMetrics, `"ts":1700000000000,`, ``, 1),
			wantErr: "ts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParseMetrics([]byte(tt.payload))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, 0.5, p.CPU)
			assert.Equal(t, int64(1700000000000), p.TS)
		})
	}
}

const validSystemInfo = `{"v":1,"ts":1700000000000,` +
	`"hash":"ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12",` +
	`"info":{"osPlatform":"linux","osRelease":"6.8.0","osArch":"amd64",` +
	`"hostname":"edge-1","cpuModel":"EPYC 7543","cpuCores":32,` +
	`"memTotal":137438953472,"gpus":[{"name":"T4","vendor":"nvidia"}]}}`

func TestParseSystemInfo(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(s string) string { return s },
		},
		{
			name: "uppercase hash rejected",
			mutate: func(s string) string {
				return strings.Replace(s, `"hash":"ab12`, `"hash":"AB12`, 1)
			},
			wantErr: "hash",
		},
		{
			name: "short hash rejected",
			mutate: func(s string) string {
				return strings.Replace(s,
					`ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12`,
					`ab12`, 1)
			},
			wantErr: "hash",
		},
		{
			name: "zero cores rejected",
			mutate: func(s string) string {
				return strings.Replace(s, `"cpuCores":32`, `"cpuCores":0`, 1)
			},
			wantErr: "cpuCores",
		},
		{
			name: "unnamed gpu rejected",
			mutate: func(s string) string {
				return strings.Replace(s, `{"name":"T4","vendor":"nvidia"}`,
					`{"vendor":"nvidia"}`, 1)
			},
			wantErr: "gpus[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParseSystemInfo([]byte(tt.mutate(validSystemInfo)))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, "edge-1", p.Info.Hostname)
			require.Len(t, p.Info.GPUs, 1)
			assert.Equal(t, "T4", p.Info.GPUs[0].Name)
		})
	}
}
