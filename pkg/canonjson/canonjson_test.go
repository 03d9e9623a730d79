package canonjson

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{
			name: "keys sorted",
			in:   map[string]any{"b": 1, "a": 2, "c": 3},
			want: `{"a":2,"b":1,"c":3}`,
		},
		{
			name: "nested objects sorted",
			in: map[string]any{
				"z": map[string]any{"y": 1, "x": 2},
				"a": "v",
			},
			want: `{"a":"v","z":{"x":2,"y":1}}`,
		},
		{
			name: "array order preserved",
			in:   map[string]any{"gpus": []any{"b", "a"}},
			want: `{"gpus":["b","a"]}`,
		},
		{
			name: "no whitespace",
			in:   map[string]any{"a": []any{1, 2}, "b": true, "c": nil},
			want: `{"a":[1,2],"b":true,"c":null}`,
		},
		{
			name: "integers keep integer form",
			in:   map[string]any{"mem": int64(17179869184)},
			want: `{"mem":17179869184}`,
		},
		{
			name: "floats in shortest form",
			in:   map[string]any{"cpu": 0.5},
			want: `{"cpu":0.5}`,
		},
		{
			name: "string escaping",
			in:   map[string]any{"name": "GeForce \"RTX\""},
			want: `{"name":"GeForce \"RTX\""}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Marshal(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestMarshal_StructTags(t *testing.T) {
	type gpu struct {
		Name   string `json:"name"`
		Vendor string `json:"vendor,omitempty"`
	}

	type info struct {
		Hostname string `json:"hostname"`
		CPUCores int    `json:"cpuCores"`
		GPUs     []gpu  `json:"gpus"`
	}

	got, err := Marshal(info{
		Hostname: "edge-1",
		CPUCores: 8,
		GPUs:     []gpu{{Name: "T4", Vendor: "nvidia"}},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`{"cpuCores":8,"gpus":[{"name":"T4","vendor":"nvidia"}],"hostname":"edge-1"}`,
		string(got))
}

func TestHash_StableAcrossKeyOrder(t *testing.T) {
	a := map[string]any{"osPlatform": "linux", "cpuCores": 4}
	b := map[string]any{"cpuCores": 4, "osPlatform": "linux"}

	ha, err := Hash(a)
	require.NoError(t, err)

	hb, err := Hash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
	assert.Regexp(t, "^[0-9a-f]{64}$", ha)
}

func TestHash_ChangesWithContent(t *testing.T) {
	ha, err := Hash(map[string]any{"cpuCores": 4})
	require.NoError(t, err)

	hb, err := Hash(map[string]any{"cpuCores": 8})
	require.NoError(t, err)

	assert.NotEqual(t, ha, hb)
}
