package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GustavPetterssonBjorklund/Statix/pkg/nodeauth"
)

func TestBrokerURL(t *testing.T) {
	tcp := &nodeauth.BrokerCredentials{Host: "broker", Port: 1883}
	assert.Equal(t, "tcp://broker:1883", brokerURL(tcp))

	ws := &nodeauth.BrokerCredentials{Host: "broker", Port: 9001}
	assert.Equal(t, "ws://broker:9001", brokerURL(ws))
}

func TestCredsEqual(t *testing.T) {
	base := nodeauth.BrokerCredentials{
		Host: "broker", Port: 1883, Username: "u", Password: "p",
	}

	same := base
	assert.True(t, credsEqual(&base, &same))

	rotated := base
	rotated.Password = "p2"
	assert.False(t, credsEqual(&base, &rotated))

	moved := base
	moved.Host = "broker2"
	assert.False(t, credsEqual(&base, &moved))
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, clamp01(-0.5))
	assert.Equal(t, 0.5, clamp01(0.5))
	assert.Equal(t, 1.0, clamp01(4.2))
}

func TestInventoryState_ShouldPublish(t *testing.T) {
	state := newInventoryState(24*time.Hour, BuildInfo{})

	// Nothing published yet: always publish.
	assert.True(t, state.ShouldPublish("aaa"))

	state.MarkPublished("aaa")

	// Unchanged hash inside the freshness window: skip.
	assert.False(t, state.ShouldPublish("aaa"))

	// Changed hash: publish.
	assert.True(t, state.ShouldPublish("bbb"))

	// Unchanged hash past the freshness window: publish again.
	state.lastPublished = time.Now().Add(-25 * time.Hour)
	assert.True(t, state.ShouldPublish("aaa"))
}

func TestExchangeClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "/nodes/auth/exchange", r.URL.Path)

			var req map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

			if req["nodeToken"] != "good-token" {
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"mqtt": map[string]any{
					"host":     "broker.internal",
					"port":     1883,
					"username": "statix",
					"password": "pw",
				},
			})
		}))
	defer srv.Close()

	good := newExchangeClient(srv.URL, "01ABC", "good-token")

	creds, err := good.Exchange(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "broker.internal", creds.Host)
	assert.Equal(t, 1883, creds.Port)

	bad := newExchangeClient(srv.URL, "01ABC", "bad-token")

	_, err = bad.Exchange(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestResolveBuildInfo_EnvOverridesStamped(t *testing.T) {
	t.Setenv("STATIX_AGENT_VERSION", "1.2.3")
	t.Setenv("STATIX_AGENT_COMMIT", "")
	t.Setenv("STATIX_AGENT_BUILT_AT", "")

	resolved := resolveBuildInfo(BuildInfo{
		Version: "dev",
		Commit:  "abc123",
		BuiltAt: "2026-01-01",
	})

	// The env wins where set; stamped values survive where it is not.
	assert.Equal(t, "1.2.3", resolved.Version)
	assert.Equal(t, "abc123", resolved.Commit)
	assert.Equal(t, "2026-01-01", resolved.BuiltAt)
}

func TestBuildInfoOverlay(t *testing.T) {
	base := BuildInfo{Version: "dev", Commit: "none", BuiltAt: "unknown"}

	merged := base.overlay(BuildInfo{Version: "2.0.0"})
	assert.Equal(t, "2.0.0", merged.Version)
	assert.Equal(t, "none", merged.Commit)
	assert.Equal(t, "unknown", merged.BuiltAt)

	// An empty overlay changes nothing.
	assert.Equal(t, base, base.overlay(BuildInfo{}))
}

func TestDetectGPUs_NotInstalled(t *testing.T) {
	// On hosts without the tooling detection degrades to an empty list
	// rather than failing inventory collection.
	gpus := detectGPUs()
	assert.NotNil(t, gpus)
}
