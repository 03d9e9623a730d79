package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GustavPetterssonBjorklund/Statix/pkg/config"
	"github.com/GustavPetterssonBjorklund/Statix/pkg/identity"
	"github.com/GustavPetterssonBjorklund/Statix/pkg/nodeauth"
	"github.com/GustavPetterssonBjorklund/Statix/pkg/roster"
	"github.com/GustavPetterssonBjorklund/Statix/pkg/store"
)

type testEnv struct {
	srv      *httptest.Server
	cfg      *config.Config
	api      *server
	store    store.Store
	identity *identity.Service
}

func setupAPI(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			SQLite: config.SQLiteConfig{Path: ":memory:"},
		},
		MQTT: config.MQTTConfig{
			Host:        "broker.internal",
			Port:        1883,
			Username:    "statix",
			Password:    "brokerpass",
			TopicPrefix: config.DefaultTopicPrefix,
		},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &cfg.Database)
	require.NoError(t, st.Start(context.Background()))

	t.Cleanup(func() { _ = st.Stop() })

	idSvc := identity.NewService(log, st, &cfg.Auth)
	require.NoError(t, idSvc.Seed(context.Background()))
	require.NoError(t, idSvc.Prestart(context.Background()))

	nodeSvc := nodeauth.NewService(log, st, &cfg.MQTT)

	rosterSvc := roster.New(log, st, cfg.Roster.DebounceDuration())
	require.NoError(t, rosterSvc.Start(context.Background()))

	t.Cleanup(func() { _ = rosterSvc.Stop() })

	s := &server{
		log:      log,
		cfg:      cfg,
		store:    st,
		identity: idSvc,
		nodeAuth: nodeSvc,
		roster:   rosterSvc,
		version:  "test",
		done:     make(chan struct{}),
	}

	srv := httptest.NewServer(s.buildRouter())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, cfg: cfg, api: s, store: st, identity: idSvc}
}

func (e *testEnv) request(
	t *testing.T, method, path, bearer string, body any,
) (*http.Response, []byte) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/json")

	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)

	return resp, buf.Bytes()
}

// bootstrapToken digs the staged token plaintext out of the store, the
// way an operator reads it off the startup log.
func (e *testEnv) bootstrapToken(t *testing.T) string {
	t.Helper()

	shell, err := e.store.FindUserByEmail(
		context.Background(), store.NormalizeEmail(config.DefaultBootstrapEmail))
	require.NoError(t, err)

	token, err := e.store.FindActiveResetTokenByUser(context.Background(), shell.ID)
	require.NoError(t, err)
	require.NotNil(t, token.Metadata)

	var meta struct {
		BootstrapToken string `json:"bootstrapToken"`
	}

	require.NoError(t, json.Unmarshal([]byte(*token.Metadata), &meta))

	return meta.BootstrapToken
}

// claimAndLogin walks the bootstrap claim and returns an admin bearer.
func (e *testEnv) claimAndLogin(t *testing.T) string {
	t.Helper()

	resp, _ := e.request(t, http.MethodPost, "/auth/bootstrap/claim", "",
		map[string]string{
			"token":       e.bootstrapToken(t),
			"email":       "root@example.com",
			"password":    "hunter22",
			"displayName": "Root",
		})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := e.request(t, http.MethodPost, "/auth/login", "",
		map[string]string{"email": "root@example.com", "password": "hunter22"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var login struct {
		Token string `json:"token"`
	}

	require.NoError(t, json.Unmarshal(body, &login))
	require.NotEmpty(t, login.Token)

	return login.Token
}

func TestAPI_Health(t *testing.T) {
	env := setupAPI(t)

	resp, body := env.request(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"ok":true`)

	resp, body = env.request(t, http.MethodGet, "/db/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"ok":true`)
}

func TestAPI_BootstrapFlow(t *testing.T) {
	env := setupAPI(t)

	resp, body := env.request(t, http.MethodGet, "/auth/bootstrap/status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"needsBootstrap":true`)

	bearer := env.claimAndLogin(t)

	resp, body = env.request(t, http.MethodGet, "/auth/bootstrap/status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"needsBootstrap":false`)

	resp, body = env.request(t, http.MethodGet, "/auth/me", bearer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var me identity.UserSnapshot
	require.NoError(t, json.Unmarshal(body, &me))
	assert.Equal(t, "root@example.com", me.Email)
	assert.Contains(t, me.Roles, store.RoleAdmin)
	assert.Contains(t, me.Permissions, "nodes:create")

	// A garbage bearer is rejected.
	resp, _ = env.request(t, http.MethodGet, "/auth/me", "nonsense", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_LoginFailuresAreOpaque(t *testing.T) {
	env := setupAPI(t)
	env.claimAndLogin(t)

	resp, body := env.request(t, http.MethodPost, "/auth/login", "",
		map[string]string{"email": "ghost@example.com", "password": "x"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp2, body2 := env.request(t, http.MethodPost, "/auth/login", "",
		map[string]string{"email": "root@example.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)

	// Same body either way: no email-existence oracle.
	assert.JSONEq(t, string(body), string(body2))
}

func TestAPI_NodeLifecycleAndExchange(t *testing.T) {
	env := setupAPI(t)
	bearer := env.claimAndLogin(t)

	resp, body := env.request(t, http.MethodPost, "/nodes/create", bearer,
		map[string]string{"name": "edge-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		ID      string `json:"id"`
		Token   string `json:"token"`
		EnvFile string `json:"envFile"`
	}

	require.NoError(t, json.Unmarshal(body, &created))
	require.Len(t, created.ID, 26)
	require.NotEmpty(t, created.Token)
	assert.Contains(t, created.EnvFile, "STATIX_NODE_ID="+created.ID)
	assert.Contains(t, created.EnvFile, "STATIX_NODE_TOKEN="+created.Token)

	// Exchange with the returned plaintext succeeds.
	resp, body = env.request(t, http.MethodPost, "/nodes/auth/exchange", "",
		map[string]string{"nodeId": created.ID, "nodeToken": created.Token})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var exchange struct {
		MQTT nodeauth.BrokerCredentials `json:"mqtt"`
	}

	require.NoError(t, json.Unmarshal(body, &exchange))
	assert.Equal(t, "broker.internal", exchange.MQTT.Host)

	// A mutated token fails 401.
	resp, _ = env.request(t, http.MethodPost, "/nodes/auth/exchange", "",
		map[string]string{"nodeId": created.ID, "nodeToken": created.Token + "x"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Rename, then delete; a second delete is 404.
	resp, _ = env.request(t, http.MethodPatch, "/nodes/"+created.ID, bearer,
		map[string]string{"name": "edge-renamed"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.request(t, http.MethodDelete, "/nodes/"+created.ID, bearer, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = env.request(t, http.MethodDelete, "/nodes/"+created.ID, bearer, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_MetricsLimitClamp(t *testing.T) {
	env := setupAPI(t)
	bearer := env.claimAndLogin(t)

	resp, body := env.request(t, http.MethodPost, "/nodes/create", bearer,
		map[string]string{"name": "edge-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &created))

	base := time.Now().UnixMilli()
	for i := 0; i < 5; i++ {
		require.NoError(t, env.store.AppendMetric(context.Background(), &store.Metric{
			NodeID: created.ID, TS: base + int64(i),
			CPU: 0.5, MemUsed: 1, MemTotal: 2, DiskTotal: 1,
		}))
	}

	for _, limit := range []string{"0", "10000"} {
		resp, body = env.request(t, http.MethodGet,
			fmt.Sprintf("/nodes/%s/metrics?limit=%s", created.ID, limit), bearer, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var result struct {
			Metrics []store.Metric `json:"metrics"`
		}

		require.NoError(t, json.Unmarshal(body, &result))
		assert.LessOrEqual(t, len(result.Metrics), store.MaxRecentMetrics)
		assert.NotEmpty(t, result.Metrics)
	}

	resp, _ = env.request(t, http.MethodGet,
		"/nodes/"+created.ID+"/metrics?limit=banana", bearer, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_PerNodePermissionFiltering(t *testing.T) {
	env := setupAPI(t)
	bearer := env.claimAndLogin(t)

	// Two nodes; the restricted user may read only the first.
	resp, body := env.request(t, http.MethodPost, "/nodes/create", bearer,
		map[string]string{"name": "visible"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var visible struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &visible))

	resp, _ = env.request(t, http.MethodPost, "/nodes/create", bearer,
		map[string]string{"name": "hidden"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Invite a user and grant a role carrying only node:read:<visible>.
	resp, body = env.request(t, http.MethodPost, "/auth/users", bearer,
		map[string]string{"email": "viewer@example.com"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var invite struct {
		ID         string `json:"id"`
		SetupToken string `json:"setupToken"`
	}
	require.NoError(t, json.Unmarshal(body, &invite))

	resp, _ = env.request(t, http.MethodPost, "/auth/set-password", "",
		map[string]string{"token": invite.SetupToken, "password": "viewerpass"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.request(t, http.MethodPost, "/auth/roles", bearer, map[string]any{
		"name":            "edge-viewer",
		"permissionCodes": []string{"node:read:" + visible.ID},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = env.request(t, http.MethodPost,
		"/auth/users/"+invite.ID+"/roles", bearer,
		map[string]any{"roleNames": []string{"edge-viewer"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.request(t, http.MethodPost, "/auth/login", "",
		map[string]string{"email": "viewer@example.com", "password": "viewerpass"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(body, &login))

	// The listing filters down to the granted node.
	resp, body = env.request(t, http.MethodGet, "/nodes/", login.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var nodes []store.NodeWithStats
	require.NoError(t, json.Unmarshal(body, &nodes))
	require.Len(t, nodes, 1)
	assert.Equal(t, visible.ID, nodes[0].ID)

	// Node writes stay forbidden.
	resp, _ = env.request(t, http.MethodDelete, "/nodes/"+visible.ID, login.Token, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Admin surface stays forbidden.
	resp, _ = env.request(t, http.MethodGet, "/auth/users", login.Token, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAPI_LastAdminProtection(t *testing.T) {
	env := setupAPI(t)
	bearer := env.claimAndLogin(t)

	resp, body := env.request(t, http.MethodGet, "/auth/me", bearer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var me identity.UserSnapshot
	require.NoError(t, json.Unmarshal(body, &me))

	resp, body = env.request(t, http.MethodPost,
		"/auth/users/"+me.ID+"/roles", bearer,
		map[string]any{"roleNames": []string{store.RoleUser}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "last credentialed admin")
}

func TestAPI_SetPasswordTokenSingleUse(t *testing.T) {
	env := setupAPI(t)
	bearer := env.claimAndLogin(t)

	resp, body := env.request(t, http.MethodPost, "/auth/users", bearer,
		map[string]string{"email": "once@example.com"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var invite struct {
		SetupToken string `json:"setupToken"`
	}
	require.NoError(t, json.Unmarshal(body, &invite))

	resp, _ = env.request(t, http.MethodPost, "/auth/set-password", "",
		map[string]string{"token": invite.SetupToken, "password": "pass1234"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.request(t, http.MethodPost, "/auth/set-password", "",
		map[string]string{"token": invite.SetupToken, "password": "pass5678"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
