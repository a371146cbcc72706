package guacamole

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtdesk/broker/pkg/config"
	"github.com/virtdesk/broker/pkg/errors"
	"github.com/virtdesk/broker/pkg/resilience"
)

// gatewayStub is a minimal Guacamole REST stand-in.
type gatewayStub struct {
	t          *testing.T
	mux        *http.ServeMux
	authCalls  atomic.Int64
	validToken string
}

func newGatewayStub(t *testing.T) (*gatewayStub, *httptest.Server) {
	t.Helper()

	stub := &gatewayStub{t: t, mux: http.NewServeMux(), validToken: "tok-1"}
	stub.mux.HandleFunc("POST /api/tokens", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostFormValue("username") != "guacadmin" || r.PostFormValue("password") != "pw" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		n := stub.authCalls.Add(1)
		stub.validToken = "tok-" + strconv.FormatInt(n, 10)
		json.NewEncoder(w).Encode(map[string]any{
			"authToken":            stub.validToken,
			"availableDataSources": []string{"postgresql"},
		})
	})

	server := httptest.NewServer(stub.mux)
	t.Cleanup(server.Close)
	return stub, server
}

// handle registers a data-source path with token validation.
func (s *gatewayStub) handle(pattern string, fn http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != s.validToken {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		fn(w, r)
	})
}

func newTestClient(url string) *Client {
	settings := config.GuacamoleSettings{
		URL:                url,
		Username:           "guacadmin",
		Password:           "pw",
		HomeConnectionName: "Home",
		Recording: config.RecordingSettings{
			Enabled:        true,
			Path:           "/recordings",
			Name:           "${GUAC_USERNAME}-${GUAC_DATE}-${GUAC_TIME}",
			AutoCreatePath: true,
		},
	}
	return NewClient(settings, "Virtual Desktop", resilience.NewCircuitBreaker("gw-test-"+url[len(url)-5:]))
}

func TestTokenCachedAcrossCalls(t *testing.T) {
	t.Parallel()

	stub, server := newGatewayStub(t)
	stub.handle("GET /api/session/data/postgresql/users", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"alice": map[string]any{}, "bob": map[string]any{}})
	})

	c := newTestClient(server.URL)
	ctx := context.Background()

	users, err := c.ListUsers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, users)

	_, err = c.ListUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stub.authCalls.Load())
}

func TestTokenRefreshedAfterExpiry(t *testing.T) {
	t.Parallel()

	stub, server := newGatewayStub(t)
	stub.handle("GET /api/session/data/postgresql/users", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{})
	})

	c := newTestClient(server.URL)
	base := time.Now()
	c.now = func() time.Time { return base }
	ctx := context.Background()

	_, err := c.ListUsers(ctx)
	require.NoError(t, err)

	// Jump past the token lifetime; the next call must re-authenticate.
	c.now = func() time.Time { return base.Add(tokenLifetime + time.Minute) }
	_, err = c.ListUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stub.authCalls.Load())
}

func TestForbiddenTriggersSingleReauth(t *testing.T) {
	t.Parallel()

	stub, server := newGatewayStub(t)
	stub.handle("GET /api/session/data/postgresql/users", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"alice": map[string]any{}})
	})

	c := newTestClient(server.URL)
	ctx := context.Background()

	_, err := c.ListUsers(ctx)
	require.NoError(t, err)

	// Expire the token server-side only: the stale client token now gets
	// a 403 and the client must recover with one re-auth.
	stub.validToken = "rotated"
	users, err := c.ListUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, users)
	assert.Equal(t, int64(2), stub.authCalls.Load())
}

func TestPersistent403FailsAfterOneReauth(t *testing.T) {
	t.Parallel()

	stub, server := newGatewayStub(t)
	// 403 regardless of token: re-auth must be attempted exactly once.
	stub.mux.HandleFunc("GET /api/session/data/postgresql/users/nobody/userGroups",
		func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		})

	c := newTestClient(server.URL)
	_, err := c.UserGroups(context.Background(), "nobody")
	require.Error(t, err)
	assert.True(t, errors.IsForbidden(err))
	assert.Equal(t, int64(2), stub.authCalls.Load())
}

func TestServerErrorsTripCircuit(t *testing.T) {
	t.Parallel()

	stub, server := newGatewayStub(t)

	var hits atomic.Int64
	stub.handle("GET /api/session/data/postgresql/users", func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	breaker := resilience.NewCircuitBreaker("gw-500",
		resilience.WithFailureThreshold(5),
		resilience.WithRecoveryTimeout(30*time.Second),
	)
	c := NewClient(config.GuacamoleSettings{
		URL: server.URL, Username: "guacadmin", Password: "pw", HomeConnectionName: "Home",
	}, "Virtual Desktop", breaker)
	ctx := context.Background()

	require.NoError(t, c.EnsureAuth(ctx))

	for i := 0; i < 5; i++ {
		_, err := c.ListUsers(ctx)
		require.Error(t, err)
		assert.True(t, errors.IsUpstream(err))
	}
	assert.Equal(t, int64(5), hits.Load())
	assert.False(t, c.Healthy())

	// Sixth call fails fast without reaching the gateway.
	_, err := c.ListUsers(ctx)
	assert.True(t, errors.IsCircuitOpen(err))
	assert.Equal(t, int64(5), hits.Load())
}

func TestCreateConnection(t *testing.T) {
	t.Parallel()

	stub, server := newGatewayStub(t)

	var payload map[string]any
	stub.handle("POST /api/session/data/postgresql/connections", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		json.NewEncoder(w).Encode(map[string]string{"identifier": "42"})
	})

	c := newTestClient(server.URL)
	id, err := c.CreateConnection(context.Background(), "Virtual Desktop - alice", "172.20.0.5", 5901, "vncpw", "alice")
	require.NoError(t, err)
	assert.Equal(t, "42", id)

	assert.Equal(t, "ROOT", payload["parentIdentifier"])
	assert.Equal(t, "vnc", payload["protocol"])
	params := payload["parameters"].(map[string]any)
	assert.Equal(t, "172.20.0.5", params["hostname"])
	assert.Equal(t, "5901", params["port"])
	assert.Equal(t, "vncpw", params["password"])
	assert.Equal(t, "24", params["color-depth"])
	assert.Equal(t, "/recordings", params["recording-path"])
	// Placeholders expanded, none left in the recording name.
	recName := params["recording-name"].(string)
	assert.Contains(t, recName, "alice-")
	assert.NotContains(t, recName, "${")
	attrs := payload["attributes"].(map[string]any)
	assert.Equal(t, "1", attrs["max-connections"])
}

func TestUpdateConnectionPreservesFields(t *testing.T) {
	t.Parallel()

	stub, server := newGatewayStub(t)

	stub.handle("GET /api/session/data/postgresql/connections/7", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"identifier":       "7",
			"name":             "Virtual Desktop - bob",
			"protocol":         "vnc",
			"parentIdentifier": "ROOT",
			"attributes":       map[string]string{"max-connections": "1"},
		})
	})
	stub.handle("GET /api/session/data/postgresql/connections/7/parameters", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"hostname":    "172.20.0.2",
			"port":        "5901",
			"password":    "old",
			"color-depth": "24",
		})
	})

	var updated map[string]any
	stub.handle("PUT /api/session/data/postgresql/connections/7", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&updated))
		w.WriteHeader(http.StatusNoContent)
	})

	c := newTestClient(server.URL)
	require.NoError(t, c.UpdateConnection(context.Background(), "7", "172.20.0.9", 5901, "new"))

	assert.Equal(t, "Virtual Desktop - bob", updated["name"])
	params := updated["parameters"].(map[string]any)
	assert.Equal(t, "172.20.0.9", params["hostname"])
	assert.Equal(t, "new", params["password"])
	// Untouched parameter survives the merge.
	assert.Equal(t, "24", params["color-depth"])
}

func TestDeleteConnectionToleratesMissing(t *testing.T) {
	t.Parallel()

	stub, server := newGatewayStub(t)
	stub.handle("DELETE /api/session/data/postgresql/connections/404", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	c := newTestClient(server.URL)
	assert.NoError(t, c.DeleteConnection(context.Background(), "404"))
}

func TestGrantConnectionPermission(t *testing.T) {
	t.Parallel()

	stub, server := newGatewayStub(t)

	var ops []map[string]string
	stub.handle("PATCH /api/session/data/postgresql/users/alice/permissions", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ops))
		w.WriteHeader(http.StatusNoContent)
	})

	c := newTestClient(server.URL)
	require.NoError(t, c.GrantConnectionPermission(context.Background(), "alice", "42"))

	require.Len(t, ops, 1)
	assert.Equal(t, "add", ops[0]["op"])
	assert.Equal(t, "/connectionPermissions/42", ops[0]["path"])
	assert.Equal(t, "READ", ops[0]["value"])
}

func TestCreateHomeConnectionIdempotent(t *testing.T) {
	t.Parallel()

	stub, server := newGatewayStub(t)

	existing := map[string]Connection{}
	created := 0
	stub.handle("GET /api/session/data/postgresql/connections", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(existing)
	})
	stub.handle("POST /api/session/data/postgresql/connections", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		attrs := payload["attributes"].(map[string]any)
		assert.Equal(t, "true", attrs["failover-only"])
		created++
		existing["9"] = Connection{Identifier: "9", Name: payload["name"].(string)}
		json.NewEncoder(w).Encode(map[string]string{"identifier": "9"})
	})
	stub.handle("PATCH /api/session/data/postgresql/users/alice/permissions", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	c := newTestClient(server.URL)
	ctx := context.Background()

	id, err := c.CreateHomeConnection(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "9", id)
	assert.Equal(t, 1, created)

	// Second call sees the existing entry and creates nothing.
	id, err = c.CreateHomeConnection(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Equal(t, 1, created)
}

func TestListActiveConnections(t *testing.T) {
	t.Parallel()

	stub, server := newGatewayStub(t)
	stub.handle("GET /api/session/data/postgresql/activeConnections", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"ac-1": map[string]any{
				"identifier":           "ac-1",
				"connectionIdentifier": "42",
				"username":             "alice",
				"startDate":            1724500000000,
			},
		})
	})

	c := newTestClient(server.URL)
	active, err := c.ListActiveConnections(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "42", active["ac-1"].ConnectionIdentifier)
	assert.Equal(t, "alice", active["ac-1"].Username)
}

func TestBreakerTripsAndRecovers(t *testing.T) {
	t.Parallel()

	stub, server := newGatewayStub(t)

	var failing atomic.Bool
	stub.handle("GET /api/session/data/postgresql/activeConnections", func(w http.ResponseWriter, _ *http.Request) {
		if failing.Load() {
			// Hijack-free way to simulate a dead gateway: abort the
			// response so the client sees a transport error.
			panic(http.ErrAbortHandler)
		}
		json.NewEncoder(w).Encode(map[string]any{})
	})

	var fake atomic.Int64
	now := func() time.Time { return time.Unix(fake.Load(), 0) }
	breaker := resilience.NewCircuitBreaker("gw-trip",
		resilience.WithFailureThreshold(5),
		resilience.WithRecoveryTimeout(30*time.Second),
		resilience.WithClock(now),
	)
	c := NewClient(config.GuacamoleSettings{
		URL: server.URL, Username: "guacadmin", Password: "pw", HomeConnectionName: "Home",
	}, "Virtual Desktop", breaker)
	ctx := context.Background()

	// Warm up auth while healthy.
	require.NoError(t, c.EnsureAuth(ctx))

	failing.Store(true)
	for i := 0; i < 5; i++ {
		_, err := c.ListActiveConnections(ctx)
		require.Error(t, err)
		assert.False(t, errors.IsCircuitOpen(err))
	}

	// Circuit is now open: calls fail fast without touching the gateway.
	_, err := c.ListActiveConnections(ctx)
	assert.True(t, errors.IsCircuitOpen(err))
	assert.False(t, c.Healthy())

	// After the recovery window a probe goes through and closes it.
	failing.Store(false)
	fake.Store(31)
	_, err = c.ListActiveConnections(ctx)
	require.NoError(t, err)
	assert.True(t, c.Healthy())
}
