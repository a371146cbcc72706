// Package guacamole is the REST adapter for the Apache Guacamole gateway.
// All calls go through a circuit breaker and authenticate with a cached
// token that is refreshed before expiry and re-acquired once on a 403.
package guacamole

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/virtdesk/broker/pkg/config"
	"github.com/virtdesk/broker/pkg/errors"
	"github.com/virtdesk/broker/pkg/logger"
	"github.com/virtdesk/broker/pkg/resilience"
)

const (
	// requestTimeout bounds every gateway call.
	requestTimeout = 10 * time.Second

	// tokenLifetime is how long a cached token is trusted. Gateway tokens
	// live about an hour; refreshing at 58 minutes keeps a margin.
	tokenLifetime = 3500 * time.Second

	// defaultDataSource is used until authentication reports the real one.
	defaultDataSource = "postgresql"
)

// Connection is a catalog entry as returned by the connection list.
type Connection struct {
	Identifier       string `json:"identifier"`
	Name             string `json:"name"`
	Protocol         string `json:"protocol"`
	ParentIdentifier string `json:"parentIdentifier"`
}

// ActiveConnection is an open tunnel on the gateway.
type ActiveConnection struct {
	Identifier           string `json:"identifier"`
	ConnectionIdentifier string `json:"connectionIdentifier"`
	Username             string `json:"username"`
	StartDate            int64  `json:"startDate"`
}

// Client talks to the gateway's REST API.
type Client struct {
	baseURL  string
	settings config.GuacamoleSettings
	// connectionName is the base display name for desktop catalog entries.
	connectionName string
	http           *http.Client
	breaker        *resilience.CircuitBreaker

	mu           sync.Mutex
	token        string
	dataSource   string
	tokenExpires time.Time

	// now is replaceable in tests.
	now func() time.Time
}

// NewClient creates a gateway client. connectionName is the base display
// name for desktop catalog entries. The token is acquired lazily on the
// first call.
func NewClient(settings config.GuacamoleSettings, connectionName string, breaker *resilience.CircuitBreaker) *Client {
	return &Client{
		baseURL:        strings.TrimRight(settings.URL, "/"),
		settings:       settings,
		connectionName: connectionName,
		http:           &http.Client{Timeout: requestTimeout},
		breaker:        breaker,
		dataSource:     defaultDataSource,
		now:            time.Now,
	}
}

// Healthy reports whether the gateway circuit is closed.
func (c *Client) Healthy() bool {
	return c.breaker.Healthy()
}

// authenticate acquires a fresh token. Callers must hold c.mu.
func (c *Client) authenticate(ctx context.Context) error {
	form := url.Values{
		"username": {c.settings.Username},
		"password": {c.settings.Password},
	}

	var payload struct {
		AuthToken            string   `json:"authToken"`
		AvailableDataSources []string `json:"availableDataSources"`
	}

	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/api/tokens", strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return errors.Newf(errors.KindUpstream,
				"gateway authentication failed with status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&payload)
	})
	if err != nil {
		return err
	}

	c.token = payload.AuthToken
	c.tokenExpires = c.now().Add(tokenLifetime)
	if len(payload.AvailableDataSources) > 0 {
		c.dataSource = payload.AvailableDataSources[0]
	}
	return nil
}

// authParams returns a valid token and the data source, refreshing if the
// cached token is missing or expired.
func (c *Client) authParams(ctx context.Context) (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" || c.now().After(c.tokenExpires) {
		if err := c.authenticate(ctx); err != nil {
			return "", "", err
		}
	}
	return c.token, c.dataSource, nil
}

// invalidateToken forces re-authentication on the next call.
func (c *Client) invalidateToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.tokenExpires = time.Time{}
}

// EnsureAuth verifies a token can be acquired. Used at startup.
func (c *Client) EnsureAuth(ctx context.Context) error {
	_, _, err := c.authParams(ctx)
	return err
}

// doRequest makes an authenticated call against the data-source API. On a
// 403 the token is invalidated and the call retried exactly once; a second
// 403 surfaces as a forbidden error. When raiseForStatus is set, any other
// non-2xx status becomes an upstream error. Both are returned from inside
// the breaker-wrapped call so they count as failures.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, raiseForStatus bool) (int, []byte, error) {
	var status int
	var data []byte

	for attempt := 0; attempt < 2; attempt++ {
		token, ds, err := c.authParams(ctx)
		if err != nil {
			return 0, nil, err
		}

		reqURL := fmt.Sprintf("%s/api/session/data/%s/%s?token=%s",
			c.baseURL, ds, path, url.QueryEscape(token))

		var reqBody io.Reader
		if body != nil {
			encoded, err := json.Marshal(body)
			if err != nil {
				return 0, nil, err
			}
			reqBody = bytes.NewReader(encoded)
		}

		err = c.breaker.Call(ctx, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
			if err != nil {
				return err
			}
			if body != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			status = resp.StatusCode
			if data, err = io.ReadAll(resp.Body); err != nil {
				return err
			}
			if status == http.StatusForbidden {
				return errors.Newf(errors.KindForbidden,
					"gateway denied %s %s", method, path)
			}
			if raiseForStatus && (status < 200 || status >= 300) {
				return errors.Newf(errors.KindUpstream,
					"gateway returned status %d for %s %s", status, method, path)
			}
			return nil
		})
		if err != nil {
			if errors.IsForbidden(err) && attempt == 0 {
				logger.Warnf("Got 403 from gateway, forcing re-authentication")
				c.invalidateToken()
				continue
			}
			return status, data, err
		}
		break
	}
	return status, data, nil
}

// ListUsers returns all gateway usernames.
func (c *Client) ListUsers(ctx context.Context) ([]string, error) {
	_, data, err := c.doRequest(ctx, http.MethodGet, "users", nil, true)
	if err != nil {
		return nil, err
	}

	users := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("decoding user list: %w", err)
	}

	result := make([]string, 0, len(users))
	for username := range users {
		result = append(result, username)
	}
	return result, nil
}

// UserGroups returns the group names the user belongs to.
func (c *Client) UserGroups(ctx context.Context, username string) ([]string, error) {
	_, data, err := c.doRequest(ctx, http.MethodGet,
		"users/"+url.PathEscape(username)+"/userGroups", nil, true)
	if err != nil {
		return nil, err
	}

	var groups []string
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("decoding user groups: %w", err)
	}
	return groups, nil
}

// CreateConnection creates a VNC catalog entry and returns its identifier.
// The username feeds recording filename placeholders.
func (c *Client) CreateConnection(ctx context.Context, name, hostname string, port int, password, username string) (string, error) {
	parameters := map[string]string{
		"hostname":           hostname,
		"port":               strconv.Itoa(port),
		"password":           password,
		"color-depth":        "24",
		"clipboard-encoding": "UTF-8",
		"resize-method":      "display-update",
	}
	c.applyRecordingParams(parameters, username)

	payload := map[string]any{
		"parentIdentifier": "ROOT",
		"name":             name,
		"protocol":         "vnc",
		"parameters":       parameters,
		"attributes": map[string]string{
			"max-connections":          "1",
			"max-connections-per-user": "1",
		},
	}

	_, data, err := c.doRequest(ctx, http.MethodPost, "connections", payload, true)
	if err != nil {
		return "", err
	}

	var created struct {
		Identifier string `json:"identifier"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return "", fmt.Errorf("decoding created connection: %w", err)
	}
	return created.Identifier, nil
}

// UpdateConnection rewrites the endpoint parameters of an existing catalog
// entry, preserving every other stored field.
func (c *Client) UpdateConnection(ctx context.Context, connID, hostname string, port int, password string) error {
	connection, parameters, err := c.fetchConnection(ctx, connID)
	if err != nil {
		return err
	}

	parameters["hostname"] = hostname
	parameters["port"] = strconv.Itoa(port)
	parameters["password"] = password
	connection["parameters"] = parameters

	_, _, err = c.doRequest(ctx, http.MethodPut, "connections/"+connID, connection, true)
	return err
}

// SyncConnectionConfig reapplies the configured connection name and
// recording parameters to an existing catalog entry. Best effort: returns
// false on any failure except an open circuit, which propagates.
func (c *Client) SyncConnectionConfig(ctx context.Context, connID, username string) (bool, error) {
	status, data, err := c.doRequest(ctx, http.MethodGet, "connections/"+connID, nil, false)
	if err != nil {
		if errors.IsCircuitOpen(err) {
			return false, err
		}
		logger.Warnf("Failed to sync config for connection %s: %v", connID, err)
		return false, nil
	}
	if status != http.StatusOK {
		return false, nil
	}

	var connection map[string]any
	if err := json.Unmarshal(data, &connection); err != nil {
		return false, nil
	}

	_, paramsData, err := c.doRequest(ctx, http.MethodGet, "connections/"+connID+"/parameters", nil, true)
	if err != nil {
		if errors.IsCircuitOpen(err) {
			return false, err
		}
		logger.Warnf("Failed to sync config for connection %s: %v", connID, err)
		return false, nil
	}
	parameters := map[string]string{}
	if err := json.Unmarshal(paramsData, &parameters); err != nil {
		return false, nil
	}

	if username != "" {
		connection["name"] = fmt.Sprintf("%s - %s", c.connectionName, username)
	} else {
		connection["name"] = c.connectionName
	}

	if c.settings.Recording.Enabled {
		c.applyRecordingParams(parameters, username)
		if c.settings.Recording.Name == "" {
			delete(parameters, "recording-name")
		}
	} else {
		for _, key := range []string{"recording-path", "recording-name", "recording-include-keys", "create-recording-path"} {
			delete(parameters, key)
		}
	}
	connection["parameters"] = parameters

	if _, _, err := c.doRequest(ctx, http.MethodPut, "connections/"+connID, connection, true); err != nil {
		if errors.IsCircuitOpen(err) {
			return false, err
		}
		logger.Warnf("Failed to sync config for connection %s: %v", connID, err)
		return false, nil
	}

	logger.Infow("Synced connection config", "connection_id", connID, "username", username)
	return true, nil
}

// DeleteConnection removes a catalog entry. A missing entry is not an error.
func (c *Client) DeleteConnection(ctx context.Context, connID string) error {
	_, _, err := c.doRequest(ctx, http.MethodDelete, "connections/"+connID, nil, false)
	return err
}

// GrantConnectionPermission gives username READ access to the connection.
func (c *Client) GrantConnectionPermission(ctx context.Context, username, connID string) error {
	payload := []map[string]string{{
		"op":    "add",
		"path":  "/connectionPermissions/" + connID,
		"value": "READ",
	}}
	_, _, err := c.doRequest(ctx, http.MethodPatch,
		"users/"+url.PathEscape(username)+"/permissions", payload, true)
	return err
}

// CreateHomeConnection creates the failover-only placeholder entry that
// forces the gateway to show its home page instead of auto-connecting.
// Returns the new identifier, or empty when the entry already exists.
func (c *Client) CreateHomeConnection(ctx context.Context, username string) (string, error) {
	connName := fmt.Sprintf("%s - %s", c.settings.HomeConnectionName, username)

	if conns, err := c.ListConnections(ctx); err == nil {
		for _, conn := range conns {
			if conn.Name == connName {
				return "", nil
			}
		}
	} else if errors.IsCircuitOpen(err) {
		return "", err
	}

	payload := map[string]any{
		"parentIdentifier": "ROOT",
		"name":             connName,
		"protocol":         "vnc",
		"parameters": map[string]string{
			"hostname":  "localhost",
			"port":      "1",
			"read-only": "true",
		},
		"attributes": map[string]string{
			"max-connections":          "0",
			"max-connections-per-user": "0",
			"failover-only":            "true",
		},
	}

	status, data, err := c.doRequest(ctx, http.MethodPost, "connections", payload, false)
	if err != nil {
		if errors.IsCircuitOpen(err) {
			return "", err
		}
		logger.Warnf("Could not create home connection for %s: %v", username, err)
		return "", nil
	}
	if status != http.StatusOK && status != http.StatusCreated {
		logger.Warnf("Could not create home connection for %s: status %d", username, status)
		return "", nil
	}

	var created struct {
		Identifier string `json:"identifier"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return "", nil
	}
	if err := c.GrantConnectionPermission(ctx, username, created.Identifier); err != nil {
		if errors.IsCircuitOpen(err) {
			return "", err
		}
		logger.Warnf("Could not grant home connection to %s: %v", username, err)
	}
	return created.Identifier, nil
}

// ListConnections returns every catalog entry keyed by identifier. Missing
// permissions or transient non-200 responses yield an empty map.
func (c *Client) ListConnections(ctx context.Context) (map[string]Connection, error) {
	status, data, err := c.doRequest(ctx, http.MethodGet, "connections", nil, false)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return map[string]Connection{}, nil
	}

	result := map[string]Connection{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decoding connection list: %w", err)
	}
	return result, nil
}

// ListActiveConnections returns the open tunnels keyed by identifier.
func (c *Client) ListActiveConnections(ctx context.Context) (map[string]ActiveConnection, error) {
	_, data, err := c.doRequest(ctx, http.MethodGet, "activeConnections", nil, true)
	if err != nil {
		return nil, err
	}

	result := map[string]ActiveConnection{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decoding active connections: %w", err)
	}
	return result, nil
}

func (c *Client) fetchConnection(ctx context.Context, connID string) (map[string]any, map[string]string, error) {
	_, data, err := c.doRequest(ctx, http.MethodGet, "connections/"+connID, nil, true)
	if err != nil {
		return nil, nil, err
	}
	connection := map[string]any{}
	if err := json.Unmarshal(data, &connection); err != nil {
		return nil, nil, fmt.Errorf("decoding connection %s: %w", connID, err)
	}

	_, paramsData, err := c.doRequest(ctx, http.MethodGet, "connections/"+connID+"/parameters", nil, true)
	if err != nil {
		return nil, nil, err
	}
	parameters := map[string]string{}
	if err := json.Unmarshal(paramsData, &parameters); err != nil {
		return nil, nil, fmt.Errorf("decoding connection %s parameters: %w", connID, err)
	}
	return connection, parameters, nil
}

// applyRecordingParams adds the configured session recording parameters,
// expanding the filename placeholders.
func (c *Client) applyRecordingParams(parameters map[string]string, username string) {
	rec := c.settings.Recording
	if !rec.Enabled {
		return
	}

	parameters["recording-path"] = rec.Path
	parameters["recording-include-keys"] = boolString(rec.IncludeKeys)
	parameters["create-recording-path"] = boolString(rec.AutoCreatePath)

	if rec.Name != "" {
		now := c.now()
		name := rec.Name
		if username == "" {
			username = "unknown"
		}
		name = strings.ReplaceAll(name, "${GUAC_USERNAME}", username)
		name = strings.ReplaceAll(name, "${GUAC_DATE}", now.Format("20060102"))
		name = strings.ReplaceAll(name, "${GUAC_TIME}", now.Format("150405"))
		parameters["recording-name"] = name
	}
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
