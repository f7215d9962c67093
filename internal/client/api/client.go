// Package api implements the HTTP client for the EnvSync server: account
// calls, push/pull, and the conflict resolution flow. Payloads pass through
// as opaque strings; encryption happens in the caller.
package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/envsync/envsync/internal/common"
)

type Client struct {
	baseURL      string
	http         *http.Client
	accessToken  string
	refreshToken string
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// LoggedIn reports whether the client holds an access token.
func (c *Client) LoggedIn() bool { return c.accessToken != "" }

// Logout drops the stored tokens.
func (c *Client) Logout() {
	c.accessToken = ""
	c.refreshToken = ""
}

// doJSON sends one JSON request. With auth, a 401 response triggers a single
// token refresh followed by one retry, mirroring interactive session renewal.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, auth bool, out any) (int, error) {
	status, err := c.send(ctx, method, path, body, auth, out)
	if err != nil {
		return 0, err
	}
	if status == http.StatusUnauthorized && auth && c.refreshToken != "" {
		if err := c.refresh(ctx); err != nil {
			return status, ErrUnauthorized
		}
		return c.send(ctx, method, path, body, auth, out)
	}
	return status, nil
}

func (c *Client) send(ctx context.Context, method, path string, body any, auth bool, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.Header.Set(common.AuthorizationHeaderName, common.BearerPrefix+c.accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < http.StatusInternalServerError {
		// tolerate empty or error bodies, callers check the status
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, nil
}

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (c *Client) refresh(ctx context.Context) error {
	var pair tokenPair
	status, err := c.send(ctx, http.MethodPost, "/api/refresh",
		map[string]string{"refresh_token": c.refreshToken}, false, &pair)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return ErrUnauthorized
	}
	c.accessToken = pair.AccessToken
	c.refreshToken = pair.RefreshToken
	return nil
}

// --- account calls ---

func (c *Client) Register(ctx context.Context, username string, salt, verifier []byte) error {
	body := map[string]string{
		"username": username,
		"salt":     base64.StdEncoding.EncodeToString(salt),
		"verifier": base64.StdEncoding.EncodeToString(verifier),
	}
	status, err := c.doJSON(ctx, http.MethodPost, "/api/register", body, false, nil)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("registration failed (status %d)", status)
	}
	return nil
}

func (c *Client) GetSalt(ctx context.Context, username string) ([]byte, error) {
	var out struct {
		Salt string `json:"salt"`
	}
	status, err := c.doJSON(ctx, http.MethodGet, "/api/salt?username="+username, nil, false, &out)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("salt request failed (status %d)", status)
	}
	return base64.StdEncoding.DecodeString(out.Salt)
}

// Login authenticates with the key verifier and stores the token pair for
// subsequent calls.
func (c *Client) Login(ctx context.Context, username string, verifier []byte) error {
	body := map[string]string{
		"username": username,
		"verifier": base64.StdEncoding.EncodeToString(verifier),
	}
	var pair tokenPair
	status, err := c.doJSON(ctx, http.MethodPost, "/api/login", body, false, &pair)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return ErrUnauthorized
	}
	c.accessToken = pair.AccessToken
	c.refreshToken = pair.RefreshToken
	return nil
}

// --- sync calls ---

type PushOutcome struct {
	Accepted bool  `json:"accepted"`
	Version  int64 `json:"version"`
}

// Push uploads one encrypted payload. A server-detected conflict comes back
// as *ConflictError so callers can route it to the resolution flow.
func (c *Client) Push(ctx context.Context, entityType, entityID, payload string, claimedLocalVersion int64, checksum string) (*PushOutcome, error) {
	body := map[string]any{
		"entityType":          entityType,
		"entityId":            entityID,
		"payload":             payload,
		"claimedLocalVersion": claimedLocalVersion,
		"checksum":            checksum,
	}
	var out struct {
		Accepted   bool   `json:"accepted"`
		Version    int64  `json:"version"`
		ConflictID string `json:"conflictId"`
	}
	status, err := c.doJSON(ctx, http.MethodPost, "/api/sync/push", body, true, &out)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return &PushOutcome{Accepted: out.Accepted, Version: out.Version}, nil
	case http.StatusConflict:
		return nil, &ConflictError{ConflictID: out.ConflictID}
	case http.StatusUnauthorized:
		return nil, ErrUnauthorized
	default:
		return nil, fmt.Errorf("push failed (status %d)", status)
	}
}

type PullEntity struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Version int64  `json:"version"`
}

type PullUpdate struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Version int64  `json:"version"`
	Payload string `json:"payload"`
}

// Pull fetches payloads newer than the versions the client already holds.
func (c *Client) Pull(ctx context.Context, entities []PullEntity) ([]PullUpdate, error) {
	var out struct {
		Updates []PullUpdate `json:"updates"`
	}
	status, err := c.doJSON(ctx, http.MethodPost, "/api/sync/pull",
		map[string]any{"entities": entities}, true, &out)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("pull failed (status %d)", status)
	}
	return out.Updates, nil
}

type ConflictSide struct {
	Payload    string    `json:"payload"`
	DetectedAt time.Time `json:"detectedAt"`
}

type Conflict struct {
	ID         string       `json:"id"`
	EntityType string       `json:"entityType"`
	EntityID   string       `json:"entityId"`
	Local      ConflictSide `json:"local"`
	Remote     ConflictSide `json:"remote"`
}

func (c *Client) ListConflicts(ctx context.Context) ([]Conflict, error) {
	var out struct {
		Conflicts []Conflict `json:"conflicts"`
	}
	status, err := c.doJSON(ctx, http.MethodGet, "/api/sync/conflicts", nil, true, &out)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("conflict list failed (status %d)", status)
	}
	return out.Conflicts, nil
}

// Resolve settles a conflict with local_wins, remote_wins, or merged (the
// latter requires resolvedData, an opaque ciphertext produced client-side).
func (c *Client) Resolve(ctx context.Context, conflictID, resolution, resolvedData string) error {
	body := map[string]string{"resolution": resolution}
	if resolvedData != "" {
		body["resolvedData"] = resolvedData
	}
	status, err := c.doJSON(ctx, http.MethodPost, "/api/sync/conflicts/"+conflictID+"/resolve", body, true, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return fmt.Errorf("conflict %s is already resolved", conflictID)
	case http.StatusNotFound:
		return common.ErrorNotFound
	default:
		return fmt.Errorf("resolve failed (status %d)", status)
	}
}

type EntityStatus struct {
	EntityType    string `json:"entityType"`
	EntityID      string `json:"entityId"`
	Status        string `json:"status"`
	LocalVersion  int64  `json:"localVersion"`
	RemoteVersion int64  `json:"remoteVersion"`
	BaseVersion   int64  `json:"baseVersion"`
	LastSyncAt    string `json:"lastSyncAt"`
	LastSyncError string `json:"lastSyncError"`
}

func (c *Client) Status(ctx context.Context) ([]EntityStatus, error) {
	var out struct {
		Entities []EntityStatus `json:"entities"`
	}
	status, err := c.doJSON(ctx, http.MethodGet, "/api/sync/status", nil, true, &out)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("status request failed (status %d)", status)
	}
	return out.Entities, nil
}
