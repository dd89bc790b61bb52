// Package remnawave implements a typed HTTP client for the RemnaWave panel
// API. The bot's database stays authoritative; the panel is a mirror this
// client keeps in step.
package remnawave

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const defaultTimeout = 30 * time.Second

// Client talks to the RemnaWave panel REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a panel client. A non-positive timeout falls back to
// 30 seconds.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// envelope is the panel's standard response wrapper.
type envelope struct {
	Response json.RawMessage `json:"response"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("panel request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read panel response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: string(data)}
	}

	if out == nil {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to decode panel response: %w", err)
	}
	payload := env.Response
	if payload == nil {
		payload = data
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("failed to decode panel payload: %w", err)
	}
	return nil
}

// GetUserByUUID retrieves a panel user by UUID.
func (c *Client) GetUserByUUID(ctx context.Context, uuid string) (*User, error) {
	var user User
	if err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(uuid), nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByUsername retrieves a panel user by username. A missing user is
// returned as (nil, nil).
func (c *Client) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	err := c.do(ctx, http.MethodGet, "/api/users/by-username/"+url.PathEscape(username), nil, &user)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// GetUsersByTelegramID retrieves all panel users carrying the Telegram ID.
// A missing binding is an empty slice, not an error.
func (c *Client) GetUsersByTelegramID(ctx context.Context, telegramID int64) ([]User, error) {
	var users []User
	err := c.do(ctx, http.MethodGet, "/api/users/by-telegram-id/"+strconv.FormatInt(telegramID, 10), nil, &users)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return users, nil
}

// CreateUser creates a panel user.
func (c *Client) CreateUser(ctx context.Context, req CreateUserRequest) (*User, error) {
	var user User
	if err := c.do(ctx, http.MethodPost, "/api/users", req, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateUser updates a panel user in place.
func (c *Client) UpdateUser(ctx context.Context, req UpdateUserRequest) (*User, error) {
	var user User
	if err := c.do(ctx, http.MethodPatch, "/api/users", req, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// RevokeSubscription rotates the user's subscription credentials.
func (c *Client) RevokeSubscription(ctx context.Context, uuid string) (*User, error) {
	var user User
	path := "/api/users/" + url.PathEscape(uuid) + "/actions/revoke"
	if err := c.do(ctx, http.MethodPost, path, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetAllUsers pages through the panel user listing.
func (c *Client) GetAllUsers(ctx context.Context, start, size int) (*UserPage, error) {
	var page UserPage
	path := fmt.Sprintf("/api/users?start=%d&size=%d", start, size)
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// DeleteUser removes a panel user.
func (c *Client) DeleteUser(ctx context.Context, uuid string) error {
	return c.do(ctx, http.MethodDelete, "/api/users/"+url.PathEscape(uuid), nil, nil)
}

// ResetUserDevices clears the user's registered HWID devices.
func (c *Client) ResetUserDevices(ctx context.Context, uuid string) error {
	path := "/api/users/" + url.PathEscape(uuid) + "/actions/reset-devices"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// ResetUserTraffic zeroes the user's traffic counters.
func (c *Client) ResetUserTraffic(ctx context.Context, uuid string) error {
	path := "/api/users/" + url.PathEscape(uuid) + "/actions/reset-traffic"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// GetInternalSquads retrieves the panel squad catalog.
func (c *Client) GetInternalSquads(ctx context.Context) ([]InternalSquad, error) {
	var out struct {
		InternalSquads []InternalSquad `json:"internalSquads"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/internal-squads", nil, &out); err != nil {
		return nil, err
	}
	return out.InternalSquads, nil
}
