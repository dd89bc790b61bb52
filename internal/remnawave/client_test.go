package remnawave

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-key", 5*time.Second), srv
}

func writeEnvelope(t *testing.T, w http.ResponseWriter, payload any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"response": payload}))
}

func TestClient_GetUserByUUID(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/users/uuid-1", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		writeEnvelope(t, w, User{UUID: "uuid-1", Username: "alice", Status: UserStatusActive})
	})

	user, err := client.GetUserByUUID(context.Background(), "uuid-1")
	require.NoError(t, err)
	assert.Equal(t, "uuid-1", user.UUID)
	assert.Equal(t, "alice", user.Username)
}

func TestClient_GetUserByUsername_NotFound(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
	})

	user, err := client.GetUserByUsername(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestClient_GetUsersByTelegramID(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/users/by-telegram-id/555", r.URL.Path)
		writeEnvelope(t, w, []User{
			{UUID: "uuid-1", Username: "tg_555"},
			{UUID: "uuid-2", Username: "tg_555_w"},
		})
	})

	users, err := client.GetUsersByTelegramID(context.Background(), 555)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "tg_555_w", users[1].Username)
}

func TestClient_CreateUser(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/users", r.URL.Path)

		var req CreateUserRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "bob_w", req.Username)
		assert.Equal(t, ResetStrategyNoReset, req.TrafficLimitStrategy)
		require.NotNil(t, req.HWIDDeviceLimit)
		assert.Equal(t, 0, *req.HWIDDeviceLimit)

		writeEnvelope(t, w, User{UUID: "new-uuid", Username: req.Username})
	})

	hwid := 0
	user, err := client.CreateUser(context.Background(), CreateUserRequest{
		Username:             "bob_w",
		TrafficLimitStrategy: ResetStrategyNoReset,
		HWIDDeviceLimit:      &hwid,
		ExpireAt:             time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "new-uuid", user.UUID)
}

func TestClient_UpdateUser_Error(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := client.UpdateUser(context.Background(), UpdateUserRequest{UUID: "uuid-1"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.False(t, IsNotFound(err))
}

func TestClient_UpdateUser_NotFound(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such user", http.StatusNotFound)
	})

	_, err := client.UpdateUser(context.Background(), UpdateUserRequest{UUID: "gone"})
	assert.True(t, IsNotFound(err))
}

func TestClient_GetAllUsers(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("start"))
		assert.Equal(t, "500", r.URL.Query().Get("size"))
		writeEnvelope(t, w, UserPage{Users: []User{{UUID: "u1"}}, Total: 501})
	})

	page, err := client.GetAllUsers(context.Background(), 100, 500)
	require.NoError(t, err)
	assert.Equal(t, 501, page.Total)
	require.Len(t, page.Users, 1)
}

func TestClient_Actions(t *testing.T) {
	var paths []string
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		writeEnvelope(t, w, User{UUID: "uuid-1"})
	})

	ctx := context.Background()
	_, err := client.RevokeSubscription(ctx, "uuid-1")
	require.NoError(t, err)
	require.NoError(t, client.ResetUserDevices(ctx, "uuid-1"))
	require.NoError(t, client.ResetUserTraffic(ctx, "uuid-1"))
	require.NoError(t, client.DeleteUser(ctx, "uuid-1"))

	assert.Equal(t, []string{
		"POST /api/users/uuid-1/actions/revoke",
		"POST /api/users/uuid-1/actions/reset-devices",
		"POST /api/users/uuid-1/actions/reset-traffic",
		"DELETE /api/users/uuid-1",
	}, paths)
}
