package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthService(t *testing.T, handler http.Handler) (AuthService, *CloudSync, string) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	tokenPath := filepath.Join(t.TempDir(), "token")
	cloudSync := NewCloudSync("")
	auth := NewAuthService(server.Client(), server.URL, tokenPath, cloudSync, NewTestLogger(NewEventBus()))
	return auth, cloudSync, tokenPath
}

func authHandler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(deviceTokenPath, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if len(body["code"]) != 8 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte("device-token-jwt"))
	})
	mux.HandleFunc(userTokenPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer device-token-jwt" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("user-token-jwt"))
	})
	return mux
}

func TestAuthService_RegisterDevice(t *testing.T) {
	auth, cloudSync, tokenPath := newTestAuthService(t, authHandler(t))

	err := auth.RegisterDevice(context.Background(), "abcd1234")

	require.NoError(t, err)
	assert.True(t, auth.IsRegistered())
	assert.NotEmpty(t, auth.DeviceID())
	assert.Equal(t, auth.DeviceID(), cloudSync.DeviceID())

	// トークンファイルが保存されている
	data, err := os.ReadFile(tokenPath)
	require.NoError(t, err)
	var stored deviceTokenFile
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.Equal(t, "device-token-jwt", stored.DeviceToken)
}

func TestAuthService_RegisterDeviceRejectsShortCode(t *testing.T) {
	auth, _, _ := newTestAuthService(t, authHandler(t))

	err := auth.RegisterDevice(context.Background(), "short")

	assert.ErrorIs(t, err, ErrAuthRequired)
}

func TestAuthService_InitializeFromStoredToken(t *testing.T) {
	auth, _, tokenPath := newTestAuthService(t, authHandler(t))
	require.NoError(t, auth.RegisterDevice(context.Background(), "abcd1234"))
	deviceID := auth.DeviceID()

	// 新しいインスタンスで同じファイルから復元する
	cloudSync := NewCloudSync("")
	restored := NewAuthService(http.DefaultClient, "http://unused", tokenPath, cloudSync, NewTestLogger(NewEventBus()))

	require.NoError(t, restored.Initialize(context.Background()))
	assert.True(t, restored.IsRegistered())
	assert.Equal(t, deviceID, restored.DeviceID())
}

func TestAuthService_InitializeWithoutToken(t *testing.T) {
	auth, _, _ := newTestAuthService(t, authHandler(t))

	err := auth.Initialize(context.Background())

	assert.ErrorIs(t, err, ErrAuthRequired)
}

func TestAuthService_InitializeLegacyPlainTextToken(t *testing.T) {
	tokenPath := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenPath, []byte("plain-device-token\n"), 0600))
	auth := NewAuthService(http.DefaultClient, "http://unused", tokenPath, NewCloudSync(""), NewTestLogger(NewEventBus()))

	require.NoError(t, auth.Initialize(context.Background()))
	assert.True(t, auth.IsRegistered())
}

func TestAuthService_UserToken(t *testing.T) {
	auth, cloudSync, _ := newTestAuthService(t, authHandler(t))
	require.NoError(t, auth.RegisterDevice(context.Background(), "abcd1234"))

	token, err := auth.UserToken(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "user-token-jwt", token)
	assert.True(t, cloudSync.Connected())

	// 2回目はキャッシュされたトークンが返る
	again, err := auth.UserToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, token, again)
}

func TestAuthService_UserTokenWithoutRegistration(t *testing.T) {
	auth, _, _ := newTestAuthService(t, authHandler(t))

	_, err := auth.UserToken(context.Background())

	assert.ErrorIs(t, err, ErrAuthRequired)
}

func TestAuthService_RefreshWithRevokedDeviceToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(userTokenPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	tokenPath := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenPath, []byte("revoked-token"), 0600))

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	cloudSync := NewCloudSync("")
	auth := NewAuthService(server.Client(), server.URL, tokenPath, cloudSync, NewTestLogger(NewEventBus()))
	require.NoError(t, auth.Initialize(context.Background()))

	err := auth.RefreshUserToken(context.Background())

	assert.ErrorIs(t, err, ErrAuthRequired)
	assert.False(t, cloudSync.Connected())
}

func TestAuthService_Logout(t *testing.T) {
	auth, cloudSync, tokenPath := newTestAuthService(t, authHandler(t))
	require.NoError(t, auth.RegisterDevice(context.Background(), "abcd1234"))
	_, err := auth.UserToken(context.Background())
	require.NoError(t, err)

	require.NoError(t, auth.Logout())

	assert.False(t, auth.IsRegistered())
	assert.False(t, cloudSync.Connected())
	_, statErr := os.Stat(tokenPath)
	assert.True(t, os.IsNotExist(statErr))
}

// ----------------------------------------------------------------
// 固定トークン
// ----------------------------------------------------------------

func TestStaticTokenAuth_UserToken(t *testing.T) {
	cloudSync := NewCloudSync("")
	auth := NewStaticTokenAuth("configured-token", cloudSync, NewTestLogger(NewEventBus()))

	require.NoError(t, auth.Initialize(context.Background()))
	assert.True(t, cloudSync.Connected())
	assert.True(t, auth.IsRegistered())

	token, err := auth.UserToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "configured-token", token)

	// デバイス登録は受け付けない
	assert.Error(t, auth.RegisterDevice(context.Background(), "abcd1234"))

	// 固定トークンは更新できない
	assert.ErrorIs(t, auth.RefreshUserToken(context.Background()), ErrAuthRequired)
}

func TestStaticTokenAuth_EmptyToken(t *testing.T) {
	auth := NewStaticTokenAuth("", NewCloudSync(""), NewTestLogger(NewEventBus()))

	assert.ErrorIs(t, auth.Initialize(context.Background()), ErrAuthRequired)
	_, err := auth.UserToken(context.Background())
	assert.ErrorIs(t, err, ErrAuthRequired)
	assert.False(t, auth.IsRegistered())
}
