package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	deviceTokenPath = "/token/json/2/device/new"
	userTokenPath   = "/token/json/2/user/new"
	deviceDesc      = "desktop-linux"

	// userTokenLifetime を超えたユーザートークンは次のリクエスト前に更新する
	userTokenLifetime = 24 * time.Hour
)

// deviceTokenFile はトークンファイルに保存する内容
type deviceTokenFile struct {
	DeviceToken string `json:"deviceToken"`
	DeviceID    string `json:"deviceId"`
}

// AuthService はデバイス登録とトークンのライフサイクルを担当するインターフェース
type AuthService interface {
	TokenProvider
	// RegisterDevice はワンタイムコードでデバイスを登録し、トークンを保存します
	RegisterDevice(ctx context.Context, code string) error
	// Initialize は保存済みトークンを読み込みます（未登録ならErrAuthRequired）
	Initialize(ctx context.Context) error
	// Logout はトークンファイルを削除してオフラインに遷移します
	Logout() error
	// DeviceID は登録済みデバイスのIDを返します
	DeviceID() string
	// IsRegistered はデバイストークンを保持しているかどうかを返します
	IsRegistered() bool
}

// authServiceImpl はAuthServiceの実装
type authServiceImpl struct {
	client        *http.Client
	discoveryURI  string
	tokenFilePath string
	sync          *CloudSync
	logger        EngineLogger

	mu          sync.Mutex
	deviceToken string
	deviceID    string
	userToken   string
	refreshedAt time.Time
}

// NewAuthService は新しいAuthServiceインスタンスを作成
func NewAuthService(client *http.Client, discoveryURI, tokenFilePath string, cloudSync *CloudSync, logger EngineLogger) AuthService {
	if client == nil {
		client = http.DefaultClient
	}
	return &authServiceImpl{
		client:        client,
		discoveryURI:  discoveryURI,
		tokenFilePath: tokenFilePath,
		sync:          cloudSync,
		logger:        logger,
	}
}

// ----------------------------------------------------------------
// デバイス登録
// ----------------------------------------------------------------

func (a *authServiceImpl) RegisterDevice(ctx context.Context, code string) error {
	code = strings.TrimSpace(code)
	if len(code) != 8 {
		return fmt.Errorf("%w: one-time code must be 8 characters", ErrAuthRequired)
	}

	deviceID := uuid.New().String()
	payload, err := json.Marshal(map[string]string{
		"code":       code,
		"deviceDesc": deviceDesc,
		"deviceID":   deviceID,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.discoveryURI+deviceTokenPath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach auth server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: device registration failed with status %d: %s", ErrAuthRequired, resp.StatusCode, bytes.TrimSpace(body))
	}

	token, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read device token: %w", err)
	}

	a.mu.Lock()
	a.deviceToken = strings.TrimSpace(string(token))
	a.deviceID = deviceID
	a.userToken = ""
	a.mu.Unlock()

	if err := a.saveTokenFile(); err != nil {
		return err
	}

	a.sync.SetDeviceID(deviceID)
	a.logger.Info("device registered: %s", deviceID)
	return nil
}

func (a *authServiceImpl) Initialize(ctx context.Context) error {
	data, err := os.ReadFile(a.tokenFilePath)
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: no device token stored", ErrAuthRequired)
	}
	if err != nil {
		return fmt.Errorf("failed to read token file: %w", err)
	}

	var stored deviceTokenFile
	if err := json.Unmarshal(data, &stored); err != nil {
		// 旧フォーマットはトークン文字列の生テキスト
		stored = deviceTokenFile{DeviceToken: strings.TrimSpace(string(data))}
	}
	if stored.DeviceToken == "" {
		return fmt.Errorf("%w: token file is empty", ErrAuthRequired)
	}

	a.mu.Lock()
	a.deviceToken = stored.DeviceToken
	a.deviceID = stored.DeviceID
	a.mu.Unlock()

	a.sync.SetDeviceID(stored.DeviceID)
	return nil
}

// saveTokenFile はトークンを一時ファイル経由で保存する
func (a *authServiceImpl) saveTokenFile() error {
	a.mu.Lock()
	stored := deviceTokenFile{DeviceToken: a.deviceToken, DeviceID: a.deviceID}
	a.mu.Unlock()

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(a.tokenFilePath), 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	tmp := a.tokenFilePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := os.Rename(tmp, a.tokenFilePath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize token file: %w", err)
	}
	return nil
}

// ----------------------------------------------------------------
// ユーザートークン
// ----------------------------------------------------------------

func (a *authServiceImpl) UserToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	token := a.userToken
	fresh := time.Since(a.refreshedAt) < userTokenLifetime
	a.mu.Unlock()

	if token != "" && fresh {
		return token, nil
	}
	if err := a.RefreshUserToken(ctx); err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.userToken, nil
}

func (a *authServiceImpl) RefreshUserToken(ctx context.Context) error {
	a.mu.Lock()
	deviceToken := a.deviceToken
	a.mu.Unlock()

	if deviceToken == "" {
		return fmt.Errorf("%w: device is not registered", ErrAuthRequired)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.discoveryURI+userTokenPath, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+deviceToken)

	resp, err := a.client.Do(req)
	if err != nil {
		a.handleOfflineTransition(err)
		return fmt.Errorf("failed to reach auth server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		// デバイストークンが失効している。再登録が必要
		a.handleOfflineTransition(fmt.Errorf("device token rejected with status %d", resp.StatusCode))
		return fmt.Errorf("%w: device token rejected", ErrAuthRequired)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("user token refresh failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	token, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read user token: %w", err)
	}

	a.mu.Lock()
	a.userToken = strings.TrimSpace(string(token))
	a.refreshedAt = time.Now()
	a.mu.Unlock()

	a.sync.SetConnected(true)
	a.logger.Console("user token refreshed")
	return nil
}

// ----------------------------------------------------------------
// 状態遷移
// ----------------------------------------------------------------

func (a *authServiceImpl) Logout() error {
	if err := os.Remove(a.tokenFilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove token file: %w", err)
	}

	a.mu.Lock()
	a.deviceToken = ""
	a.deviceID = ""
	a.userToken = ""
	a.mu.Unlock()

	a.sync.SetConnected(false)
	a.logger.Info("logged out, device token removed")
	return nil
}

// handleOfflineTransition はオフライン状態への遷移を処理します
// トークンファイルは残す（次回起動時に再接続を試みるため）
func (a *authServiceImpl) handleOfflineTransition(err error) {
	if err != nil {
		a.logger.Console("going offline: %v", err)
	}
	a.mu.Lock()
	a.userToken = ""
	a.mu.Unlock()
	a.sync.SetConnected(false)
}

func (a *authServiceImpl) DeviceID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deviceID
}

func (a *authServiceImpl) IsRegistered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deviceToken != ""
}

// ----------------------------------------------------------------
// 固定トークン
// ----------------------------------------------------------------

// staticTokenAuth は環境変数TOKENなどで渡された固定ユーザートークンを使う
// デバイス登録・トークン更新は行わない。トークンが失効したら再設定が必要
type staticTokenAuth struct {
	token  string
	sync   *CloudSync
	logger EngineLogger
}

// NewStaticTokenAuth は固定トークンで動くAuthServiceを作成
func NewStaticTokenAuth(token string, cloudSync *CloudSync, logger EngineLogger) AuthService {
	return &staticTokenAuth{token: token, sync: cloudSync, logger: logger}
}

func (s *staticTokenAuth) UserToken(ctx context.Context) (string, error) {
	if s.token == "" {
		return "", fmt.Errorf("%w: no token configured", ErrAuthRequired)
	}
	return s.token, nil
}

func (s *staticTokenAuth) RefreshUserToken(ctx context.Context) error {
	// サーバーに拒否された固定トークンは更新のしようがない
	return fmt.Errorf("%w: configured token was rejected", ErrAuthRequired)
}

func (s *staticTokenAuth) RegisterDevice(ctx context.Context, code string) error {
	return fmt.Errorf("device registration is disabled while a fixed token is configured")
}

func (s *staticTokenAuth) Initialize(ctx context.Context) error {
	if s.token == "" {
		return fmt.Errorf("%w: no token configured", ErrAuthRequired)
	}
	s.sync.SetConnected(true)
	s.logger.Console("using configured user token")
	return nil
}

func (s *staticTokenAuth) Logout() error {
	s.sync.SetConnected(false)
	return nil
}

func (s *staticTokenAuth) DeviceID() string {
	return ""
}

func (s *staticTokenAuth) IsRegistered() bool {
	return s.token != ""
}
