package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// TokenProvider はリクエストに載せるユーザートークンの供給元
type TokenProvider interface {
	// UserToken は現在有効なユーザートークンを返します
	UserToken(ctx context.Context) (string, error)
	// RefreshUserToken はトークンを更新します（401/403を受けた後のリトライ用）
	RefreshUserToken(ctx context.Context) error
}

// CloudOperations はコンテンツアドレスストアの低レベル操作を提供するインターフェース
type CloudOperations interface {
	// GetRoot は現在のルートポインタを取得します
	GetRoot(ctx context.Context) (RootInfo, error)
	// PutRoot はルートポインタをCAS更新します（世代不一致はErrRootConflict）
	PutRoot(ctx context.Context, update RootUpdate) (RootInfo, error)
	// GetBlob はブロブをハッシュで取得します
	GetBlob(ctx context.Context, hash Hash) ([]byte, error)
	// PutBlob はブロブをアップロードします（同一ハッシュの再アップロードは冪等）
	PutBlob(ctx context.Context, hash Hash, name string, data FileHandle) error
	// BlobExists はブロブがサーバーに存在するかを確認します
	BlobExists(ctx context.Context, hash Hash) (bool, error)
}

// cloudOperationsImpl はCloudOperationsのHTTP実装
type cloudOperationsImpl struct {
	client  *http.Client
	baseURI string
	tokens  TokenProvider
	logger  EngineLogger
}

// NewCloudOperations は新しいCloudOperationsインスタンスを作成
func NewCloudOperations(client *http.Client, baseURI string, tokens TokenProvider, logger EngineLogger) CloudOperations {
	if client == nil {
		client = http.DefaultClient
	}
	return &cloudOperationsImpl{
		client:  client,
		baseURI: baseURI,
		tokens:  tokens,
		logger:  logger,
	}
}

// ----------------------------------------------------------------
// ルートポインタ
// ----------------------------------------------------------------

func (o *cloudOperationsImpl) GetRoot(ctx context.Context) (RootInfo, error) {
	resp, err := o.do(ctx, http.MethodGet, "/sync/v3/root", nil, nil)
	if err != nil {
		return RootInfo{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadRequest:
		// v3非対応アカウントはルートGETに400を返す
		return RootInfo{}, fmt.Errorf("%w: sync v3 root rejected", ErrLegacyAPI)
	default:
		return RootInfo{}, o.statusError("failed to get root", resp)
	}

	var root RootInfo
	if err := json.NewDecoder(resp.Body).Decode(&root); err != nil {
		return RootInfo{}, fmt.Errorf("failed to decode root response: %w", err)
	}
	return root, nil
}

func (o *cloudOperationsImpl) PutRoot(ctx context.Context, update RootUpdate) (RootInfo, error) {
	body, err := json.Marshal(update)
	if err != nil {
		return RootInfo{}, err
	}

	headers := map[string]string{"Content-Type": "application/json"}
	resp, err := o.do(ctx, http.MethodPut, "/sync/v3/root", headers, func() (io.Reader, int64, error) {
		return bytes.NewReader(body), int64(len(body)), nil
	})
	if err != nil {
		return RootInfo{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusConflict,
		resp.StatusCode == http.StatusPreconditionFailed:
		return RootInfo{}, fmt.Errorf("%w: generation %d is stale", ErrRootConflict, update.Generation)
	case resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden:
		// 認証以外の4xxはサーバー側で別クライアントが勝ったとみなす
		return RootInfo{}, fmt.Errorf("%w: root update rejected with status %d", ErrRootConflict, resp.StatusCode)
	default:
		return RootInfo{}, o.statusError("failed to update root", resp)
	}

	var root RootInfo
	if err := json.NewDecoder(resp.Body).Decode(&root); err != nil {
		return RootInfo{}, fmt.Errorf("failed to decode root update response: %w", err)
	}
	return root, nil
}

// ----------------------------------------------------------------
// ブロブ
// ----------------------------------------------------------------

func (o *cloudOperationsImpl) GetBlob(ctx context.Context, hash Hash) ([]byte, error) {
	resp, err := o.do(ctx, http.MethodGet, "/sync/v3/files/"+string(hash), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, hash)
	default:
		return nil, o.statusError("failed to get blob "+string(hash), resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob body: %w", err)
	}
	return data, nil
}

func (o *cloudOperationsImpl) PutBlob(ctx context.Context, hash Hash, name string, data FileHandle) error {
	headers := map[string]string{
		"Content-Type": "application/octet-stream",
		"rm-filename":  name,
	}

	resp, err := o.do(ctx, http.MethodPut, "/sync/v3/files/"+string(hash), headers, func() (io.Reader, int64, error) {
		r, err := data.Reader()
		if err != nil {
			return nil, 0, err
		}
		size, err := data.Size()
		if err != nil {
			r.Close()
			return nil, 0, err
		}
		return r, size, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return o.statusError("failed to put blob "+string(hash), resp)
	}
	return nil
}

func (o *cloudOperationsImpl) BlobExists(ctx context.Context, hash Hash) (bool, error) {
	resp, err := o.do(ctx, http.MethodHead, "/sync/v3/files/"+string(hash), nil, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, o.statusError("failed to probe blob "+string(hash), resp)
	}
}

// ----------------------------------------------------------------
// リクエスト共通処理
// ----------------------------------------------------------------

// do は認証ヘッダ付きでリクエストを送ります
// 401/403を受けた場合はトークンを更新して1回だけリトライする
// bodyはリトライのたびに呼び直して読み直せるようにする
func (o *cloudOperationsImpl) do(ctx context.Context, method, path string, headers map[string]string, body func() (io.Reader, int64, error)) (*http.Response, error) {
	resp, err := o.send(ctx, method, path, headers, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
		return resp, nil
	}
	resp.Body.Close()

	o.logger.Info("user token rejected, refreshing")
	if err := o.tokens.RefreshUserToken(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}

	resp, err = o.send(ctx, method, path, headers, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: request still rejected after refresh", ErrAuthRequired)
	}
	return resp, nil
}

func (o *cloudOperationsImpl) send(ctx context.Context, method, path string, headers map[string]string, body func() (io.Reader, int64, error)) (*http.Response, error) {
	var reader io.Reader
	var size int64
	if body != nil {
		r, n, err := body()
		if err != nil {
			return nil, err
		}
		reader = r
		size = n
	}

	req, err := http.NewRequestWithContext(ctx, method, o.baseURI+path, reader)
	if err != nil {
		return nil, err
	}
	if reader != nil {
		req.ContentLength = size
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	token, err := o.tokens.UserToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach sync server: %w", err)
	}
	return resp, nil
}

func (o *cloudOperationsImpl) statusError(message string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s: server returned %d: %s", message, resp.StatusCode, bytes.TrimSpace(body))
}
