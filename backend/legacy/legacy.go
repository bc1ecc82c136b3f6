// Package legacy はv3より前の署名付きURL方式の同期APIドライバです。
// v3のルートエンドポイントが400を返す古いアカウント向けに、
// backend.CloudOperationsと同じ契約を満たします。
package legacy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"slatesync/backend"
)

const (
	downloadsPath = "/api/v1/signed-urls/downloads"
	uploadsPath   = "/api/v1/signed-urls/uploads"

	// ルートポインタの論理パス
	rootPath = "root"

	generationHeader      = "x-goog-generation"
	generationMatchHeader = "x-goog-if-generation-match"
)

// 署名付きURL要求
type urlRequest struct {
	HTTPMethod   string `json:"http_method"`
	RelativePath string `json:"relative_path"`
	Generation   string `json:"generation,omitempty"`
}

// 署名付きURL応答
type urlResponse struct {
	RelativePath string `json:"relative_path"`
	URL          string `json:"url"`
	Expires      string `json:"expires"`
	Method       string `json:"method"`
}

// Operations は旧APIによるbackend.CloudOperationsの実装
type Operations struct {
	baseURI string
	tokens  backend.TokenProvider
	client  *http.Client
	logger  backend.EngineLogger
}

// NewOperations は新しい旧APIドライバを作成
func NewOperations(baseURI string, tokens backend.TokenProvider, logger backend.EngineLogger) *Operations {
	return &Operations{
		baseURI: strings.TrimSuffix(baseURI, "/"),
		tokens:  tokens,
		client:  &http.Client{Timeout: 5 * time.Minute},
		logger:  logger,
	}
}

// ----------------------------------------------------------------
// CloudOperations
// ----------------------------------------------------------------

// GetRoot はルートポインタを取得します
// 旧APIではルートは「ルートインデックスのハッシュ文字列」を内容とするブロブで、
// 世代はストレージのレスポンスヘッダで運ばれる
func (o *Operations) GetRoot(ctx context.Context) (backend.RootInfo, error) {
	signed, err := o.signURL(ctx, downloadsPath, urlRequest{HTTPMethod: http.MethodGet, RelativePath: rootPath})
	if err != nil {
		return backend.RootInfo{}, err
	}

	resp, err := o.storageRequest(ctx, http.MethodGet, signed.URL, nil, nil)
	if err != nil {
		return backend.RootInfo{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// ルート未作成の新規アカウント
		return backend.RootInfo{Schema: 3}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return backend.RootInfo{}, statusError("get root", resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return backend.RootInfo{}, fmt.Errorf("failed to read root: %w", err)
	}
	generation, err := parseGeneration(resp.Header)
	if err != nil {
		return backend.RootInfo{}, err
	}

	return backend.RootInfo{
		Generation: generation,
		Hash:       backend.Hash(strings.TrimSpace(string(body))),
		Schema:     3,
	}, nil
}

// PutRoot はルートポインタをCAS更新します
func (o *Operations) PutRoot(ctx context.Context, update backend.RootUpdate) (backend.RootInfo, error) {
	signed, err := o.signURL(ctx, uploadsPath, urlRequest{
		HTTPMethod:   http.MethodPut,
		RelativePath: rootPath,
		Generation:   strconv.FormatInt(update.Generation, 10),
	})
	if err != nil {
		return backend.RootInfo{}, err
	}

	headers := http.Header{}
	headers.Set(generationMatchHeader, strconv.FormatInt(update.Generation, 10))
	resp, err := o.storageRequest(ctx, http.MethodPut, signed.URL, headers, strings.NewReader(string(update.Hash)))
	if err != nil {
		return backend.RootInfo{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPreconditionFailed || resp.StatusCode == http.StatusConflict {
		return backend.RootInfo{}, backend.ErrRootConflict
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return backend.RootInfo{}, statusError("put root", resp)
	}

	generation, err := parseGeneration(resp.Header)
	if err != nil {
		return backend.RootInfo{}, err
	}
	return backend.RootInfo{Generation: generation, Hash: update.Hash, Schema: 3}, nil
}

// GetBlob はブロブをハッシュで取得します
func (o *Operations) GetBlob(ctx context.Context, hash backend.Hash) ([]byte, error) {
	signed, err := o.signURL(ctx, downloadsPath, urlRequest{HTTPMethod: http.MethodGet, RelativePath: string(hash)})
	if err != nil {
		return nil, err
	}

	resp, err := o.storageRequest(ctx, http.MethodGet, signed.URL, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, backend.ErrBlobNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("get blob", resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", hash, err)
	}
	return data, nil
}

// PutBlob はブロブをアップロードします
func (o *Operations) PutBlob(ctx context.Context, hash backend.Hash, name string, data backend.FileHandle) error {
	signed, err := o.signURL(ctx, uploadsPath, urlRequest{HTTPMethod: http.MethodPut, RelativePath: string(hash)})
	if err != nil {
		return err
	}

	reader, err := data.Reader()
	if err != nil {
		return fmt.Errorf("failed to open blob %s: %w", name, err)
	}
	defer reader.Close()

	resp, err := o.storageRequest(ctx, http.MethodPut, signed.URL, nil, reader)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError("put blob", resp)
	}
	return nil
}

// BlobExists はブロブの存在を確認します
func (o *Operations) BlobExists(ctx context.Context, hash backend.Hash) (bool, error) {
	signed, err := o.signURL(ctx, downloadsPath, urlRequest{HTTPMethod: http.MethodGet, RelativePath: string(hash)})
	if err != nil {
		return false, err
	}

	resp, err := o.storageRequest(ctx, http.MethodHead, signed.URL, nil, nil)
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
		return false, statusError("probe blob", resp)
	}
}

// ----------------------------------------------------------------
// 内部ヘルパー
// ----------------------------------------------------------------

// signURL は署名付きURLを取得する
// 署名エンドポイントだけがトークン認証を必要とする
func (o *Operations) signURL(ctx context.Context, path string, request urlRequest) (*urlResponse, error) {
	return o.signURLAttempt(ctx, path, request, true)
}

func (o *Operations) signURLAttempt(ctx context.Context, path string, request urlRequest, allowRefresh bool) (*urlResponse, error) {
	token, err := o.tokens.UserToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrAuthRequired, err)
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signed url request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURI+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create signed url request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to request signed url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		if !allowRefresh {
			return nil, fmt.Errorf("%w: server returned %d", backend.ErrAuthRequired, resp.StatusCode)
		}
		if err := o.tokens.RefreshUserToken(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", backend.ErrAuthRequired, err)
		}
		return o.signURLAttempt(ctx, path, request, false)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("sign url", resp)
	}

	var signed urlResponse
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		return nil, fmt.Errorf("failed to decode signed url response: %w", err)
	}
	return &signed, nil
}

// storageRequest は署名付きURLへの直接リクエスト（トークン不要）
func (o *Operations) storageRequest(ctx context.Context, method, url string, headers http.Header, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage request: %w", err)
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach storage: %w", err)
	}
	return resp, nil
}

func parseGeneration(header http.Header) (int64, error) {
	raw := header.Get(generationHeader)
	if raw == "" {
		return 0, nil
	}
	generation, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse generation %q: %w", raw, err)
	}
	return generation, nil
}

func statusError(operation string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("failed to %s: server returned %d: %s", operation, resp.StatusCode, strings.TrimSpace(string(body)))
}
